// Package meta persists the engine's audit surface to the warehouse
// metadata database: committed offset checkpoints, task run history and the
// quarantine report. Persistence is best-effort; the in-process changelog
// offset stays authoritative for exactly-once consumption.
package meta

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"go-dwh/internal/db"
	"go-dwh/internal/log"
	"go-dwh/internal/model"
	"go-dwh/internal/quality"
)

type OffsetMeta struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement:true;type:bigint"`
	Stream   string `gorm:"column:stream;type:varchar(100);uniqueIndex:uniq_cursor"`
	Consumer string `gorm:"column:consumer;type:varchar(100);uniqueIndex:uniq_cursor"`
	Offset   int64  `gorm:"column:last_offset;type:bigint"`
}

func (OffsetMeta) TableName() string {
	return "dwh_stream_offset"
}

type TaskRunMeta struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement:true;type:bigint"`
	RunID     string    `gorm:"column:run_id;type:varchar(36);uniqueIndex:uniq_run"`
	Task      string    `gorm:"column:task;type:varchar(100);index:idx_task"`
	Cycle     string    `gorm:"column:cycle;type:varchar(36)"`
	StartedAt time.Time `gorm:"column:started_at"`
	EndedAt   time.Time `gorm:"column:ended_at"`
	Outcome   string    `gorm:"column:outcome;type:varchar(20)"`
	Attempts  int       `gorm:"column:attempts"`
	Error     string    `gorm:"column:error;type:text"`
	SkipNote  string    `gorm:"column:skip_note;type:varchar(255)"`
}

func (TaskRunMeta) TableName() string {
	return "dwh_task_run"
}

type QuarantineMeta struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement:true;type:bigint"`
	Relation   string    `gorm:"column:relation;type:varchar(100);index:idx_relation"`
	NaturalKey string    `gorm:"column:natural_key;type:varchar(100)"`
	Rule       string    `gorm:"column:rule;type:varchar(100)"`
	Reason     string    `gorm:"column:reason;type:varchar(255)"`
	Payload    string    `gorm:"column:payload;type:json"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (QuarantineMeta) TableName() string {
	return "dwh_quarantine"
}

func init() {
	db.AutoTable(&OffsetMeta{})
	db.AutoTable(&TaskRunMeta{})
	db.AutoTable(&QuarantineMeta{})
}

// Service implements the changelog Checkpointer, scheduler Recorder and
// quality Sink against the metadata database.
type Service struct {
	db *gorm.DB
}

func NewService(gdb *gorm.DB) *Service {
	return &Service{db: gdb}
}

// SaveOffset upserts the committed offset checkpoint for a cursor.
func (s *Service) SaveOffset(stream, consumer string, offset int64) {
	meta := OffsetMeta{Stream: stream, Consumer: consumer, Offset: offset}
	var existing OffsetMeta
	err := s.db.Model(&OffsetMeta{}).
		Where("stream = ? and consumer = ?", stream, consumer).
		First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := s.db.Create(&meta).Error; err != nil {
				log.Log.Error("insert offset checkpoint failed", zap.Error(err))
			}
		} else {
			log.Log.Error("query offset checkpoint failed", zap.Error(err))
		}
		return
	}
	if err := s.db.Model(&existing).Update("last_offset", offset).Error; err != nil {
		log.Log.Error("update offset checkpoint failed", zap.Error(err))
	}
}

// RecordRun appends one task run to the audit history.
func (s *Service) RecordRun(run model.TaskRun) {
	meta := TaskRunMeta{
		RunID:     run.ID,
		Task:      run.Task,
		Cycle:     run.Cycle,
		StartedAt: run.Start,
		EndedAt:   run.End,
		Outcome:   string(run.Outcome),
		Attempts:  run.Attempts,
		Error:     run.Error,
		SkipNote:  run.SkipNote,
	}
	if err := s.db.Create(&meta).Error; err != nil {
		log.Log.Error("insert task run failed", zap.String("task", run.Task), zap.Error(err))
	}
}

// Quarantine appends one rejected record to the rejects report.
func (s *Service) Quarantine(r quality.Reject) {
	payload := r.Event.Payload
	if r.Event.Kind == model.Delete {
		payload = r.Event.Before
	}
	b, _ := json.Marshal(payload)
	meta := QuarantineMeta{
		Relation:   r.Event.Relation,
		NaturalKey: r.Event.NaturalKey,
		Rule:       r.Rule,
		Reason:     r.Reason,
		Payload:    string(b),
		CreatedAt:  time.Now(),
	}
	if err := s.db.Create(&meta).Error; err != nil {
		log.Log.Error("insert quarantine record failed", zap.String("relation", r.Event.Relation), zap.Error(err))
	}
}
