// Package changelog provides durable per-consumer cursors over the change
// streams of tracked relations. A consumer reads the window past its last
// committed offset, processes it, and commits the offset only after its own
// work succeeded; a failed consumer never advances, so retries reread the
// same window.
package changelog

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go-dwh/internal/metrics"
	"go-dwh/internal/model"
)

var (
	// ErrStaleStream means the consumer's offset fell behind the stream's
	// retention horizon. Events were discarded unread; the consumer must be
	// rebuilt from a fresh snapshot. Never reported as an empty window.
	ErrStaleStream = errors.New("stale stream: consumer offset behind retention horizon")

	ErrUnknownStream = errors.New("unknown stream")

	// ErrAppendOnly is returned when a delete or update reaches a stream
	// declared append-only.
	ErrAppendOnly = errors.New("append-only stream rejects deletes")

	// ErrOffsetRegressed is returned by Commit when the requested offset is
	// behind the committed one or past the stream head.
	ErrOffsetRegressed = errors.New("offset outside committable range")
)

// Checkpointer mirrors committed offsets to durable storage. Best-effort;
// the in-process offset is authoritative for exactly-once.
type Checkpointer interface {
	SaveOffset(stream, consumer string, offset int64)
}

// Log tracks the change streams of all registered relations.
type Log struct {
	mu         sync.Mutex
	streams    map[string]*stream
	checkpoint Checkpointer
	logger     *zap.Logger
}

type stream struct {
	id         string
	relation   string
	appendOnly bool
	retention  int // max retained events; 0 = unbounded

	lastSeq  int64
	horizon  int64 // highest discarded sequence; retained events are all later
	events   []model.ChangeEvent
	offsets  map[string]int64
	lastPair int64
}

type Option func(*Log)

func WithCheckpointer(c Checkpointer) Option {
	return func(l *Log) { l.checkpoint = c }
}

func New(logger *zap.Logger, opts ...Option) *Log {
	l := &Log{
		streams: make(map[string]*stream),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register declares a tracked relation's stream. Retention bounds the unread
// window; once exceeded, the oldest events are discarded and any consumer
// still behind them becomes stale.
func (l *Log) Register(id, relation string, appendOnly bool, retention int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streams[id] = &stream{
		id:         id,
		relation:   relation,
		appendOnly: appendOnly,
		retention:  retention,
		offsets:    make(map[string]int64),
	}
}

// Append records committed upstream mutations, assigning source sequence
// numbers in commit order. Returns the sequence of the last appended event.
func (l *Log) Append(streamID string, events ...model.ChangeEvent) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[streamID]
	if !ok {
		return 0, errors.Wrap(ErrUnknownStream, streamID)
	}
	if s.appendOnly {
		for _, e := range events {
			if e.Kind != model.Insert {
				return 0, errors.Wrapf(ErrAppendOnly, "stream %s got %s for key %s", streamID, e.Kind, e.NaturalKey)
			}
		}
	}
	for _, e := range events {
		s.lastSeq++
		e.Sequence = s.lastSeq
		if e.Relation == "" {
			e.Relation = s.relation
		}
		s.events = append(s.events, e)
	}
	s.compact()
	return s.lastSeq, nil
}

// AppendUpdate records an update as its correlated Delete(old)+Insert(new)
// pair sharing a PairID.
func (l *Log) AppendUpdate(streamID, naturalKey string, before, after model.AttributeBag) (int64, error) {
	l.mu.Lock()
	s, ok := l.streams[streamID]
	if !ok {
		l.mu.Unlock()
		return 0, errors.Wrap(ErrUnknownStream, streamID)
	}
	if s.appendOnly {
		l.mu.Unlock()
		return 0, errors.Wrapf(ErrAppendOnly, "stream %s got update pair for key %s", streamID, naturalKey)
	}
	s.lastPair++
	pair := s.lastPair
	l.mu.Unlock()

	return l.Append(streamID,
		model.ChangeEvent{NaturalKey: naturalKey, Kind: model.Delete, Before: before, PairID: pair},
		model.ChangeEvent{NaturalKey: naturalKey, Kind: model.Insert, Payload: after, PairID: pair},
	)
}

// HasPending reports whether unread events exist past the consumer's
// committed offset. A stale consumer gets ErrStaleStream, never a misleading
// empty result.
func (l *Log) HasPending(streamID, consumer string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[streamID]
	if !ok {
		return false, errors.Wrap(ErrUnknownStream, streamID)
	}
	if err := s.checkStale(consumer); err != nil {
		l.logger.Error("stream is stale",
			zap.String("stream", streamID), zap.String("consumer", consumer),
			zap.Int64("offset", s.offsets[consumer]), zap.Int64("horizon", s.horizon))
		return false, err
	}
	return s.offsets[consumer] < s.lastSeq, nil
}

// Read returns the unread window past the consumer's committed offset, in
// source sequence order. Until Commit advances the offset, repeated reads
// return the same window, so a crashed-and-retried consumer reprocesses
// idempotently.
func (l *Log) Read(streamID, consumer string) ([]model.ChangeEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[streamID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownStream, streamID)
	}
	if err := s.checkStale(consumer); err != nil {
		return nil, err
	}
	offset := s.offsets[consumer]
	var window []model.ChangeEvent
	for _, e := range s.events {
		if e.Sequence > offset {
			window = append(window, e)
		}
	}
	return window, nil
}

// Commit advances the consumer's offset to upto. Call only after the
// consuming work committed; a failed consumer simply never commits. The
// advance is compare-and-swap: offsets are monotonically non-decreasing and
// cannot pass the stream head.
func (l *Log) Commit(streamID, consumer string, upto int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[streamID]
	if !ok {
		return errors.Wrap(ErrUnknownStream, streamID)
	}
	current := s.offsets[consumer]
	if upto < current || upto > s.lastSeq {
		return errors.Wrapf(ErrOffsetRegressed, "stream %s consumer %s: commit %d, committed %d, head %d",
			streamID, consumer, upto, current, s.lastSeq)
	}
	s.offsets[consumer] = upto
	metrics.StreamOffset.WithLabelValues(streamID, consumer).Set(float64(upto))
	if l.checkpoint != nil {
		l.checkpoint.SaveOffset(streamID, consumer, upto)
	}
	return nil
}

// Offset returns the consumer's committed offset.
func (l *Log) Offset(streamID, consumer string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[streamID]
	if !ok {
		return 0, errors.Wrap(ErrUnknownStream, streamID)
	}
	return s.offsets[consumer], nil
}

// ResetConsumer force-sets a consumer's offset. Manual rebuild path for a
// stale consumer after its downstream state was re-seeded from a snapshot.
func (l *Log) ResetConsumer(streamID, consumer string, offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[streamID]
	if !ok {
		return errors.Wrap(ErrUnknownStream, streamID)
	}
	s.offsets[consumer] = offset
	l.logger.Warn("consumer offset reset",
		zap.String("stream", streamID), zap.String("consumer", consumer), zap.Int64("offset", offset))
	return nil
}

func (s *stream) checkStale(consumer string) error {
	if s.offsets[consumer] < s.horizon {
		metrics.StreamStale.WithLabelValues(s.id).Inc()
		return errors.Wrapf(ErrStaleStream, "stream %s consumer %s: offset %d, horizon %d",
			s.id, consumer, s.offsets[consumer], s.horizon)
	}
	return nil
}

func (s *stream) compact() {
	if s.retention <= 0 || len(s.events) <= s.retention {
		return
	}
	drop := len(s.events) - s.retention
	s.horizon = s.events[drop-1].Sequence
	s.events = append([]model.ChangeEvent(nil), s.events[drop:]...)
}
