package config

import (
	"os"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

type DataSourceConfig struct {
	Type     string            `toml:"type"`
	Host     string            `toml:"host"`
	Port     int               `toml:"port"`
	User     string            `toml:"user"`
	Password string            `toml:"password"`
	Database string            `toml:"database"`
	Params   map[string]string `toml:"params"`
}

type StreamConfig struct {
	ID         string `toml:"id"`
	Relation   string `toml:"relation"`
	AppendOnly bool   `toml:"append_only"`
	Retention  int    `toml:"retention"` // max retained events; 0 = unbounded
}

type DimensionConfig struct {
	Name       string `toml:"name"`
	SCD        string `toml:"scd"` // type1 | type2
	NaturalKey string `toml:"natural_key"`
	Stream     string `toml:"stream"`
}

type FactConfig struct {
	Name          string              `toml:"name"`
	Stream        string              `toml:"stream"`
	DegenerateKey string              `toml:"degenerate_key"`
	Dimensions    []*FactBindingConfig `toml:"dimensions"`
}

// FactBindingConfig maps a fact-source attribute onto a dimension lookup.
type FactBindingConfig struct {
	Dimension string `toml:"dimension"`
	Attribute string `toml:"attribute"`
}

type TaskConfig struct {
	Name         string   `toml:"name"`
	Kind         string   `toml:"kind"`   // dimension | fact | reconcile
	Target       string   `toml:"target"` // dimension or fact name
	Schedule     string   `toml:"schedule"` // cron; empty for dependent tasks
	Timezone     string   `toml:"timezone"`
	Predecessors []string `toml:"predecessors"`
	ResourcePool string   `toml:"resource_pool"`
	MaxAttempts  int      `toml:"max_attempts"`
	Backoff      string   `toml:"backoff"` // duration, e.g. "5s"
	Timeout      string   `toml:"timeout"` // duration; 0 = no limit
}

type WarehouseConfig struct {
	LogFile       string             `toml:"log_file"`
	MetricsAddr   string             `toml:"metrics_addr"`
	MetaDBEnabled bool               `toml:"meta_db_enabled"`
	DataSource    *DataSourceConfig  `toml:"WAREHOUSE_DATASOURCE"`
	Streams       []*StreamConfig    `toml:"STREAM"`
	Dimensions    []*DimensionConfig `toml:"DIMENSION"`
	Facts         []*FactConfig      `toml:"FACT"`
	Tasks         []*TaskConfig      `toml:"TASK"`
}

var (
	Cnf    *WarehouseConfig
	once   sync.Once
	cfgErr error
)

func LoadConfig(configPath string) (*WarehouseConfig, error) {
	once.Do(func() {
		data, err := os.ReadFile(configPath)
		if err != nil {
			cfgErr = err
			return
		}
		cfg := &WarehouseConfig{}
		if err := toml.Unmarshal(data, cfg); err != nil {
			cfgErr = err
			return
		}
		if err := cfg.Validate(); err != nil {
			cfgErr = err
			return
		}
		Cnf = cfg
	})
	return Cnf, cfgErr
}

func (cfg *WarehouseConfig) Validate() error {
	streams := make(map[string]bool, len(cfg.Streams))
	for _, s := range cfg.Streams {
		if s.ID == "" {
			return errors.New("config: stream id is required")
		}
		if streams[s.ID] {
			return errors.Errorf("config: duplicate stream %q", s.ID)
		}
		streams[s.ID] = true
	}
	for _, d := range cfg.Dimensions {
		if d.SCD != "type1" && d.SCD != "type2" {
			return errors.Errorf("config: dimension %q: scd must be type1 or type2, got %q", d.Name, d.SCD)
		}
		if d.Stream != "" && !streams[d.Stream] {
			return errors.Errorf("config: dimension %q references unknown stream %q", d.Name, d.Stream)
		}
	}
	for _, f := range cfg.Facts {
		if f.Stream != "" && !streams[f.Stream] {
			return errors.Errorf("config: fact %q references unknown stream %q", f.Name, f.Stream)
		}
		if f.DegenerateKey == "" {
			return errors.Errorf("config: fact %q: degenerate_key is required", f.Name)
		}
	}
	dimensions := make(map[string]bool, len(cfg.Dimensions))
	for _, d := range cfg.Dimensions {
		dimensions[d.Name] = true
	}
	facts := make(map[string]bool, len(cfg.Facts))
	for _, f := range cfg.Facts {
		facts[f.Name] = true
	}
	for _, t := range cfg.Tasks {
		if t.Name == "" {
			return errors.New("config: task name is required")
		}
		switch t.Kind {
		case "dimension":
			if !dimensions[t.Target] {
				return errors.Errorf("config: task %q targets unknown dimension %q", t.Name, t.Target)
			}
		case "fact", "reconcile":
			if !facts[t.Target] {
				return errors.Errorf("config: task %q targets unknown fact %q", t.Name, t.Target)
			}
		default:
			return errors.Errorf("config: task %q: kind must be dimension, fact or reconcile, got %q", t.Name, t.Kind)
		}
		if t.Schedule != "" {
			if _, err := t.CronSchedule(); err != nil {
				return errors.Wrapf(err, "config: task %q schedule", t.Name)
			}
		}
		if _, err := t.BackoffDuration(); err != nil {
			return errors.Wrapf(err, "config: task %q backoff", t.Name)
		}
		if _, err := t.TimeoutDuration(); err != nil {
			return errors.Wrapf(err, "config: task %q timeout", t.Name)
		}
	}
	return nil
}

// CronSchedule parses the task's cron expression in its configured timezone.
func (t *TaskConfig) CronSchedule() (cron.Schedule, error) {
	loc := time.UTC
	if t.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(t.Timezone)
		if err != nil {
			return nil, errors.Wrapf(err, "load timezone %q", t.Timezone)
		}
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(t.Schedule)
	if err != nil {
		return nil, errors.Wrapf(err, "parse cron %q", t.Schedule)
	}
	return wrappedSchedule{sched: sched, loc: loc}, nil
}

type wrappedSchedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (w wrappedSchedule) Next(t time.Time) time.Time {
	return w.sched.Next(t.In(w.loc))
}

func (t *TaskConfig) BackoffDuration() (time.Duration, error) {
	if t.Backoff == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(t.Backoff)
}

func (t *TaskConfig) TimeoutDuration() (time.Duration, error) {
	if t.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(t.Timeout)
}
