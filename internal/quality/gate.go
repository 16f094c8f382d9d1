// Package quality is the pre-merge validation stage. Rules are pure
// per-record functions, so a batch can be evaluated in any order or in
// parallel; invalid records are quarantined to a rejects sink and excluded
// from the merge/load working set. Quarantined records are never retried.
package quality

import (
	"regexp"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go-dwh/internal/metrics"
	"go-dwh/internal/model"
)

// Rule is a pure per-record validator. Check returns nil for a valid record
// and a describing error for a violation.
type Rule struct {
	Name  string
	Check func(model.ChangeEvent) error
}

// Reject is a quarantined record plus the reason it was quarantined.
type Reject struct {
	Event  model.ChangeEvent
	Rule   string
	Reason string
}

// Sink receives quarantined records for the rejects report.
type Sink interface {
	Quarantine(Reject)
}

// MemorySink collects rejects in memory.
type MemorySink struct {
	rejects []Reject
}

func (s *MemorySink) Quarantine(r Reject) { s.rejects = append(s.rejects, r) }

// Report returns the quarantined records accumulated so far.
func (s *MemorySink) Report() []Reject { return s.rejects }

// Gate partitions change batches into valid and quarantined sets.
type Gate struct {
	rules  []Rule
	sink   Sink
	logger *zap.Logger
}

func NewGate(logger *zap.Logger, sink Sink, rules ...Rule) *Gate {
	return &Gate{rules: rules, sink: sink, logger: logger}
}

// Partition validates each event against every rule. Valid events pass
// through unchanged and in order; the first violated rule quarantines the
// event.
func (g *Gate) Partition(events []model.ChangeEvent) (valid []model.ChangeEvent, rejected []Reject) {
	for _, e := range events {
		if reason, rule := g.violation(e); rule != "" {
			r := Reject{Event: e, Rule: rule, Reason: reason}
			rejected = append(rejected, r)
			if g.sink != nil {
				g.sink.Quarantine(r)
			}
			metrics.GateRejectedTotal.WithLabelValues(e.Relation).Inc()
			g.logger.Warn("record quarantined",
				zap.String("relation", e.Relation), zap.String("key", e.NaturalKey),
				zap.String("rule", rule), zap.String("reason", reason))
			continue
		}
		valid = append(valid, e)
		metrics.GatePassedTotal.WithLabelValues(e.Relation).Inc()
	}
	return valid, rejected
}

func (g *Gate) violation(e model.ChangeEvent) (reason, rule string) {
	for _, r := range g.rules {
		if err := r.Check(e); err != nil {
			return err.Error(), r.Name
		}
	}
	return "", ""
}

// image picks the attribute bag a rule should inspect: the after image for
// inserts and updates, the before image for deletes.
func image(e model.ChangeEvent) model.AttributeBag {
	if e.Kind == model.Delete {
		return e.Before
	}
	return e.Payload
}

// RequireKey rejects events without a natural key.
func RequireKey() Rule {
	return Rule{
		Name: "require_key",
		Check: func(e model.ChangeEvent) error {
			if e.NaturalKey == "" {
				return errors.New("natural key is empty")
			}
			return nil
		},
	}
}

// RequireFields rejects records missing any of the named attributes.
func RequireFields(fields ...string) Rule {
	return Rule{
		Name: "require_fields",
		Check: func(e model.ChangeEvent) error {
			bag := image(e)
			for _, f := range fields {
				if !bag.Has(f) {
					return errors.Errorf("missing required field %q", f)
				}
			}
			return nil
		},
	}
}

// NumericRange rejects records whose named attribute is non-numeric or
// outside [min, max]. Absent attributes pass; combine with RequireFields to
// make them mandatory.
func NumericRange(field string, min, max float64) Rule {
	return Rule{
		Name: "numeric_range:" + field,
		Check: func(e model.ChangeEvent) error {
			bag := image(e)
			if !bag.Has(field) {
				return nil
			}
			v, err := bag.Float(field)
			if err != nil {
				return errors.Errorf("field %q is not numeric", field)
			}
			if v < min || v > max {
				return errors.Errorf("field %q = %v outside [%v, %v]", field, v, min, max)
			}
			return nil
		},
	}
}

// RequireNumeric rejects records carrying a non-numeric value in any of the
// named attributes. Absent attributes pass; combine with RequireFields to
// make them mandatory.
func RequireNumeric(fields ...string) Rule {
	return Rule{
		Name: "require_numeric",
		Check: func(e model.ChangeEvent) error {
			bag := image(e)
			for _, f := range fields {
				if !bag.Has(f) {
					continue
				}
				if _, err := bag.Decimal(f); err != nil {
					return errors.Errorf("field %q is not numeric", f)
				}
			}
			return nil
		},
	}
}

// MatchFormat rejects records whose named string attribute does not match
// the pattern. The pattern is compiled once at rule construction.
func MatchFormat(field, pattern string) Rule {
	re := regexp.MustCompile(pattern)
	return Rule{
		Name: "format:" + field,
		Check: func(e model.ChangeEvent) error {
			bag := image(e)
			if !bag.Has(field) {
				return nil
			}
			s, err := bag.String(field)
			if err != nil {
				return errors.Errorf("field %q is not a string", field)
			}
			if !re.MatchString(s) {
				return errors.Errorf("field %q = %q does not match %s", field, s, pattern)
			}
			return nil
		},
	}
}

// OneOf rejects records whose named attribute is not in the allowed set.
// Referential plausibility check for low-cardinality reference attributes.
func OneOf(field string, allowed ...string) Rule {
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	return Rule{
		Name: "one_of:" + field,
		Check: func(e model.ChangeEvent) error {
			bag := image(e)
			if !bag.Has(field) {
				return nil
			}
			s, err := bag.String(field)
			if err != nil {
				return errors.Errorf("field %q is not a string", field)
			}
			if !set[s] {
				return errors.Errorf("field %q = %q is not a known value", field, s)
			}
			return nil
		},
	}
}
