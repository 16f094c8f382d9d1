package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// FactRecord is one immutable fact-table row. Corrections are additive;
// measures are never edited after load. The only post-load mutation is
// surrogate-key reconciliation, which repoints a SentinelKey reference once
// the missing dimension member arrives.
type FactRecord struct {
	DegenerateID string // unique business identifier, not its own dimension
	Keys         map[string]SurrogateKey
	Pending      map[string]string // dimension -> natural key awaiting reconciliation
	Measures     map[string]decimal.Decimal
	LoadTime     time.Time
}

// HasSentinel reports whether any dimension reference is still unresolved.
func (f FactRecord) HasSentinel() bool {
	return len(f.Pending) > 0
}
