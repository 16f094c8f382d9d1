package model

import "time"

// SurrogateKey is the warehouse-internal join key for a dimension member.
// Keys are minted per dimension, immutable once assigned, and carry no
// business meaning.
type SurrogateKey int64

// SentinelKey is the "unknown member" key assigned to fact rows whose
// dimension lookup missed (late-arriving dimension).
const SentinelKey SurrogateKey = -1

// SCDType selects the slowly-changing-dimension maintenance algorithm.
type SCDType int

const (
	SCDType1 SCDType = 1 // overwrite, no history
	SCDType2 SCDType = 2 // historized, one row per attribute state
)

func (t SCDType) String() string {
	if t == SCDType2 {
		return "type2"
	}
	return "type1"
}

// DimensionRecord is one version of a dimension member.
//
// Type 2 invariant: exactly one record with IsCurrent=true exists per
// NaturalKey, and the EffectiveFrom/EffectiveTo intervals of one NaturalKey
// are contiguous and non-overlapping. Type 1 keeps a single always-current
// record per NaturalKey.
type DimensionRecord struct {
	SurrogateKey  SurrogateKey
	NaturalKey    string
	Attributes    AttributeBag
	ChangeHash    string
	EffectiveFrom time.Time
	EffectiveTo   *time.Time // nil while current
	IsCurrent     bool
}
