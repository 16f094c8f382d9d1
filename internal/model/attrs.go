package model

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Attribute access errors. Schema is not statically known, so accessors
// return errors instead of panicking.
var (
	ErrAttrMissing = errors.New("attribute missing")
	ErrAttrType    = errors.New("attribute has unexpected type")
)

// AttributeBag is a semi-structured attribute map carried by change events
// and dimension records. Values are scalars or nested bags, as produced by
// JSON decoding.
type AttributeBag map[string]interface{}

func (b AttributeBag) Has(key string) bool {
	_, ok := b[key]
	return ok
}

func (b AttributeBag) String(key string) (string, error) {
	v, ok := b[key]
	if !ok {
		return "", errors.Wrap(ErrAttrMissing, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Wrapf(ErrAttrType, "%s: want string, got %T", key, v)
	}
	return s, nil
}

func (b AttributeBag) Int(key string) (int64, error) {
	v, ok := b[key]
	if !ok {
		return 0, errors.Wrap(ErrAttrMissing, key)
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, errors.Wrapf(ErrAttrType, "%s: %v is not integral", key, n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, errors.Wrapf(ErrAttrType, "%s: want integer, got %T", key, v)
	}
}

func (b AttributeBag) Float(key string) (float64, error) {
	v, ok := b[key]
	if !ok {
		return 0, errors.Wrap(ErrAttrMissing, key)
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	default:
		return 0, errors.Wrapf(ErrAttrType, "%s: want number, got %T", key, v)
	}
}

// Decimal reads a numeric or numeric-string attribute as an exact decimal,
// for measure arithmetic where float rounding is not acceptable.
func (b AttributeBag) Decimal(key string) (decimal.Decimal, error) {
	v, ok := b[key]
	if !ok {
		return decimal.Zero, errors.Wrap(ErrAttrMissing, key)
	}
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero, errors.Wrapf(ErrAttrType, "%s: %q is not numeric", key, n)
		}
		return d, nil
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return decimal.Zero, errors.Wrapf(ErrAttrType, "%s: %q is not numeric", key, n)
		}
		return d, nil
	default:
		return decimal.Zero, errors.Wrapf(ErrAttrType, "%s: want numeric, got %T", key, v)
	}
}

func (b AttributeBag) Bag(key string) (AttributeBag, error) {
	v, ok := b[key]
	if !ok {
		return nil, errors.Wrap(ErrAttrMissing, key)
	}
	switch m := v.(type) {
	case AttributeBag:
		return m, nil
	case map[string]interface{}:
		return AttributeBag(m), nil
	default:
		return nil, errors.Wrapf(ErrAttrType, "%s: want nested bag, got %T", key, v)
	}
}

func (b AttributeBag) Clone() AttributeBag {
	if b == nil {
		return nil
	}
	out := make(AttributeBag, len(b))
	for k, v := range b {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = map[string]interface{}(AttributeBag(nested).Clone())
			continue
		}
		if nested, ok := v.(AttributeBag); ok {
			out[k] = nested.Clone()
			continue
		}
		out[k] = v
	}
	return out
}

// ChangeHash returns a stable hex digest of the bag's canonical JSON form.
// Map keys are serialized in sorted order, so two bags with equal contents
// hash identically regardless of construction order.
func (b AttributeBag) ChangeHash() string {
	data, err := json.Marshal(b)
	if err != nil {
		// Bags come from JSON decoding; a marshal failure means a
		// non-serializable value was injected programmatically.
		panic(errors.Wrap(err, "attribute bag is not serializable"))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
