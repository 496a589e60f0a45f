// Package fingerprint derives stable identities for cacheable computations.
//
// A fingerprint is computed from a logical query identifier, the bound
// parameters of that query, and a data-version tag. Two fingerprints are
// equal iff all three inputs are equal after normalization: map ordering is
// canonicalized, timestamps are reduced to UTC RFC 3339, and floats are
// rounded to a declared precision. Bumping the version tag changes every
// fingerprint derived with it, which is the coarse-grained mechanism for
// invalidating all prior cache entries after a schema or logic change.
package fingerprint

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is an opaque, deterministic identity for one computation.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// ErrInvalidInput is returned when a parameter value cannot be normalized
// deterministically (functions, channels, NaN, and similar).
var ErrInvalidInput = errors.New("fingerprint: input cannot be normalized deterministically")

// Set declares a collection as order-insensitive. Elements are sorted by
// their canonical encoding before hashing, so Set{"a", "b"} and
// Set{"b", "a"} produce the same fingerprint. Plain slices keep their order.
type Set []any

// DefaultFloatPrecision is the number of decimal digits floats are rounded
// to before hashing.
const DefaultFloatPrecision = 9

// Keyer computes fingerprints. The zero value is not usable; construct with
// NewKeyer. Keyers are immutable and safe for concurrent use.
type Keyer struct {
	floatPrecision int
}

// Option configures a Keyer.
type Option func(*Keyer)

// WithFloatPrecision sets the number of decimal digits floating point
// parameters are rounded to. Defaults to DefaultFloatPrecision.
func WithFloatPrecision(digits int) Option {
	return func(k *Keyer) { k.floatPrecision = digits }
}

// NewKeyer returns a Keyer with the given options applied.
func NewKeyer(opts ...Option) *Keyer {
	k := &Keyer{floatPrecision: DefaultFloatPrecision}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

var defaultKeyer = NewKeyer()

// Compute derives a fingerprint using a Keyer with default options.
func Compute(queryID string, params map[string]any, versionTag string) (Fingerprint, error) {
	return defaultKeyer.Compute(queryID, params, versionTag)
}

// Compute derives the fingerprint for (queryID, params, versionTag).
// Parameter iteration order does not matter. The computation is pure.
func (k *Keyer) Compute(queryID string, params map[string]any, versionTag string) (Fingerprint, error) {
	canonical, err := k.canonicalize(params)
	if err != nil {
		return "", err
	}

	h := xxhash.New()
	// Separators keep ("a", "bc") and ("ab", "c") from colliding.
	h.WriteString(queryID)
	h.Write([]byte{0})
	h.WriteString(versionTag)
	h.Write([]byte{0})
	h.Write(canonical)

	return Fingerprint(fmt.Sprintf("%s@%s:%016x", queryID, versionTag, h.Sum64())), nil
}

// canonicalize produces a deterministic byte representation of v.
// Maps are sorted by key, Sets are sorted by element encoding, everything
// else keeps its declared order.
func (k *Keyer) canonicalize(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		return strconv.AppendBool(nil, val), nil
	case string:
		return json.Marshal(val)
	case int:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case int8:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case int16:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case int32:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case int64:
		return strconv.AppendInt(nil, val, 10), nil
	case uint:
		return strconv.AppendUint(nil, uint64(val), 10), nil
	case uint8:
		return strconv.AppendUint(nil, uint64(val), 10), nil
	case uint16:
		return strconv.AppendUint(nil, uint64(val), 10), nil
	case uint32:
		return strconv.AppendUint(nil, uint64(val), 10), nil
	case uint64:
		return strconv.AppendUint(nil, val, 10), nil
	case float32:
		return k.canonicalFloat(float64(val))
	case float64:
		return k.canonicalFloat(val)
	case json.Number:
		return []byte(val.String()), nil
	case time.Time:
		return json.Marshal(val.UTC().Format(time.RFC3339Nano))
	case time.Duration:
		return json.Marshal(val.String())
	case Set:
		return k.canonicalSet(val)
	case []any:
		return k.canonicalSlice(val)
	case []string:
		s := make([]any, len(val))
		for i, e := range val {
			s[i] = e
		}
		return k.canonicalSlice(s)
	case map[string]any:
		return k.canonicalMap(val)
	default:
		// encoding/json fails on funcs, channels and complex numbers, and
		// sorts keys of the remaining map types, so the fallback stays
		// deterministic.
		data, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("%w: %T: %v", ErrInvalidInput, val, err)
		}
		return data, nil
	}
}

func (k *Keyer) canonicalFloat(f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite float %v", ErrInvalidInput, f)
	}
	return strconv.AppendFloat(nil, f, 'f', k.floatPrecision, 64), nil
}

func (k *Keyer) canonicalMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := []byte{'{'}
	for i, key := range keys {
		if i > 0 {
			result = append(result, ',')
		}
		keyBytes, err := json.Marshal(key)
		if err != nil {
			return nil, fmt.Errorf("%w: map key %q", ErrInvalidInput, key)
		}
		result = append(result, keyBytes...)
		result = append(result, ':')
		valBytes, err := k.canonicalize(m[key])
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	return append(result, '}'), nil
}

func (k *Keyer) canonicalSlice(s []any) ([]byte, error) {
	result := []byte{'['}
	for i, v := range s {
		if i > 0 {
			result = append(result, ',')
		}
		valBytes, err := k.canonicalize(v)
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	return append(result, ']'), nil
}

func (k *Keyer) canonicalSet(s Set) ([]byte, error) {
	encoded := make([]string, len(s))
	for i, v := range s {
		b, err := k.canonicalize(v)
		if err != nil {
			return nil, err
		}
		encoded[i] = string(b)
	}
	sort.Strings(encoded)

	result := []byte{'['}
	for i, e := range encoded {
		if i > 0 {
			result = append(result, ',')
		}
		result = append(result, e...)
	}
	return append(result, ']'), nil
}
