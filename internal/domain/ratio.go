package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Ratio is an exposure ratio that is either a computable value or
// not computable (zero denominator). The zero value is NotComputable, so a
// Ratio never silently reads as 0.0.
type Ratio struct {
	value float64
	ok    bool
}

// Computable wraps a defined ratio value.
func Computable(v float64) Ratio {
	return Ratio{value: v, ok: true}
}

// NotComputable returns the undefined ratio.
func NotComputable() Ratio {
	return Ratio{}
}

// RatioOf returns num/den, or NotComputable when den is zero.
func RatioOf(num, den int) Ratio {
	if den <= 0 {
		return NotComputable()
	}
	return Computable(float64(num) / float64(den))
}

// Get returns the value and whether it is computable.
func (r Ratio) Get() (float64, bool) {
	return r.value, r.ok
}

// IsComputable reports whether the ratio has a value.
func (r Ratio) IsComputable() bool {
	return r.ok
}

// AtLeast reports whether the ratio is computable and >= threshold.
// A not-computable side never compares true.
func (r Ratio) AtLeast(threshold Ratio) bool {
	if !r.ok || !threshold.ok {
		return false
	}
	return r.value >= threshold.value
}

// Ptr returns nil for a not-computable ratio, used by storage drivers.
func (r Ratio) Ptr() *float64 {
	if !r.ok {
		return nil
	}
	v := r.value
	return &v
}

// RatioFromPtr is the inverse of Ptr.
func RatioFromPtr(p *float64) Ratio {
	if p == nil {
		return NotComputable()
	}
	return Computable(*p)
}

// Any returns the ratio as a column value: float64 or nil.
func (r Ratio) Any() any {
	if !r.ok {
		return nil
	}
	return r.value
}

func (r Ratio) String() string {
	if !r.ok {
		return "not computable"
	}
	return strconv.FormatFloat(r.value, 'f', 3, 64)
}

// MarshalJSON encodes not-computable as null.
func (r Ratio) MarshalJSON() ([]byte, error) {
	if !r.ok {
		return []byte("null"), nil
	}
	return json.Marshal(r.value)
}

// UnmarshalJSON decodes null as not-computable.
func (r *Ratio) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*r = NotComputable()
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Computable(v)
	return nil
}
