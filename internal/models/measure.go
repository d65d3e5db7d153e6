package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Measure is an optional numeric reading. Payload fields that are missing, null or
// not numeric decode to an invalid Measure instead of failing the whole sample.
type Measure struct {
	Value float64
	Valid bool
}

// Float returns a present Measure. Non-finite values are treated as absent.
func Float(v float64) Measure {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Measure{}
	}
	return Measure{Value: v, Valid: true}
}

// Float64 reports the value and whether it is present.
func (m Measure) Float64() (float64, bool) {
	return m.Value, m.Valid
}

// MarshalJSON encodes absent readings as null.
func (m Measure) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(m.Value)
}

// UnmarshalJSON accepts JSON numbers and numeric strings.
func (m *Measure) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*m = Measure{}
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	if trimmed[0] == '"' {
		var raw string
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil
		}
		*m = Float(v)
		return nil
	}

	var v float64
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil
	}
	*m = Float(v)
	return nil
}
