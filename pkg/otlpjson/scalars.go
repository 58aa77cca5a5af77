package otlpjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Int64 is a signed 64-bit integer encoded either as a JSON number or as a
// decimal string, as the OTLP JSON mapping allows.
type Int64 int64

// UnmarshalJSON implements json.Unmarshaler.
func (i *Int64) UnmarshalJSON(b []byte) error {
	if isNull(b) {
		return nil
	}
	s, err := unquoteNumber(b)
	if err != nil {
		return err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Integral floats such as 150.0 are tolerated.
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != math.Trunc(f) {
			return fmt.Errorf("invalid int64 %q", s)
		}
		v = int64(f)
	}
	*i = Int64(v)
	return nil
}

// Uint64 is an unsigned 64-bit integer encoded as a JSON number or string.
type Uint64 uint64

// UnmarshalJSON implements json.Unmarshaler.
func (u *Uint64) UnmarshalJSON(b []byte) error {
	if isNull(b) {
		return nil
	}
	s, err := unquoteNumber(b)
	if err != nil {
		return err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid uint64 %q", s)
	}
	*u = Uint64(v)
	return nil
}

// Float64 is a double that also accepts the string forms "NaN",
// "Infinity" and "-Infinity" used by the protobuf JSON mapping.
type Float64 float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float64) UnmarshalJSON(b []byte) error {
	if isNull(b) {
		return nil
	}
	s, err := unquoteNumber(b)
	if err != nil {
		return err
	}
	switch s {
	case "NaN":
		*f = Float64(math.NaN())
		return nil
	case "Infinity":
		*f = Float64(math.Inf(1))
		return nil
	case "-Infinity":
		*f = Float64(math.Inf(-1))
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid double %q", s)
	}
	*f = Float64(v)
	return nil
}

// Temporality is the aggregation temporality enum, accepted as its integer
// value or its protobuf enum name.
type Temporality int32

const (
	TemporalityUnspecified Temporality = 0
	TemporalityDelta       Temporality = 1
	TemporalityCumulative  Temporality = 2
)

var temporalityNames = map[string]Temporality{
	"AGGREGATION_TEMPORALITY_UNSPECIFIED": TemporalityUnspecified,
	"AGGREGATION_TEMPORALITY_DELTA":       TemporalityDelta,
	"AGGREGATION_TEMPORALITY_CUMULATIVE":  TemporalityCumulative,
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Temporality) UnmarshalJSON(b []byte) error {
	if isNull(b) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		if v, ok := temporalityNames[name]; ok {
			*t = v
			return nil
		}
	}
	s, err := unquoteNumber(b)
	if err != nil {
		return err
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid aggregation temporality %q", s)
	}
	*t = Temporality(v)
	return nil
}

// String returns the enum name.
func (t Temporality) String() string {
	switch t {
	case TemporalityDelta:
		return "DELTA"
	case TemporalityCumulative:
		return "CUMULATIVE"
	default:
		return "UNSPECIFIED"
	}
}

// unquoteNumber strips the quotes of a JSON string holding a number, or
// returns a bare JSON number as-is.
func unquoteNumber(b []byte) (string, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return "", fmt.Errorf("empty number")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return string(b), nil
}

func isNull(b []byte) bool {
	return string(bytes.TrimSpace(b)) == "null"
}
