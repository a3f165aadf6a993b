package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type valueKind uint8

const (
	valueNone valueKind = iota
	valueScalar
	valueVector
)

// Value is what a channel holds at a point in time: either a single number or a
// vector of numbers. The zero Value holds nothing.
type Value struct {
	kind   valueKind
	scalar float64
	vector []float64
}

func Scalar(f float64) Value {
	return Value{kind: valueScalar, scalar: f}
}

func Vector(components ...float64) Value {
	return Value{kind: valueVector, vector: append([]float64{}, components...)}
}

// Valid reports whether the value holds anything at all.
func (v Value) Valid() bool {
	return v.kind != valueNone
}

func (v Value) IsVector() bool {
	return v.kind == valueVector
}

// Len is 1 for a scalar, the number of components for a vector and 0 for nothing.
func (v Value) Len() int {
	switch v.kind {
	case valueScalar:
		return 1
	case valueVector:
		return len(v.vector)
	}
	return 0
}

// Float returns the scalar, or the first component of a vector.
func (v Value) Float() float64 {
	switch v.kind {
	case valueScalar:
		return v.scalar
	case valueVector:
		if len(v.vector) > 0 {
			return v.vector[0]
		}
	}
	return 0
}

// At returns component i of a vector, falling back to def when the vector is
// shorter or the value is not a vector.
func (v Value) At(i int, def float64) float64 {
	if v.kind == valueVector && i >= 0 && i < len(v.vector) {
		return v.vector[i]
	}
	return def
}

// Components returns a copy of the value as a slice.
func (v Value) Components() []float64 {
	switch v.kind {
	case valueScalar:
		return []float64{v.scalar}
	case valueVector:
		return append([]float64{}, v.vector...)
	}
	return nil
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case valueScalar:
		return v.scalar == o.scalar
	case valueVector:
		if len(v.vector) != len(o.vector) {
			return false
		}
		for i := range v.vector {
			if v.vector[i] != o.vector[i] {
				return false
			}
		}
	}
	return true
}

func (v Value) clone() Value {
	if v.kind == valueVector {
		return Vector(v.vector...)
	}
	return v
}

func (v Value) String() string {
	switch v.kind {
	case valueScalar:
		return strconv.FormatFloat(v.scalar, 'g', -1, 64)
	case valueVector:
		parts := make([]string, len(v.vector))
		for i, c := range v.vector {
			parts[i] = strconv.FormatFloat(c, 'g', -1, 64)
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return "<none>"
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case valueScalar:
		return json.Marshal(v.scalar)
	case valueVector:
		return json.Marshal(v.vector)
	}
	return []byte("null"), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*v = Value{}
	case data[0] == '[':
		var components []float64
		if err := json.Unmarshal(data, &components); err != nil {
			return fmt.Errorf("invalid vector value: %w", err)
		}
		*v = Value{kind: valueVector, vector: components}
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("invalid scalar value: %w", err)
		}
		*v = Scalar(f)
	}
	return nil
}
