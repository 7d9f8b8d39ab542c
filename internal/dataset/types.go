package dataset

import (
	"errors"
	"fmt"
	"strings"
)

// MeasureType is the declared scalar type of the value column.
type MeasureType string

const (
	MeasureString MeasureType = "STRING"
	MeasureLong   MeasureType = "LONG"
	MeasureDouble MeasureType = "DOUBLE"
	MeasureDate   MeasureType = "DATE"
)

// ErrUnsupportedMeasureType is returned for measure types outside
// STRING, LONG, DOUBLE and DATE.
var ErrUnsupportedMeasureType = errors.New("unsupported measure data type")

// ParseMeasureType validates a declared measure type. Surrounding whitespace
// is ignored; the name itself is case-sensitive.
func ParseMeasureType(s string) (MeasureType, error) {
	switch m := MeasureType(strings.TrimSpace(s)); m {
	case MeasureString, MeasureLong, MeasureDouble, MeasureDate:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMeasureType, s)
	}
}

// Temporality decides which temporal-field, uniqueness and overlap rules apply
// to a dataset. It is supplied as validation context and never stored in the
// table itself.
type Temporality string

const (
	Fixed       Temporality = "FIXED"
	Status      Temporality = "STATUS"
	Accumulated Temporality = "ACCUMULATED"
	Event       Temporality = "EVENT"
)

// ErrUnsupportedTemporality is returned for unknown temporality types.
var ErrUnsupportedTemporality = errors.New("unsupported temporality type")

func ParseTemporality(s string) (Temporality, error) {
	switch t := Temporality(strings.TrimSpace(s)); t {
	case Fixed, Status, Accumulated, Event:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTemporality, s)
	}
}
