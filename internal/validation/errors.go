package validation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SampleSize bounds the identifiers attached to a violation.
const SampleSize = 5

// ViolationError reports a failed rule. It never carries the full violating
// set, only a bounded sample.
type ViolationError struct {
	Rule              string
	Message           string
	SampleIdentifiers []string
}

func (e *ViolationError) Error() string {
	if len(e.SampleIdentifiers) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (sample: %s)", e.Message, strings.Join(e.SampleIdentifiers, ", "))
}

// Failure is the structured outcome handed to dataset submitters.
type Failure struct {
	Message           string   `json:"message"`
	SampleIdentifiers []string `json:"sampleIdentifiers,omitempty"`
}

// AsFailure maps an error from normalization or validation to a Failure.
// A nil error yields ok=false.
func AsFailure(err error) (Failure, bool) {
	if err == nil {
		return Failure{}, false
	}
	var v *ViolationError
	if errors.As(err, &v) {
		return Failure{Message: v.Message, SampleIdentifiers: v.SampleIdentifiers}, true
	}
	return Failure{Message: err.Error()}, true
}

// sample collects the first SampleSize offending identifiers in row order.
type sample struct {
	ids   []string
	total int
}

func (s *sample) add(id string) {
	s.total++
	if len(s.ids) < SampleSize {
		s.ids = append(s.ids, id)
	}
}

// smallest keeps the lexicographically smallest distinct identifiers. Its
// content does not depend on the order identifiers are offered in, which
// keeps bucketed and batched reporting deterministic.
type smallest struct {
	ids []string
}

func (s *smallest) add(id string) {
	i := sort.SearchStrings(s.ids, id)
	if i < len(s.ids) && s.ids[i] == id {
		return
	}
	if i >= SampleSize {
		return
	}
	s.ids = append(s.ids, "")
	copy(s.ids[i+1:], s.ids[i:])
	s.ids[i] = id
	if len(s.ids) > SampleSize {
		s.ids = s.ids[:SampleSize]
	}
}

func (s *smallest) merge(o smallest) {
	for _, id := range o.ids {
		s.add(id)
	}
}

func (s *smallest) empty() bool { return len(s.ids) == 0 }
