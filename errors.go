// errors.go - Error values shared by the builders, cursors and model registry

package odmongo

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup by id (or a One terminal) matches no
// document. Callers compare against it with errors.Is.
var ErrNotFound = errors.New("odmongo: not found")

// ErrNotConnected is returned when a collection handle is requested from a
// Connection before Connect has selected a database.
var ErrNotConnected = errors.New("odmongo: connection is not connected")

// ErrMixedConsumption is returned by CollectAll on a cursor that was already
// partially consumed with Next or Stream.
var ErrMixedConsumption = errors.New("odmongo: cursor was partially streamed; CollectAll needs an unconsumed cursor")

// ErrNoModel is returned by terminal operations of a builder that was never
// bound to a model.
var ErrNoModel = errors.New("odmongo: builder is not bound to a model")

// ValidationError reports a malformed argument passed to a builder call. The
// builder state is left exactly as it was before the failing call.
type ValidationError struct {
	Op     string // Builder operation, e.g. "aggregate.limit"
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return "odmongo." + e.Op + ": " + e.Reason
}

func validationErrorf(op, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// ConfigError reports a missing or invalid connection/collection binding on
// a model.
type ConfigError struct {
	Model  string // Name of the offending model
	Reason string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return "odmongo: " + e.Model + ": " + e.Reason
}
