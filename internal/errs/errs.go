// Package errs defines the error kinds the compiler reports. Every kind is
// fatal to the current build; nothing here is retried.
package errs

import (
	"errors"
	"fmt"
)

// UsageError reports an invalid API sequence: lowering an already-lowered
// schedule, giving both factor and nparts to a split, applying a primitive to
// an axis the stage does not own, and so on.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string {
	return "usage error: " + e.Msg
}

func Usagef(format string, args ...interface{}) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

func IsUsage(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

// GraphConsistencyError reports a dataflow graph that violates a structural
// precondition: a node with no correspondence entry when the split reaches
// it, or a boundary that is not a connected cut.
type GraphConsistencyError struct {
	Msg string
}

func (e *GraphConsistencyError) Error() string {
	return "graph consistency error: " + e.Msg
}

func Graphf(format string, args ...interface{}) error {
	return &GraphConsistencyError{Msg: fmt.Sprintf(format, args...)}
}

func IsGraph(err error) bool {
	var ge *GraphConsistencyError
	return errors.As(err, &ge)
}

// ConfigurationError reports an unsupported enum value, target, backend or
// execution mode.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

func Configf(format string, args ...interface{}) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

func IsConfig(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// BackendError wraps a failure inside a code generator. The compiler does not
// inspect backend-internal failures; it only tags and propagates them.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func Backend(backend string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Backend: backend, Err: err}
}

func IsBackend(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
