package pipeline

import (
	"errors"
	"fmt"

	"github.com/seantiz/shipwright/internal/model"
)

var (
	// ErrUnauthorized is returned when a request carries the wrong shared secret.
	ErrUnauthorized = errors.New("invalid secret")

	// ErrInvalidRequest is returned when a task request is missing required
	// fields or names an unsupported round.
	ErrInvalidRequest = errors.New("invalid task request")

	// ErrArtifactNotFound is returned by round 2 when no artifact was recorded
	// for the task.
	ErrArtifactNotFound = errors.New("no artifact recorded for task")
)

// UpstreamError wraps a failed call to the generation or hosting backend.
type UpstreamError struct {
	Step string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// NotificationError wraps a failed evaluation callback.
type NotificationError struct {
	Err error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify evaluator: %v", e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// StoreError wraps a failed artifact store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ErrorKind classifies err into one of the model.ErrorKind* values.
func ErrorKind(err error) string {
	var (
		upstream *UpstreamError
		notify   *NotificationError
		storeErr *StoreError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return model.ErrorKindInvalid
	case errors.Is(err, ErrArtifactNotFound):
		return model.ErrorKindNotFound
	case errors.As(err, &upstream):
		return model.ErrorKindUpstream
	case errors.As(err, &notify):
		return model.ErrorKindNotification
	case errors.As(err, &storeErr):
		return model.ErrorKindStore
	default:
		return model.ErrorKindInternal
	}
}
