package dispatcher

import (
	"context"
	"errors"

	"github.com/Annas82200/mizan-triggers/internal/domain"
)

// HandlerError classifies a handler failure. Handlers build one through
// Failure, Permanent or Invalid; any other error is treated as Failure.
type HandlerError struct {
	Kind      domain.ErrorKind
	Transient bool
	Err       error
}

func (e *HandlerError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Failure marks err as a transient module failure that may be retried.
func Failure(err error) error {
	return &HandlerError{Kind: domain.ErrorKindModuleHandlerError, Transient: true, Err: err}
}

// Permanent marks err as a module failure that retrying will not fix.
func Permanent(err error) error {
	return &HandlerError{Kind: domain.ErrorKindModuleHandlerError, Transient: false, Err: err}
}

// Invalid reports that the action config or payload was rejected by the module.
func Invalid(err error) error {
	return &HandlerError{Kind: domain.ErrorKindValidation, Transient: false, Err: err}
}

func outcomeFromError(err error) domain.Outcome {
	var he *HandlerError
	switch {
	case errors.As(err, &he):
		return domain.Outcome{ErrorKind: he.Kind, ErrorMessage: he.Error(), Transient: he.Transient}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Only the reconciler records Interrupted; a dispatch cut short is a Timeout.
		return domain.Outcome{ErrorKind: domain.ErrorKindTimeout, ErrorMessage: err.Error(), Transient: true}
	default:
		return domain.Outcome{ErrorKind: domain.ErrorKindModuleHandlerError, ErrorMessage: err.Error(), Transient: true}
	}
}
