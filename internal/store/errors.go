package store

import (
	"errors"
	"fmt"
)

// TransientError is a failure worth retrying: a network error, a timeout, or
// a 5xx/429 response. Status is zero when the request never got a response.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient store error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("transient store error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ValidationError is a 4xx rejection by the store. Not retried: resending
// the same payload yields the same rejection.
type ValidationError struct {
	Status int
	Body   string
}

func (e *ValidationError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("store rejected resource: HTTP %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("store rejected resource: HTTP %d", e.Status)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
