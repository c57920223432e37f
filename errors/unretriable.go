package errors

import (
	"errors"

	"github.com/cenkalti/backoff/v4"
)

// unretriableError flags an error as final so retry loops stop immediately.
type unretriableError struct{ error }

func (e unretriableError) Unwrap() error {
	return e.error
}

// Unretriable returns an error that should not be retried, wrapped so that
// backoff.Retry treats it as permanent as well.
func Unretriable(err error) error {
	if IsUnretriable(err) {
		return err
	}
	return unretriableError{backoff.Permanent(err)}
}

// IsUnretriable checks whether the given error is an unretriable error.
func IsUnretriable(err error) bool {
	var unretriable unretriableError
	var permanent *backoff.PermanentError
	return errors.As(err, &unretriable) || errors.As(err, &permanent)
}

// ObjectNotFoundError is returned when an object is not found in the
// artifact store. It is unretriable but deliberately not a
// backoff.PermanentError so probe loops can treat absence as data.
type ObjectNotFoundError struct {
	msg   string
	cause error
}

func (e ObjectNotFoundError) Error() string { return e.msg }

func (e ObjectNotFoundError) Unwrap() error { return e.cause }

func NewObjectNotFoundError(msg string, cause error) error {
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return unretriableError{ObjectNotFoundError{msg: msg, cause: cause}}
}

func IsObjectNotFound(err error) bool {
	var notFound ObjectNotFoundError
	return errors.As(err, &notFound)
}
