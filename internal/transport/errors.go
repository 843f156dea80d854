package transport

import (
	"errors"
	"fmt"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrMissingProject    = errors.New("missing project id")
)

// ConnectError is the typed failure surfaced by Connect. The manager is left
// disconnected and Connect may be retried.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("connect failed: %v", e.Err)
	}
	return fmt.Sprintf("connect %s failed: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
