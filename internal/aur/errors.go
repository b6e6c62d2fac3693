package aur

import (
	"errors"
	"fmt"
)

// ErrTooLong is returned when a request URI exceeds what the endpoint
// accepts, either because the client refused to send it or because the
// server answered 414.
var ErrTooLong = errors.New("aur: request URI too long")

// TransportError is a network or HTTP failure unrelated to request length.
type TransportError struct {
	URL    string
	Status int // 0 when no response was received
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("aur: HTTP %d from %s", e.Status, e.URL)
	}
	return fmt.Sprintf("aur: request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a malformed or unexpected RPC response.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("aur: bad response from %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsTooLong reports whether err is an over-length rejection.
func IsTooLong(err error) bool {
	return errors.Is(err, ErrTooLong)
}
