package dispatch

import (
	"errors"
	"fmt"
)

// ErrTransport matches every *TransportError via errors.Is.
var ErrTransport = errors.New("transport error")

// Kind classifies a transport failure.
type Kind string

const (
	KindConnection Kind = "connection"
	KindTimeout    Kind = "timeout"
	KindStatus     Kind = "status"
	KindMalformed  Kind = "malformed"
)

// TransportError reports a failed round trip to the echo endpoint. No part of
// the batch should be considered delivered.
type TransportError struct {
	Endpoint   string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("dispatch to %s failed: unexpected status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("dispatch to %s failed (%s): %v", e.Endpoint, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// KindOf returns the transport failure kind of err, or "" if err is not a
// transport error.
func KindOf(err error) Kind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
