package data

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrCancelled          = errors.New("request cancelled")
	ErrInvalidResponse    = errors.New("invalid response")
	ErrAlreadyRunning     = errors.New("speed test already running")
)

// TransportError is any failure below the payload level: DNS, connect,
// timeout or a non-2xx status.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindNetworkUnavailable
	KindCancelled
	KindInvalidResponse
	KindTransport
	KindAlreadyRunning
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNetworkUnavailable:
		return "network_unavailable"
	case KindCancelled:
		return "cancelled"
	case KindInvalidResponse:
		return "invalid_response"
	case KindTransport:
		return "transport"
	case KindAlreadyRunning:
		return "already_running"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Context cancellation counts as Cancelled; anything
// unrecognised is a transport failure.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrNetworkUnavailable):
		return KindNetworkUnavailable
	case errors.Is(err, ErrInvalidResponse):
		return KindInvalidResponse
	case errors.Is(err, ErrAlreadyRunning):
		return KindAlreadyRunning
	default:
		return KindTransport
	}
}

// StatusText is the short user-visible string for err.
func StatusText(err error) string {
	var te *TransportError
	switch KindOf(err) {
	case KindNone:
		return ""
	case KindNetworkUnavailable:
		return "Network unavailable"
	case KindCancelled:
		return ""
	case KindInvalidResponse:
		return "Error: " + invalidDetail(err)
	case KindAlreadyRunning:
		return "Speed test already running"
	}
	if errors.As(err, &te) {
		return "Error: " + te.Err.Error()
	}
	return "Error: " + err.Error()
}

func invalidDetail(err error) string {
	msg := err.Error()
	base := ErrInvalidResponse.Error()
	if msg == base {
		return "Invalid response"
	}
	// "unable to parse IP: invalid response" -> "Unable to parse IP"
	if n := len(msg) - len(base) - 2; n > 0 && msg[n:] == ": "+base {
		msg = msg[:n]
	}
	if msg == "" {
		return "Invalid response"
	}
	return string(upperFirst(msg))
}

func upperFirst(s string) []byte {
	b := []byte(s)
	if len(b) > 0 && b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return b
}
