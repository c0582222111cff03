package data

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"unavailable", ErrNetworkUnavailable, KindNetworkUnavailable},
		{"cancelled", ErrCancelled, KindCancelled},
		{"context canceled", fmt.Errorf("get: %w", context.Canceled), KindCancelled},
		{"invalid wrapped", fmt.Errorf("unable to parse IP: %w", ErrInvalidResponse), KindInvalidResponse},
		{"already running", ErrAlreadyRunning, KindAlreadyRunning},
		{"transport", &TransportError{Op: "GET", Err: errors.New("dial tcp: refused")}, KindTransport},
		{"other", errors.New("boom"), KindTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestStatusText(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrNetworkUnavailable, "Network unavailable"},
		{ErrCancelled, ""},
		{fmt.Errorf("unable to parse IP: %w", ErrInvalidResponse), "Error: Unable to parse IP"},
		{ErrInvalidResponse, "Error: Invalid response"},
		{&TransportError{Op: "GET https://api.ipify.org", Err: errors.New("http status 503")}, "Error: http status 503"},
	}
	for _, tc := range cases {
		if got := StatusText(tc.err); got != tc.want {
			t.Errorf("StatusText(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("resolve: %w", &TransportError{Op: "GET", Err: context.DeadlineExceeded})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded to unwrap")
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "GET" {
		t.Fatalf("expected TransportError, got %v", err)
	}
}
