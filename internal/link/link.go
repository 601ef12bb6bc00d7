// Package link defines the request/response contract shared by the BLE and
// serial transports, and the error taxonomy they report.
package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonamat/daly-bms-bt/internal/protocol"
)

var (
	ErrDeviceUnreachable  = errors.New("device unreachable")
	ErrAdapterUnavailable = errors.New("adapter unavailable")
	ErrTimeout            = errors.New("response timeout")
	ErrDisconnected       = errors.New("link disconnected")
	ErrSessionBusy        = errors.New("session busy")
	ErrSessionClosed      = errors.New("session closed")
)

// Session is one open connection to one BMS. Requests on a session are
// strictly sequential.
type Session interface {
	// Request writes req and returns the first n response frames whose
	// command byte matches req. Frames are returned raw and unvalidated.
	Request(ctx context.Context, req protocol.Frame, n int) ([][]byte, error)
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Session, error)

func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

// ConnectKind classifies a failure to open a session.
type ConnectKind int

const (
	DeviceUnreachable ConnectKind = iota
	AdapterUnavailable
)

func (k ConnectKind) String() string {
	if k == AdapterUnavailable {
		return "adapter unavailable"
	}
	return "device unreachable"
}

// ConnectError is returned when a session cannot be opened.
type ConnectError struct {
	Kind    ConnectKind
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect %s: %s", e.Address, e.Kind)
	}
	return fmt.Sprintf("connect %s: %s: %v", e.Address, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool {
	switch target {
	case ErrDeviceUnreachable:
		return e.Kind == DeviceUnreachable
	case ErrAdapterUnavailable:
		return e.Kind == AdapterUnavailable
	}
	return false
}

// TransportKind classifies a failure on an open session.
type TransportKind int

const (
	Timeout TransportKind = iota
	Disconnected
)

func (k TransportKind) String() string {
	if k == Disconnected {
		return "disconnected"
	}
	return "timeout"
}

// TransportError is returned by Request when the exchange did not complete.
// A session is unusable after a Disconnected error; a Timeout may be retried.
type TransportError struct {
	Kind    TransportKind
	Command protocol.Command
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("request %s: %s", e.Command, e.Kind)
	}
	return fmt.Sprintf("request %s: %s: %v", e.Command, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == Timeout
	case ErrDisconnected:
		return e.Kind == Disconnected
	}
	return false
}
