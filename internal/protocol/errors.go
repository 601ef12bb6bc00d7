package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed      = errors.New("malformed frame")
	ErrUnknownCommand = errors.New("unknown command")
)

// DecodeKind classifies a decode failure.
type DecodeKind int

const (
	Malformed DecodeKind = iota
	UnknownCommand
)

func (k DecodeKind) String() string {
	if k == UnknownCommand {
		return "unknown command"
	}
	return "malformed"
}

// DecodeError is returned for any frame that cannot be turned into a
// fragment. It matches ErrMalformed or ErrUnknownCommand with errors.Is.
type DecodeError struct {
	Kind    DecodeKind
	Command Command
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: %s (cmd %s): %s", e.Kind, e.Command, e.Reason)
}

func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrMalformed:
		return e.Kind == Malformed
	case ErrUnknownCommand:
		return e.Kind == UnknownCommand
	}
	return false
}

func malformed(cmd Command, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: Malformed, Command: cmd, Reason: fmt.Sprintf(format, args...)}
}
