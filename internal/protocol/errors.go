package protocol

import (
	"errors"
)

var (
	ErrInvalidState   = errors.New("invalid state")
	ErrNodeNotFound   = errors.New("node not found")
	ErrProtocol       = errors.New("protocol violation")
	ErrNoFabric       = errors.New("no cluster fabric configured")
	ErrToolFailed     = errors.New("tool failed")
	ErrUnknownCommand = errors.New("unknown command")
	ErrNotInstalled   = errors.New("not installed")
	ErrProcessDied    = errors.New("process died")
	ErrTooLarge       = errors.New("message too large")
)

// Wire codes for the sentinels above.
const (
	CodeInvalidState   = "invalid_state"
	CodeNodeNotFound   = "node_not_found"
	CodeProtocol       = "protocol"
	CodeNoFabric       = "no_fabric"
	CodeToolFailed     = "tool_failed"
	CodeUnknownCommand = "unknown_command"
	CodeNotInstalled   = "not_installed"
	CodeProcessDied    = "process_died"
	CodeTooLarge       = "too_large"
	CodeInternal       = "internal"
)

var codes = []struct {
	code string
	err  error
}{
	{CodeInvalidState, ErrInvalidState},
	{CodeNodeNotFound, ErrNodeNotFound},
	{CodeProtocol, ErrProtocol},
	{CodeNoFabric, ErrNoFabric},
	{CodeToolFailed, ErrToolFailed},
	{CodeUnknownCommand, ErrUnknownCommand},
	{CodeNotInstalled, ErrNotInstalled},
	{CodeProcessDied, ErrProcessDied},
	{CodeTooLarge, ErrTooLarge},
}

// CodeOf classifies err by the first sentinel it wraps.
func CodeOf(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// RemoteError is an error raised on another node. It matches the sentinel
// of its code with errors.Is.
type RemoteError struct {
	Node    string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Is(target error) bool {
	for _, c := range codes {
		if c.code == e.Code {
			return target == c.err
		}
	}
	return false
}
