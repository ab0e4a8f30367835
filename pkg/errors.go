package protocol

import (
	"github.com/pkg/errors"

	"rudp-tcp-pa/pool"
	tcp "rudp-tcp-pa/tcp_pkg"
)

// Code is the closed set of results the user operations report. Callers
// compare against the named values only.
type Code int

const (
	OK            Code = 0
	InvalidHandle Code = -1
	OutOfMemory   Code = -2
	BindFailed    Code = -3
	EngineFailure Code = -4
	WouldBlock    Code = -5
	Transport     Code = -6
)

var codeNames = map[Code]string{
	OK:            "OK",
	InvalidHandle: "INVALID_HANDLE",
	OutOfMemory:   "OUT_OF_MEMORY",
	BindFailed:    "BIND_FAILED",
	EngineFailure: "ENGINE_FAILURE",
	WouldBlock:    "WOULD_BLOCK",
	Transport:     "TRANSPORT",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

var (
	ErrInvalidHandle = errors.New("no such connection")
	ErrOutOfMemory   = errors.New("out of memory")
	ErrTableFull     = errors.New("handle table full")
	ErrBindFailed    = errors.New("bind failed")
	ErrEngine        = errors.New("engine failure")
	ErrWouldBlock    = errors.New("close would block")
	ErrTransport     = errors.New("transport failure")
	ErrShutdown      = errors.New("stack shut down")
)

// ErrorCode classifies err by its root cause.
func ErrorCode(err error) Code {
	if err == nil {
		return OK
	}
	switch errors.Cause(err) {
	case ErrInvalidHandle, ErrShutdown:
		return InvalidHandle
	case ErrOutOfMemory, ErrTableFull, pool.ErrNoMemory, tcp.ErrMem:
		return OutOfMemory
	case ErrBindFailed, tcp.ErrInUse:
		return BindFailed
	case ErrWouldBlock, tcp.ErrWouldBlock:
		return WouldBlock
	case ErrTransport:
		return Transport
	}
	return EngineFailure
}
