package server

import (
	"errors"
	"fmt"
)

// Caller-visible failure conditions, dispatched with errors.Is by the HTTP
// handlers and the event channel. Anything not listed here is an internal
// error and surfaces as 500 / a generic error event.
var (
	ErrInvalidCode        = errors.New("unknown pairing code")
	ErrSessionFull        = errors.New("session already has two participants")
	ErrSessionCapacity    = errors.New("server is at its session limit")
	ErrNotMember          = errors.New("client token is not a session member")
	ErrNotConnected       = errors.New("client is not connected to the session")
	ErrInvalidMessage     = errors.New("invalid message type")
	ErrUploadNotFound     = errors.New("upload not found")
	ErrInvalidChunkIndex  = errors.New("chunk index out of range")
	ErrUploadIncomplete   = errors.New("upload is missing chunks")
	ErrSizeMismatch       = errors.New("assembled size differs from declared size")
	ErrFileTooLarge       = errors.New("file exceeds the per-file size limit")
	ErrInvalidName        = errors.New("invalid path component")
	ErrFileNotFound       = errors.New("file not found")
	ErrCodeSpaceExhausted = errors.New("could not allocate a free pairing code")
)

// QuotaExceededError carries the numbers the 413 response body needs.
type QuotaExceededError struct {
	Current int64
	Limit   int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded: %d of %d bytes used", e.Current, e.Limit)
}
