package acp

import "errors"

var (
	ErrInitializeFailed         = errors.New("acp: initialize failed")
	ErrCreateSessionFailed      = errors.New("acp: create session failed")
	ErrCancelFailed             = errors.New("acp: cancel failed")
	ErrPermissionResponseFailed = errors.New("acp: permission response failed")
	// ErrStreamClosed is returned by Next after Close abandoned the stream.
	ErrStreamClosed = errors.New("acp: prompt stream closed")
)
