package errors

import "errors"

// Connection errors. A transport error is fatal to the connection and to
// every request still waiting on it.
var (
	ErrTransport        = errors.New("transport failure")
	ErrConnectionClosed = errors.New("connection closed")
	ErrTimeout          = errors.New("timed out waiting for response")
)

// Session errors.
var (
	ErrAuthFailed    = errors.New("authentication failed")
	ErrNoAccess      = errors.New("access denied by server")
	ErrHandshakeUsed = errors.New("handshake already started on this connection")
)

// Sync errors.
var ErrSyncInProgress = errors.New("guide sync already in progress")

// Store errors.
var (
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
	ErrBatchFailed   = errors.New("batch write failed")
	ErrRowNotFound   = errors.New("row not found")
)
