package model

import "errors"

// Error kinds. Package level errors wrap one of these so callers can branch on
// the kind with errors.Is without knowing the specific failure.
var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrIntegrityFailure  = errors.New("integrity failure")
	ErrConnectivity      = errors.New("connectivity failure")
	ErrUsage             = errors.New("usage error")
)
