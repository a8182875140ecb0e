package protocol

import "errors"

var (
	ErrInvalidHandshake   = errors.New("protocol: invalid handshake")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrDomainTooLarge     = errors.New("protocol: domain exceeds maximum size")
	ErrUnsupportedCommand = errors.New("protocol: unsupported command")
	ErrUnexpectedCommand  = errors.New("protocol: unexpected command")
	ErrInvalidPayload     = errors.New("protocol: invalid command payload")
	ErrUnauthorized       = errors.New("protocol: unauthorized")
	ErrUnavailable        = errors.New("protocol: service unavailable")
)
