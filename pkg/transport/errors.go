package transport

import "errors"

var (
	// ErrClosed is returned on use of a closed connection.
	ErrClosed = errors.New("transport: connection closed")

	// ErrNoSecurityMaterial is returned when neither a PSKc nor a
	// certificate chain is configured.
	ErrNoSecurityMaterial = errors.New("transport: no PSKc or certificate configured")

	// ErrInvalidRelayFrame is returned for relay payloads missing
	// mandatory TLVs.
	ErrInvalidRelayFrame = errors.New("transport: invalid relay frame")

	// ErrKeyExportFailed is returned when the KEK cannot be derived from
	// an established session.
	ErrKeyExportFailed = errors.New("transport: keying material export failed")
)
