package tunnel

import "errors"

// Failure taxonomy. ErrConnect, ErrResponseTooLarge and ErrResponseTimeout
// are per-request failures; ErrDecrypt and ErrFrame are session-fatal. All of
// them terminate the session: there is no per-request retry at this layer.
var (
	// ErrConnect means the destination was unreachable within the connect
	// timeout, or the outbound write failed.
	ErrConnect = errors.New("tunnel: destination unreachable")

	// ErrResponseTooLarge means the destination's response exceeded the
	// configured cap. Partial data is discarded, not returned.
	ErrResponseTooLarge = errors.New("tunnel: response exceeds configured cap")

	// ErrResponseTimeout means the destination produced no data within the
	// idle bound.
	ErrResponseTimeout = errors.New("tunnel: destination idle timeout")

	// ErrDecrypt means an inbound ciphertext failed to decrypt.
	ErrDecrypt = errors.New("tunnel: inbound ciphertext rejected")

	// ErrFrame means a malformed length prefix or truncated stream.
	ErrFrame = errors.New("tunnel: malformed frame")

	// ErrInvalidDestination means a decrypted request carried a malformed
	// or disallowed destination.
	ErrInvalidDestination = errors.New("tunnel: invalid destination")
)
