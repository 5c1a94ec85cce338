package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire framing: every message in either direction is a 4-byte big-endian
// length followed by that many bytes of opaque payload. A frame has no
// identity beyond its position in the byte stream.

const lengthPrefixSize = 4

// WriteFrame writes one length-prefixed payload. The prefix and payload go
// out in a single Write so concurrent writers on the same conn cannot
// interleave a header into another frame's body.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[lengthPrefixSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("tunnel: frame write: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed payload. A clean peer close before any
// prefix byte returns io.EOF; a close mid-frame or a length above maxSize is
// an ErrFrame. maxSize <= 0 disables the cap.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated length prefix", ErrFrame)
		}
		return nil, fmt.Errorf("tunnel: frame read: %w", err)
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if maxSize > 0 && n > uint32(maxSize) {
		return nil, fmt.Errorf("%w: length %d exceeds cap %d", ErrFrame, n, maxSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated payload (%v)", ErrFrame, err)
	}
	return payload, nil
}
