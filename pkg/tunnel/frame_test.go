package tunnel

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 3, 16, 4096, 1 << 20} {
		payload := bytes.Repeat([]byte{0x42}, size)

		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, payload))
		assert.Equal(t, lengthPrefixSize+size, buf.Len())

		got, err := ReadFrame(&buf, 0)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestReadFrameCleanClose(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), 0)
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameTruncatedPrefix(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0}), 0)
	assert.ErrorIs(t, err, ErrFrame)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello world")))

	truncated := buf.Bytes()[:buf.Len()-4]
	_, err := ReadFrame(bytes.NewReader(truncated), 0)
	assert.ErrorIs(t, err, ErrFrame)
}

func TestReadFrameLengthCap(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, bytes.Repeat([]byte{1}, 100)))

	_, err := ReadFrame(&buf, 99)
	assert.ErrorIs(t, err, ErrFrame)
}
