package auth

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) *Handler {
	h, err := NewHandler(map[string]string{"student": "secure123"})
	require.NoError(t, err)
	return h
}

func TestValidateAcceptsGoodCredentials(t *testing.T) {
	h := newTestHandler(t)

	blob, err := NewRequest("student", "secure123")
	require.NoError(t, err)
	req, err := ParseRequest(blob)
	require.NoError(t, err)

	assert.NoError(t, h.Validate(req))
}

func TestValidateRejectsBadPassword(t *testing.T) {
	h := newTestHandler(t)
	err := h.Validate(Request{
		Username:  "student",
		Password:  "wrong",
		Timestamp: float64(time.Now().Unix()),
	})
	assert.Error(t, err)
}

func TestValidateRejectsUnknownUser(t *testing.T) {
	h := newTestHandler(t)
	err := h.Validate(Request{
		Username:  "nobody",
		Password:  "secure123",
		Timestamp: float64(time.Now().Unix()),
	})
	assert.Error(t, err)
}

func TestValidateRejectsStaleTimestamp(t *testing.T) {
	h := newTestHandler(t)
	err := h.Validate(Request{
		Username:  "student",
		Password:  "secure123",
		Timestamp: float64(time.Now().Add(-time.Hour).Unix()),
	})
	assert.Error(t, err)
}

func TestZeroSkewDisablesFreshnessCheck(t *testing.T) {
	h := newTestHandler(t)
	h.MaxSkew = 0
	err := h.Validate(Request{
		Username:  "student",
		Password:  "secure123",
		Timestamp: 0,
	})
	assert.NoError(t, err)
}

func TestParseRequestRejectsGarbage(t *testing.T) {
	_, err := ParseRequest([]byte("FORWARD:example.com:80:"))
	assert.Error(t, err)
}

func TestResponseShape(t *testing.T) {
	ok := Success("tunnel established")
	b, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"status":"success"`)
	assert.Contains(t, string(b), "flow_control")

	bad := Failure("invalid credentials")
	assert.Equal(t, "error", bad.Status)
	assert.Empty(t, bad.Features)
}
