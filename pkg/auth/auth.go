// Package auth validates the credentials a client presents inside the
// encrypted handshake.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 4096
	pbkdf2KeyLen     = 32
	saltLen          = 16
)

// Request is the decrypted authentication blob sent by the client after the
// key exchange. Timestamp is Unix seconds at the client.
type Request struct {
	Username  string  `json:"username"`
	Password  string  `json:"password"`
	Timestamp float64 `json:"timestamp"`
}

// Response is returned to the client, encrypted, after validation.
type Response struct {
	Status      string   `json:"status"`
	Message     string   `json:"message"`
	Features    []string `json:"features,omitempty"`
	Encryption  string   `json:"encryption,omitempty"`
	KeyExchange string   `json:"key_exchange,omitempty"`
}

// ParseRequest decodes an authentication blob.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("auth: malformed request: %w", err)
	}
	return req, nil
}

// NewRequest builds an authentication blob for the client side.
func NewRequest(username, password string) ([]byte, error) {
	return json.Marshal(Request{
		Username:  username,
		Password:  password,
		Timestamp: float64(time.Now().Unix()),
	})
}

type storedCredential struct {
	salt []byte
	hash []byte
}

// Handler validates credentials against a configured user set. Passwords are
// held only as PBKDF2-SHA256 derivations.
type Handler struct {
	users map[string]storedCredential
	// MaxSkew bounds how stale a request timestamp may be. Zero disables the
	// freshness check.
	MaxSkew time.Duration
}

// NewHandler builds a handler from plaintext credentials, deriving a salted
// hash per user. The plaintext is not retained.
func NewHandler(credentials map[string]string) (*Handler, error) {
	users := make(map[string]storedCredential, len(credentials))
	for username, password := range credentials {
		salt := make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("auth: salt generation: %w", err)
		}
		users[username] = storedCredential{
			salt: salt,
			hash: pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New),
		}
	}
	return &Handler{users: users, MaxSkew: 5 * time.Minute}, nil
}

// Validate checks a parsed request against the user set and, when MaxSkew is
// set, the request timestamp.
func (h *Handler) Validate(req Request) error {
	cred, ok := h.users[req.Username]
	if !ok {
		// Burn a derivation anyway so unknown users cost the same as bad
		// passwords.
		pbkdf2.Key([]byte(req.Password), make([]byte, saltLen), pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
		return fmt.Errorf("auth: unknown user %q", req.Username)
	}
	derived := pbkdf2.Key([]byte(req.Password), cred.salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	if subtle.ConstantTimeCompare(derived, cred.hash) != 1 {
		return fmt.Errorf("auth: invalid password for %q", req.Username)
	}
	if h.MaxSkew > 0 {
		age := time.Since(time.Unix(int64(req.Timestamp), 0))
		if age > h.MaxSkew || age < -h.MaxSkew {
			return fmt.Errorf("auth: request timestamp outside allowed skew")
		}
	}
	return nil
}

// Success builds the response sent after a successful validation.
func Success(message string) Response {
	return Response{
		Status:      "success",
		Message:     message,
		Features:    []string{"tunneling", "flow_control", "encryption"},
		Encryption:  "AES-256-CBC",
		KeyExchange: "RSA-2048-OAEP",
	}
}

// Failure builds the response sent after a failed validation.
func Failure(message string) Response {
	return Response{Status: "error", Message: message}
}
