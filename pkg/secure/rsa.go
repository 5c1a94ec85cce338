package secure

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// rsaBits is the key size for the session-key exchange.
const rsaBits = 2048

// GenerateKeyPair generates the server's RSA-2048 key pair.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, fmt.Errorf("secure: rsa keygen: %w", err)
	}
	return key, nil
}

// EncryptRSA encrypts data (typically a session key) with OAEP-SHA256.
func EncryptRSA(data []byte, pub *rsa.PublicKey) ([]byte, error) {
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, data, nil)
	if err != nil {
		return nil, fmt.Errorf("secure: rsa encrypt: %w", err)
	}
	return out, nil
}

// DecryptRSA reverses EncryptRSA with the private key.
func DecryptRSA(data []byte, priv *rsa.PrivateKey) ([]byte, error) {
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, data, nil)
	if err != nil {
		return nil, fmt.Errorf("secure: rsa decrypt: %w", err)
	}
	return out, nil
}

// MarshalPublicKey serializes a public key to PKIX PEM, the form sent to the
// client at the start of the handshake.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("secure: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKey loads a PKIX PEM public key.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("secure: no PEM block in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("secure: parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("secure: public key is not RSA")
	}
	return pub, nil
}

// Zero overwrites key material in place. Called on session teardown so the
// symmetric key does not linger in memory.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
