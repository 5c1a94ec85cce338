// Package secure implements the tunnel's cryptographic primitives: AES-256-CBC
// payload encryption with PKCS7 padding, and RSA-2048-OAEP for the session-key
// exchange. Ciphertext layout is the random IV followed by the CBC output, so
// a ciphertext is always at least two blocks and a multiple of the block size.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// KeySize is the AES key length in bytes (AES-256).
const KeySize = 32

// ErrCiphertext is returned when a ciphertext is malformed: wrong length,
// missing IV, or padding that does not verify after decryption. Corruption in
// transit surfaces as this error, never as a panic.
var ErrCiphertext = errors.New("secure: malformed ciphertext")

// NewKey generates a random 256-bit session key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secure: key generation: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext with AES-256-CBC under key, returning
// IV || ciphertext. The output length depends only on the plaintext length
// rounded up to the block size.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secure: %w", err)
	}

	padded := pad(plaintext)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("secure: iv generation: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// Decrypt reverses Encrypt. It fails with ErrCiphertext on any structural
// problem rather than panicking on corrupted input.
func Decrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secure: %w", err)
	}

	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, ErrCiphertext
	}
	iv := data[:aes.BlockSize]
	ciphertext := data[aes.BlockSize:]

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	return unpad(padded)
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrCiphertext
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, ErrCiphertext
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrCiphertext
		}
	}
	return data[:len(data)-n], nil
}
