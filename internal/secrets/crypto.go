package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the NaCl secretbox key size
	KeySize = 32
	// NonceSize is the NaCl secretbox nonce size
	NonceSize = 24

	keyContext = "vmenergy/credentials/v1:"
)

// ErrDecrypt is returned when a sealed secret does not open under the key.
var ErrDecrypt = errors.New("decryption failed (wrong key or corrupted data)")

// DeriveKey hashes the store passphrase into a secretbox key.
func DeriveKey(passphrase string) [KeySize]byte {
	return sha256.Sum256([]byte(keyContext + passphrase))
}

// Seal encrypts plaintext and returns nonce || ciphertext.
func Seal(plaintext []byte, key *[KeySize]byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// Open reverses Seal.
func Open(sealed []byte, key *[KeySize]byte) ([]byte, error) {
	if len(sealed) < NonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: %d bytes is shorter than nonce and tag", ErrDecrypt, len(sealed))
	}

	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[NonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
