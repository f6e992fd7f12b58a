// Package cryptox implements authenticated public-key encryption for message
// bodies using NaCl box (Curve25519 + XSalsa20-Poly1305).
//
// The random nonce generated at encrypt time is prefixed to the ciphertext,
// so a sealed message is self-contained: decrypt splits the nonce back off
// and must be given the exact bytes Encrypt produced. All operations are
// pure transforms over byte buffers; failures are returned as errors, never
// panics.
package cryptox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length of both public and private keys.
	KeySize = 32
	// NonceSize is the length of the nonce prefixed to every ciphertext.
	NonceSize = 24
)

var (
	ErrInvalidKeySize  = errors.New("invalid key size")
	ErrCiphertextShort = errors.New("ciphertext shorter than nonce")
	ErrDecryptFailed   = errors.New("decryption failed")
)

// KeyPair holds one user's asymmetric keys. The private half never leaves
// the device; only Public is mirrored to the key registry.
type KeyPair struct {
	Public  []byte `json:"public_key"`
	Private []byte `json:"private_key"`
}

// GenerateKeyPair creates a fresh box keypair from crypto/rand.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &KeyPair{Public: pub[:], Private: priv[:]}, nil
}

// Encrypt seals plaintext for recipientPublic using senderPrivate. The
// returned slice is nonce || box; the same bytes must be handed back to
// Decrypt unmodified.
func Encrypt(plaintext, recipientPublic, senderPrivate []byte) ([]byte, error) {
	pub, err := toKey(recipientPublic)
	if err != nil {
		return nil, err
	}
	priv, err := toKey(senderPrivate)
	if err != nil {
		return nil, err
	}

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	return box.Seal(nonce[:], plaintext, &nonce, pub, priv), nil
}

// Decrypt opens a sealed message produced by Encrypt. It fails if the keys
// do not match the pair used for sealing or the ciphertext was tampered with.
func Decrypt(sealed, senderPublic, recipientPrivate []byte) ([]byte, error) {
	pub, err := toKey(senderPublic)
	if err != nil {
		return nil, err
	}
	priv, err := toKey(recipientPrivate)
	if err != nil {
		return nil, err
	}

	if len(sealed) < NonceSize {
		return nil, ErrCiphertextShort
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])

	plaintext, ok := box.Open(nil, sealed[NonceSize:], &nonce, pub, priv)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// EncryptToString seals plaintext and base64-encodes the result for storage
// in a text column.
func EncryptToString(plaintext string, recipientPublic, senderPrivate []byte) (string, error) {
	sealed, err := Encrypt([]byte(plaintext), recipientPublic, senderPrivate)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptFromString is the inverse of EncryptToString.
func DecryptFromString(encoded string, senderPublic, recipientPrivate []byte) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := Decrypt(sealed, senderPublic, recipientPrivate)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func toKey(b []byte) (*[KeySize]byte, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(b), KeySize)
	}
	var key [KeySize]byte
	copy(key[:], b)
	return &key, nil
}
