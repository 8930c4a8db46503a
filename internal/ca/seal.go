// ABOUTME: Seals CA private keys at rest with secretbox under an scrypt-derived key
// ABOUTME: Without a passphrase keys are stored unsealed behind a marker prefix

package ca

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

var (
	sealedMagic = []byte("TWK1")
	plainMagic  = []byte("TWK0")
)

const (
	saltSize  = 16
	nonceSize = 24

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrPassphraseRequired is returned when a sealed key is opened without a passphrase.
var ErrPassphraseRequired = errors.New("ca key is sealed; ca.key_passphrase is required")

// Sealer encrypts and decrypts key material.
type Sealer struct {
	passphrase []byte
}

// NewSealer creates a sealer. An empty passphrase stores keys unsealed.
func NewSealer(passphrase string) *Sealer {
	return &Sealer{passphrase: []byte(passphrase)}
}

func (s *Sealer) deriveKey(salt []byte) (*[32]byte, error) {
	derived, err := scrypt.Key(s.passphrase, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("deriving sealing key: %w", err)
	}
	var key [32]byte
	copy(key[:], derived)
	return &key, nil
}

// Seal returns the sealed form of plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if len(s.passphrase) == 0 {
		return append(bytes.Clone(plainMagic), plaintext...), nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	key, err := s.deriveKey(salt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(sealedMagic)+saltSize+nonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, sealedMagic...)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plaintext, &nonce, key), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if rest, ok := bytes.CutPrefix(sealed, plainMagic); ok {
		return rest, nil
	}
	rest, ok := bytes.CutPrefix(sealed, sealedMagic)
	if !ok {
		return nil, errors.New("unrecognized sealed key format")
	}
	if len(s.passphrase) == 0 {
		return nil, ErrPassphraseRequired
	}
	if len(rest) < saltSize+nonceSize+secretbox.Overhead {
		return nil, errors.New("sealed key is truncated")
	}

	salt := rest[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], rest[saltSize:saltSize+nonceSize])
	key, err := s.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	plaintext, ok := secretbox.Open(nil, rest[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, errors.New("ca key passphrase is wrong or the key is corrupt")
	}
	return plaintext, nil
}
