// Package seal implements the encryption primitive shared by repository
// containment and the token vault: HKDF-derived AES-256-GCM envelopes for
// byte payloads and whole working trees.
package seal

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"repoguard.org/internal/faults"
)

const (
	KeySize   = 32
	saltSize  = 16
	minMaster = 16
)

// magic prefixes every sealed payload so sealed content can be recognised.
var magic = []byte("RGSEAL1\n")

var (
	ErrWeakKey   = fmt.Errorf("seal: master key shorter than %d bytes: %w", minMaster, faults.ErrInvalidInput)
	ErrNotSealed = fmt.Errorf("seal: payload is not sealed: %w", faults.ErrDecryption)
)

// Sealer derives per-payload keys from a master key.
type Sealer struct {
	master       []byte
	maxFileBytes int64
	excluded     map[string]bool
}

// Option configures Sealer.
type Option func(*Sealer)

// WithMaxFileBytes skips files at or above n bytes when sealing trees.
func WithMaxFileBytes(n int64) Option {
	return func(s *Sealer) {
		if n > 0 {
			s.maxFileBytes = n
		}
	}
}

// WithExcludedDirs replaces the directory names never descended into.
func WithExcludedDirs(names ...string) Option {
	return func(s *Sealer) {
		if len(names) == 0 {
			return
		}
		s.excluded = make(map[string]bool, len(names))
		for _, n := range names {
			s.excluded[n] = true
		}
	}
}

// New returns a Sealer for masterKey.
func New(masterKey []byte, opts ...Option) (*Sealer, error) {
	if len(masterKey) < minMaster {
		return nil, ErrWeakKey
	}
	s := &Sealer{
		master:       append([]byte(nil), masterKey...),
		maxFileBytes: 100 << 20,
		excluded: map[string]bool{
			".git": true, "node_modules": true, "venv": true, "__pycache__": true,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SealBytes encrypts plaintext under a key derived from the master key, a
// fresh salt and the info label.
func (s *Sealer) SealBytes(plaintext []byte, info string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("seal: salt: %w", faults.ErrEncryption)
	}
	key, err := s.derive(salt, info)
	if err != nil {
		return nil, err
	}
	ct, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(magic)+saltSize+len(ct))
	out = append(out, magic...)
	out = append(out, salt...)
	return append(out, ct...), nil
}

// OpenBytes reverses SealBytes for the same info label.
func (s *Sealer) OpenBytes(sealed []byte, info string) ([]byte, error) {
	if !IsSealed(sealed) || len(sealed) < len(magic)+saltSize {
		return nil, ErrNotSealed
	}
	body := sealed[len(magic):]
	key, err := s.derive(body[:saltSize], info)
	if err != nil {
		return nil, err
	}
	return Decrypt(key, body[saltSize:])
}

func (s *Sealer) derive(salt []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.master, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("seal: derive key: %w", faults.ErrEncryption)
	}
	return key, nil
}

// IsSealed reports whether data carries the sealed-payload prefix.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}

// NewKey returns a random AES-256 key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("seal: key: %w", faults.ErrEncryption)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM, prefixing the random nonce.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("seal: %v: %w", err, faults.ErrEncryption)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: nonce: %w", faults.ErrEncryption)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a payload produced by Encrypt.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("seal: %v: %w", err, faults.ErrDecryption)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("seal: ciphertext too short: %w", faults.ErrDecryption)
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("seal: authentication failed: %w", faults.ErrDecryption)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.New("key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
