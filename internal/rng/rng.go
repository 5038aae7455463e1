// Package rng provides cryptographically strong random values for the SDK,
// chiefly the nonces sent with platform integrity requests.
package rng

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
)

// Nonce length bounds in raw bytes
const (
	MinNonceBytes     = 16
	MaxNonceBytes     = 500
	DefaultNonceBytes = 32
)

// Service generates random bytes from a cryptographic source
type Service struct {
	entropy io.Reader
	mu      sync.Mutex

	samplesGenerated int64
}

// New creates a new RNG service using crypto/rand
func New() *Service {
	return &Service{entropy: rand.Reader}
}

// NewWithReader creates a service reading from r. Intended for tests.
func NewWithReader(r io.Reader) *Service {
	return &Service{entropy: r}
}

// GenerateBytes returns n random bytes
func (s *Service) GenerateBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("byte count must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, n)
	if _, err := io.ReadFull(s.entropy, buf); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}

	s.samplesGenerated++
	return buf, nil
}

// Nonce returns a URL-safe, unpadded base64 nonce built from byteLength
// random bytes. byteLength is clamped to [MinNonceBytes, MaxNonceBytes];
// zero selects DefaultNonceBytes.
func (s *Service) Nonce(byteLength int) (string, error) {
	switch {
	case byteLength == 0:
		byteLength = DefaultNonceBytes
	case byteLength < MinNonceBytes:
		byteLength = MinNonceBytes
	case byteLength > MaxNonceBytes:
		byteLength = MaxNonceBytes
	}

	b, err := s.GenerateBytes(byteLength)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SamplesGenerated reports how many successful draws were made
func (s *Service) SamplesGenerated() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samplesGenerated
}
