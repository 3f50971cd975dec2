// Package token issues and verifies short-lived proof tokens handed to a
// buyer after passing a positioning test. A token binds one user to one
// product and is signed with HMAC-SHA256:
//
//	base64url("<user>:<product>:<unix_ts>:<nonce>") + "." + hex(hmac_sha256(encoded_payload, secret))
//
// One previous secret is still accepted after a rotation.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TimurManjosov/qualiopigate/internal/clock"
)

// DefaultTTL is the maximum token age.
const DefaultTTL = 2 * time.Hour

const (
	nonceLength   = 8
	nonceAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	ErrMalformed = errors.New("token malformed")
	ErrSignature = errors.New("token signature invalid")
	ErrMismatch  = errors.New("token issued for another user or product")
	ErrExpired   = errors.New("token expired")
)

// Claims is the verified content of a token.
type Claims struct {
	UserID    int64         `json:"user_id"`
	ProductID int64         `json:"product_id"`
	IssuedAt  time.Time     `json:"issued_at"`
	Nonce     string        `json:"nonce"`
	Age       time.Duration `json:"age"`
}

// Signer issues and verifies tokens. Safe for concurrent use; Rotate may run
// while other goroutines verify.
type Signer struct {
	mu       sync.RWMutex
	secret   []byte
	previous []byte
	version  int

	clock clock.Clock
	ttl   time.Duration
}

// NewSigner creates a Signer. previous may be empty. A nil clock uses wall
// time and a non-positive ttl falls back to DefaultTTL.
func NewSigner(secret, previous string, c clock.Clock, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Signer{
		secret:  []byte(secret),
		version: 1,
		clock:   clock.OrSystem(c),
		ttl:     ttl,
	}
	if previous != "" {
		s.previous = []byte(previous)
	}
	return s, nil
}

// TTL returns the maximum accepted token age.
func (s *Signer) TTL() time.Duration { return s.ttl }

// Version counts rotations, starting at 1.
func (s *Signer) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Issue creates a token for user and product stamped with the current time.
func (s *Signer) Issue(userID, productID int64) (string, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	return s.IssueAt(userID, productID, s.clock.Now(), nonce)
}

// IssueAt creates a token with an explicit timestamp and nonce.
func (s *Signer) IssueAt(userID, productID int64, at time.Time, nonce string) (string, error) {
	if nonce == "" || strings.ContainsAny(nonce, ":.") {
		return "", fmt.Errorf("%w: invalid nonce %q", ErrMalformed, nonce)
	}
	payload := fmt.Sprintf("%d:%d:%d:%s", userID, productID, at.Unix(), nonce)
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))

	s.mu.RLock()
	sig := sign(encoded, s.secret)
	s.mu.RUnlock()
	return encoded + "." + sig, nil
}

// Verify checks signature, binding and age, in that order. The age limit is
// inclusive: a token exactly TTL old is still accepted.
func (s *Signer) Verify(tok string, userID, productID int64) (*Claims, error) {
	encoded, sig, ok := strings.Cut(tok, ".")
	if !ok || encoded == "" || sig == "" || strings.Contains(sig, ".") {
		return nil, ErrMalformed
	}

	if !s.signatureValid(encoded, sig) {
		return nil, ErrSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 4 {
		return nil, ErrMalformed
	}
	uid, err1 := strconv.ParseInt(parts[0], 10, 64)
	pid, err2 := strconv.ParseInt(parts[1], 10, 64)
	ts, err3 := strconv.ParseInt(parts[2], 10, 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if uid != userID || pid != productID {
		return nil, ErrMismatch
	}

	issued := time.Unix(ts, 0).UTC()
	age := s.clock.Now().Sub(issued)
	if age > s.ttl {
		return nil, ErrExpired
	}

	return &Claims{
		UserID:    uid,
		ProductID: pid,
		IssuedAt:  issued,
		Nonce:     parts[3],
		Age:       age,
	}, nil
}

// Rotate installs newSecret and keeps the current one as the previous
// secret, so tokens issued just before the rotation still verify.
func (s *Signer) Rotate(newSecret string) error {
	if newSecret == "" {
		return errors.New("token secret is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous = s.secret
	s.secret = []byte(newSecret)
	s.version++
	return nil
}

func (s *Signer) signatureValid(encoded, sig string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if hmac.Equal([]byte(sig), []byte(sign(encoded, s.secret))) {
		return true
	}
	return s.previous != nil && hmac.Equal([]byte(sig), []byte(sign(encoded, s.previous)))
}

func sign(encoded string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

func newNonce() (string, error) {
	buf := make([]byte, nonceLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	for i, b := range buf {
		buf[i] = nonceAlphabet[int(b)%len(nonceAlphabet)]
	}
	return string(buf), nil
}

// GenerateSecret returns 32 random bytes as 64 hex characters.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
