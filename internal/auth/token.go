// Package auth issues and verifies the bearer tokens that identify callers of
// the order API.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	tokenVersion = "v1"
	minSecretLen = 32
)

var (
	ErrMissingSecret    = errors.New("auth token secret is required")
	ErrSecretTooShort   = errors.New("auth token secret is too short")
	ErrInvalidTTL       = errors.New("auth token ttl must be positive")
	ErrInvalidToken     = errors.New("invalid auth token")
	ErrInvalidSignature = errors.New("invalid auth token signature")
	ErrTokenExpired     = errors.New("auth token expired")
	ErrMissingSubject   = errors.New("auth token subject is required")
)

// Principal is the authenticated caller. The saga core only stores Subject.
type Principal struct {
	Subject   string
	ExpiresAt time.Time
}

type claims struct {
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Nonce     string `json:"nonce"`
}

// Verifier checks bearer tokens.
type Verifier interface {
	Verify(token string) (Principal, error)
}

// TokenManager issues and verifies HMAC-SHA256 signed tokens of the form
// v1.<base64 claims>.<hex signature>.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

func NewTokenManager(secret string, ttl time.Duration) (*TokenManager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	if len(secret) < minSecretLen {
		return nil, ErrSecretTooShort
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl, clock: time.Now}, nil
}

func (m *TokenManager) Issue(subject string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", ErrMissingSubject
	}
	now := m.clock().UTC()
	nonce, err := randomNonce(16)
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	body, err := json.Marshal(claims{
		Subject:   subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(m.ttl).Unix(),
		Nonce:     nonce,
	})
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(body)
	return strings.Join([]string{tokenVersion, encoded, sign(m.secret, encoded)}, "."), nil
}

func (m *TokenManager) Verify(token string) (Principal, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != tokenVersion {
		return Principal{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(parts[2]), []byte(sign(m.secret, parts[1]))) {
		return Principal{}, ErrInvalidSignature
	}

	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	var c claims
	if err := json.Unmarshal(body, &c); err != nil || c.Subject == "" {
		return Principal{}, ErrInvalidToken
	}
	if c.ExpiresAt < m.clock().UTC().Unix() {
		return Principal{}, ErrTokenExpired
	}
	return Principal{Subject: c.Subject, ExpiresAt: time.Unix(c.ExpiresAt, 0).UTC()}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func sign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomNonce(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
