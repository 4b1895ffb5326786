package tokenizer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/schoolsafe/safeguard/internal/models"
)

const saltSize = 32

// Session is a bounded tokenization namespace. It owns the only reversible
// token mapping for one analysis run and is never shared across concurrent
// analyses, so access is single-goroutine by contract and unlocked.
type Session struct {
	id        uuid.UUID
	salt      []byte
	createdAt time.Time
	destroyed bool

	// token -> raw value. The reversible side; consulted only by
	// boundary.Localize and never serialized.
	mapping map[models.Token]string

	// type+raw -> token, for deterministic reissue within the session.
	issued map[string]models.Token

	collisions int
}

// NewSession creates a session with a fresh random salt. Two sessions always
// derive different tokens for the same raw value.
func NewSession() (*Session, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating session salt: %w", err)
	}

	return &Session{
		id:        uuid.New(),
		salt:      salt,
		createdAt: time.Now(),
		mapping:   make(map[models.Token]string),
		issued:    make(map[string]models.Token),
	}, nil
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Destroy discards the mapping and zeroes the salt. The session is unusable
// afterwards; tokens issued from it become permanently unresolvable.
func (s *Session) Destroy() {
	for i := range s.salt {
		s.salt[i] = 0
	}
	s.mapping = nil
	s.issued = nil
	s.destroyed = true
}

func (s *Session) Destroyed() bool {
	return s.destroyed
}

// Lookup resolves a token back to its raw value. This is the localization
// path; it must only be called inside the local trust boundary.
func (s *Session) Lookup(t models.Token) (string, bool) {
	if s.destroyed {
		return "", false
	}
	raw, ok := s.mapping[t]
	return raw, ok
}

// TokensIssued returns the number of distinct tokens the session has minted.
func (s *Session) TokensIssued() int {
	return len(s.mapping)
}

// derive mints or reissues the token for a raw value under a type prefix.
// Derivation is HMAC-SHA256 over the type-tagged raw value with the session
// salt as key, truncated to a 16 hex char suffix.
func (s *Session) derive(tt models.TokenType, raw string) (models.Token, error) {
	if s.destroyed {
		return "", fmt.Errorf("session %s already destroyed", s.id)
	}

	key := string(tt) + "\x00" + raw
	if tok, ok := s.issued[key]; ok {
		return tok, nil
	}

	suffix := s.hmacSuffix(key, 0)
	tok := models.Token(string(tt) + "_" + suffix)

	// Truncated suffixes can collide across distinct raw values; re-derive
	// with a counter until the namespace slot is free.
	for i := 1; ; i++ {
		if existing, ok := s.mapping[tok]; !ok || existing == raw {
			break
		}
		s.collisions++
		tok = models.Token(string(tt) + "_" + s.hmacSuffix(key, i))
	}

	s.mapping[tok] = raw
	s.issued[key] = tok
	return tok, nil
}

func (s *Session) hmacSuffix(key string, round int) string {
	mac := hmac.New(sha256.New, s.salt)
	mac.Write([]byte(key))
	if round > 0 {
		fmt.Fprintf(mac, "\x00%d", round)
	}
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// PrivacyReport summarizes session health without exposing the mapping.
type PrivacyReport struct {
	SessionID       uuid.UUID     `json:"session_id"`
	TokensIssued    int           `json:"tokens_issued"`
	Collisions      int           `json:"collisions"`
	CollisionRate   float64       `json:"collision_rate"`
	SessionDuration time.Duration `json:"session_duration_ns"`
}

func (s *Session) PrivacyReport() PrivacyReport {
	r := PrivacyReport{
		SessionID:       s.id,
		TokensIssued:    len(s.mapping),
		Collisions:      s.collisions,
		SessionDuration: time.Since(s.createdAt),
	}
	if r.TokensIssued > 0 {
		r.CollisionRate = float64(r.Collisions) / float64(r.TokensIssued)
	}
	return r
}
