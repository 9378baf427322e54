package sessions

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrResumeDisabled   = errors.New("resume tokens disabled: no secret configured")
	ErrInvalidResumeTok = errors.New("invalid resume token")
)

// ResumeTokenService signs and verifies tokens that let a client resume a
// session suspended for human input.
type ResumeTokenService struct {
	secret []byte
	expiry time.Duration
}

// NewResumeTokenService builds the token helper. A zero expiry means tokens
// never expire.
func NewResumeTokenService(secret string, expiry time.Duration) *ResumeTokenService {
	return &ResumeTokenService{secret: []byte(secret), expiry: expiry}
}

// ResumeClaims identifies the exact suspension point.
type ResumeClaims struct {
	MessageID string `json:"message_id,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	jwt.RegisteredClaims
}

// Mint issues a signed token for a suspended session.
func (s *ResumeTokenService) Mint(sessionID, messageID string, seq uint64) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrResumeDisabled
	}
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.New("session id required")
	}

	claims := ResumeClaims{
		MessageID: messageID,
		Seq:       seq,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  sessionID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if s.expiry != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a resume token and returns its claims.
func (s *ResumeTokenService) Validate(token string) (*ResumeClaims, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrResumeDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &ResumeClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidResumeTok
	}

	claims, ok := parsed.Claims.(*ResumeClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidResumeTok
	}
	return claims, nil
}
