package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"session-notify/internal/domain"
)

var ErrInvalidToken = errors.New("invalid CSRF token")

// CSRFReason is the machine-readable cause of a rejected token.
type CSRFReason string

const (
	ReasonMissing          CSRFReason = "missing"
	ReasonMalformed        CSRFReason = "malformed"
	ReasonExpired          CSRFReason = "expired"
	ReasonMismatched       CSRFReason = "mismatched"
	ReasonInvalidSignature CSRFReason = "invalid_signature"
)

// CSRFError is returned by Validate. It matches ErrInvalidToken with errors.Is.
type CSRFError struct {
	Reason CSRFReason
}

func (e *CSRFError) Error() string {
	return "csrf token " + string(e.Reason)
}

func (e *CSRFError) Is(target error) bool {
	return target == ErrInvalidToken
}

// Message is safe to show to end users.
func (e *CSRFError) Message() string {
	switch e.Reason {
	case ReasonExpired:
		return "CSRF token expired, please retry"
	case ReasonMissing:
		return "CSRF token missing, please reload and retry"
	default:
		return "CSRF token invalid, please reload and retry"
	}
}

// rejects non-canonical encodings
var tokenEncoding = base64.RawURLEncoding.Strict()

const (
	nonceBytes   = 16
	hkdfInfo     = "session-notify csrf v1"
	defaultSkew  = 30 * time.Second
	tokenFields  = 4
	sigFieldSize = sha256.Size
)

// TokenManager issues and validates CSRF tokens bound to a session id.
//
// Wire format: base64url(session_id):issued_at:nonce:signature, where the
// signature is HMAC-SHA256 over "session_id|issued_at|nonce" keyed by
// HKDF(server secret, salt = the session's csrf secret). Destroying the session
// discards its csrf secret, so every token minted for it stops validating.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	skew   time.Duration
	now    func() time.Time
}

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		ttl:    ttl,
		skew:   defaultSkew,
		now:    time.Now,
	}
}

// TTL is the validity window of issued tokens.
func (tm *TokenManager) TTL() time.Duration {
	return tm.ttl
}

// Issue mints a token for the session.
func (tm *TokenManager) Issue(session *domain.Session) (string, error) {
	if session == nil || session.ID == "" || session.CSRFSecret == "" {
		return "", fmt.Errorf("cannot issue csrf token without a session")
	}

	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	issuedAt := strconv.FormatInt(tm.now().Unix(), 10)
	nonceStr := base64.RawURLEncoding.EncodeToString(nonce)

	sig, err := tm.sign(session, session.ID, issuedAt, nonceStr)
	if err != nil {
		return "", err
	}

	return strings.Join([]string{
		base64.RawURLEncoding.EncodeToString([]byte(session.ID)),
		issuedAt,
		nonceStr,
		base64.RawURLEncoding.EncodeToString(sig),
	}, ":"), nil
}

// Validate checks token against the session resolved for the current request.
// A nil session means the request is anonymous and no token can match.
func (tm *TokenManager) Validate(token string, session *domain.Session) error {
	if token == "" {
		return &CSRFError{Reason: ReasonMissing}
	}

	parts := strings.Split(token, ":")
	if len(parts) != tokenFields {
		return &CSRFError{Reason: ReasonMalformed}
	}

	rawID, err := tokenEncoding.DecodeString(parts[0])
	if err != nil || !ValidSessionID(string(rawID)) {
		return &CSRFError{Reason: ReasonMalformed}
	}
	tokenSessionID := string(rawID)

	issuedUnix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || issuedUnix <= 0 {
		return &CSRFError{Reason: ReasonMalformed}
	}

	if nonce, err := tokenEncoding.DecodeString(parts[2]); err != nil || len(nonce) != nonceBytes {
		return &CSRFError{Reason: ReasonMalformed}
	}

	sig, err := tokenEncoding.DecodeString(parts[3])
	if err != nil || len(sig) != sigFieldSize {
		return &CSRFError{Reason: ReasonMalformed}
	}

	if session == nil || subtle.ConstantTimeCompare([]byte(tokenSessionID), []byte(session.ID)) != 1 {
		return &CSRFError{Reason: ReasonMismatched}
	}

	expected, err := tm.sign(session, tokenSessionID, parts[1], parts[2])
	if err != nil {
		return &CSRFError{Reason: ReasonInvalidSignature}
	}
	if !hmac.Equal(sig, expected) {
		return &CSRFError{Reason: ReasonInvalidSignature}
	}

	issuedAt := time.Unix(issuedUnix, 0)
	now := tm.now()
	if issuedAt.After(now.Add(tm.skew)) || now.Sub(issuedAt) > tm.ttl {
		return &CSRFError{Reason: ReasonExpired}
	}
	return nil
}

func (tm *TokenManager) sign(session *domain.Session, sessionID, issuedAt, nonce string) ([]byte, error) {
	key := make([]byte, sha256.Size)
	kdf := hkdf.New(sha256.New, tm.secret, []byte(session.CSRFSecret), []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive csrf key: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(sessionID + "|" + issuedAt + "|" + nonce))
	return mac.Sum(nil), nil
}
