package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidTicket = errors.New("invalid websocket ticket")

const ticketIssuer = "session-notify"

// TicketClaims binds a short-lived websocket ticket to a session and namespace.
type TicketClaims struct {
	SessionID string `json:"sid"`
	Namespace string `json:"ns"`
	jwt.RegisteredClaims
}

// TicketManager mints tickets for clients that cannot attach the session cookie
// to the websocket handshake. A ticket only names a session; the handshake
// still resolves that session through the session manager.
type TicketManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTicketManager(secret string, ttl time.Duration) *TicketManager {
	return &TicketManager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (m *TicketManager) Issue(sessionID, namespace string) (string, time.Time, error) {
	now := m.now()
	expires := now.Add(m.ttl)
	claims := TicketClaims{
		SessionID: sessionID,
		Namespace: namespace,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    ticketIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign ticket: %w", err)
	}
	return signed, expires, nil
}

// Validate returns the session id the ticket was issued for. The ticket must have
// been issued for namespace.
func (m *TicketManager) Validate(ticket, namespace string) (string, error) {
	claims := &TicketClaims{}
	token, err := jwt.ParseWithClaims(ticket, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(ticketIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if claims.Namespace != namespace {
		return "", fmt.Errorf("%w: issued for namespace %q", ErrInvalidTicket, claims.Namespace)
	}
	if !ValidSessionID(claims.SessionID) {
		return "", fmt.Errorf("%w: malformed session id", ErrInvalidTicket)
	}
	return claims.SessionID, nil
}
