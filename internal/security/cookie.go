package security

import (
	"net/http"
	"strings"
	"time"
)

const SessionCookieName = "session_id"

// CookieManager is the only writer of the session identity cookie.
type CookieManager struct {
	Name     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

func NewCookieManager(domain string, secure bool, sameSite string) *CookieManager {
	ss := http.SameSiteLaxMode
	switch strings.ToLower(sameSite) {
	case "none":
		ss = http.SameSiteNoneMode
	case "strict":
		ss = http.SameSiteStrictMode
	}
	return &CookieManager{Name: SessionCookieName, Domain: domain, Secure: secure, SameSite: ss}
}

// SetSession writes the opaque session id. No session data goes into the cookie.
func (c *CookieManager) SetSession(w http.ResponseWriter, sessionID string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    sessionID,
		Path:     "/",
		Domain:   c.Domain,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	})
}

func (c *CookieManager) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	})
}

// SessionID returns the cookie value when it is a well-formed session id.
func (c *CookieManager) SessionID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.Name)
	if err != nil || !ValidSessionID(cookie.Value) {
		return "", false
	}
	return cookie.Value, true
}
