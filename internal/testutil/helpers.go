package testutil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"session-notify/internal/security"
)

func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertErrorIs checks the chain with errors.Is, so wrapped store errors match.
func AssertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Errorf("expected error %v, got: %v", target, err)
	}
}

func isNilable(kind reflect.Kind) bool {
	switch kind {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
		return true
	}
	return false
}

// AssertNil treats typed nil pointers (a nil *domain.Session in an interface) as nil.
func AssertNil(t *testing.T, v interface{}) {
	t.Helper()
	if v == nil {
		return
	}
	rv := reflect.ValueOf(v)
	if isNilable(rv.Kind()) && rv.IsNil() {
		return
	}
	t.Errorf("expected nil, got: %v", v)
}

// AssertNotNil stops the test, since callers dereference the value next.
func AssertNotNil(t *testing.T, v interface{}) {
	t.Helper()
	if v == nil {
		t.Fatal("expected non-nil value, got nil")
	}
	rv := reflect.ValueOf(v)
	if isNilable(rv.Kind()) && rv.IsNil() {
		t.Fatal("expected non-nil value, got nil")
	}
}

func AssertEqual[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func AssertNotEqual[T comparable](t *testing.T, got, notWant T) {
	t.Helper()
	if got == notWant {
		t.Errorf("got %v, did not want %v", got, notWant)
	}
}

func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("expected true: %s", msg)
	}
}

func AssertFalse(t *testing.T, condition bool, msg string) {
	t.Helper()
	if condition {
		t.Errorf("expected false: %s", msg)
	}
}

func AssertContains(t *testing.T, s, substring string) {
	t.Helper()
	if !strings.Contains(s, substring) {
		t.Errorf("expected %q to contain %q", s, substring)
	}
}

func AssertNotContains(t *testing.T, s, substring string) {
	t.Helper()
	if strings.Contains(s, substring) {
		t.Errorf("expected %q to not contain %q", s, substring)
	}
}

func AssertLen[T any](t *testing.T, slice []T, expected int) {
	t.Helper()
	if len(slice) != expected {
		t.Errorf("expected length %d, got %d", expected, len(slice))
	}
}

func AssertEmpty[T any](t *testing.T, slice []T) {
	t.Helper()
	if len(slice) != 0 {
		t.Errorf("expected empty slice, got %d elements", len(slice))
	}
}

func AssertNotEmpty[T any](t *testing.T, slice []T) {
	t.Helper()
	if len(slice) == 0 {
		t.Error("expected non-empty slice, got empty")
	}
}

// HTTP responses

func AssertStatusCode(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if w.Code != expected {
		t.Errorf("expected status %d, got %d. Body: %s", expected, w.Code, w.Body.String())
	}
}

func AssertHeader(t *testing.T, w *httptest.ResponseRecorder, key, expected string) {
	t.Helper()
	if got := w.Header().Get(key); got != expected {
		t.Errorf("header %q: got %q, want %q", key, got, expected)
	}
}

func AssertHeaderContains(t *testing.T, w *httptest.ResponseRecorder, key, substring string) {
	t.Helper()
	if got := w.Header().Get(key); !strings.Contains(got, substring) {
		t.Errorf("header %q: expected to contain %q, got %q", key, substring, got)
	}
}

// AssertJSONContains compares one top-level key of the body. Numbers decode as float64.
// The body is left unread so DecodeJSON can follow.
func AssertJSONContains(t *testing.T, w *httptest.ResponseRecorder, key string, expected interface{}) {
	t.Helper()

	var result map[string]interface{}
	body := w.Body.String()
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to decode JSON response: %v. Body: %s", err, body)
	}

	got, ok := result[key]
	if !ok {
		t.Errorf("JSON response missing key %q. Body: %s", key, body)
		return
	}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("JSON key %q: got %v (%T), want %v (%T)", key, got, got, expected, expected)
	}
}

// AssertJSONError checks the status and that msg appears somewhere in the body.
func AssertJSONError(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, msg string) {
	t.Helper()
	AssertStatusCode(t, w, expectedStatus)
	if body := w.Body.String(); !strings.Contains(body, msg) {
		t.Errorf("expected error message %q in response, got: %s", msg, body)
	}
}

// AssertReason checks a rejection: the status plus the machine-readable "reason"
// code that clients branch on.
func AssertReason(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, reason string) {
	t.Helper()
	AssertStatusCode(t, w, expectedStatus)

	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error response: %v. Body: %s", err, w.Body.String())
	}
	if body.Error == "" {
		t.Errorf("error response has no message. Body: %s", w.Body.String())
	}
	if body.Reason != reason {
		t.Errorf("reason: got %q, want %q", body.Reason, reason)
	}
}

func DecodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var result T
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode JSON response: %v. Body: %s", err, w.Body.String())
	}
	return result
}

// Cookies

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// AssertSessionCookie requires a freshly issued session cookie: a well-formed
// opaque id, HttpOnly, scoped to the whole site and not already expired.
func AssertSessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	c := findCookie(w, security.SessionCookieName)
	if c == nil {
		t.Fatalf("expected %s cookie to be set", security.SessionCookieName)
	}
	if !security.ValidSessionID(c.Value) {
		t.Errorf("session cookie value %q is not a session id", c.Value)
	}
	if !c.HttpOnly {
		t.Error("session cookie should be HttpOnly")
	}
	if c.Path != "/" {
		t.Errorf("session cookie path: got %q, want /", c.Path)
	}
	if c.MaxAge < 0 {
		t.Error("session cookie is already expired")
	}
	return c
}

// AssertSessionCookieCleared requires a Set-Cookie that deletes the session cookie.
func AssertSessionCookieCleared(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	c := findCookie(w, security.SessionCookieName)
	if c == nil {
		t.Fatalf("expected %s cookie to be cleared", security.SessionCookieName)
	}
	if c.MaxAge >= 0 || c.Value != "" {
		t.Errorf("session cookie not cleared: value %q max-age %d", c.Value, c.MaxAge)
	}
}

// AssertNoCookie fails on any Set-Cookie for name, including one that deletes it.
func AssertNoCookie(t *testing.T, w *httptest.ResponseRecorder, name string) {
	t.Helper()
	if c := findCookie(w, name); c != nil {
		t.Errorf("unexpected Set-Cookie for %q (value %q, max-age %d)", name, c.Value, c.MaxAge)
	}
}

// Requests

func NewJSONRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = strings.NewReader(string(data))
	}
	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// NewSessionRequest carries sessionID in the session cookie, as a browser would.
func NewSessionRequest(t *testing.T, method, url, sessionID string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, url, nil)
	req.AddCookie(&http.Cookie{Name: security.SessionCookieName, Value: sessionID})
	return req
}
