package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"session-notify/internal/domain"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash keeps unknown-user logins as slow as wrong-password ones.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)

// StaticAuthenticator checks credentials against bcrypt hashes loaded from
// configuration ("alice:$2a$...,bob:$2a$...").
type StaticAuthenticator struct {
	hashes map[string][]byte
}

func NewStaticAuthenticator(spec string) (*StaticAuthenticator, error) {
	a := &StaticAuthenticator{hashes: make(map[string][]byte)}
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, hash, ok := strings.Cut(item, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("auth user entry %q: expected name:bcrypt-hash", name)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("auth user %q: %w", name, err)
		}
		a.hashes[name] = []byte(hash)
	}
	return a, nil
}

// Authenticate returns the user id for valid credentials.
func (a *StaticAuthenticator) Authenticate(_ context.Context, username, password string) (string, error) {
	hash, ok := a.hashes[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", domain.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", domain.ErrInvalidCredentials
	}
	return username, nil
}

// StaticRoleLookup serves roles loaded from configuration ("alice=admin|ops,bob=viewer").
type StaticRoleLookup struct {
	roles map[string][]string
}

func NewStaticRoleLookup(spec string) (*StaticRoleLookup, error) {
	l := &StaticRoleLookup{roles: make(map[string][]string)}
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		user, rawRoles, ok := strings.Cut(item, "=")
		user = strings.TrimSpace(user)
		if !ok || user == "" {
			return nil, fmt.Errorf("user roles entry %q: expected user=role|role", item)
		}
		for _, role := range strings.Split(rawRoles, "|") {
			if role = strings.TrimSpace(role); role != "" {
				l.roles[user] = append(l.roles[user], role)
			}
		}
		sort.Strings(l.roles[user])
	}
	return l, nil
}

func (l *StaticRoleLookup) GetRoles(_ context.Context, userID string) ([]string, error) {
	roles := l.roles[userID]
	out := make([]string, len(roles))
	copy(out, roles)
	return out, nil
}

// HasRole reports whether role is among roles.
func HasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
