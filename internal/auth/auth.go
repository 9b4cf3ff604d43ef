// Package auth implements login verification and the token handshake used by
// the relay's WebSocket endpoints.
//
// The credential source is intentionally simple (an in-memory user table
// loaded from configuration); the rest of the system only depends on the
// Authenticate/Issue/Verify surface.
package auth

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingCredentials = errors.New("missing credentials")
)

// Store holds the known users. Plaintext passwords from configuration are
// hashed once at construction so runtime comparisons are uniform.
type Store struct {
	hashes map[string]string
}

func NewStore(users map[string]string) (*Store, error) {
	hashes := make(map[string]string, len(users))
	for name, pass := range users {
		if IsHashedPassword(pass) {
			hashes[name] = pass
			continue
		}
		h, err := HashPassword(pass)
		if err != nil {
			return nil, fmt.Errorf("hash password for %q: %w", name, err)
		}
		hashes[name] = h
	}
	return &Store{hashes: hashes}, nil
}

// Authenticate verifies a username/password pair and returns the identity.
// The identity is the username; it is opaque to every other component.
func (s *Store) Authenticate(username, password string) (string, error) {
	encoded, ok := s.hashes[username]
	if !ok {
		// Burn a verification anyway so unknown and known usernames take
		// comparable time.
		_, _ = VerifyPassword(password, "$argon2id$v=19$m=65536,t=3,p=2$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
		return "", ErrInvalidCredentials
	}
	match, err := VerifyPassword(password, encoded)
	if err != nil {
		return "", fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return "", ErrInvalidCredentials
	}
	return username, nil
}

// TokenFromQuery extracts the ?token= credential presented on WebSocket
// connect requests.
func TokenFromQuery(q url.Values) (string, error) {
	if token := q.Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}
