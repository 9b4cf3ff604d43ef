// Package turnrest mints coturn-compatible TURN REST credentials so clients
// can reach each other through NAT without the relay holding per-user TURN
// accounts.
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest:
//
//	username   = <unix_expiry>:<prefix>:<identity>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultPrefix = "pairlink"

// Vendor issues short-lived TURN credentials bound to an authenticated
// identity.
type Vendor struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewVendor(sharedSecret string, ttl time.Duration) (*Vendor, error) {
	if sharedSecret == "" {
		return nil, errors.New("turn shared secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("turn credential ttl must be positive")
	}
	return &Vendor{
		secret: []byte(sharedSecret),
		ttl:    ttl,
		prefix: defaultPrefix,
		now:    time.Now,
	}, nil
}

// Credentials is one issued username/credential pair.
type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Issue mints credentials for identity. Colons would corrupt the username's
// field structure, so identities containing them are rejected.
func (v *Vendor) Issue(identity string) (Credentials, error) {
	if identity == "" {
		return Credentials{}, errors.New("identity is required")
	}
	if strings.ContainsRune(identity, ':') {
		return Credentials{}, fmt.Errorf("identity %q must not contain ':'", identity)
	}
	expiry := v.now().UTC().Add(v.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expiry, v.prefix, identity)
	mac := hmac.New(sha1.New, v.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}, nil
}
