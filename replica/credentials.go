package replica

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Credentials is the auth material a source binds with. Either a static
// password or a bearer token; a token carries its own identity and expiry.
type Credentials struct {
	BindDN   string
	Password string

	BearerToken string
}

// BearerIdentity is what a bearer token says about itself. The provider
// verifies the signature; the consumer only reads claims to log the
// identity and to rebind before expiry.
type BearerIdentity struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
}

func (self *Credentials) ParseBearerUnverified() (*BearerIdentity, error) {
	if self == nil || self.BearerToken == "" {
		return nil, nil
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.BearerToken, gojwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: bearer token: %v", ErrConfig, err)
	}

	claims := token.Claims.(gojwt.MapClaims)
	identity := &BearerIdentity{}
	if subject, err := claims.GetSubject(); err == nil {
		identity.Subject = subject
	}
	if issuer, err := claims.GetIssuer(); err == nil {
		identity.Issuer = issuer
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		identity.ExpiresAt = expiresAt.Time
	}
	return identity, nil
}

// Expired reports whether a bearer token needs a rebind before the next
// search. Static passwords never expire.
func (self *Credentials) Expired(now time.Time) bool {
	identity, err := self.ParseBearerUnverified()
	if err != nil || identity == nil || identity.ExpiresAt.IsZero() {
		return false
	}
	return identity.ExpiresAt.Before(now)
}
