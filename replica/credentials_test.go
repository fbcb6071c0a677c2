package replica

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims gojwt.MapClaims) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, nil, err)
	return signed
}

func TestBearerIdentity(t *testing.T) {
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	creds := &Credentials{
		BindDN: "cn=replica,dc=example,dc=com",
		BearerToken: signedToken(t, gojwt.MapClaims{
			"sub": "cn=replica,dc=example,dc=com",
			"iss": "idp.example.com",
			"exp": expiry.Unix(),
		}),
	}

	identity, err := creds.ParseBearerUnverified()
	assert.Equal(t, nil, err)
	assert.Equal(t, "cn=replica,dc=example,dc=com", identity.Subject)
	assert.Equal(t, "idp.example.com", identity.Issuer)
	assert.Equal(t, expiry.Unix(), identity.ExpiresAt.Unix())

	assert.Equal(t, false, creds.Expired(time.Now()))
	assert.Equal(t, true, creds.Expired(expiry.Add(time.Second)))
}

func TestBearerIdentityAbsent(t *testing.T) {
	creds := &Credentials{BindDN: "cn=replica", Password: "secret"}
	identity, err := creds.ParseBearerUnverified()
	assert.Equal(t, nil, err)
	assert.Equal(t, true, identity == nil)
	assert.Equal(t, false, creds.Expired(time.Now()))

	bad := &Credentials{BearerToken: "not-a-token"}
	_, err = bad.ParseBearerUnverified()
	assert.NotEqual(t, nil, err)
}
