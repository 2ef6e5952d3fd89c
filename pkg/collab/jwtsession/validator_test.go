package jwtsession_test

import (
	"context"
	"testing"
	"time"

	"github.com/a-essam23/go-relay/pkg/collab/jwtsession"
	"github.com/a-essam23/go-relay/pkg/logging"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func expiresIn(d time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(d))}
}

func TestResolve(t *testing.T) {
	v, err := jwtsession.New(logging.Discard(), jwtsession.Options{Secret: secret})
	require.NoError(t, err)
	ctx := context.Background()

	good, err := jwtsession.Issue(secret, "did:u1", expiresIn(time.Hour))
	require.NoError(t, err)
	expired, _ := jwtsession.Issue(secret, "did:u1", expiresIn(-time.Minute))
	wrongKey, _ := jwtsession.Issue("other-secret", "did:u1", expiresIn(time.Hour))
	noSubject, _ := jwtsession.Issue(secret, "", expiresIn(time.Hour))
	noExpiry, _ := jwtsession.Issue(secret, "did:u1", jwt.RegisteredClaims{})
	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, jwtsession.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "did:u1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString([]byte(secret))

	session, err := v.Resolve(ctx, good)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "did:u1", session.Identity)
	assert.WithinDuration(t, time.Now().Add(time.Hour), session.ExpiresAt, time.Minute)

	for name, token := range map[string]string{
		"expired":    expired,
		"wrong key":  wrongKey,
		"no subject": noSubject,
		"no expiry":  noExpiry,
		"hs512":      hs512,
		"garbage":    "not.a.jwt",
		"empty":      "",
	} {
		t.Run(name, func(t *testing.T) {
			session, err := v.Resolve(ctx, token)
			assert.NoError(t, err)
			assert.Nil(t, session)
		})
	}
}

func TestResolveIssuerAndAudience(t *testing.T) {
	v, err := jwtsession.New(logging.Discard(), jwtsession.Options{Secret: secret, Issuer: "relay-auth", Audience: "relay"})
	require.NoError(t, err)

	claims := expiresIn(time.Hour)
	claims.Issuer = "relay-auth"
	claims.Audience = jwt.ClaimStrings{"relay"}
	good, _ := jwtsession.Issue(secret, "did:u1", claims)
	session, err := v.Resolve(context.Background(), good)
	require.NoError(t, err)
	require.NotNil(t, session)

	claims.Issuer = "someone-else"
	bad, _ := jwtsession.Issue(secret, "did:u1", claims)
	session, err = v.Resolve(context.Background(), bad)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestResolveCancelledContext(t *testing.T) {
	v, _ := jwtsession.New(logging.Discard(), jwtsession.Options{Secret: secret})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Resolve(ctx, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := jwtsession.New(logging.Discard(), jwtsession.Options{})
	assert.Error(t, err)
}
