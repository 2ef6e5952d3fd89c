// Package jwtsession resolves HS256 bearer tokens into sessions.
package jwtsession

import (
	"context"
	"errors"
	"log/slog"

	"github.com/a-essam23/go-relay/pkg/collab"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token claims the relay understands. Subject is the identity.
type Claims struct {
	jwt.RegisteredClaims
}

type Options struct {
	Secret   string
	Issuer   string
	Audience string
}

type Validator struct {
	secret []byte
	parser *jwt.Parser
	logger *slog.Logger
}

var _ collab.SessionValidator = (*Validator)(nil)

func New(logger *slog.Logger, opts Options) (*Validator, error) {
	if opts.Secret == "" {
		return nil, errors.New("jwtsession: secret is required")
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	return &Validator{
		secret: []byte(opts.Secret),
		parser: jwt.NewParser(parserOpts...),
		logger: logger.With(slog.String("component", "jwt_session")),
	}, nil
}

// Resolve never returns an error for a bad token: malformed, expired, wrongly
// signed or subject-less tokens all resolve to a nil session.
func (v *Validator) Resolve(ctx context.Context, token string) (*collab.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, nil
	}

	parsed, err := v.parser.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		v.logger.Debug("Rejected session token", slog.Any("error", err))
		return nil, nil
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		v.logger.Warn("Valid token missing 'sub' claim")
		return nil, nil
	}
	session := &collab.Session{Identity: claims.Subject}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// Issue signs a token for identity. It exists for tests and local tooling;
// production tokens come from the identity service.
func Issue(secret, identity string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = identity
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: claims}).SignedString([]byte(secret))
}
