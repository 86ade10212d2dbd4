package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenValidator checks the claims of an admin access token after its
// signature was verified.
type TokenValidator struct {
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	Algorithm jwa.SignatureAlgorithm
	// RequireJTI rejects tokens without an id claim.
	RequireJTI bool
}

var (
	errNilToken     = errors.New("auth: token is nil")
	errNoAlgorithm  = errors.New("auth: token missing algorithm")
	errNoSubject    = errors.New("auth: token missing subject")
	errNoTokenID    = errors.New("auth: token missing id")
	errBadAlgorithm = errors.New("auth: unexpected token algorithm")
)

// Validate applies the algorithm pin, then issuer, audience and time claims
// evaluated at now.
func (v TokenValidator) Validate(tok jwt.Token, algorithm jwa.SignatureAlgorithm, now time.Time) error {
	switch {
	case tok == nil:
		return errNilToken
	case algorithm == "":
		return errNoAlgorithm
	case v.Algorithm != "" && algorithm != v.Algorithm:
		return fmt.Errorf("%w %s", errBadAlgorithm, algorithm)
	case tok.Subject() == "":
		return errNoSubject
	case v.RequireJTI && tok.JwtID() == "":
		return errNoTokenID
	}

	opts := []jwt.ValidateOption{jwt.WithClock(jwt.ClockFunc(func() time.Time { return now }))}
	if v.ClockSkew > 0 {
		opts = append(opts, jwt.WithAcceptableSkew(v.ClockSkew))
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	return jwt.Validate(tok, opts...)
}
