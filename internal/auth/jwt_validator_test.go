package auth

import (
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

func buildToken(t *testing.T, issuer string, issued, notBefore, expires time.Time) jwt.Token {
	t.Helper()
	token, err := jwt.NewBuilder().
		Issuer(issuer).
		Audience([]string{"aud"}).
		Subject("admin").
		IssuedAt(issued).
		NotBefore(notBefore).
		Expiration(expires).
		Build()
	require.NoError(t, err)
	return token
}

func TestTokenValidatorValidateSuccess(t *testing.T) {
	now := time.Now()
	token := buildToken(t, "issuer", now, now, now.Add(time.Minute))
	validator := TokenValidator{Issuer: "issuer", Audience: "aud", ClockSkew: time.Second, Algorithm: jwa.HS256}
	require.NoError(t, validator.Validate(token, jwa.HS256, now))
}

func TestTokenValidatorRejections(t *testing.T) {
	now := time.Now()
	validator := TokenValidator{Issuer: "issuer", Audience: "aud", ClockSkew: time.Second, Algorithm: jwa.HS256}

	cases := map[string]struct {
		token jwt.Token
		alg   jwa.SignatureAlgorithm
	}{
		"issuer":     {buildToken(t, "other", now, now, now.Add(time.Minute)), jwa.HS256},
		"expired":    {buildToken(t, "issuer", now.Add(-2*time.Hour), now.Add(-2*time.Hour), now.Add(-time.Minute)), jwa.HS256},
		"not before": {buildToken(t, "issuer", now, now.Add(5*time.Minute), now.Add(10*time.Minute)), jwa.HS256},
		"algorithm":  {buildToken(t, "issuer", now, now, now.Add(time.Minute)), jwa.RS256},
		"no alg":     {buildToken(t, "issuer", now, now, now.Add(time.Minute)), ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, validator.Validate(tc.token, tc.alg, now))
		})
	}
	require.Error(t, validator.Validate(nil, jwa.HS256, now))

	strict := validator
	strict.RequireJTI = true
	require.Error(t, strict.Validate(buildToken(t, "issuer", now, now, now.Add(time.Minute)), jwa.HS256, now))
}
