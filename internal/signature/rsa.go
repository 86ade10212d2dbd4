package signature

import (
	"crypto/rsa"
	"encoding/base64"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/noah-isme/toko-gmpays/internal/common"
)

type rsaSigner struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

func newRSASigner(privatePEM, publicPEM string) (Signer, error) {
	if strings.TrimSpace(privatePEM) == "" && strings.TrimSpace(publicPEM) == "" {
		return nil, common.ConfigErrorf("rsa key material is not configured")
	}
	s := rsaSigner{}
	if strings.TrimSpace(privatePEM) != "" {
		raw, err := parsePEM(privatePEM)
		if err != nil {
			return nil, common.ConfigErrorf("parse rsa private key: %v", err)
		}
		priv, ok := raw.(*rsa.PrivateKey)
		if !ok {
			return nil, common.ConfigErrorf("private key is not an RSA private key")
		}
		s.private = priv
	}
	if strings.TrimSpace(publicPEM) != "" {
		raw, err := parsePEM(publicPEM)
		if err != nil {
			return nil, common.ConfigErrorf("parse rsa public key: %v", err)
		}
		pub, ok := raw.(*rsa.PublicKey)
		if !ok {
			return nil, common.ConfigErrorf("public key is not an RSA public key")
		}
		s.public = pub
	}
	return s, nil
}

func parsePEM(material string) (any, error) {
	key, err := jwk.ParseKey([]byte(strings.TrimSpace(material)), jwk.WithPEM(true))
	if err != nil {
		return nil, err
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (rsaSigner) Method() Method { return MethodRSA }

func (s rsaSigner) Sign(payload map[string]any) (string, error) {
	if s.private == nil {
		return "", common.ConfigErrorf("rsa private key is not configured")
	}
	signer, err := jws.NewSigner(jwa.RS256)
	if err != nil {
		return "", err
	}
	sig, err := signer.Sign([]byte(Canonicalize(payload)), s.private)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (s rsaSigner) Verify(payload map[string]any, signature string) (bool, error) {
	if s.public == nil {
		return false, common.ConfigErrorf("rsa public key is not configured")
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(strings.TrimSpace(signature))
	if err != nil || len(raw) == 0 {
		return false, nil
	}
	verifier, err := jws.NewVerifier(jwa.RS256)
	if err != nil {
		return false, err
	}
	if err := verifier.Verify([]byte(Canonicalize(payload)), raw, s.public); err != nil {
		return false, nil
	}
	return true, nil
}
