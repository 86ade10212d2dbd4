package signature

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/noah-isme/toko-gmpays/internal/common"
)

// Method names one of the mutually exclusive signing schemes.
type Method string

const (
	// MethodHMAC signs the canonical string with HMAC-SHA256, hex encoded.
	MethodHMAC Method = "hmac"
	// MethodLegacyMD5 is the older scheme: md5("v1:v2:...:secret"), hex encoded.
	MethodLegacyMD5 Method = "hmac-md5"
	// MethodRSA signs the canonical string with RSA-SHA256, base64 encoded.
	MethodRSA Method = "rsa"
)

// AuthMethod is the configuration-selected scheme together with its key
// material. Only the fields belonging to Kind are read.
type AuthMethod struct {
	Kind Method
	// Secret is the shared key for MethodHMAC and MethodLegacyMD5.
	Secret string
	// PrivateKeyPEM signs outbound requests under MethodRSA.
	PrivateKeyPEM string
	// PublicKeyPEM is the processor key used to verify inbound data under MethodRSA.
	PublicKeyPEM string
}

// Signer produces and checks payload signatures. A verification mismatch is
// reported as false, never as an error; errors are configuration problems.
type Signer interface {
	Method() Method
	Sign(payload map[string]any) (string, error)
	Verify(payload map[string]any, signature string) (bool, error)
}

// New builds the Signer selected by m. Missing or unparseable key material is
// an ErrConfig error.
func New(m AuthMethod) (Signer, error) {
	switch Method(strings.ToLower(strings.TrimSpace(string(m.Kind)))) {
	case MethodHMAC:
		if strings.TrimSpace(m.Secret) == "" {
			return nil, common.ConfigErrorf("hmac secret is not configured")
		}
		return hmacSigner{secret: []byte(m.Secret)}, nil
	case MethodLegacyMD5:
		if strings.TrimSpace(m.Secret) == "" {
			return nil, common.ConfigErrorf("hmac secret is not configured")
		}
		return md5Signer{secret: m.Secret}, nil
	case MethodRSA:
		return newRSASigner(m.PrivateKeyPEM, m.PublicKeyPEM)
	default:
		return nil, common.ConfigErrorf("unsupported auth method %q", m.Kind)
	}
}

type hmacSigner struct {
	secret []byte
}

func (hmacSigner) Method() Method { return MethodHMAC }

func (s hmacSigner) Sign(payload map[string]any) (string, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(Canonicalize(payload)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (s hmacSigner) Verify(payload map[string]any, signature string) (bool, error) {
	expected, _ := s.Sign(payload)
	return constantTimeEqual(expected, signature), nil
}

type md5Signer struct {
	secret string
}

func (md5Signer) Method() Method { return MethodLegacyMD5 }

func (s md5Signer) Sign(payload map[string]any) (string, error) {
	sum := md5.Sum([]byte(LegacyString(payload, s.secret)))
	return hex.EncodeToString(sum[:]), nil
}

func (s md5Signer) Verify(payload map[string]any, signature string) (bool, error) {
	expected, _ := s.Sign(payload)
	return constantTimeEqual(expected, signature), nil
}

// constantTimeEqual compares the full strings without stopping at the first
// differing byte. Case is significant.
func constantTimeEqual(expected, received string) bool {
	if received == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(received))
}

// Expected recomputes the signature for payload, for diagnostics logging.
// It returns an empty string when the signer cannot sign.
func Expected(s Signer, payload map[string]any) string {
	if s == nil {
		return ""
	}
	sig, err := s.Sign(payload)
	if err != nil {
		return ""
	}
	return sig
}

// Extract returns the signature carried in payload, if any.
func Extract(payload map[string]any) string {
	switch v := payload[FieldName].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return scalar(v)
	}
}

// Attach signs payload and stores the result under the signature field.
func Attach(s Signer, payload map[string]any) error {
	if s == nil {
		return common.ConfigErrorf("signer is not configured")
	}
	delete(payload, FieldName)
	sig, err := s.Sign(payload)
	if err != nil {
		return err
	}
	payload[FieldName] = sig
	return nil
}
