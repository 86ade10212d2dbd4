package signature_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	mrand "math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/signature"
)

func samplePayload() map[string]any {
	return map[string]any{
		"invoice":        "INV123",
		"status":         "paid",
		"transaction_id": "TXN1",
		"amount":         json.Number("11.00"),
		"currency":       "USD",
		"test":           false,
		"add_fields": map[string]any{
			"order_id":  "42",
			"order_key": "wc_order_abc",
		},
	}
}

func TestCanonicalizeFormat(t *testing.T) {
	payload := map[string]any{
		"b":         "2",
		"a":         "1",
		"signature": "ignored",
		"n":         map[string]any{"y": true, "x": json.Number("3")},
		"l":         []any{"p", "q"},
	}
	require.Equal(t, "a:1;b:2;l:{0:p;1:q;};n:{x:3;y:1;};", signature.Canonicalize(payload))
}

func TestCanonicalizeListsKeepIndexOrder(t *testing.T) {
	items := make([]any, 11)
	for i := range items {
		items[i] = fmt.Sprintf("v%d", i)
	}
	want := "l:{0:v0;1:v1;2:v2;3:v3;4:v4;5:v5;6:v6;7:v7;8:v8;9:v9;10:v10;};"
	require.Equal(t, want, signature.Canonicalize(map[string]any{"l": items}))
}

func TestCanonicalizeKeepsNestedSignatureKeys(t *testing.T) {
	payload := map[string]any{"data": map[string]any{"signature": "x"}}
	require.Equal(t, "data:{signature:x;};", signature.Canonicalize(payload))
}

func TestCanonicalizeIgnoresInsertionOrder(t *testing.T) {
	base := samplePayload()
	want := signature.Canonicalize(base)

	keys := make([]string, 0, len(base))
	for k := range base {
		keys = append(keys, k)
	}
	rng := mrand.New(mrand.NewSource(7))
	for i := 0; i < 20; i++ {
		rng.Shuffle(len(keys), func(a, b int) { keys[a], keys[b] = keys[b], keys[a] })
		shuffled := make(map[string]any, len(keys))
		for _, k := range keys {
			shuffled[k] = base[k]
		}
		require.Equal(t, want, signature.Canonicalize(shuffled))
	}
}

func TestLegacyString(t *testing.T) {
	payload := map[string]any{
		"b":         "two",
		"a":         "one",
		"signature": "skip",
		"nested":    map[string]any{"c": "3"},
	}
	require.Equal(t, "one:two:secret", signature.LegacyString(payload, "secret"))
}

func TestHMACRoundTripAndMutation(t *testing.T) {
	s, err := signature.New(signature.AuthMethod{Kind: signature.MethodHMAC, Secret: "s3cret"})
	require.NoError(t, err)
	require.Equal(t, signature.MethodHMAC, s.Method())

	payload := samplePayload()
	sig, err := s.Sign(payload)
	require.NoError(t, err)
	require.Len(t, sig, 64)

	ok, err := s.Verify(payload, sig)
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < len(sig); i++ {
		mutated := []byte(sig)
		mutated[i] ^= 0x01
		ok, err := s.Verify(payload, string(mutated))
		require.NoError(t, err)
		require.False(t, ok, "mutation at byte %d accepted", i)
	}

	ok, err = s.Verify(payload, "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHMACDetectsTamperedField(t *testing.T) {
	s, err := signature.New(signature.AuthMethod{Kind: signature.MethodHMAC, Secret: "s3cret"})
	require.NoError(t, err)

	payload := samplePayload()
	require.NoError(t, signature.Attach(s, payload))
	sig := signature.Extract(payload)
	require.NotEmpty(t, sig)

	payload["amount"] = json.Number("1.00")
	ok, err := s.Verify(payload, sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHMACDifferentSecretsDisagree(t *testing.T) {
	a, err := signature.New(signature.AuthMethod{Kind: signature.MethodHMAC, Secret: "one"})
	require.NoError(t, err)
	b, err := signature.New(signature.AuthMethod{Kind: signature.MethodHMAC, Secret: "two"})
	require.NoError(t, err)

	sig, err := a.Sign(samplePayload())
	require.NoError(t, err)
	ok, err := b.Verify(samplePayload(), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLegacyMD5RoundTrip(t *testing.T) {
	s, err := signature.New(signature.AuthMethod{Kind: signature.MethodLegacyMD5, Secret: "legacy"})
	require.NoError(t, err)

	payload := map[string]any{"invoice": "INV1", "status": "paid"}
	sig, err := s.Sign(payload)
	require.NoError(t, err)
	// md5("INV1:paid:legacy")
	require.Len(t, sig, 32)

	ok, err := s.Verify(payload, sig)
	require.NoError(t, err)
	require.True(t, ok)

	payload["status"] = "failed"
	ok, err = s.Verify(payload, sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewRejectsMissingMaterial(t *testing.T) {
	cases := []signature.AuthMethod{
		{Kind: signature.MethodHMAC},
		{Kind: signature.MethodLegacyMD5, Secret: "  "},
		{Kind: signature.MethodRSA},
		{Kind: signature.MethodRSA, PrivateKeyPEM: "not a pem"},
		{Kind: "sha1", Secret: "x"},
	}
	for i, tc := range cases {
		_, err := signature.New(tc)
		require.Error(t, err, "case %d", i)
		require.True(t, errors.Is(err, common.ErrConfig), "case %d: %v", i, err)
	}
}

func generateRSA(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return string(privPEM), string(pubPEM)
}

func TestRSARoundTripAndMutation(t *testing.T) {
	priv, pub := generateRSA(t)
	s, err := signature.New(signature.AuthMethod{Kind: signature.MethodRSA, PrivateKeyPEM: priv, PublicKeyPEM: pub})
	require.NoError(t, err)

	payload := samplePayload()
	sig, err := s.Sign(payload)
	require.NoError(t, err)

	ok, err := s.Verify(payload, sig)
	require.NoError(t, err)
	require.True(t, ok)

	mutated := []byte(sig)
	if mutated[10] == 'A' {
		mutated[10] = 'B'
	} else {
		mutated[10] = 'A'
	}
	ok, err = s.Verify(payload, string(mutated))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.Verify(payload, "%%%not-base64")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRSAVerifyOnlyKey(t *testing.T) {
	priv, pub := generateRSA(t)
	signer, err := signature.New(signature.AuthMethod{Kind: signature.MethodRSA, PrivateKeyPEM: priv})
	require.NoError(t, err)
	verifier, err := signature.New(signature.AuthMethod{Kind: signature.MethodRSA, PublicKeyPEM: pub})
	require.NoError(t, err)

	sig, err := signer.Sign(samplePayload())
	require.NoError(t, err)
	ok, err := verifier.Verify(samplePayload(), sig)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = verifier.Sign(samplePayload())
	require.ErrorIs(t, err, common.ErrConfig)
	_, err = signer.Verify(samplePayload(), sig)
	require.ErrorIs(t, err, common.ErrConfig)
}

func TestRotatingPicksUpNewSecret(t *testing.T) {
	secret := "first"
	loads := 0
	loader := func() (signature.AuthMethod, error) {
		loads++
		return signature.AuthMethod{Kind: signature.MethodHMAC, Secret: secret}, nil
	}
	r, err := signature.NewRotating(loader, time.Minute)
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	first, err := r.Sign(samplePayload())
	require.NoError(t, err)

	secret = "second"
	again, err := r.Sign(samplePayload())
	require.NoError(t, err)
	require.Equal(t, first, again, "refresh interval not yet elapsed")

	now = now.Add(2 * time.Minute)
	rotated, err := r.Sign(samplePayload())
	require.NoError(t, err)
	require.NotEqual(t, first, rotated)
	require.GreaterOrEqual(t, loads, 2)
}

func TestRotatingKeepsLastGoodSigner(t *testing.T) {
	fail := false
	loader := func() (signature.AuthMethod, error) {
		if fail {
			return signature.AuthMethod{}, fmt.Errorf("read secret: permission denied")
		}
		return signature.AuthMethod{Kind: signature.MethodHMAC, Secret: "stable"}, nil
	}
	r, err := signature.NewRotating(loader, time.Nanosecond)
	require.NoError(t, err)

	before, err := r.Sign(samplePayload())
	require.NoError(t, err)

	fail = true
	after, err := r.Sign(samplePayload())
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRotatingFailsFastWithoutKey(t *testing.T) {
	_, err := signature.NewRotating(func() (signature.AuthMethod, error) {
		return signature.AuthMethod{Kind: signature.MethodHMAC}, nil
	}, time.Minute)
	require.ErrorIs(t, err, common.ErrConfig)
}
