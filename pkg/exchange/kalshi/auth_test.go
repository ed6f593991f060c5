package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"
)

func testKeyPEM(t *testing.T) (*rsa.PrivateKey, []byte, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	p8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	p1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return key, p8, p1
}

func TestSignVerifies(t *testing.T) {
	key, p8, _ := testKeyPEM(t)
	s, err := NewSigner("key-id", p8)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	const ts = int64(1755200000123)
	sig, err := s.Sign(ts, "GET", WSPath)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("signature not base64: %v", err)
	}

	digest := sha256.Sum256([]byte("1755200000123GET" + WSPath))
	err = rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], raw, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		t.Fatalf("VerifyPSS: %v", err)
	}
}

func TestNewSignerAcceptsPKCS1(t *testing.T) {
	_, _, p1 := testKeyPEM(t)
	if _, err := NewSigner("key-id", p1); err != nil {
		t.Fatalf("NewSigner with PKCS#1 key: %v", err)
	}
}

func TestNewSignerRejectsBadInput(t *testing.T) {
	_, p8, _ := testKeyPEM(t)
	if _, err := NewSigner("", p8); err == nil {
		t.Fatal("empty api key accepted")
	}
	if _, err := NewSigner("key-id", []byte("not a key")); err == nil {
		t.Fatal("garbage key accepted")
	}
}

func TestHeaders(t *testing.T) {
	key, p8, _ := testKeyPEM(t)
	s, err := NewSigner("key-id", p8)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	const ts = int64(1755200000123)
	h, err := s.Headers(ts, WSPath)
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if got := h.Get("KALSHI-ACCESS-KEY"); got != "key-id" {
		t.Fatalf("access key header = %q", got)
	}
	if got := h.Get("KALSHI-ACCESS-TIMESTAMP"); got != "1755200000123" {
		t.Fatalf("timestamp header = %q", got)
	}
	raw, err := base64.StdEncoding.DecodeString(h.Get("KALSHI-ACCESS-SIGNATURE"))
	if err != nil {
		t.Fatalf("signature header not base64: %v", err)
	}
	digest := sha256.Sum256([]byte("1755200000123GET" + WSPath))
	err = rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], raw, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		t.Fatalf("header signature does not verify: %v", err)
	}
}
