package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// Signer produces the RSA-PSS request signatures Kalshi requires on the
// websocket upgrade request.
type Signer struct {
	apiKey string
	key    *rsa.PrivateKey
}

// NewSigner parses a PEM private key (PKCS#8 or PKCS#1) and pairs it with
// the API key ID.
func NewSigner(apiKey string, pemKey []byte) (*Signer, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}

	var key *rsa.PrivateKey
	if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, want RSA", k)
		}
		key = rk
	} else if rk, err2 := x509.ParsePKCS1PrivateKey(block.Bytes); err2 == nil {
		key = rk
	} else {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return &Signer{apiKey: apiKey, key: key}, nil
}

// Sign returns the base64 RSA-PSS SHA-256 signature over
// "{timestampMs}{method}{path}".
func (s *Signer) Sign(timestampMs int64, method, path string) (string, error) {
	msg := strconv.FormatInt(timestampMs, 10) + method + path
	digest := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Headers builds the three auth headers for a GET on path at timestampMs.
func (s *Signer) Headers(timestampMs int64, path string) (http.Header, error) {
	sig, err := s.Sign(timestampMs, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("KALSHI-ACCESS-KEY", s.apiKey)
	h.Set("KALSHI-ACCESS-SIGNATURE", sig)
	h.Set("KALSHI-ACCESS-TIMESTAMP", strconv.FormatInt(timestampMs, 10))
	return h, nil
}
