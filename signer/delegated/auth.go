// Package delegated implements the typed-data signing capability against a
// remote custodial wallet service. The caller holds a session credential (an
// API key) for a wallet that was delegated to it out-of-band; private keys
// never leave the service.
package delegated

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// Auth generates short-lived JWT bearer tokens for the wallet service API.
// It is immutable after construction and safe for concurrent use.
type Auth struct {
	keyID      string
	privateKey interface{}
}

// apiClaims extends the standard JWT claims with the request URI the token
// authorizes, binding each token to a single method and path.
type apiClaims struct {
	*jwt.Claims
	URI string `json:"uri"`
}

// tokenValidity bounds how long a bearer token stays usable.
const tokenValidity = 2 * time.Minute

// NewAuth parses a PEM-encoded ECDSA or Ed25519 private key and returns an
// Auth that signs bearer tokens with it.
func NewAuth(keyID, pemKey string) (*Auth, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key ID must not be empty")
	}

	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block: invalid PEM format")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		var pkcs8Err error
		privateKey2, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if pkcs8Err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		switch privateKey2.(type) {
		case *ecdsa.PrivateKey, crypto.Signer:
		default:
			return nil, fmt.Errorf("unsupported private key type: must be ECDSA or Ed25519")
		}
		return &Auth{keyID: keyID, privateKey: privateKey2}, nil
	}

	return &Auth{keyID: keyID, privateKey: privateKey}, nil
}

// BearerToken generates a JWT for one request, bound to its method and path.
func (a *Auth) BearerToken(method, host, path string) (string, error) {
	var alg jose.SignatureAlgorithm
	switch a.privateKey.(type) {
	case *ecdsa.PrivateKey:
		alg = jose.ES256
	default:
		alg = jose.EdDSA
	}

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: alg, Key: a.privateKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", a.keyID),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create JWT signer: %w", err)
	}

	now := time.Now()
	claims := &apiClaims{
		Claims: &jwt.Claims{
			Subject:   a.keyID,
			Issuer:    "uniagent",
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(tokenValidity)),
		},
		URI: fmt.Sprintf("%s %s%s", method, host, path),
	}

	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}
	return token, nil
}
