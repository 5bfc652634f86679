package oid4vci

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/trustfabric/exchange-engine/internal/exchange"
)

func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func publicKeyFromRaw(raw []byte) ed25519.PublicKey {
	return ed25519.PublicKey(raw)
}

// keyFromJWK loads a private signing key from the exchange's stored JWK
// (§4.8). Only OKP (Ed25519) private keys are loaded; any other kty,
// including an imported RSA or EC key pair, is rejected.
func keyFromJWK(jwk exchange.JSON) (interface{}, error) {
	kty, _ := jwk["kty"].(string)
	switch kty {
	case "OKP":
		d, _ := jwk["d"].(string)
		seed, err := base64.RawURLEncoding.DecodeString(d)
		if err != nil {
			return nil, fmt.Errorf("oid4vci: decode OKP private key: %w", err)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	default:
		return nil, fmt.Errorf("oid4vci: unsupported private key kty %q", kty)
	}
}
