package verification

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/trustfabric/exchange-engine/internal/did"
)

// publicKeyFromVM extracts a crypto public key (ed25519.PublicKey or
// *ecdsa.PublicKey) from a verification method's publicKeyJwk, the only
// key representation §4.4 requires the gateway to understand.
func publicKeyFromVM(vm *did.VerificationMethod) (interface{}, error) {
	if vm.PublicKeyJwk == nil {
		return nil, fmt.Errorf("verification method %q has no publicKeyJwk", vm.ID)
	}
	jwk := vm.PublicKeyJwk
	switch jwk.Kty {
	case "OKP":
		x, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil {
			return nil, fmt.Errorf("decode OKP x: %w", err)
		}
		return ed25519.PublicKey(x), nil
	case "EC":
		curve, err := curveFor(jwk.Crv)
		if err != nil {
			return nil, err
		}
		x, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil {
			return nil, fmt.Errorf("decode EC x: %w", err)
		}
		y, err := base64.RawURLEncoding.DecodeString(jwk.Y)
		if err != nil {
			return nil, fmt.Errorf("decode EC y: %w", err)
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported JWK kty %q", jwk.Kty)
	}
}

func curveFor(crv string) (elliptic.Curve, error) {
	switch crv {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("unsupported EC curve %q", crv)
	}
}
