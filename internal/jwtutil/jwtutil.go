// Package jwtutil provides the JWT signing/verification helpers shared by
// the OID4VCI access-token endpoint (§4.8), JWT DID-proof verification
// (§4.4), and OID4VP authorization request/response handling (§4.9),
// built on github.com/golang-jwt/jwt/v5.
package jwtutil

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// AlgorithmForKey derives the JWS alg for a signing key per §4.8: Ed25519
// → EdDSA, EC P-256/384/521 → ES256/384/512, secp256k1 → ES256K, RSA → PS256.
func AlgorithmForKey(key interface{}) (string, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey, ed25519.PublicKey:
		return "EdDSA", nil
	case *ecdsa.PrivateKey:
		return ecAlg(k.Curve.Params())
	case *ecdsa.PublicKey:
		return ecAlg(k.Curve.Params())
	case *rsa.PrivateKey, *rsa.PublicKey:
		return "PS256", nil
	default:
		return "", fmt.Errorf("jwtutil: unsupported key type %T", key)
	}
}

func ecAlg(params *elliptic.CurveParams) (string, error) {
	if params.Name == "secp256k1" {
		return "ES256K", nil
	}
	switch params.BitSize {
	case 256:
		return "ES256", nil
	case 384:
		return "ES384", nil
	case 521:
		return "ES512", nil
	default:
		return "", fmt.Errorf("jwtutil: unsupported EC key size %d", params.BitSize)
	}
}

// SigningMethodFor returns the jwt-go SigningMethod for an alg name,
// rejecting "none" per §4.4 ("Reject none").
func SigningMethodFor(alg string) (jwt.SigningMethod, error) {
	if alg == "none" || alg == "" {
		return nil, xerr.New(xerr.NotAllowed, "alg \"none\" is not permitted")
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, xerr.Newf(xerr.DataError, "unsupported JWT algorithm %q", alg)
	}
	return method, nil
}

// Sign mints a JWT with the given claims, key, and key id, using the
// algorithm implied by the key's type.
func Sign(claims jwt.MapClaims, key interface{}, kid string) (string, error) {
	alg, err := AlgorithmForKey(key)
	if err != nil {
		return "", err
	}
	method, err := SigningMethodFor(alg)
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("jwtutil: sign token: %w", err)
	}
	return signed, nil
}

// KeyFunc resolves the verification key for a token given its header,
// typically backed by a DID resolver (kid → verification method → public key).
type KeyFunc func(token *jwt.Token) (interface{}, error)

// AllowedAlgs restricts acceptable alg values, rejecting "none" even if
// the caller's list omits it.
func AllowedAlgs(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if a == "none" {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		out = []string{"ES256", "ES384", "EdDSA"}
	}
	return out
}

// Parse verifies and parses a JWT string with the given allowed algorithms
// and key resolution function, returning its claims.
func Parse(raw string, allowed []string, keyFunc KeyFunc) (jwt.MapClaims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods(AllowedAlgs(allowed)))
	var claims jwt.MapClaims
	token, err := parser.ParseWithClaims(raw, jwt.MapClaims{}, func(t *jwt.Token) (interface{}, error) {
		return keyFunc(t)
	})
	if err != nil {
		return nil, xerr.Wrap(xerr.NotAllowed, "JWT verification failed", err).WithStatus(403)
	}
	if !token.Valid {
		return nil, xerr.New(xerr.NotAllowed, "JWT verification failed").WithStatus(403)
	}
	claims, _ = token.Claims.(jwt.MapClaims)
	return claims, nil
}
