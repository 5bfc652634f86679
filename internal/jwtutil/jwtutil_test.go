package jwtutil

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustfabric/exchange-engine/internal/xerr"
)

func TestAlgorithmForKeyMapsKeyTypesToExpectedAlgs(t *testing.T) {
	_, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	alg, err := AlgorithmForKey(edPriv)
	require.NoError(t, err)
	assert.Equal(t, "EdDSA", alg)

	p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	alg, err = AlgorithmForKey(p256)
	require.NoError(t, err)
	assert.Equal(t, "ES256", alg)

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	alg, err = AlgorithmForKey(p384)
	require.NoError(t, err)
	assert.Equal(t, "ES384", alg)

	p521, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	require.NoError(t, err)
	alg, err = AlgorithmForKey(p521)
	require.NoError(t, err)
	assert.Equal(t, "ES512", alg)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	alg, err = AlgorithmForKey(rsaKey)
	require.NoError(t, err)
	assert.Equal(t, "PS256", alg)
}

func TestAlgorithmForKeyRejectsUnsupportedType(t *testing.T) {
	_, err := AlgorithmForKey("not-a-key")
	assert.Error(t, err)
}

func TestSigningMethodForRejectsNoneAndEmpty(t *testing.T) {
	_, err := SigningMethodFor("none")
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.NotAllowed))

	_, err = SigningMethodFor("")
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.NotAllowed))
}

func TestSigningMethodForRejectsUnknownAlg(t *testing.T) {
	_, err := SigningMethodFor("not-an-alg")
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.DataError))
}

func TestSigningMethodForReturnsKnownMethod(t *testing.T) {
	method, err := SigningMethodFor("EdDSA")
	require.NoError(t, err)
	assert.Equal(t, "EdDSA", method.Alg())
}

func TestSignAndParseRoundTripWithEd25519Key(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signed, err := Sign(jwt.MapClaims{"iss": "issuer", "sub": "subject"}, priv, "key-1")
	require.NoError(t, err)

	claims, err := Parse(signed, []string{"EdDSA"}, func(token *jwt.Token) (interface{}, error) {
		assert.Equal(t, "key-1", token.Header["kid"])
		return pub, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "issuer", claims["iss"])
	assert.Equal(t, "subject", claims["sub"])
}

func TestParseRejectsAlgNotInAllowedList(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signed, err := Sign(jwt.MapClaims{}, priv, "")
	require.NoError(t, err)

	_, err = Parse(signed, []string{"ES256"}, func(token *jwt.Token) (interface{}, error) {
		return pub, nil
	})
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.NotAllowed))
}

func TestParseRejectsInvalidSignature(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signed, err := Sign(jwt.MapClaims{}, priv, "")
	require.NoError(t, err)

	_, err = Parse(signed, []string{"EdDSA"}, func(token *jwt.Token) (interface{}, error) {
		return otherPub, nil
	})
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.NotAllowed))
}

func TestAllowedAlgsStripsNoneAndFallsBackToDefaults(t *testing.T) {
	assert.Equal(t, []string{"ES256", "EdDSA"}, AllowedAlgs([]string{"ES256", "none", "EdDSA"}))
	assert.Equal(t, []string{"ES256", "ES384", "EdDSA"}, AllowedAlgs([]string{"none"}))
	assert.Equal(t, []string{"ES256", "ES384", "EdDSA"}, AllowedAlgs(nil))
}
