package verification

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustfabric/exchange-engine/internal/did"
	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/jsonschema"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

type stubCapability struct {
	response exchange.JSON
	err      error
	gotInvocation exchange.JSON
}

func (s *stubCapability) Write(_ context.Context, _ *exchange.Zcap, _ string, payload interface{}) (exchange.JSON, error) {
	s.gotInvocation, _ = payload.(exchange.JSON)
	return s.response, s.err
}

func TestGatewayVerifyRequestsProofAndChallengeChecksByDefault(t *testing.T) {
	cap := &stubCapability{response: exchange.JSON{"verified": true}}
	g := NewGateway(cap, did.NewMultiDIDResolver(), jsonschema.NewValidator())

	_, err := g.Verify(context.Background(), exchange.VerifyRequest{
		Workflow:     &exchange.Workflow{ID: "http://host/workflows/wf1"},
		Presentation: exchange.JSON{"proof": exchange.JSON{"challenge": "chal-1"}},
	})
	require.NoError(t, err)

	options := cap.gotInvocation["options"].(exchange.JSON)
	checks := options["checks"].([]interface{})
	assert.Contains(t, checks, "proof")
	assert.Contains(t, checks, "challenge")
	assert.Equal(t, "http://host", options["domain"])
	assert.Equal(t, "chal-1", options["challenge"])
}

func TestGatewayVerifySkipsProofCheckWhenUnprotectedAllowedAndNoProof(t *testing.T) {
	cap := &stubCapability{response: exchange.JSON{"verified": true}}
	g := NewGateway(cap, did.NewMultiDIDResolver(), jsonschema.NewValidator())

	_, err := g.Verify(context.Background(), exchange.VerifyRequest{
		Workflow:                     &exchange.Workflow{ID: "http://host/workflows/wf1"},
		Presentation:                 exchange.JSON{},
		AllowUnprotectedPresentation: true,
		ExpectedChallenge:            "chal-2",
	})
	require.NoError(t, err)

	options := cap.gotInvocation["options"].(exchange.JSON)
	checks := options["checks"].([]interface{})
	assert.NotContains(t, checks, "proof")
	assert.NotContains(t, checks, "challenge")
}

func TestGatewayVerifyParsesResultFields(t *testing.T) {
	cap := &stubCapability{response: exchange.JSON{
		"verified":      true,
		"challengeUses": float64(1),
		"results": []interface{}{
			exchange.JSON{"verificationMethod": "did:key:z6M...#key-1"},
		},
		"credentialResults": []interface{}{
			exchange.JSON{"verified": true},
		},
	}}
	g := NewGateway(cap, did.NewMultiDIDResolver(), jsonschema.NewValidator())

	result, err := g.Verify(context.Background(), exchange.VerifyRequest{
		Workflow:          &exchange.Workflow{ID: "http://host/workflows/wf1"},
		Presentation:      exchange.JSON{"proof": exchange.JSON{}},
		ExpectedChallenge: "chal-3",
	})
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, 1, result.ChallengeUses)
	assert.Equal(t, "did:key:z6M...#key-1", result.VerificationMethod)
	require.Len(t, result.CredentialResults, 1)
}

func TestGatewayVerifyWrapsCapabilityErrorAsOperationKind(t *testing.T) {
	cap := &stubCapability{err: xerr.New(xerr.Operation, "downstream unavailable")}
	g := NewGateway(cap, did.NewMultiDIDResolver(), jsonschema.NewValidator())

	_, err := g.Verify(context.Background(), exchange.VerifyRequest{
		Workflow:     &exchange.Workflow{ID: "http://host/workflows/wf1"},
		Presentation: exchange.JSON{"proof": exchange.JSON{}},
	})
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.Operation))
}

type fakeResolver struct {
	doc *did.DIDDocument
}

func (f *fakeResolver) Resolve(_ context.Context, _ string, _ *did.DIDResolutionOptions) (*did.DIDResolutionResult, error) {
	return &did.DIDResolutionResult{DIDDocument: f.doc}, nil
}
func (f *fakeResolver) SupportsMethod(string) bool   { return true }
func (f *fakeResolver) SupportedMethods() []string   { return []string{"key"} }

func TestGatewayVerifyDidProofJWTAcceptsValidProof(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	vmID := "did:key:z6Mktest#key-1"
	doc := &did.DIDDocument{
		ID: "did:key:z6Mktest",
		VerificationMethod: []did.VerificationMethod{
			{
				ID:         vmID,
				Type:       "Ed25519VerificationKey2020",
				Controller: "did:key:z6Mktest",
				PublicKeyJwk: &did.JWK{
					Kty: "OKP",
					Crv: "Ed25519",
					X:   base64.RawURLEncoding.EncodeToString(pub),
				},
			},
		},
		Authentication: []interface{}{vmID},
	}

	g := NewGateway(&stubCapability{}, &fakeResolver{doc: doc}, jsonschema.NewValidator())

	w := &exchange.Workflow{ID: "http://host/workflows/wf1"}
	ex := &exchange.Exchange{ID: "ex1"}

	claims := jwt.MapClaims{
		"aud":   w.ID + "/exchanges/" + ex.ID,
		"iss":   "did:key:z6Mktest",
		"nonce": ex.ID,
		"iat":   time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = vmID
	signed, err := token.SignedString(priv)
	require.NoError(t, err)

	result, err := g.VerifyDidProofJWT(context.Background(), exchange.DidProofJWTRequest{
		Workflow: w, Exchange: ex, JWT: signed,
	})
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, "did:key:z6Mktest", result.DID)
}

func TestGatewayVerifyDidProofJWTRejectsAudienceMismatch(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	vmID := "did:key:z6Mktest#key-1"
	doc := &did.DIDDocument{
		ID: "did:key:z6Mktest",
		VerificationMethod: []did.VerificationMethod{
			{ID: vmID, Controller: "did:key:z6Mktest", PublicKeyJwk: &did.JWK{Kty: "OKP", Crv: "Ed25519", X: base64.RawURLEncoding.EncodeToString(pub)}},
		},
		Authentication: []interface{}{vmID},
	}
	g := NewGateway(&stubCapability{}, &fakeResolver{doc: doc}, jsonschema.NewValidator())

	w := &exchange.Workflow{ID: "http://host/workflows/wf1"}
	ex := &exchange.Exchange{ID: "ex1"}

	claims := jwt.MapClaims{"aud": "http://wrong/exchanges/ex1", "iss": "did:key:z6Mktest", "nonce": ex.ID}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = vmID
	signed, err := token.SignedString(priv)
	require.NoError(t, err)

	_, err = g.VerifyDidProofJWT(context.Background(), exchange.DidProofJWTRequest{Workflow: w, Exchange: ex, JWT: signed})
	assert.True(t, xerr.Is(err, xerr.NotAllowed))
}

func TestGatewayVerifyDidProofJWTRejectsUnauthorizedVerificationMethod(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	vmID := "did:key:z6Mktest#key-1"
	doc := &did.DIDDocument{
		ID: "did:key:z6Mktest",
		VerificationMethod: []did.VerificationMethod{
			{ID: vmID, Controller: "did:key:z6Mktest", PublicKeyJwk: &did.JWK{Kty: "OKP", Crv: "Ed25519", X: base64.RawURLEncoding.EncodeToString(pub)}},
		},
		// Not listed under Authentication.
	}
	g := NewGateway(&stubCapability{}, &fakeResolver{doc: doc}, jsonschema.NewValidator())

	w := &exchange.Workflow{ID: "http://host/workflows/wf1"}
	ex := &exchange.Exchange{ID: "ex1"}

	claims := jwt.MapClaims{"aud": w.ID + "/exchanges/" + ex.ID, "iss": "did:key:z6Mktest", "nonce": ex.ID}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = vmID
	signed, err := token.SignedString(priv)
	require.NoError(t, err)

	_, err = g.VerifyDidProofJWT(context.Background(), exchange.DidProofJWTRequest{Workflow: w, Exchange: ex, JWT: signed})
	assert.Error(t, err)
}
