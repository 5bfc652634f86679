package oid4vci

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/jwtutil"
	"github.com/trustfabric/exchange-engine/internal/store"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

type fakeTemplates struct {
	steps map[string]*exchange.Step
}

func (f *fakeTemplates) EvaluateTemplate(_ context.Context, _ *exchange.Workflow, _ *exchange.Exchange, _ *exchange.CredentialTemplate, _ exchange.JSON) (interface{}, error) {
	return nil, nil
}

func (f *fakeTemplates) EvaluateExchangeStep(_ context.Context, _ *exchange.Workflow, _ *exchange.Exchange, stepName string) (*exchange.Step, error) {
	return f.steps[stepName], nil
}

type fakeVerification struct {
	didResult *exchange.DidProofResult
	err       error
}

func (f *fakeVerification) Verify(_ context.Context, _ exchange.VerifyRequest) (*exchange.VerifyResult, error) {
	return &exchange.VerifyResult{}, nil
}

func (f *fakeVerification) VerifyDidProofJWT(_ context.Context, _ exchange.DidProofJWTRequest) (*exchange.DidProofResult, error) {
	return f.didResult, f.err
}

type noIssuance struct{}

func (noIssuance) GetIssueRequestParams(_ context.Context, _ *exchange.Workflow, _ *exchange.Exchange, _ *exchange.Step) ([]exchange.IssueRequestParam, error) {
	return nil, nil
}

func (noIssuance) Issue(_ context.Context, _ exchange.IssueParams) (*exchange.IssueResult, error) {
	return &exchange.IssueResult{Response: exchange.JSON{}}, nil
}

func baseCredentialWorkflow(step *exchange.Step) *exchange.Workflow {
	return &exchange.Workflow{
		InitialStep: "s1",
		Steps:       map[string]*exchange.Step{"s1": step},
		IssuerInstances: []exchange.IssuerInstance{
			{SupportedFormats: []string{"ldp_vc"}},
		},
	}
}

func signedBearerToken(t *testing.T, kp *exchange.KeyPair, aud string) string {
	t.Helper()
	key, err := keyFromJWK(kp.PrivateKeyJWK)
	require.NoError(t, err)
	signed, err := jwtutil.Sign(map[string]interface{}{"aud": aud}, key, "")
	require.NoError(t, err)
	return signed
}

func TestVerifyAccessTokenRejectsExchangeWithoutVirtualAuthorizationServer(t *testing.T) {
	a := &Adapter{}
	err := a.verifyAccessToken(&exchange.Exchange{}, "whatever")
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.NotAllowed))
}

func TestVerifyAccessTokenAcceptsTokenSignedByExchangeKeyWithMatchingAudience(t *testing.T) {
	kp, err := GenerateKeyPair("")
	require.NoError(t, err)
	ex := &exchange.Exchange{ID: "ex1", OpenID: &exchange.OpenIDState{OAuth2: &exchange.OAuth2State{KeyPair: kp}}}

	token := signedBearerToken(t, kp, "ex1")
	a := &Adapter{}
	assert.NoError(t, a.verifyAccessToken(ex, token))
}

func TestVerifyAccessTokenRejectsAudienceMismatch(t *testing.T) {
	kp, err := GenerateKeyPair("")
	require.NoError(t, err)
	ex := &exchange.Exchange{ID: "ex1", OpenID: &exchange.OpenIDState{OAuth2: &exchange.OAuth2State{KeyPair: kp}}}

	token := signedBearerToken(t, kp, "someone-else")
	a := &Adapter{}
	err = a.verifyAccessToken(ex, token)
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.NotAllowed))
}

func TestHandleCredentialRejectsEmptyRequestList(t *testing.T) {
	kp, err := GenerateKeyPair("")
	require.NoError(t, err)
	ex := &exchange.Exchange{ID: "ex1", OpenID: &exchange.OpenIDState{OAuth2: &exchange.OAuth2State{KeyPair: kp}}}
	token := signedBearerToken(t, kp, "ex1")

	s := store.NewMemoryExchangeStore()
	a := NewAdapter(s, &fakeTemplates{}, &fakeVerification{}, noIssuance{}, nil)

	_, err = a.HandleCredential(context.Background(), &exchange.Workflow{}, "wf1", ex, &exchange.Step{}, "s1", token, nil)
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.DataError))
}

func TestHandleCredentialRejectsUnsupportedFormat(t *testing.T) {
	kp, err := GenerateKeyPair("")
	require.NoError(t, err)
	ex := &exchange.Exchange{ID: "ex1", OpenID: &exchange.OpenIDState{OAuth2: &exchange.OAuth2State{KeyPair: kp}}}
	token := signedBearerToken(t, kp, "ex1")

	step := &exchange.Step{}
	w := baseCredentialWorkflow(step)
	s := store.NewMemoryExchangeStore()
	a := NewAdapter(s, &fakeTemplates{}, &fakeVerification{}, noIssuance{}, nil)

	_, err = a.HandleCredential(context.Background(), w, "wf1", ex, step, "s1", token, []CredentialRequest{{Format: "jwt_vc_json"}})
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.DataError))
}

func TestHandleCredentialRequestsProofWhenStepRequiresJWTDidProofAndNoneSupplied(t *testing.T) {
	kp, err := GenerateKeyPair("")
	require.NoError(t, err)
	ex := &exchange.Exchange{ID: "ex1", OpenID: &exchange.OpenIDState{OAuth2: &exchange.OAuth2State{KeyPair: kp}}}
	token := signedBearerToken(t, kp, "ex1")

	step := &exchange.Step{JWTDidProofRequest: &exchange.JWTDidProofRequest{}}
	w := baseCredentialWorkflow(step)
	s := store.NewMemoryExchangeStore()
	a := NewAdapter(s, &fakeTemplates{}, &fakeVerification{}, noIssuance{}, nil)

	_, err = a.HandleCredential(context.Background(), w, "wf1", ex, step, "s1", token, []CredentialRequest{{Format: "ldp_vc"}})
	require.Error(t, err)
	var respErr *CredentialResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, "invalid_or_missing_proof", respErr.ErrorCode)
}

func TestHandleCredentialIssuesCredentialAfterVerifyingDidProof(t *testing.T) {
	kp, err := GenerateKeyPair("")
	require.NoError(t, err)
	ex := &exchange.Exchange{
		ID:        "ex1",
		Variables: exchange.JSON{},
		Expires:   time.Now().Add(time.Hour),
		OpenID:    &exchange.OpenIDState{OAuth2: &exchange.OAuth2State{KeyPair: kp}},
	}
	token := signedBearerToken(t, kp, "ex1")

	vp := exchange.JSON{
		"@context":             []interface{}{"https://www.w3.org/ns/credentials/v2"},
		"type":                 []interface{}{"VerifiablePresentation"},
		"verifiableCredential": []interface{}{exchange.JSON{"id": "urn:uuid:abc"}},
	}
	step := &exchange.Step{
		JWTDidProofRequest:     &exchange.JWTDidProofRequest{},
		VerifiablePresentation: vp,
	}
	w := baseCredentialWorkflow(step)

	s := store.NewMemoryExchangeStore()
	_, err = s.Insert(context.Background(), "wf1", ex)
	require.NoError(t, err)

	verification := &fakeVerification{didResult: &exchange.DidProofResult{Verified: true, DID: "did:key:z6M..."}}
	a := NewAdapter(s, &fakeTemplates{steps: map[string]*exchange.Step{"s1": step}}, verification, noIssuance{}, nil)

	resp, err := a.HandleCredential(context.Background(), w, "wf1", ex, step, "s1", token, []CredentialRequest{{Format: "ldp_vc", ProofJWT: "some.proof.jwt"}})
	require.NoError(t, err)
	assert.Equal(t, "ldp_vc", resp["format"])
	cred := resp["credential"].(exchange.JSON)
	assert.Equal(t, "urn:uuid:abc", cred["id"])

	rec, err := s.Get(context.Background(), "wf1", "ex1", false)
	require.NoError(t, err)
	resultsNS := rec.Exchange.Variables["results"].(exchange.JSON)["s1"].(exchange.JSON)
	assert.Equal(t, "did:key:z6M...", resultsNS["did"])
}

func TestHandleCredentialUnwrapsEnvelopedCredentialToRawJWT(t *testing.T) {
	kp, err := GenerateKeyPair("")
	require.NoError(t, err)
	ex := &exchange.Exchange{
		ID:        "ex1",
		Variables: exchange.JSON{},
		Expires:   time.Now().Add(time.Hour),
		OpenID:    &exchange.OpenIDState{OAuth2: &exchange.OAuth2State{KeyPair: kp}},
	}
	token := signedBearerToken(t, kp, "ex1")

	envelopedJWT := "header.payload.signature"
	vp := exchange.JSON{
		"@context": []interface{}{"https://www.w3.org/ns/credentials/v2"},
		"type":     []interface{}{"VerifiablePresentation"},
		"verifiableCredential": []interface{}{exchange.JSON{
			"type": "EnvelopedVerifiableCredential",
			"id":   "data:application/jwt," + envelopedJWT,
		}},
	}
	step := &exchange.Step{
		JWTDidProofRequest:     &exchange.JWTDidProofRequest{},
		VerifiablePresentation: vp,
	}
	w := baseCredentialWorkflow(step)

	s := store.NewMemoryExchangeStore()
	_, err = s.Insert(context.Background(), "wf1", ex)
	require.NoError(t, err)

	verification := &fakeVerification{didResult: &exchange.DidProofResult{Verified: true, DID: "did:key:z6M..."}}
	a := NewAdapter(s, &fakeTemplates{steps: map[string]*exchange.Step{"s1": step}}, verification, noIssuance{}, nil)

	resp, err := a.HandleCredential(context.Background(), w, "wf1", ex, step, "s1", token, []CredentialRequest{{Format: "ldp_vc", ProofJWT: "some.proof.jwt"}})
	require.NoError(t, err)
	assert.Equal(t, envelopedJWT, resp["credential"])
}

func TestHandleCredentialRejectsMismatchedDIDsAcrossBatchedRequests(t *testing.T) {
	kp, err := GenerateKeyPair("")
	require.NoError(t, err)
	ex := &exchange.Exchange{ID: "ex1", Variables: exchange.JSON{}, OpenID: &exchange.OpenIDState{OAuth2: &exchange.OAuth2State{KeyPair: kp}}}
	token := signedBearerToken(t, kp, "ex1")

	step := &exchange.Step{JWTDidProofRequest: &exchange.JWTDidProofRequest{}}
	w := baseCredentialWorkflow(step)
	s := store.NewMemoryExchangeStore()

	calls := 0
	verification := &verifyDidProofSequence{results: []*exchange.DidProofResult{
		{Verified: true, DID: "did:key:first"},
		{Verified: true, DID: "did:key:second"},
	}, calls: &calls}
	a := NewAdapter(s, &fakeTemplates{steps: map[string]*exchange.Step{"s1": step}}, verification, noIssuance{}, nil)

	_, err = a.HandleCredential(context.Background(), w, "wf1", ex, step, "s1", token,
		[]CredentialRequest{{Format: "ldp_vc", ProofJWT: "p1"}, {Format: "ldp_vc", ProofJWT: "p2"}})
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.NotAllowed))
}

type verifyDidProofSequence struct {
	results []*exchange.DidProofResult
	calls   *int
}

func (v *verifyDidProofSequence) Verify(_ context.Context, _ exchange.VerifyRequest) (*exchange.VerifyResult, error) {
	return &exchange.VerifyResult{}, nil
}

func (v *verifyDidProofSequence) VerifyDidProofJWT(_ context.Context, _ exchange.DidProofJWTRequest) (*exchange.DidProofResult, error) {
	i := *v.calls
	*v.calls = i + 1
	return v.results[i], nil
}

func TestHandleCredentialOfferIncludesPreAuthorizedCodeAndCredentialIDs(t *testing.T) {
	w := &exchange.Workflow{ID: "https://host/workflows/wf1"}
	ex := &exchange.Exchange{ID: "ex1", OpenID: &exchange.OpenIDState{PreAuthorizedCode: "the-code"}}

	offer := (&Adapter{}).HandleCredentialOffer(w, ex, "", []string{"AlumniCredential_ldp_vc"})
	assert.Equal(t, "https://host/workflows/wf1/exchanges/ex1", offer["credential_issuer"])
	grants := offer["grants"].(exchange.JSON)
	grant := grants["urn:ietf:params:oauth:grant-type:pre-authorized_code"].(exchange.JSON)
	assert.Equal(t, "the-code", grant["pre-authorized_code"])
	assert.Equal(t, []interface{}{"AlumniCredential_ldp_vc"}, offer["credentials"])
}

func TestHandleNonceReturnsExchangeIDAsCNonce(t *testing.T) {
	ex := &exchange.Exchange{ID: "ex1"}
	nonce := (&Adapter{}).HandleNonce(ex)
	assert.Equal(t, "ex1", nonce["c_nonce"])
}

func TestHandleJWKSReturnsConfiguredPublicKey(t *testing.T) {
	kp, err := GenerateKeyPair("")
	require.NoError(t, err)
	ex := &exchange.Exchange{OpenID: &exchange.OpenIDState{OAuth2: &exchange.OAuth2State{KeyPair: kp}}}

	jwks, err := (&Adapter{}).HandleJWKS(ex)
	require.NoError(t, err)
	keys := jwks["keys"].([]interface{})
	require.Len(t, keys, 1)
	assert.Equal(t, kp.PublicKeyJWK, keys[0])
}

func TestHandleJWKSRejectsExchangeWithoutConfiguredKey(t *testing.T) {
	_, err := (&Adapter{}).HandleJWKS(&exchange.Exchange{})
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.NotFound))
}
