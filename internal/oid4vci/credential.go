package oid4vci

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// CredentialRequest is the body the wallet POSTs to the credential or
// batch_credential endpoint (§4.8), already normalized (credential_definition
// .types folded into .type by the HTTP layer).
type CredentialRequest struct {
	Format               string        `json:"format"`
	Type                 []string      `json:"type,omitempty"`
	Context              []string      `json:"@context,omitempty"`
	ProofJWT             string        `json:"proofJwt,omitempty"`
}

// CredentialResponseError mirrors §4.8's "invalid_or_missing_proof" / "presentation_required" bodies.
type CredentialResponseError struct {
	ErrorCode            string      `json:"error"`
	CNonce               string      `json:"c_nonce,omitempty"`
	CNonceExpiresIn      int64       `json:"c_nonce_expires_in,omitempty"`
	AuthorizationRequest interface{} `json:"authorization_request,omitempty"`
}

func (e *CredentialResponseError) Error() string { return e.ErrorCode }

// OIDError and OIDExtraFields let internal/httpapi render this error's
// c_nonce / authorization_request fields without importing this package's
// concrete type.
func (e *CredentialResponseError) OIDError() string { return e.ErrorCode }

func (e *CredentialResponseError) OIDExtraFields() (string, int64, interface{}) {
	return e.CNonce, e.CNonceExpiresIn, e.AuthorizationRequest
}

// verifyAccessToken checks the bearer token's audience and signature
// against the exchange's virtual AS key (§4.8).
func (a *Adapter) verifyAccessToken(ex *exchange.Exchange, bearer string) error {
	if ex.OpenID == nil || ex.OpenID.OAuth2 == nil || ex.OpenID.OAuth2.KeyPair == nil {
		return xerr.New(xerr.NotAllowed, "exchange has no virtual authorization server configured").WithStatus(401)
	}
	pubJWK := ex.OpenID.OAuth2.KeyPair.PublicKeyJWK
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"EdDSA", "ES256", "ES384", "PS256"}))
	token, err := parser.Parse(bearer, func(t *jwt.Token) (interface{}, error) {
		return publicKeyFromJWK(pubJWK)
	})
	if err != nil || !token.Valid {
		return xerr.Wrap(xerr.NotAllowed, "invalid access token", err).WithStatus(401)
	}
	claims, _ := token.Claims.(jwt.MapClaims)
	if aud, _ := claims["aud"].(string); aud != ex.ID {
		return xerr.New(xerr.NotAllowed, "access token audience mismatch").WithStatus(401)
	}
	return nil
}

// HandleCredential implements the §4.8 credential/batch_credential endpoint
// happy path plus its two deferred-issuance branches.
func (a *Adapter) HandleCredential(ctx context.Context, workflow *exchange.Workflow, workflowIDLocal string, ex *exchange.Exchange, step *exchange.Step, stepName string, bearer string, requests []CredentialRequest) (exchange.JSON, error) {
	if err := a.verifyAccessToken(ex, bearer); err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, xerr.New(xerr.DataError, "no credential requests supplied").WithStatus(400)
	}

	format := requests[0].Format
	for _, r := range requests[1:] {
		if r.Format != format {
			return nil, xerr.New(xerr.DataError, "all credential requests in one call must share one format").WithStatus(400)
		}
	}
	if !formatSupported(workflow, format) {
		return nil, xerr.Newf(xerr.DataError, "format %q not supported by this workflow", format).WithStatus(400)
	}
	expected := currentExpectedCredentialRequests(workflow, ex)
	for _, r := range requests {
		if !matchesExpected(r, expected) {
			return nil, xerr.New(xerr.DataError, "credential request does not match an expected credential request").WithStatus(400)
		}
	}

	if step.JWTDidProofRequest != nil {
		var dids []string
		for _, r := range requests {
			if r.ProofJWT == "" {
				return nil, &CredentialResponseError{ErrorCode: "invalid_or_missing_proof", CNonce: ex.ID, CNonceExpiresIn: 300}
			}
			res, err := a.Verification.VerifyDidProofJWT(ctx, exchange.DidProofJWTRequest{Workflow: workflow, Exchange: ex, JWT: r.ProofJWT})
			if err != nil {
				return nil, err
			}
			dids = append(dids, res.DID)
		}
		for _, d := range dids[1:] {
			if d != dids[0] {
				return nil, xerr.New(xerr.NotAllowed, "all credential requests must prove the same DID").WithStatus(403)
			}
		}
		ns := exchange.ResultsNamespace(ex.Variables, stepName)
		ns["did"] = dids[0]

		ex.Sequence++
		if _, err := a.Store.Update(ctx, workflowIDLocal, ex); err != nil {
			return nil, err
		}
	} else if step.OpenID != nil {
		if _, ok := exchange.GetVariable(ex.Variables, "results."+stepName+".openId.presentationSubmission"); !ok {
			authReq, _ := exchange.GetVariable(ex.Variables, "results."+stepName+".openId.authorizationRequest")
			return nil, &CredentialResponseError{ErrorCode: "presentation_required", AuthorizationRequest: authReq}
		}
	}

	result, err := a.Processor.Process(ctx, workflow, workflowIDLocal, ex.ID, nil)
	if err != nil {
		return nil, err
	}

	return exchange.JSON{"format": format, "credential": extractCredential(result)}, nil
}

func formatSupported(workflow *exchange.Workflow, format string) bool {
	for _, inst := range workflow.IssuerInstances {
		for _, f := range inst.SupportedFormats {
			if f == format {
				return true
			}
		}
	}
	return false
}

func matchesExpected(r CredentialRequest, expected []exchange.JSON) bool {
	if len(expected) == 0 {
		return true
	}
	for _, e := range expected {
		eCtx, _ := e["@context"].([]interface{})
		eType, _ := e["type"].([]interface{})
		if contextsEqual(r.Context, eCtx) && typesEqualAsSets(r.Type, eType) {
			return true
		}
	}
	return false
}

func contextsEqual(a []string, b []interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		s, _ := b[i].(string)
		if a[i] != s {
			return false
		}
	}
	return true
}

func typesEqualAsSets(a []string, b []interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	for _, t := range b {
		s, _ := t.(string)
		if !set[s] {
			return false
		}
	}
	return true
}

func extractCredential(result *exchange.ProcessResult) interface{} {
	if result == nil || result.VerifiablePresentation == nil {
		return nil
	}
	vcs, _ := result.VerifiablePresentation["verifiableCredential"].([]interface{})
	if len(vcs) == 0 {
		return nil
	}
	vc := vcs[len(vcs)-1]
	if obj, ok := vc.(exchange.JSON); ok {
		if t, _ := obj["type"].(string); t == "EnvelopedVerifiableCredential" {
			if id, _ := obj["id"].(string); id != "" {
				if raw, ok := rawJWTFromDataURL(id); ok {
					return raw
				}
			}
		}
	}
	return vc
}

// rawJWTFromDataURL extracts the raw JWT string from a
// `data:application/jwt,<jwt>` data URL, as used by
// EnvelopedVerifiableCredential.id.
func rawJWTFromDataURL(dataURL string) (string, bool) {
	idx := strings.Index(dataURL, ",")
	if idx < 0 {
		return "", false
	}
	raw := dataURL[idx+1:]
	if strings.Count(raw, ".") != 2 {
		return "", false
	}
	return raw, true
}

// HandleCredentialOffer implements the §4.8 credential-offer endpoint.
// workflow.ID is already absolute (see Metadata), so no base is prepended.
func (a *Adapter) HandleCredentialOffer(workflow *exchange.Workflow, ex *exchange.Exchange, _ string, credentialIDs []string) exchange.JSON {
	issuer := ExchangePath(workflow.ID, ex.ID)
	ids := toInterfaceSlice(credentialIDs)
	return exchange.JSON{
		"credential_issuer": issuer,
		"grants": exchange.JSON{
			"urn:ietf:params:oauth:grant-type:pre-authorized_code": exchange.JSON{
				"pre-authorized_code": ex.OpenID.PreAuthorizedCode,
			},
		},
		"credentials":                 ids,
		"credential_configuration_ids": ids,
	}
}

func toInterfaceSlice(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// HandleNonce implements the §4.8 nonce endpoint.
func (a *Adapter) HandleNonce(ex *exchange.Exchange) exchange.JSON {
	return exchange.JSON{"c_nonce": ex.ID}
}

// HandleJWKS implements the §4.8 jwks endpoint.
func (a *Adapter) HandleJWKS(ex *exchange.Exchange) (exchange.JSON, error) {
	if ex.OpenID == nil || ex.OpenID.OAuth2 == nil || ex.OpenID.OAuth2.KeyPair == nil {
		return nil, xerr.New(xerr.NotFound, "no key pair configured for this exchange")
	}
	return exchange.JSON{"keys": []interface{}{ex.OpenID.OAuth2.KeyPair.PublicKeyJWK}}, nil
}

func publicKeyFromJWK(jwk exchange.JSON) (interface{}, error) {
	kty, _ := jwk["kty"].(string)
	if kty != "OKP" {
		return nil, fmt.Errorf("oid4vci: unsupported public key kty %q", kty)
	}
	x, _ := jwk["x"].(string)
	raw, err := decodeBase64URL(x)
	if err != nil {
		return nil, err
	}
	return publicKeyFromRaw(raw), nil
}
