// Package oid4vp implements the OID4VP Adapter (C9): building OID4VP
// authorization requests from verifiable presentation requests and
// processing the wallet's authorization responses, plain or encrypted.
package oid4vp

import (
	"context"
	"fmt"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

const maxAuthorizationRequestAttempts = 5

// Adapter implements C9.
type Adapter struct {
	Store        exchange.Store
	Templates    exchange.TemplateEngine
	Verification exchange.VerificationGateway
	Schemas      schemaValidator
	Decrypter    ResponseDecrypter
	ClientBase   func(workflowID, exchangeID string) string
}

type schemaValidator interface {
	Validate(rawSchema []byte, document interface{}) error
}

// NewAdapter constructs an Adapter.
func NewAdapter(store exchange.Store, templates exchange.TemplateEngine, verification exchange.VerificationGateway, schemas schemaValidator, decrypter ResponseDecrypter, clientBase func(workflowID, exchangeID string) string) *Adapter {
	return &Adapter{Store: store, Templates: templates, Verification: verification, Schemas: schemas, Decrypter: decrypter, ClientBase: clientBase}
}

func resolveProfile(step *exchange.Step, clientProfileID string) (*exchange.OID4VPClientProfile, error) {
	if step.OpenID == nil {
		return nil, xerr.New(xerr.DataError, "step does not carry an OID4VP configuration")
	}
	if step.OpenID.HasProfiles() {
		if clientProfileID == "" {
			return nil, xerr.New(xerr.DataError, "clientProfileId is required for this step")
		}
		profile, ok := step.OpenID.ClientProfiles[clientProfileID]
		if !ok {
			return nil, xerr.Newf(xerr.NotFound, "unknown client profile %q", clientProfileID)
		}
		return profile, nil
	}
	return &step.OpenID.OID4VPClientProfile, nil
}

// fromVpr builds the baseline authorization request fields derived purely
// from the verifiable presentation request, before profile overrides.
func fromVpr(vpr exchange.JSON) exchange.JSON {
	out := exchange.JSON{}
	if vpr == nil {
		return out
	}
	if pd, ok := vpr["query"]; ok {
		out["presentation_definition"] = pd
	}
	if dd, ok := vpr["domain"]; ok {
		out["client_id"] = dd
	}
	return out
}

func defaultClientMetadata(clientIDScheme string) exchange.JSON {
	vpFormats := exchange.JSON{
		"jwt_vp":      exchange.JSON{"alg": []interface{}{"ES256", "EdDSA"}},
		"jwt_vp_json": exchange.JSON{"alg": []interface{}{"ES256", "EdDSA"}},
		"di_vp":       exchange.JSON{"proof_type": []interface{}{"Ed25519Signature2020"}},
		"ldp_vp":      exchange.JSON{"proof_type": []interface{}{"Ed25519Signature2020"}},
	}
	if clientIDScheme == "x509_san_dns" {
		vpFormats["mso_mdoc"] = exchange.JSON{"alg": []interface{}{"ES256"}}
	}
	metadata := exchange.JSON{"vp_formats": vpFormats}
	if clientIDScheme == "x509_san_dns" {
		metadata["require_signed_request_object"] = true
	}
	return metadata
}

// buildAuthorizationRequest implements §4.9 step 2's construction rules.
func buildAuthorizationRequest(step *exchange.Step, profile *exchange.OID4VPClientProfile, ex *exchange.Exchange, clientBase string) exchange.JSON {
	req := fromVpr(step.VerifiablePresentationRequest)

	clientIDScheme := profile.ClientIDScheme
	if clientIDScheme == "" {
		clientIDScheme = "redirect_uri"
	}
	req["client_id_scheme"] = clientIDScheme

	responseMode := profile.ResponseMode
	if responseMode == "" {
		responseMode = "direct_post"
	}
	if clientIDScheme == "x509_san_dns" && responseMode == "direct_post" {
		responseMode = "direct_post.jwt"
	}
	req["response_mode"] = responseMode

	responseURI := profile.ResponseURI
	if responseURI == "" {
		responseURI = clientBase + "/authorization/response"
	}
	req["response_uri"] = responseURI

	clientID := profile.ClientID
	if clientID == "" {
		clientID = responseURI
	}
	req["client_id"] = clientID

	nonce := profile.Nonce
	if nonce == "" {
		nonce = ex.ID
	}
	req["nonce"] = nonce

	if profile.ClientMetadata != nil {
		req["client_metadata"] = exchange.JSON(profile.ClientMetadata)
	} else {
		req["client_metadata"] = defaultClientMetadata(clientIDScheme)
	}

	return req
}

// GetAuthorizationRequest implements getAuthorizationRequest (§4.9).
func (a *Adapter) GetAuthorizationRequest(ctx context.Context, workflow *exchange.Workflow, workflowIDLocal, exchangeID, clientProfileID string) (exchange.JSON, error) {
	var result exchange.JSON
	for attempt := 0; attempt < maxAuthorizationRequestAttempts; attempt++ {
		rec, err := a.Store.Get(ctx, workflowIDLocal, exchangeID, false)
		if err != nil {
			return nil, err
		}
		ex := &rec.Exchange

		stepName := ex.Step
		if stepName == "" {
			stepName = workflow.InitialStep
		}
		step, err := a.Templates.EvaluateExchangeStep(ctx, workflow, ex, stepName)
		if err != nil {
			return nil, err
		}
		profile, err := resolveProfile(step, clientProfileID)
		if err != nil {
			return nil, err
		}

		if profile.AuthorizationRequest != nil {
			result = exchange.JSON(profile.AuthorizationRequest)
		} else {
			varName := profile.CreateAuthorizationRequest
			if varName == "" {
				varName = "authorizationRequest"
			}
			cached, ok := exchange.GetVariable(ex.Variables, varName)
			if ok {
				cachedJSON, _ := cached.(exchange.JSON)
				result = cachedJSON
			} else {
				clientBase := ""
				if a.ClientBase != nil {
					clientBase = a.ClientBase(workflow.ID, ex.ID)
				}
				result = buildAuthorizationRequest(step, profile, ex, clientBase)
				exchange.SetVariable(ex.Variables, varName, result)
			}
		}

		if ex.State != exchange.StatePending {
			return result, nil
		}
		ex.State = exchange.StateActive
		ex.Sequence++
		if _, err := a.Store.Update(ctx, workflowIDLocal, ex); err != nil {
			if xerr.Is(err, xerr.InvalidState) {
				continue
			}
			return nil, err
		}
		return result, nil
	}
	return nil, xerr.New(xerr.InvalidState, fmt.Sprintf("exchange %s could not transition to active after %d attempts", exchangeID, maxAuthorizationRequestAttempts)).WithStatus(409)
}
