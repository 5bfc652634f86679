package oid4vp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// AuthorizationResponse is the raw form-encoded or encrypted body posted to
// the OID4VP response endpoint (§4.9, §6).
type AuthorizationResponse struct {
	VPToken               string
	PresentationSubmission string
	State                 string
	Response               string // encrypted JWE, mutually exclusive with the above
}

// ProcessResult is what processAuthorizationResponse returns to the caller.
type ProcessResult struct {
	RedirectURI string `json:"redirect_uri,omitempty"`
}

func (a *Adapter) decodePlainOrEncrypted(ex *exchange.Exchange, body AuthorizationResponse) (vpToken interface{}, submission exchange.JSON, err error) {
	if body.Response != "" {
		if a.Decrypter == nil {
			return nil, nil, xerr.New(xerr.NotSupported, "encrypted authorization responses are not supported")
		}
		if ex.OpenID == nil || ex.OpenID.OAuth2 == nil || ex.OpenID.OAuth2.KeyPair == nil {
			return nil, nil, xerr.New(xerr.DataError, "exchange has no key-agreement key pair configured")
		}
		payload, decErr := a.Decrypter.Decrypt(body.Response, ex.OpenID.OAuth2.KeyPair.PrivateKeyJWK)
		if decErr != nil {
			return nil, nil, xerr.Wrap(xerr.DataError, "decrypt authorization response", decErr)
		}
		vpToken = payload["vp_token"]
		submission, _ = payload["presentation_submission"].(exchange.JSON)
		if submission == nil {
			if m, ok := payload["presentation_submission"].(map[string]interface{}); ok {
				submission = exchange.JSON(m)
			}
		}
		return vpToken, submission, nil
	}

	if body.VPToken == "" {
		return nil, nil, xerr.New(xerr.DataError, "vp_token is required")
	}
	vpToken = body.VPToken
	if body.PresentationSubmission != "" {
		if err := json.Unmarshal([]byte(body.PresentationSubmission), &submission); err != nil {
			return nil, nil, xerr.Wrap(xerr.DataError, "decode presentation_submission", err)
		}
	}
	return vpToken, submission, nil
}

// interpretVPToken implements §4.9 step 3: normalizes whatever shape the
// wallet sent into a JSON verifiable presentation document.
func interpretVPToken(vpToken interface{}, format string) (exchange.JSON, error) {
	switch v := vpToken.(type) {
	case exchange.JSON:
		return v, nil
	case map[string]interface{}:
		return exchange.JSON(v), nil
	case string:
		if format == "mso_mdoc" {
			return exchange.JSON{
				"type": "EnvelopedVerifiablePresentation",
				"id":   "data:application/mdl-vp-token," + v,
			}, nil
		}
		if strings.Count(v, ".") == 2 {
			return exchange.JSON{
				"type": "EnvelopedVerifiablePresentation",
				"id":   "data:application/jwt," + v,
			}, nil
		}
		var obj exchange.JSON
		if err := json.Unmarshal([]byte(v), &obj); err == nil {
			return obj, nil
		}
		return nil, xerr.New(xerr.DataError, "vp_token is neither a JSON object, JWT, nor mdoc token")
	default:
		return nil, xerr.New(xerr.DataError, "unrecognized vp_token shape")
	}
}

// descriptorMapFormat implements §4.9 step 3's "format==\"mso_mdoc\""
// check: the format tag lives on the submission's first descriptor map
// entry, not on the opaque definition_id.
func descriptorMapFormat(submission exchange.JSON) string {
	descriptors, _ := submission["descriptor_map"].([]interface{})
	if len(descriptors) == 0 {
		return ""
	}
	first, _ := descriptors[0].(exchange.JSON)
	if first == nil {
		if m, ok := descriptors[0].(map[string]interface{}); ok {
			first = exchange.JSON(m)
		}
	}
	format, _ := first["format"].(string)
	return format
}

func unenvelopeJWTPayload(dataURL string) (exchange.JSON, bool) {
	idx := strings.Index(dataURL, ",")
	if idx < 0 {
		return nil, false
	}
	parts := strings.Split(dataURL[idx+1:], ".")
	if len(parts) != 3 {
		return nil, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, false
	}
	var out exchange.JSON
	if json.Unmarshal(payload, &out) != nil {
		return nil, false
	}
	return out, true
}

// ProcessAuthorizationResponse implements processAuthorizationResponse (§4.9).
func (a *Adapter) ProcessAuthorizationResponse(ctx context.Context, workflow *exchange.Workflow, workflowIDLocal, exchangeID, clientProfileID string, body AuthorizationResponse) (*ProcessResult, error) {
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
	if _, err := resolveProfile(step, clientProfileID); err != nil {
		return nil, err
	}

	if priorID, ok := exchange.GetVariable(ex.Variables, "results."+stepName+".openId.clientProfileId"); ok {
		if priorStr, _ := priorID.(string); priorStr != "" && priorStr != clientProfileID {
			return nil, xerr.New(xerr.InvalidState, "authorization response does not match the originally selected client profile").WithStatus(409)
		}
	}

	vpTokenRaw, submission, err := a.decodePlainOrEncrypted(ex, body)
	if err != nil {
		return nil, err
	}

	if step.PresentationSchema != nil && a.Schemas != nil && step.PresentationSchema.Type == "presentation_submission" {
		if err := a.Schemas.Validate(step.PresentationSchema.JSONSchema, submission); err != nil {
			return nil, err
		}
	}

	format := descriptorMapFormat(submission)
	presentation, err := interpretVPToken(vpTokenRaw, format)
	if err != nil {
		return nil, err
	}

	if step.PresentationSchema != nil && a.Schemas != nil && step.PresentationSchema.Type != "presentation_submission" {
		contents := presentation
		if t, _ := presentation["type"].(string); t == "EnvelopedVerifiablePresentation" {
			if id, ok := presentation["id"].(string); ok {
				if decoded, ok := unenvelopeJWTPayload(id); ok {
					contents = decoded
				}
			}
		}
		if err := a.Schemas.Validate(step.PresentationSchema.JSONSchema, contents); err != nil {
			return nil, err
		}
	}

	authReq, err := a.GetAuthorizationRequest(ctx, workflow, workflowIDLocal, exchangeID, clientProfileID)
	if err != nil {
		return nil, err
	}
	expectedNonce, _ := authReq["nonce"].(string)

	result, err := a.Verification.Verify(ctx, exchange.VerifyRequest{
		Workflow:                     workflow,
		VPR:                          step.VerifiablePresentationRequest,
		Presentation:                 presentation,
		ExpectedChallenge:            expectedNonce,
		AllowUnprotectedPresentation: step.AllowUnprotectedPresentation,
	})
	if err != nil {
		return nil, err
	}

	var holderDID interface{}
	if result.VerificationMethod != "" {
		holderDID = controllerOf(result.VerificationMethod)
	}

	ns := exchange.ResultsNamespace(ex.Variables, stepName)
	ns["did"] = holderDID
	ns["verificationMethod"] = result.VerificationMethod
	ns["verifiablePresentation"] = presentation
	ns["openId"] = exchange.JSON{
		"clientProfileId":         clientProfileID,
		"authorizationRequest":    authReq,
		"presentationSubmission": submission,
	}

	if len(workflow.CredentialTemplates) > 0 {
		ex.State = exchange.StateActive
		ex.Sequence++
		if _, err := a.Store.Update(ctx, workflowIDLocal, ex); err != nil {
			return nil, err
		}
		return &ProcessResult{}, nil
	}

	ex.State = exchange.StateComplete
	ex.Sequence++
	if _, err := a.Store.Complete(ctx, workflowIDLocal, ex); err != nil {
		return nil, err
	}

	redirect, _ := exchange.GetVariable(ex.Variables, "results."+stepName+".redirectUrl")
	redirectStr, _ := redirect.(string)
	return &ProcessResult{RedirectURI: redirectStr}, nil
}

func controllerOf(verificationMethodID string) string {
	if idx := strings.IndexByte(verificationMethodID, '#'); idx >= 0 {
		return verificationMethodID[:idx]
	}
	return verificationMethodID
}
