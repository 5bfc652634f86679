// Package verification implements the Verification Gateway (C4): wrapping
// the remote verifier capability and JWT DID-proof verification, grounded
// on the teacher's internal/did resolver for key lookup.
package verification

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trustfabric/exchange-engine/internal/did"
	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/jsonschema"
	"github.com/trustfabric/exchange-engine/internal/jwtutil"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// CapabilityWriter is the subset of internal/capability.Client the gateway
// needs: posting a verifyPresentation invocation.
type CapabilityWriter interface {
	Write(ctx context.Context, cap *exchange.Zcap, url string, payload interface{}) (exchange.JSON, error)
}

// Gateway implements exchange.VerificationGateway (C4).
type Gateway struct {
	Capability   CapabilityWriter
	Resolver     did.Resolver
	Schemas      *jsonschema.Validator
	MaxClockSkew time.Duration
}

// NewGateway constructs a Gateway.
func NewGateway(capability CapabilityWriter, resolver did.Resolver, schemas *jsonschema.Validator) *Gateway {
	return &Gateway{Capability: capability, Resolver: resolver, Schemas: schemas, MaxClockSkew: 5 * time.Minute}
}

func originOf(workflowID string) string {
	u, err := url.Parse(workflowID)
	if err != nil {
		return workflowID
	}
	return u.Scheme + "://" + u.Host
}

// Verify implements exchange.VerificationGateway.Verify (§4.4).
func (g *Gateway) Verify(ctx context.Context, req exchange.VerifyRequest) (*exchange.VerifyResult, error) {
	proofVal, hasProofField := req.Presentation["proof"]
	presentationType, _ := req.Presentation["type"].(string)
	hasProof := (hasProofField && proofVal != nil) || presentationType == "EnvelopedVerifiablePresentation"

	checks := []string{"proof"}
	if !hasProof && req.AllowUnprotectedPresentation {
		checks = checks[:0]
	}
	if req.ExpectedChallenge == "" {
		checks = append(checks, "challenge")
	}

	domain := ""
	if req.VPR != nil {
		if d, ok := req.VPR["domain"].(string); ok {
			domain = d
		}
	}
	if domain == "" && req.Workflow != nil {
		domain = originOf(req.Workflow.ID)
	}

	challenge := req.ExpectedChallenge
	if challenge == "" && req.VPR != nil {
		if c, ok := req.VPR["challenge"].(string); ok {
			challenge = c
		}
	}
	if challenge == "" {
		if proof, ok := req.Presentation["proof"].(exchange.JSON); ok {
			if c, ok := proof["challenge"].(string); ok {
				challenge = c
			}
		}
	}

	invocation := exchange.JSON{
		"verifiablePresentation": req.Presentation,
		"options": exchange.JSON{
			"checks":    toInterfaceSlice(checks),
			"domain":    domain,
			"challenge": challenge,
		},
	}
	if req.VerifyPresentationOptions != nil {
		invocation["options"] = mergeOptions(invocation["options"].(exchange.JSON), req.VerifyPresentationOptions)
	}

	var cap *exchange.Zcap
	if req.Workflow != nil && req.Workflow.Zcaps != nil {
		cap = req.Workflow.Zcaps["verifyPresentation"]
	}

	result, err := g.Capability.Write(ctx, cap, "", invocation)
	if err != nil {
		return nil, xerr.Wrap(xerr.Operation, "verifyPresentation capability invocation failed", xerr.StripStackTrace(err)).WithStatus(502)
	}

	out := &exchange.VerifyResult{PresentationResult: result}
	if v, ok := result["verified"].(bool); ok {
		out.Verified = v
	}
	if uses, ok := result["challengeUses"].(float64); ok {
		out.ChallengeUses = int(uses)
	}
	if resultsRaw, ok := result["results"].([]interface{}); ok && len(resultsRaw) > 0 {
		if first, ok := resultsRaw[0].(exchange.JSON); ok {
			if vm, ok := first["verificationMethod"].(string); ok {
				out.VerificationMethod = vm
			}
		}
	}
	if credResults, ok := result["credentialResults"].([]interface{}); ok {
		for _, cr := range credResults {
			if m, ok := cr.(exchange.JSON); ok {
				out.CredentialResults = append(out.CredentialResults, m)
			}
		}
	}

	if len(req.VerifyPresentationResultSchema) > 0 && g.Schemas != nil {
		if err := g.Schemas.Validate(req.VerifyPresentationResultSchema, result); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func toInterfaceSlice(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func mergeOptions(base, overlay exchange.JSON) exchange.JSON {
	out := make(exchange.JSON, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// VerifyDidProofJWT implements exchange.VerificationGateway.VerifyDidProofJWT (§4.4).
func (g *Gateway) VerifyDidProofJWT(ctx context.Context, req exchange.DidProofJWTRequest) (*exchange.DidProofResult, error) {
	audience := fmt.Sprintf("%s/exchanges/%s", req.Workflow.ID, req.Exchange.ID)

	var controller string
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("jwt missing kid header")
		}
		subject, fragment := splitKid(kid)
		res, err := g.Resolver.Resolve(ctx, subject, nil)
		if err != nil || res.DIDDocument == nil {
			return nil, fmt.Errorf("resolve did %q: %w", subject, err)
		}
		vm := findVerificationMethod(res.DIDDocument, fragment)
		if vm == nil {
			return nil, fmt.Errorf("verification method %q not found", kid)
		}
		if !authorizedFor(res.DIDDocument, vm.ID, did.PurposeAuthentication) {
			return nil, fmt.Errorf("verification method %q is not authorized for authentication", kid)
		}
		controller = vm.Controller
		return publicKeyFromVM(vm)
	}

	claims, err := jwtutil.Parse(req.JWT, []string{"ES256", "ES384", "EdDSA"}, keyFunc)
	if err != nil {
		return nil, err
	}

	if aud, _ := claims["aud"].(string); aud != audience {
		return nil, xerr.New(xerr.NotAllowed, "JWT audience mismatch").WithStatus(403)
	}
	if iss, _ := claims["iss"].(string); iss != controller {
		return nil, xerr.New(xerr.NotAllowed, "JWT issuer must equal the verification method's controller").WithStatus(403)
	}
	if nonce, _ := claims["nonce"].(string); nonce != req.Exchange.ID {
		return nil, xerr.New(xerr.NotAllowed, "JWT nonce must equal the exchange id").WithStatus(403)
	}

	return &exchange.DidProofResult{Verified: true, DID: controller}, nil
}

func splitKid(kid string) (subject, fragment string) {
	idx := strings.Index(kid, "#")
	if idx < 0 {
		return kid, ""
	}
	return kid[:idx], kid[idx+1:]
}

func findVerificationMethod(doc *did.DIDDocument, fragment string) *did.VerificationMethod {
	for i := range doc.VerificationMethod {
		vm := &doc.VerificationMethod[i]
		if fragment == "" || strings.HasSuffix(vm.ID, "#"+fragment) || vm.ID == fragment {
			return vm
		}
	}
	return nil
}

func authorizedFor(doc *did.DIDDocument, vmID string, purpose did.KeyPurpose) bool {
	var list []interface{}
	switch purpose {
	case did.PurposeAuthentication:
		list = doc.Authentication
	default:
		return false
	}
	for _, entry := range list {
		switch v := entry.(type) {
		case string:
			if v == vmID || strings.HasSuffix(vmID, v) {
				return true
			}
		case map[string]interface{}:
			if id, ok := v["id"].(string); ok && id == vmID {
				return true
			}
		}
	}
	return false
}

// constantTimeEqual compares a and b with no early exit on the first
// mismatching byte.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
