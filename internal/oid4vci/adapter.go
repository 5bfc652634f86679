// Package oid4vci implements the OID4VCI Adapter (C8): a virtual
// per-exchange OAuth2 authorization server and credential issuer serving
// metadata, JWKS, token, credential, batch, credential-offer, and nonce
// endpoints.
package oid4vci

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trustfabric/exchange-engine/internal/crypto"
	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/jwtutil"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// Adapter implements C8.
type Adapter struct {
	Processor    *exchange.Processor
	Verification exchange.VerificationGateway
	Store        exchange.Store
}

// NewAdapter constructs an Adapter; its InputRequired predicate always
// returns false since OID4VCI drives issuance synchronously per credential
// request rather than via a received-presentation handshake.
func NewAdapter(store exchange.Store, templates exchange.TemplateEngine, verification exchange.VerificationGateway, issuance exchange.IssuanceEngine, notifier exchange.Notifier) *Adapter {
	a := &Adapter{Verification: verification, Store: store}
	a.Processor = exchange.NewProcessor(store, templates, verification, issuance, notifier, nil, func(*exchange.Step, exchange.JSON) bool { return false })
	return a
}

// ExchangePath is the §4.8 path segment for a given exchange.
func ExchangePath(workflowID, exchangeID string) string {
	return fmt.Sprintf("%s/exchanges/%s", workflowID, exchangeID)
}

// GenerateKeyPair implements the §6 exchange-creation
// openId.oauth2.generateKeyPair.{algorithm} behavior.
func GenerateKeyPair(algorithm string) (*exchange.KeyPair, error) {
	switch algorithm {
	case "", "Ed25519", "EdDSA":
		kp, err := crypto.NewEd25519KeyPair()
		if err != nil {
			return nil, fmt.Errorf("oid4vci: generate ed25519 key pair: %w", err)
		}
		return &exchange.KeyPair{
			PublicKeyJWK:  ed25519JWK(kp.PublicKey, false),
			PrivateKeyJWK: ed25519PrivateJWK(kp.PublicKey, kp.PrivateKey),
		}, nil
	default:
		return nil, xerr.Newf(xerr.NotSupported, "unsupported key generation algorithm %q", algorithm)
	}
}

func ed25519JWK(pub ed25519.PublicKey, private bool) exchange.JSON {
	return exchange.JSON{
		"kty": "OKP",
		"crv": "Ed25519",
		"x":   base64URL(pub),
	}
}

func ed25519PrivateJWK(pub ed25519.PublicKey, priv ed25519.PrivateKey) exchange.JSON {
	return exchange.JSON{
		"kty": "OKP",
		"crv": "Ed25519",
		"x":   base64URL(pub),
		"d":   base64URL(priv.Seed()),
	}
}

// Metadata builds the OID4VCI / OAuth2-AS metadata document (§4.8).
// workflow.ID is already the absolute <baseUri><routePrefix>/<localId> form
// (see workflow.Validate), so the exchange path is appended directly.
func Metadata(workflow *exchange.Workflow, ex *exchange.Exchange, _ string) exchange.JSON {
	issuer := ExchangePath(workflow.ID, ex.ID)

	return exchange.JSON{
		"issuer":                     issuer,
		"credential_issuer":          issuer,
		"jwks_uri":                   issuer + "/openid/jwks",
		"token_endpoint":             issuer + "/openid/token",
		"credential_endpoint":        issuer + "/openid/credential",
		"batch_credential_endpoint":  issuer + "/openid/batch_credential",
		"pre-authorized_grant_anonymous_access_supported": true,
		"credential_configurations_supported":             credentialConfigurations(workflow, ex),
	}
}

func credentialConfigurations(workflow *exchange.Workflow, ex *exchange.Exchange) exchange.JSON {
	out := exchange.JSON{}
	expected := currentExpectedCredentialRequests(workflow, ex)
	for _, req := range expected {
		types, _ := req["type"].([]interface{})
		joinedTypes := joinTypes(types)
		for _, inst := range workflow.IssuerInstances {
			for _, format := range inst.SupportedFormats {
				id := joinedTypes + "_" + format
				out[id] = exchange.JSON{
					"format": format,
					"credential_definition": exchange.JSON{
						"type": types,
					},
				}
			}
		}
	}
	return out
}

func currentExpectedCredentialRequests(workflow *exchange.Workflow, ex *exchange.Exchange) []exchange.JSON {
	stepName := ex.Step
	if stepName == "" {
		stepName = workflow.InitialStep
	}
	step := workflow.StepByName(stepName)
	if step == nil || step.OpenID == nil {
		return nil
	}
	out := make([]exchange.JSON, 0, len(step.OpenID.ExpectedCredentialRequests))
	for _, r := range step.OpenID.ExpectedCredentialRequests {
		out = append(out, r)
	}
	return out
}

func joinTypes(types []interface{}) string {
	filtered := make([]string, 0, len(types))
	hasOther := false
	for _, t := range types {
		if s, ok := t.(string); ok {
			if s != "VerifiableCredential" {
				hasOther = true
			}
			filtered = append(filtered, s)
		}
	}
	if hasOther {
		kept := filtered[:0]
		for _, s := range filtered {
			if s != "VerifiableCredential" {
				kept = append(kept, s)
			}
		}
		filtered = kept
	}
	return strings.Join(filtered, "_")
}

func base64URL(b []byte) string {
	return jwtBase64URLEncode(b)
}

// TokenResponse is the §4.8 token-endpoint success body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// HandleToken implements the §4.8 token endpoint: only the pre-authorized
// code grant is accepted, compared in constant time (§8 property 10).
func (a *Adapter) HandleToken(ctx context.Context, workflow *exchange.Workflow, workflowIDLocal string, ex *exchange.Exchange, meta exchange.Meta, grantType, providedCode string) (*TokenResponse, error) {
	if grantType != "urn:ietf:params:oauth:grant-type:pre-authorized_code" {
		return nil, xerr.New(xerr.NotSupported, "unsupported_grant_type").WithStatus(400)
	}
	if ex.OpenID == nil || !constantTimeEqual(ex.OpenID.PreAuthorizedCode, providedCode) {
		return nil, xerr.New(xerr.NotAllowed, "invalid_grant").WithStatus(400)
	}

	exp := meta.Expires
	fifteenMin := time.Now().Add(15 * time.Minute)
	if fifteenMin.Before(exp) {
		exp = fifteenMin
	}

	issuer := ex.ID
	claims := jwt.MapClaims{
		"iss":   issuer,
		"aud":   issuer,
		"scope": "write:" + issuer,
		"exp":   exp.Unix(),
		"typ":   "at+jwt",
	}

	privJWK := ex.OpenID.OAuth2.KeyPair.PrivateKeyJWK
	key, err := keyFromJWK(privJWK)
	if err != nil {
		return nil, xerr.Wrap(xerr.Operation, "load exchange signing key", err)
	}

	signed, err := jwtutil.Sign(claims, key, "")
	if err != nil {
		return nil, xerr.Wrap(xerr.Operation, "sign access token", err)
	}

	return &TokenResponse{AccessToken: signed, TokenType: "bearer", ExpiresIn: int64(time.Until(exp).Seconds())}, nil
}

func constantTimeEqual(a, b string) bool {
	padded := max0(len(a) - len(b))
	if padded > 0 {
		b = b + strings.Repeat("\x00", padded)
	}
	padded = max0(len(b) - len(a))
	if padded > 0 {
		a = a + strings.Repeat("\x00", padded)
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func jwtBase64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
