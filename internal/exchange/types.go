// Package exchange holds the core domain model of the credential exchange
// workflow engine: workflows, steps, exchange records, and the variable
// scope that templates and steps read and write. Grounded on the shape of
// the teacher's internal/vc.VerifiableCredential/VerifiablePresentation
// structs (plain exported fields, map[string]interface{} for open JSON).
package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is one of the four lifecycle states an Exchange may occupy (§3).
type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateComplete State = "complete"
	StateInvalid  State = "invalid"
)

// JSON is an opaque JSON value, used wherever the specification keeps a
// duck-typed document (template output, variables, issued credentials).
type JSON = map[string]interface{}

// CredentialTemplate is a workflow-level typed template (§3): currently
// only type "jsonata" is defined.
type CredentialTemplate struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Template string `json:"template"`
}

// ZcapReferenceIds names the zcaps an issuer instance uses for each
// capability it exercises.
type ZcapReferenceIds struct {
	Issue string `json:"issue,omitempty"`
}

// IssuerInstance describes one remote issuer endpoint and the credential
// formats it can mint (§3).
type IssuerInstance struct {
	SupportedFormats []string         `json:"supportedFormats"`
	ZcapReferenceIds ZcapReferenceIds `json:"zcapReferenceIds"`
}

// Zcap is a delegated capability (signed authorization) the engine holds
// to call a remote issuer/verifier/challenge/status service.
type Zcap struct {
	ID                string                 `json:"id"`
	InvocationTarget   string                 `json:"invocationTarget"`
	ParentCapability   string                 `json:"parentCapability,omitempty"`
	Controller         string                 `json:"controller,omitempty"`
	Invoker            string                 `json:"invoker,omitempty"`
	Proof              map[string]interface{} `json:"proof,omitempty"`
	AllowedAction      []string               `json:"allowedAction,omitempty"`
	DelegationChainRaw json.RawMessage        `json:"capabilityChain,omitempty"`
}

// OID4VPClientProfile is one named client profile under workflow.oid4vpClientProfiles
// or a step's inline openId configuration (§4.9).
type OID4VPClientProfile struct {
	ClientIDScheme           string                 `json:"client_id_scheme,omitempty"`
	ResponseMode             string                 `json:"response_mode,omitempty"`
	ResponseURI              string                 `json:"response_uri,omitempty"`
	ClientID                 string                 `json:"client_id,omitempty"`
	Nonce                    string                 `json:"nonce,omitempty"`
	ClientMetadata           map[string]interface{} `json:"client_metadata,omitempty"`
	AuthorizationRequest     map[string]interface{} `json:"authorizationRequest,omitempty"`
	CreateAuthorizationRequest string               `json:"createAuthorizationRequest,omitempty"`
}

// StepOpenID is the union of "plain OID4VP config" and "{clientProfiles}"
// that a step's openId field may hold (§4.9 step 1).
type StepOpenID struct {
	OID4VPClientProfile
	ClientProfiles map[string]*OID4VPClientProfile `json:"clientProfiles,omitempty"`
	ExpectedCredentialRequests []map[string]interface{} `json:"expectedCredentialRequests,omitempty"`
}

// HasProfiles reports whether this openId config carries named client
// profiles, vs. being a single legacy profile.
func (s *StepOpenID) HasProfiles() bool {
	return s != nil && len(s.ClientProfiles) > 0
}

// PresentationSchema validates the contents of a received VP (§4.7).
type PresentationSchema struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"jsonSchema"`
}

// JWTDidProofRequest constrains which DID methods/algorithms a JWT DID
// proof may use (§4.4, OID4VCI credential endpoint).
type JWTDidProofRequest struct {
	AcceptedMethods   []string `json:"acceptedMethods,omitempty"`
	AllowedAlgorithms []string `json:"allowedAlgorithms,omitempty"`
}

// IssueRequest is one entry of step.issueRequests[] (§4.5).
type IssueRequest struct {
	CredentialTemplateIndex *int        `json:"credentialTemplateIndex,omitempty"`
	CredentialTemplateID    string      `json:"credentialTemplateId,omitempty"`
	Variables               interface{} `json:"variables,omitempty"` // string (dotted path) or object
	Result                  string      `json:"result,omitempty"`    // dotted variable path
}

// Step is one node of a workflow's state machine (§3). StepTemplate is
// mutually exclusive with every other field; that invariant is enforced
// in validate.go, not by the Go type system, matching the teacher's
// "validate on load from JSON" design note (§9).
type Step struct {
	StepTemplate *CredentialTemplate `json:"stepTemplate,omitempty"`

	VerifiablePresentationRequest JSON                 `json:"verifiablePresentationRequest,omitempty"`
	CreateChallenge               bool                 `json:"createChallenge,omitempty"`
	PresentationSchema             *PresentationSchema `json:"presentationSchema,omitempty"`
	JWTDidProofRequest              *JWTDidProofRequest `json:"jwtDidProofRequest,omitempty"`
	OpenID                          *StepOpenID         `json:"openId,omitempty"`
	IssueRequests                   []IssueRequest      `json:"issueRequests,omitempty"`
	VerifiablePresentation          JSON                `json:"verifiablePresentation,omitempty"`
	RedirectURL                     string              `json:"redirectUrl,omitempty"`
	NextStep                        string              `json:"nextStep,omitempty"`
	AllowUnprotectedPresentation    bool                `json:"allowUnprotectedPresentation,omitempty"`
	VerifyPresentationOptions       JSON                `json:"verifyPresentationOptions,omitempty"`
	VerifyPresentationResultSchema  json.RawMessage     `json:"verifyPresentationResultSchema,omitempty"`
	InviteRequest                   JSON                `json:"inviteRequest,omitempty"`
}

// IsTemplate reports whether this Step must be resolved at runtime via
// StepTemplate before it can be evaluated.
func (s *Step) IsTemplate() bool {
	return s != nil && s.StepTemplate != nil
}

// IsEmpty reports whether a resolved step carries no recognized fields at
// all (§3: "a step evaluating to {} is illegal").
func (s *Step) IsEmpty() bool {
	if s == nil {
		return true
	}
	return len(s.VerifiablePresentationRequest) == 0 &&
		!s.CreateChallenge &&
		s.PresentationSchema == nil &&
		s.JWTDidProofRequest == nil &&
		s.OpenID == nil &&
		len(s.IssueRequests) == 0 &&
		len(s.VerifiablePresentation) == 0 &&
		s.RedirectURL == "" &&
		s.NextStep == "" &&
		!s.AllowUnprotectedPresentation &&
		len(s.VerifyPresentationOptions) == 0 &&
		len(s.VerifyPresentationResultSchema) == 0 &&
		len(s.InviteRequest) == 0
}

// Workflow is the immutable configuration an exchange is created from (§3).
type Workflow struct {
	ID                  string                           `json:"id"`
	InitialStep         string                           `json:"initialStep,omitempty"`
	Steps               map[string]*Step                 `json:"steps,omitempty"`
	CredentialTemplates []CredentialTemplate             `json:"credentialTemplates,omitempty"`
	IssuerInstances     []IssuerInstance                 `json:"issuerInstances,omitempty"`
	Zcaps               map[string]*Zcap                 `json:"zcaps,omitempty"`
	OID4VPClientProfiles map[string]*OID4VPClientProfile `json:"oid4vpClientProfiles,omitempty"`
}

// StepByName returns the named step, or nil if the workflow has no such
// step (either because workflow.steps is absent entirely — the legacy
// single-step case — or the name is unknown).
func (w *Workflow) StepByName(name string) *Step {
	if w == nil || w.Steps == nil {
		return nil
	}
	return w.Steps[name]
}

// KeyPair is an asymmetric key pair expressed as a pair of JWKs, used for
// both the per-exchange OID4VCI authorization-server signing key and
// OID4VP key-agreement secrets.
type KeyPair struct {
	PublicKeyJWK  JSON `json:"publicKeyJwk"`
	PrivateKeyJWK JSON `json:"privateKeyJwk,omitempty"`
}

// OAuth2State is the per-exchange virtual authorization server state (§3, §4.8).
type OAuth2State struct {
	KeyPair         *KeyPair               `json:"keyPair,omitempty"`
	GenerateKeyPair *GenerateKeyPairRequest `json:"generateKeyPair,omitempty"`
	MaxClockSkew    int                    `json:"maxClockSkew,omitempty"`
}

// GenerateKeyPairRequest is exchange-creation's
// openId.oauth2.generateKeyPair.{algorithm} instruction (§6): generate a
// fresh asymmetric key pair server-side instead of importing one.
type GenerateKeyPairRequest struct {
	Algorithm string `json:"algorithm"`
}

// OpenIDState is the `exchange.openId` bag (§3): pre-authorized code, the
// virtual AS key pair, and per-client-profile key-agreement secrets.
type OpenIDState struct {
	PreAuthorizedCode string       `json:"preAuthorizedCode,omitempty"`
	OAuth2            *OAuth2State `json:"oauth2,omitempty"`
}

// LastError is the sanitized, best-effort-persisted error from a failed
// processing attempt (§4.6 step 5, §7).
type LastError struct {
	Name    string                 `json:"name"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	At      time.Time              `json:"at"`
}

// Exchange is the persistent state-machine record (§3).
type Exchange struct {
	ID        string      `json:"id"`
	Sequence  uint64      `json:"sequence"`
	State     State       `json:"state"`
	Step      string      `json:"step,omitempty"`
	Expires   time.Time   `json:"expires"`
	Variables JSON        `json:"variables"`
	Protocols JSON        `json:"protocols,omitempty"`
	OpenID    *OpenIDState `json:"openId,omitempty"`
	Secrets   JSON        `json:"secrets,omitempty"`
	LastError *LastError  `json:"lastError,omitempty"`
}

// Meta carries the store's bookkeeping timestamps (§3).
type Meta struct {
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
	Expires time.Time `json:"expires"`
}

// Record is an {exchange, meta} pair as persisted by the Exchange Store (§3).
type Record struct {
	WorkflowIDLocal string   `json:"workflowIdLocal"`
	Exchange        Exchange `json:"exchange"`
	Meta            Meta     `json:"meta"`
}

// Clone deep-copies a Record via JSON round-trip, matching the teacher's
// InMemoryStorage clone-on-read idiom (internal/wallet/storage.go) so
// callers can mutate freely without corrupting store-held state.
func (r *Record) Clone() (*Record, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("exchange: clone record: %w", err)
	}
	var clone Record
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("exchange: clone record: %w", err)
	}
	return &clone, nil
}

// RFC3339Millis formats t per §3: RFC-3339 with a literal "Z" suffix and
// milliseconds truncated (no sub-millisecond precision).
func RFC3339Millis(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format("2006-01-02T15:04:05.000Z")
}

// GetVariable reads a dotted path ("a.b.c") out of a variables object,
// returning (nil, false) if any segment is missing or not an object.
func GetVariable(variables JSON, path string) (interface{}, bool) {
	if variables == nil || path == "" {
		return nil, false
	}
	segs := strings.Split(path, ".")
	var cur interface{} = variables
	for _, seg := range segs {
		m, ok := cur.(JSON)
		if !ok {
			asMap, ok2 := cur.(map[string]interface{})
			if !ok2 {
				return nil, false
			}
			m = asMap
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// SetVariable performs the dotted write described in §4.2: creates
// intermediate maps as needed and sets the leaf value.
func SetVariable(variables JSON, path string, value interface{}) {
	if variables == nil || path == "" {
		return
	}
	segs := strings.Split(path, ".")
	cur := variables
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(JSON)
		if !ok {
			nextRaw, exists := cur[seg]
			if m, ok2 := nextRaw.(map[string]interface{}); exists && ok2 {
				next = m
			} else {
				next = JSON{}
				cur[seg] = next
			}
		}
		cur = next
	}
}

// Globals is the read-only {workflow, exchange} decoration added to the
// variable scope before every template evaluation (§3, §4.2).
type Globals struct {
	Workflow  GlobalsRef `json:"workflow"`
	Exchanger GlobalsRef `json:"exchanger"`
	Exchange  GlobalsRef `json:"exchange"`
}

// GlobalsRef is the {id} shape used for both workflow and exchanger refs.
type GlobalsRef struct {
	ID string `json:"id"`
}

// BuildGlobals constructs the globals object per §4.2, preserving the
// legacy "exchanger" alias verbatim alongside "workflow".
func BuildGlobals(workflowID, exchangeID string) Globals {
	ref := GlobalsRef{ID: workflowID}
	return Globals{
		Workflow:  ref,
		Exchanger: ref,
		Exchange:  GlobalsRef{ID: exchangeID},
	}
}

// ResultsNamespace returns the variables.results[<stepName>] map a step
// writes its captured outputs into, creating it if absent.
func ResultsNamespace(variables JSON, stepName string) JSON {
	if variables == nil {
		return nil
	}
	resultsRaw, ok := variables["results"].(JSON)
	if !ok {
		resultsRaw = JSON{}
		variables["results"] = resultsRaw
	}
	stepRaw, ok := resultsRaw[stepName].(JSON)
	if !ok {
		stepRaw = JSON{}
		resultsRaw[stepName] = stepRaw
	}
	return stepRaw
}

// NeedsStringEncoding reports whether variables must be serialized to a
// string for storage because some key contains '%', '$', or '.' (§3, §6).
func NeedsStringEncoding(variables JSON) bool {
	return keyNeedsEscape(variables)
}

func keyNeedsEscape(v interface{}) bool {
	m, ok := v.(JSON)
	if !ok {
		asMap, ok2 := v.(map[string]interface{})
		if !ok2 {
			return false
		}
		m = asMap
	}
	for k, val := range m {
		if strings.ContainsAny(k, "%$.") {
			return true
		}
		if keyNeedsEscape(val) {
			return true
		}
	}
	return false
}
