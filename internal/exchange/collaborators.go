package exchange

import (
	"context"
	"time"
)

// Store is the persistence contract the Processor depends on (C1, §4.1).
// Implementations live in internal/store.
type Store interface {
	Insert(ctx context.Context, workflowIDLocal string, exchange *Exchange) (*Record, error)
	Get(ctx context.Context, workflowIDLocal, id string, allowExpired bool) (*Record, error)
	Update(ctx context.Context, workflowIDLocal string, exchange *Exchange) (*Record, error)
	Complete(ctx context.Context, workflowIDLocal string, exchange *Exchange) (*Record, error)
	SetLastError(ctx context.Context, workflowIDLocal string, exchange *Exchange, cause error, lastUpdated time.Time) error
	Invalidate(ctx context.Context, record *Record) error
}

// TemplateEngine is the C2 contract: template evaluation and step
// resolution against an exchange's variable scope.
type TemplateEngine interface {
	EvaluateTemplate(ctx context.Context, workflow *Workflow, ex *Exchange, tpl *CredentialTemplate, variables JSON) (interface{}, error)
	EvaluateExchangeStep(ctx context.Context, workflow *Workflow, ex *Exchange, stepName string) (*Step, error)
}

// VerificationGateway is the C4 contract.
type VerificationGateway interface {
	Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
	VerifyDidProofJWT(ctx context.Context, req DidProofJWTRequest) (*DidProofResult, error)
}

// VerifyRequest bundles the parameters of C4's verify() operation (§4.4).
type VerifyRequest struct {
	Workflow                       *Workflow
	VPR                            JSON
	Presentation                   JSON
	ExpectedChallenge              string
	AllowUnprotectedPresentation   bool
	VerifyPresentationOptions      JSON
	VerifyPresentationResultSchema []byte
}

// VerifyResult is the normalized shape C4 returns (§4.4 step 4).
type VerifyResult struct {
	Verified           bool
	ChallengeUses      int
	VerificationMethod string
	CredentialResults  []JSON
	PresentationResult JSON
}

// DidProofJWTRequest bundles the parameters of verifyDidProofJwt (§4.4).
type DidProofJWTRequest struct {
	Workflow *Workflow
	Exchange *Exchange
	JWT      string
}

// DidProofResult is returned on a successful DID-proof verification.
type DidProofResult struct {
	Verified bool
	DID      string
}

// IssuanceEngine is the C5 contract.
type IssuanceEngine interface {
	GetIssueRequestParams(ctx context.Context, workflow *Workflow, ex *Exchange, step *Step) ([]IssueRequestParam, error)
	Issue(ctx context.Context, req IssueParams) (*IssueResult, error)
}

// IssueRequestParam is one resolved {typedTemplate, variables, result?} tuple (§4.5).
type IssueRequestParam struct {
	TypedTemplate *CredentialTemplate
	Variables     JSON
	Result        string
}

// IssueParams bundles the parameters of C5's issue() operation (§4.5).
type IssueParams struct {
	Workflow                *Workflow
	Exchange                *Exchange
	Step                    *Step
	Format                  string
	IssueRequestsParams     []IssueRequestParam
	VerifiablePresentation  JSON
	Filter                  JSON
}

// IssueResult is what issue() returns (§4.5 step 4).
type IssueResult struct {
	Response        JSON
	ExchangeChanged bool
}

// Notifier is the fire-and-forget "exchange updated" sink (§4.6, §9). It
// must never block or panic into the Processor's call path.
type Notifier interface {
	ExchangeUpdated(workflowIDLocal string, ex *Exchange)
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(workflowIDLocal string, ex *Exchange)

// ExchangeUpdated implements Notifier.
func (f NotifierFunc) ExchangeUpdated(workflowIDLocal string, ex *Exchange) { f(workflowIDLocal, ex) }

// InputRequiredFunc is the caller-supplied predicate from §4.6 step 4b,
// parameterized per adapter (C7 vs C8/C9 have different definitions).
type InputRequiredFunc func(step *Step, receivedPresentation JSON) bool
