// Package vcapi implements the VC-API Adapter (C7): translating POSTs of
// verifiable presentations into Processor invocations and managing the
// VPR challenge lifecycle for each step.
package vcapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/jsonschema"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// decodeDataURLJWTPayload decodes the payload of a `data:<media-type>,<jwt>`
// URL into a JSON object, for un-enveloping EnvelopedVerifiablePresentation.
func decodeDataURLJWTPayload(dataURL string) (exchange.JSON, bool) {
	idx := strings.Index(dataURL, ",")
	if idx < 0 {
		return nil, false
	}
	raw := dataURL[idx+1:]
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, false
	}
	var out exchange.JSON
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, false
	}
	return out, true
}

// ChallengeCapability invokes the createChallenge capability for a workflow.
type ChallengeCapability interface {
	CreateChallenge(ctx context.Context, workflow *exchange.Workflow) (string, error)
}

// Adapter implements C7.
type Adapter struct {
	Processor    *exchange.Processor
	Verification exchange.VerificationGateway
	Challenges   ChallengeCapability
	Schemas      *jsonschema.Validator
}

// NewAdapter constructs an Adapter and wires the Processor's InputRequired
// predicate to §4.7's definition.
func NewAdapter(store exchange.Store, templates exchange.TemplateEngine, verification exchange.VerificationGateway, issuance exchange.IssuanceEngine, notifier exchange.Notifier, challenges ChallengeCapability, schemas *jsonschema.Validator) *Adapter {
	a := &Adapter{Verification: verification, Challenges: challenges, Schemas: schemas}
	a.Processor = exchange.NewProcessor(store, templates, verification, issuance, notifier, nil, a.inputRequired)
	return a
}

func (a *Adapter) inputRequired(step *exchange.Step, receivedPresentation exchange.JSON) bool {
	return len(step.VerifiablePresentationRequest) > 0 && receivedPresentation == nil
}

// SupportsStep implements the precondition of §4.7: the step supports
// VC-API iff it has a VPR, a literal VP, or the workflow issues credentials.
func SupportsStep(workflow *exchange.Workflow, step *exchange.Step) bool {
	return len(step.VerifiablePresentationRequest) > 0 ||
		len(step.VerifiablePresentation) > 0 ||
		len(workflow.CredentialTemplates) > 0
}

// ChallengeFor implements the §4.7 VPR challenge policy: exchange.id on
// the initial step, a freshly minted challenge on subsequent steps.
func (a *Adapter) ChallengeFor(ctx context.Context, workflow *exchange.Workflow, ex *exchange.Exchange, step *exchange.Step) (string, error) {
	if !step.CreateChallenge {
		return "", nil
	}
	if ex.Step == "" || ex.Step == workflow.InitialStep {
		return ex.ID, nil
	}
	if a.Challenges == nil {
		return ex.ID, nil
	}
	return a.Challenges.CreateChallenge(ctx, workflow)
}

// HandlePost implements the VC-API POST <workflowBase>/exchanges/:id
// operation (§6, §4.7): validates a received presentation's schema,
// verifies it, records the result, then drives the Processor.
func (a *Adapter) HandlePost(ctx context.Context, workflow *exchange.Workflow, workflowIDLocal, exchangeID string, receivedPresentation exchange.JSON) (*exchange.ProcessResult, error) {
	if receivedPresentation != nil {
		rec, err := a.Processor.Store.Get(ctx, workflowIDLocal, exchangeID, false)
		if err != nil {
			return nil, err
		}
		stepName := rec.Exchange.Step
		if stepName == "" {
			stepName = workflow.InitialStep
		}
		step, err := a.Processor.Templates.EvaluateExchangeStep(ctx, workflow, &rec.Exchange, stepName)
		if err != nil {
			return nil, err
		}
		if !SupportsStep(workflow, step) {
			return nil, xerr.New(xerr.NotSupported, "step does not support VC-API").WithStatus(400)
		}
		if err := a.recordVerification(ctx, workflow, &rec.Exchange, step, stepName, receivedPresentation); err != nil {
			return nil, err
		}
		rec.Exchange.Sequence++
		if _, err := a.Processor.Store.Update(ctx, workflowIDLocal, &rec.Exchange); err != nil {
			return nil, err
		}
	}

	return a.Processor.Process(ctx, workflow, workflowIDLocal, exchangeID, receivedPresentation)
}

func unenvelope(presentation exchange.JSON) exchange.JSON {
	if t, _ := presentation["type"].(string); t == "EnvelopedVerifiablePresentation" {
		if id, ok := presentation["id"].(string); ok {
			if decoded, ok := decodeDataURLJWTPayload(id); ok {
				return decoded
			}
		}
	}
	return presentation
}

func (a *Adapter) recordVerification(ctx context.Context, workflow *exchange.Workflow, ex *exchange.Exchange, step *exchange.Step, stepName string, presentation exchange.JSON) error {
	if step.PresentationSchema != nil && a.Schemas != nil {
		contents := unenvelope(presentation)
		if err := a.Schemas.Validate(step.PresentationSchema.JSONSchema, contents); err != nil {
			return err
		}
	}

	expectedChallenge, _ := exchange.GetVariable(ex.Variables, "results."+stepName+".challenge")
	challengeStr, _ := expectedChallenge.(string)

	result, err := a.Verification.Verify(ctx, exchange.VerifyRequest{
		Workflow:                       workflow,
		VPR:                            step.VerifiablePresentationRequest,
		Presentation:                   presentation,
		ExpectedChallenge:              challengeStr,
		AllowUnprotectedPresentation:   step.AllowUnprotectedPresentation,
		VerifyPresentationOptions:      step.VerifyPresentationOptions,
		VerifyPresentationResultSchema: step.VerifyPresentationResultSchema,
	})
	if err != nil {
		return err
	}

	var holderDID interface{}
	if result.VerificationMethod != "" {
		holderDID = controllerOf(result.VerificationMethod)
	}

	ns := exchange.ResultsNamespace(ex.Variables, stepName)
	ns["did"] = holderDID
	ns["verificationMethod"] = result.VerificationMethod
	ns["verifiablePresentation"] = presentation
	if result.PresentationResult != nil {
		ns["verifyPresentationResults"] = result.PresentationResult
	}
	return nil
}

func controllerOf(verificationMethodID string) string {
	for i := 0; i < len(verificationMethodID); i++ {
		if verificationMethodID[i] == '#' {
			return verificationMethodID[:i]
		}
	}
	return verificationMethodID
}
