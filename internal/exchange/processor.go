package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/trustfabric/exchange-engine/internal/obslog"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// defaultProcessDeadline bounds a single process() pass when the exchange's
// own expiry is further out (§4.6 step 3).
const defaultProcessDeadline = 15 * time.Minute

// Processor is C6, the exchange state-machine core. One Processor is
// constructed per adapter (C7/C8/C9/C10), each supplying its own
// InputRequired predicate (§4.7, §4.8, §4.9, §4.10).
type Processor struct {
	Store          Store
	Templates      TemplateEngine
	Verification   VerificationGateway
	Issuance       IssuanceEngine
	Notifier       Notifier
	Log            *obslog.Logger
	InputRequired  InputRequiredFunc
}

// NewProcessor constructs a Processor; a nil Notifier becomes a no-op sink.
func NewProcessor(store Store, templates TemplateEngine, verification VerificationGateway, issuance IssuanceEngine, notifier Notifier, log *obslog.Logger, inputRequired InputRequiredFunc) *Processor {
	if notifier == nil {
		notifier = NotifierFunc(func(string, *Exchange) {})
	}
	if log == nil {
		log = obslog.New("exchange-processor")
	}
	return &Processor{
		Store:         store,
		Templates:     templates,
		Verification:  verification,
		Issuance:      issuance,
		Notifier:      notifier,
		Log:           log,
		InputRequired: inputRequired,
	}
}

// ProcessResult is the shape returned to the calling adapter (§6): one of
// {verifiablePresentationRequest}, {verifiablePresentation, redirectUrl?},
// {redirectUrl}, or {}.
type ProcessResult struct {
	VerifiablePresentationRequest JSON `json:"verifiablePresentationRequest,omitempty"`
	VerifiablePresentation        JSON `json:"verifiablePresentation,omitempty"`
	RedirectURL                   string `json:"redirectUrl,omitempty"`
}

func emptyV2Presentation() JSON {
	return JSON{
		"@context": []interface{}{"https://www.w3.org/ns/credentials/v2"},
		"type":     []interface{}{"VerifiablePresentation"},
	}
}

func structuredClone(v JSON) JSON {
	if v == nil {
		return nil
	}
	clone := make(JSON, len(v))
	for k, val := range v {
		clone[k] = val
	}
	return clone
}

// Process runs one pass of §4.6 over the record identified by
// workflowIDLocal/exchangeID. receivedPresentation is the VP (if any)
// carried by the inbound request.
func (p *Processor) Process(ctx context.Context, workflow *Workflow, workflowIDLocal, exchangeID string, receivedPresentation JSON) (*ProcessResult, error) {
	rec, err := p.Store.Get(ctx, workflowIDLocal, exchangeID, false)
	if err != nil {
		return nil, err
	}

	// 1. Guard: terminal states never process, and never persist lastError
	// for this outcome.
	if rec.Exchange.State == StateComplete || rec.Exchange.State == StateInvalid {
		return nil, xerr.New(xerr.NotAllowed, "Exchange is complete").WithStatus(403)
	}

	// 2. Activate.
	if rec.Exchange.State == StatePending {
		rec.Exchange.State = StateActive
	}

	// 3. Timeout: deadline scoped to this call.
	deadline := rec.Meta.Created.Add(defaultProcessDeadline)
	if rec.Exchange.Expires.Before(deadline) {
		deadline = rec.Exchange.Expires
	}
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result, err := p.loop(callCtx, workflow, workflowIDLocal, rec, receivedPresentation)
	if err != nil {
		if !xerr.Is(err, xerr.InvalidState) {
			p.bestEffortSetLastError(ctx, workflowIDLocal, &rec.Exchange, err)
			p.Notifier.ExchangeUpdated(workflowIDLocal, &rec.Exchange)
		}
		return nil, err
	}
	return result, nil
}

func (p *Processor) loop(ctx context.Context, workflow *Workflow, workflowIDLocal string, rec *Record, receivedPresentation JSON) (*ProcessResult, error) {
	var response JSON
	var exchangeChanged bool

	for {
		select {
		case <-ctx.Done():
			return nil, xerr.New(xerr.DataError, "Exchange has expired.").WithStatus(500)
		default:
		}

		stepName := rec.Exchange.Step
		if stepName == "" {
			stepName = workflow.InitialStep
		}

		step, err := p.getStep(ctx, workflow, &rec.Exchange, stepName)
		if err != nil {
			return nil, err
		}

		if p.InputRequired != nil && p.InputRequired(step, receivedPresentation) {
			return &ProcessResult{VerifiablePresentationRequest: step.VerifiablePresentationRequest}, nil
		}

		params, err := p.Issuance.GetIssueRequestParams(ctx, workflow, &rec.Exchange, step)
		if err != nil {
			return nil, err
		}
		issueToClient := false
		for _, param := range params {
			if param.Result == "" {
				issueToClient = true
				break
			}
		}

		if len(step.VerifiablePresentation) > 0 || issueToClient {
			if response != nil {
				return &ProcessResult{VerifiablePresentation: response}, nil
			}
			if len(step.VerifiablePresentation) > 0 {
				response = structuredClone(step.VerifiablePresentation)
			} else {
				response = emptyV2Presentation()
			}
		}

		if len(params) > 0 {
			issueRes, err := p.Issuance.Issue(ctx, IssueParams{
				Workflow:               workflow,
				Exchange:               &rec.Exchange,
				Step:                   step,
				Format:                 "application/vc",
				IssueRequestsParams:    params,
				VerifiablePresentation: response,
			})
			if err != nil {
				return nil, err
			}
			if issueRes.Response != nil {
				if vp, ok := issueRes.Response["verifiablePresentation"].(JSON); ok {
					response = vp
				}
			}
			if issueRes.ExchangeChanged {
				exchangeChanged = true
			}
		}

		result := &ProcessResult{}
		if response != nil {
			result.VerifiablePresentation = response
		}
		if step.RedirectURL != "" {
			result.RedirectURL = step.RedirectURL
		}
		if step.NextStep != "" {
			result.VerifiablePresentationRequest = JSON{}
			rec.Exchange.Step = step.NextStep
		} else {
			rec.Exchange.State = StateComplete
		}

		if err := p.persist(ctx, workflowIDLocal, rec); err != nil {
			return nil, err
		}

		if step.NextStep == "" {
			return result, nil
		}
		if exchangeChanged || result.RedirectURL != "" {
			return result, nil
		}
		// Otherwise advance to the next step in the same pass.
	}
}

func (p *Processor) getStep(ctx context.Context, workflow *Workflow, ex *Exchange, stepName string) (*Step, error) {
	step, err := p.Templates.EvaluateExchangeStep(ctx, workflow, ex, stepName)
	if err != nil {
		return nil, err
	}
	if err := ValidateStaticStep(stepName, step); err != nil {
		return nil, err
	}
	return step, nil
}

func (p *Processor) persist(ctx context.Context, workflowIDLocal string, rec *Record) error {
	rec.Exchange.Sequence++
	var err error
	if rec.Exchange.State == StateComplete {
		_, err = p.Store.Complete(ctx, workflowIDLocal, &rec.Exchange)
	} else {
		_, err = p.Store.Update(ctx, workflowIDLocal, &rec.Exchange)
	}
	if err != nil {
		rec.Exchange.Sequence--
		return err
	}
	return nil
}

func (p *Processor) bestEffortSetLastError(ctx context.Context, workflowIDLocal string, ex *Exchange, cause error) {
	sanitized := xerr.StripStackTrace(cause)
	ex.Sequence++
	if err := p.Store.SetLastError(ctx, workflowIDLocal, ex, sanitized, time.Now()); err != nil {
		p.Log.Warn("failed to persist lastError", zap.String("workflow_id_local", workflowIDLocal), zap.Error(err))
	}
}
