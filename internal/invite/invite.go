// Package invite implements the Invite-Request Adapter (C10): a minimal,
// single-shot protocol for wallets that discover an exchange out-of-band
// and post back an invite response rather than a verifiable presentation.
package invite

import (
	"context"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// Request is the body POSTed to <exchange>/invite-request/response (§6).
type Request struct {
	URL         string `json:"url"`
	Purpose     string `json:"purpose"`
	ReferenceID string `json:"referenceId,omitempty"`
}

// Response is returned on success (§4.10).
type Response struct {
	ReferenceID string `json:"referenceId,omitempty"`
}

// Adapter implements C10.
type Adapter struct {
	Store     exchange.Store
	Templates exchange.TemplateEngine
}

// NewAdapter constructs an Adapter.
func NewAdapter(store exchange.Store, templates exchange.TemplateEngine) *Adapter {
	return &Adapter{Store: store, Templates: templates}
}

// HandleResponse implements §4.10: requires a pending exchange whose
// current step carries an inviteRequest, records the response, and
// transitions straight to complete. On persistence failure, the in-memory
// mutation is discarded along with the record (never shared, so nothing to
// revert beyond letting rec go out of scope).
func (a *Adapter) HandleResponse(ctx context.Context, workflow *exchange.Workflow, workflowIDLocal, exchangeID string, req Request) (*Response, error) {
	rec, err := a.Store.Get(ctx, workflowIDLocal, exchangeID, false)
	if err != nil {
		return nil, err
	}
	ex := &rec.Exchange

	if ex.State != exchange.StatePending {
		return nil, xerr.New(xerr.InvalidState, "exchange is not pending").WithStatus(409)
	}

	stepName := ex.Step
	if stepName == "" {
		stepName = workflow.InitialStep
	}
	step, err := a.Templates.EvaluateExchangeStep(ctx, workflow, ex, stepName)
	if err != nil {
		return nil, err
	}
	if len(step.InviteRequest) == 0 {
		return nil, xerr.New(xerr.NotSupported, "step does not carry an inviteRequest").WithStatus(400)
	}

	ns := exchange.ResultsNamespace(ex.Variables, stepName)
	inviteRequestResult, _ := ns["inviteRequest"].(exchange.JSON)
	if inviteRequestResult == nil {
		inviteRequestResult = exchange.JSON{}
		ns["inviteRequest"] = inviteRequestResult
	}
	inviteRequestResult["inviteResponse"] = exchange.JSON{
		"url":         req.URL,
		"purpose":     req.Purpose,
		"referenceId": req.ReferenceID,
	}

	ex.State = exchange.StateComplete
	ex.Sequence++
	if _, err := a.Store.Complete(ctx, workflowIDLocal, ex); err != nil {
		return nil, err
	}

	return &Response{ReferenceID: req.ReferenceID}, nil
}
