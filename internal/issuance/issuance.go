// Package issuance implements the Issuance Engine (C5): resolving
// issue-request parameters from a step+workflow+variables, invoking the
// template engine and remote capability client, and assembling the
// resulting verifiable presentation.
package issuance

import (
	"context"
	"sync"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// CapabilityWriter is the subset of internal/capability.Client the engine needs.
type CapabilityWriter interface {
	Write(ctx context.Context, cap *exchange.Zcap, url string, payload interface{}) (exchange.JSON, error)
}

// Engine implements exchange.IssuanceEngine (C5).
type Engine struct {
	Templates  exchange.TemplateEngine
	Capability CapabilityWriter
}

// NewEngine constructs an Engine.
func NewEngine(templates exchange.TemplateEngine, capability CapabilityWriter) *Engine {
	return &Engine{Templates: templates, Capability: capability}
}

// GetIssueRequestParams implements exchange.IssuanceEngine.GetIssueRequestParams (§4.5).
func (e *Engine) GetIssueRequestParams(ctx context.Context, workflow *exchange.Workflow, ex *exchange.Exchange, step *exchange.Step) ([]exchange.IssueRequestParam, error) {
	if len(workflow.CredentialTemplates) == 0 {
		return nil, nil
	}

	legacy := workflow.Steps == nil || (len(workflow.Steps) == 1 && len(step.IssueRequests) == 0)
	if legacy {
		params := make([]exchange.IssueRequestParam, 0, len(workflow.CredentialTemplates))
		for i := range workflow.CredentialTemplates {
			tpl := workflow.CredentialTemplates[i]
			params = append(params, exchange.IssueRequestParam{
				TypedTemplate: &tpl,
				Variables:     fullScope(workflow, ex, ex.Variables),
			})
		}
		return params, nil
	}

	params := make([]exchange.IssueRequestParam, 0, len(step.IssueRequests))
	for _, r := range step.IssueRequests {
		tpl, err := resolveTemplate(workflow, r)
		if err != nil {
			return nil, err
		}

		var vars exchange.JSON
		switch v := r.Variables.(type) {
		case nil:
			vars = fullScope(workflow, ex, ex.Variables)
		case string:
			sub, ok := exchange.GetVariable(ex.Variables, v)
			if !ok {
				return nil, xerr.Newf(xerr.DataError, "issueRequests variables path %q not found", v)
			}
			subMap, ok := sub.(exchange.JSON)
			if !ok {
				if m, ok2 := sub.(map[string]interface{}); ok2 {
					subMap = m
				} else {
					return nil, xerr.Newf(xerr.DataError, "issueRequests variables path %q is not an object", v)
				}
			}
			vars = fullScope(workflow, ex, subMap)
		case map[string]interface{}:
			vars = fullScope(workflow, ex, v)
		default:
			return nil, xerr.New(xerr.DataError, "issueRequests.variables must be a string path or object")
		}

		params = append(params, exchange.IssueRequestParam{
			TypedTemplate: tpl,
			Variables:     vars,
			Result:        r.Result,
		})
	}
	return params, nil
}

func fullScope(workflow *exchange.Workflow, ex *exchange.Exchange, variables exchange.JSON) exchange.JSON {
	scope := make(exchange.JSON, len(variables)+1)
	for k, v := range variables {
		scope[k] = v
	}
	globals := exchange.BuildGlobals(workflow.ID, ex.ID)
	scope["globals"] = exchange.JSON{
		"workflow":  exchange.JSON{"id": globals.Workflow.ID},
		"exchanger": exchange.JSON{"id": globals.Exchanger.ID},
		"exchange":  exchange.JSON{"id": globals.Exchange.ID},
	}
	return scope
}

func resolveTemplate(workflow *exchange.Workflow, r exchange.IssueRequest) (*exchange.CredentialTemplate, error) {
	if r.CredentialTemplateIndex != nil {
		idx := *r.CredentialTemplateIndex
		if idx < 0 || idx >= len(workflow.CredentialTemplates) {
			return nil, xerr.Newf(xerr.DataError, "credentialTemplateIndex %d out of range", idx)
		}
		tpl := workflow.CredentialTemplates[idx]
		return &tpl, nil
	}
	if r.CredentialTemplateID != "" {
		for i := range workflow.CredentialTemplates {
			if workflow.CredentialTemplates[i].ID == r.CredentialTemplateID {
				tpl := workflow.CredentialTemplates[i]
				return &tpl, nil
			}
		}
		return nil, xerr.Newf(xerr.DataError, "unknown credentialTemplateId %q", r.CredentialTemplateID)
	}
	return nil, xerr.New(xerr.DataError, "issueRequests entry names neither credentialTemplateIndex nor credentialTemplateId")
}

// issuerFor selects the issuer instance declaring format as a supported format.
func issuerFor(workflow *exchange.Workflow, format string) *exchange.IssuerInstance {
	for i := range workflow.IssuerInstances {
		inst := &workflow.IssuerInstances[i]
		for _, f := range inst.SupportedFormats {
			if f == format {
				return inst
			}
		}
	}
	return nil
}

type evalOutcome struct {
	param  exchange.IssueRequestParam
	result exchange.JSON
	err    error
}

// Issue implements exchange.IssuanceEngine.Issue (§4.5).
func (e *Engine) Issue(ctx context.Context, req exchange.IssueParams) (*exchange.IssueResult, error) {
	if len(req.IssueRequestsParams) == 0 {
		if len(req.Step.VerifiablePresentation) == 0 {
			return &exchange.IssueResult{Response: exchange.JSON{}}, nil
		}
		return &exchange.IssueResult{Response: exchange.JSON{"verifiablePresentation": copyJSON(req.Step.VerifiablePresentation)}}, nil
	}

	outcomes := make([]evalOutcome, len(req.IssueRequestsParams))
	var wg sync.WaitGroup
	for i, param := range req.IssueRequestsParams {
		wg.Add(1)
		go func(i int, param exchange.IssueRequestParam) {
			defer wg.Done()
			raw, err := e.Templates.EvaluateTemplate(ctx, req.Workflow, req.Exchange, param.TypedTemplate, param.Variables)
			if err != nil {
				outcomes[i] = evalOutcome{param: param, err: err}
				return
			}
			credential, ok := raw.(map[string]interface{})
			if !ok {
				outcomes[i] = evalOutcome{param: param, err: xerr.New(xerr.DataError, "credential template did not evaluate to an object")}
				return
			}
			outcomes[i] = evalOutcome{param: param, result: credential}
		}(i, param)
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.err != nil {
			return nil, o.err
		}
	}

	issuer := issuerFor(req.Workflow, req.Format)
	if issuer == nil {
		return nil, xerr.Newf(xerr.DataError, "no issuer instance supports format %q", req.Format)
	}
	var cap *exchange.Zcap
	if req.Workflow.Zcaps != nil {
		cap = req.Workflow.Zcaps[issuer.ZcapReferenceIds.Issue]
	}

	var response exchange.JSON
	if len(req.Step.VerifiablePresentation) > 0 {
		response = copyJSON(req.Step.VerifiablePresentation)
	}

	exchangeChanged := false
	var issuedVCs []interface{}

	for _, o := range outcomes {
		payload := exchange.JSON{"credential": o.result}
		issued, err := e.Capability.Write(ctx, cap, "", payload)
		if err != nil {
			return nil, xerr.Wrap(xerr.Operation, "credential issuance capability invocation failed", xerr.StripStackTrace(err)).WithStatus(502)
		}
		vc, _ := issued["verifiableCredential"].(exchange.JSON)
		if vc == nil {
			vc = issued
		}

		if o.param.Result != "" {
			exchange.SetVariable(req.Exchange.Variables, o.param.Result, vc)
			exchangeChanged = true
			continue
		}
		issuedVCs = append(issuedVCs, vc)
	}

	if len(issuedVCs) == 0 {
		if response == nil {
			if !exchangeChanged {
				return &exchange.IssueResult{Response: exchange.JSON{}, ExchangeChanged: exchangeChanged}, nil
			}
			return &exchange.IssueResult{Response: exchange.JSON{}, ExchangeChanged: exchangeChanged}, nil
		}
		return &exchange.IssueResult{Response: exchange.JSON{"verifiablePresentation": response}, ExchangeChanged: exchangeChanged}, nil
	}

	if response == nil {
		response = emptyV2Presentation()
	}
	existing, _ := response["verifiableCredential"].([]interface{})
	response["verifiableCredential"] = append(existing, issuedVCs...)

	return &exchange.IssueResult{Response: exchange.JSON{"verifiablePresentation": response}, ExchangeChanged: exchangeChanged}, nil
}

func emptyV2Presentation() exchange.JSON {
	return exchange.JSON{
		"@context": []interface{}{"https://www.w3.org/ns/credentials/v2"},
		"type":     []interface{}{"VerifiablePresentation"},
	}
}

func copyJSON(v exchange.JSON) exchange.JSON {
	out := make(exchange.JSON, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
