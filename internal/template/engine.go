// Package template implements the Template & Variable Engine (C2):
// evaluation of typed templates against an exchange's variable scope,
// and the dotted-path variable helpers step processing relies on.
package template

import (
	"context"
	"fmt"
	"sync"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// Evaluator evaluates one typed template kind against a resolved variable
// scope. The registry below is what makes "currently JSONata" (§4.2)
// literally extensible: new types register without touching Engine.
type Evaluator interface {
	Evaluate(ctx context.Context, templateSource string, scope exchange.JSON) (interface{}, error)
}

// Engine implements exchange.TemplateEngine (C2).
type Engine struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

// NewEngine constructs an Engine with the given type→Evaluator registry
// pre-populated (typically {"jsonata": NewJSONataEvaluator()}).
func NewEngine(evaluators map[string]Evaluator) *Engine {
	e := &Engine{evaluators: make(map[string]Evaluator, len(evaluators))}
	for k, v := range evaluators {
		e.evaluators[k] = v
	}
	return e
}

// Register adds or replaces the Evaluator for a template type.
func (e *Engine) Register(typeName string, ev Evaluator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluators[typeName] = ev
}

func (e *Engine) evaluatorFor(typeName string) (Evaluator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ev, ok := e.evaluators[typeName]
	if !ok {
		return nil, xerr.Newf(xerr.DataError, "unknown template type %q", typeName)
	}
	return ev, nil
}

// EvaluateTemplate implements exchange.TemplateEngine.EvaluateTemplate (§4.2).
func (e *Engine) EvaluateTemplate(ctx context.Context, workflow *exchange.Workflow, ex *exchange.Exchange, tpl *exchange.CredentialTemplate, variables exchange.JSON) (interface{}, error) {
	if tpl == nil {
		return nil, xerr.New(xerr.DataError, "nil template")
	}
	ev, err := e.evaluatorFor(tpl.Type)
	if err != nil {
		return nil, err
	}

	scope := BuildScope(workflow, ex, variables)
	result, err := ev.Evaluate(ctx, tpl.Template, scope)
	if err != nil {
		return nil, xerr.Wrap(xerr.DataError, fmt.Sprintf("template %q evaluation failed", tpl.ID), err)
	}
	return result, nil
}

// BuildScope decorates variables with the read-only globals view (§3, §4.2).
func BuildScope(workflow *exchange.Workflow, ex *exchange.Exchange, variables exchange.JSON) exchange.JSON {
	scope := make(exchange.JSON, len(variables)+1)
	for k, v := range variables {
		scope[k] = v
	}
	workflowID, exchangeID := "", ""
	if workflow != nil {
		workflowID = workflow.ID
	}
	if ex != nil {
		exchangeID = ex.ID
	}
	globals := exchange.BuildGlobals(workflowID, exchangeID)
	scope["globals"] = exchange.JSON{
		"workflow":  exchange.JSON{"id": globals.Workflow.ID},
		"exchanger": exchange.JSON{"id": globals.Exchanger.ID},
		"exchange":  exchange.JSON{"id": globals.Exchange.ID},
	}
	return scope
}

// EvaluateExchangeStep implements exchange.TemplateEngine.EvaluateExchangeStep (§4.2).
func (e *Engine) EvaluateExchangeStep(ctx context.Context, workflow *exchange.Workflow, ex *exchange.Exchange, stepName string) (*exchange.Step, error) {
	step := workflow.StepByName(stepName)
	if step == nil {
		return nil, xerr.Newf(xerr.DataError, "unknown step %q", stepName)
	}
	if !step.IsTemplate() {
		return step, nil
	}

	result, err := e.EvaluateTemplate(ctx, workflow, ex, step.StepTemplate, ex.Variables)
	if err != nil {
		return nil, err
	}
	resolved, err := coerceStep(result)
	if err != nil {
		return nil, err
	}
	if resolved.IsEmpty() {
		return nil, xerr.Newf(xerr.DataError, "step %q template evaluated to an empty object", stepName)
	}
	return resolved, nil
}
