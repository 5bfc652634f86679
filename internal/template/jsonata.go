package template

import (
	"context"
	"sync"

	"github.com/blues/jsonata-go"

	"github.com/trustfabric/exchange-engine/internal/exchange"
)

// JSONataEvaluator is the only template type defined by §4.2, wrapping
// github.com/blues/jsonata-go. Compiled expressions are cached by source
// text since a workflow's templates are evaluated repeatedly across many
// exchanges.
type JSONataEvaluator struct {
	mu    sync.Mutex
	cache map[string]*jsonata.Expr
}

// NewJSONataEvaluator constructs a JSONataEvaluator with an empty expression cache.
func NewJSONataEvaluator() *JSONataEvaluator {
	return &JSONataEvaluator{cache: make(map[string]*jsonata.Expr)}
}

func (j *JSONataEvaluator) compile(source string) (*jsonata.Expr, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if expr, ok := j.cache[source]; ok {
		return expr, nil
	}
	expr, err := jsonata.Compile(source)
	if err != nil {
		return nil, err
	}
	j.cache[source] = expr
	return expr, nil
}

// Evaluate implements Evaluator for type "jsonata".
func (j *JSONataEvaluator) Evaluate(ctx context.Context, templateSource string, scope exchange.JSON) (interface{}, error) {
	expr, err := j.compile(templateSource)
	if err != nil {
		return nil, err
	}
	result, err := expr.Eval(map[string]interface{}(scope))
	if err != nil {
		return nil, err
	}
	return result, nil
}
