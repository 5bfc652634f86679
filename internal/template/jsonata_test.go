package template

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustfabric/exchange-engine/internal/exchange"
)

func TestJSONataEvaluatorEvaluatesFieldAccess(t *testing.T) {
	j := NewJSONataEvaluator()
	result, err := j.Evaluate(context.Background(), "globals.exchange.id", exchange.JSON{
		"globals": exchange.JSON{"exchange": exchange.JSON{"id": "ex-123"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ex-123", result)
}

func TestJSONataEvaluatorEvaluatesObjectConstruction(t *testing.T) {
	j := NewJSONataEvaluator()
	result, err := j.Evaluate(context.Background(), `{"redirectUrl": redirect}`, exchange.JSON{
		"redirect": "https://example.com/done",
	})
	require.NoError(t, err)

	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "https://example.com/done", m["redirectUrl"])
}

func TestJSONataEvaluatorRejectsInvalidExpression(t *testing.T) {
	j := NewJSONataEvaluator()
	_, err := j.Evaluate(context.Background(), "(((", exchange.JSON{})
	assert.Error(t, err)
}

func TestJSONataEvaluatorCachesCompiledExpression(t *testing.T) {
	j := NewJSONataEvaluator()
	expr1, err := j.compile("foo")
	require.NoError(t, err)
	expr2, err := j.compile("foo")
	require.NoError(t, err)
	assert.Same(t, expr1, expr2)
}

