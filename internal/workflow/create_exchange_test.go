package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustfabric/exchange-engine/internal/exchange"
)

func TestResolveExpiresDefaultsToDefaultTTL(t *testing.T) {
	now := time.Now()
	expires, err := ResolveExpires(&CreateExchangeRequest{}, now)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(defaultTTL), expires, time.Second)
}

func TestResolveExpiresHonorsExplicitTTL(t *testing.T) {
	now := time.Now()
	ttl := int64(120)
	expires, err := ResolveExpires(&CreateExchangeRequest{TTL: &ttl}, now)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(2*time.Minute), expires, time.Second)
}

func TestResolveExpiresHonorsExplicitExpires(t *testing.T) {
	now := time.Now()
	want := now.Add(time.Hour)
	expires, err := ResolveExpires(&CreateExchangeRequest{Expires: &want}, now)
	require.NoError(t, err)
	assert.Equal(t, want, expires)
}

func TestResolveExpiresRejectsTTLAndExpiresTogether(t *testing.T) {
	now := time.Now()
	ttl := int64(60)
	expires := now.Add(time.Hour)
	_, err := ResolveExpires(&CreateExchangeRequest{TTL: &ttl, Expires: &expires}, now)
	assert.Error(t, err)
}

func TestResolveExpiresRejectsBeyondMaxHorizon(t *testing.T) {
	now := time.Now()
	tooFar := now.Add(49 * time.Hour)
	_, err := ResolveExpires(&CreateExchangeRequest{Expires: &tooFar}, now)
	assert.Error(t, err)
}

func TestResolveExpiresRejectsTTLBeyondMaxHorizon(t *testing.T) {
	now := time.Now()
	ttl := int64((49 * time.Hour).Seconds())
	_, err := ResolveExpires(&CreateExchangeRequest{TTL: &ttl}, now)
	assert.Error(t, err)
}

func TestValidateCreateExchangeRejectsNonPositiveTTL(t *testing.T) {
	w := &exchange.Workflow{}
	ttl := int64(0)
	err := ValidateCreateExchange(w, &CreateExchangeRequest{TTL: &ttl})
	assert.Error(t, err)
}

func TestValidateCreateExchangeRejectsUnknownStep(t *testing.T) {
	w := &exchange.Workflow{InitialStep: "a", Steps: map[string]*exchange.Step{"a": {}}}
	err := ValidateCreateExchange(w, &CreateExchangeRequest{Step: "missing"})
	assert.Error(t, err)
}

func TestValidateCreateExchangeAcceptsKnownStep(t *testing.T) {
	w := &exchange.Workflow{InitialStep: "a", Steps: map[string]*exchange.Step{"a": {}}}
	assert.NoError(t, ValidateCreateExchange(w, &CreateExchangeRequest{Step: "a"}))
}

func TestValidateCreateExchangeAcceptsEmptyRequest(t *testing.T) {
	w := &exchange.Workflow{}
	assert.NoError(t, ValidateCreateExchange(w, &CreateExchangeRequest{}))
}
