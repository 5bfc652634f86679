package issuance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustfabric/exchange-engine/internal/exchange"
)

type stubTemplates struct {
	result interface{}
	err    error
}

func (s *stubTemplates) EvaluateTemplate(_ context.Context, _ *exchange.Workflow, _ *exchange.Exchange, _ *exchange.CredentialTemplate, _ exchange.JSON) (interface{}, error) {
	return s.result, s.err
}

func (s *stubTemplates) EvaluateExchangeStep(_ context.Context, _ *exchange.Workflow, _ *exchange.Exchange, _ string) (*exchange.Step, error) {
	return nil, nil
}

type stubCapability struct {
	response exchange.JSON
	err      error
	calls    int
}

func (s *stubCapability) Write(_ context.Context, _ *exchange.Zcap, _ string, _ interface{}) (exchange.JSON, error) {
	s.calls++
	return s.response, s.err
}

func baseWorkflow() *exchange.Workflow {
	return &exchange.Workflow{
		ID: "http://host/workflows/wf1",
		CredentialTemplates: []exchange.CredentialTemplate{
			{ID: "tpl1", Type: "jsonata", Template: "x"},
		},
		IssuerInstances: []exchange.IssuerInstance{
			{SupportedFormats: []string{"ldp_vc"}, ZcapReferenceIds: exchange.ZcapReferenceIds{Issue: "issue1"}},
		},
		Zcaps: map[string]*exchange.Zcap{
			"issue1": {ID: "urn:zcap:issue", InvocationTarget: "http://issuer.example/credentials"},
		},
	}
}

func TestGetIssueRequestParamsLegacySingleStepUsesAllTemplates(t *testing.T) {
	e := NewEngine(&stubTemplates{}, &stubCapability{})
	w := baseWorkflow()
	ex := &exchange.Exchange{ID: "ex1", Variables: exchange.JSON{}}
	step := &exchange.Step{}

	params, err := e.GetIssueRequestParams(context.Background(), w, ex, step)
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, "tpl1", params[0].TypedTemplate.ID)
}

func TestGetIssueRequestParamsReturnsNilWhenNoTemplates(t *testing.T) {
	e := NewEngine(&stubTemplates{}, &stubCapability{})
	w := &exchange.Workflow{}
	params, err := e.GetIssueRequestParams(context.Background(), w, &exchange.Exchange{}, &exchange.Step{})
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestGetIssueRequestParamsResolvesByTemplateIndex(t *testing.T) {
	e := NewEngine(&stubTemplates{}, &stubCapability{})
	w := baseWorkflow()
	w.Steps = map[string]*exchange.Step{"s1": {}, "s2": {}}
	idx := 0
	step := &exchange.Step{IssueRequests: []exchange.IssueRequest{{CredentialTemplateIndex: &idx, Result: "out"}}}
	ex := &exchange.Exchange{ID: "ex1", Variables: exchange.JSON{}}

	params, err := e.GetIssueRequestParams(context.Background(), w, ex, step)
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, "tpl1", params[0].TypedTemplate.ID)
	assert.Equal(t, "out", params[0].Result)
}

func TestGetIssueRequestParamsRejectsOutOfRangeIndex(t *testing.T) {
	e := NewEngine(&stubTemplates{}, &stubCapability{})
	w := baseWorkflow()
	w.Steps = map[string]*exchange.Step{"s1": {}, "s2": {}}
	idx := 5
	step := &exchange.Step{IssueRequests: []exchange.IssueRequest{{CredentialTemplateIndex: &idx}}}
	_, err := e.GetIssueRequestParams(context.Background(), w, &exchange.Exchange{Variables: exchange.JSON{}}, step)
	assert.Error(t, err)
}

func TestGetIssueRequestParamsResolvesByTemplateIDAndVariablesPath(t *testing.T) {
	e := NewEngine(&stubTemplates{}, &stubCapability{})
	w := baseWorkflow()
	w.Steps = map[string]*exchange.Step{"s1": {}, "s2": {}}
	step := &exchange.Step{IssueRequests: []exchange.IssueRequest{{CredentialTemplateID: "tpl1", Variables: "sub"}}}
	ex := &exchange.Exchange{ID: "ex1", Variables: exchange.JSON{"sub": exchange.JSON{"name": "alice"}}}

	params, err := e.GetIssueRequestParams(context.Background(), w, ex, step)
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, "alice", params[0].Variables["name"])
}

func TestGetIssueRequestParamsRejectsUnknownVariablesPath(t *testing.T) {
	e := NewEngine(&stubTemplates{}, &stubCapability{})
	w := baseWorkflow()
	w.Steps = map[string]*exchange.Step{"s1": {}, "s2": {}}
	step := &exchange.Step{IssueRequests: []exchange.IssueRequest{{CredentialTemplateID: "tpl1", Variables: "missing"}}}
	ex := &exchange.Exchange{ID: "ex1", Variables: exchange.JSON{}}
	_, err := e.GetIssueRequestParams(context.Background(), w, ex, step)
	assert.Error(t, err)
}

func TestIssueReturnsEmptyResponseWhenNoIssueRequestsOrPresentation(t *testing.T) {
	e := NewEngine(&stubTemplates{}, &stubCapability{})
	result, err := e.Issue(context.Background(), exchange.IssueParams{
		Workflow: baseWorkflow(),
		Exchange: &exchange.Exchange{Variables: exchange.JSON{}},
		Step:     &exchange.Step{},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Response)
	assert.False(t, result.ExchangeChanged)
}

func TestIssueReturnsStaticPresentationWhenNoIssueRequests(t *testing.T) {
	e := NewEngine(&stubTemplates{}, &stubCapability{})
	staticVP := exchange.JSON{"type": "VerifiablePresentation"}
	result, err := e.Issue(context.Background(), exchange.IssueParams{
		Workflow: baseWorkflow(),
		Exchange: &exchange.Exchange{Variables: exchange.JSON{}},
		Step:     &exchange.Step{VerifiablePresentation: staticVP},
	})
	require.NoError(t, err)
	assert.Equal(t, staticVP, result.Response["verifiablePresentation"])
}

func TestIssueInvokesCapabilityAndAssemblesPresentation(t *testing.T) {
	templates := &stubTemplates{result: map[string]interface{}{"type": "VerifiableCredential"}}
	capability := &stubCapability{response: exchange.JSON{"verifiableCredential": exchange.JSON{"type": "VerifiableCredential", "id": "vc1"}}}
	e := NewEngine(templates, capability)

	w := baseWorkflow()
	ex := &exchange.Exchange{ID: "ex1", Variables: exchange.JSON{}}
	step := &exchange.Step{}
	params, err := e.GetIssueRequestParams(context.Background(), w, ex, step)
	require.NoError(t, err)

	result, err := e.Issue(context.Background(), exchange.IssueParams{
		Workflow:            w,
		Exchange:            ex,
		Step:                step,
		Format:              "ldp_vc",
		IssueRequestsParams: params,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, capability.calls)

	vp := result.Response["verifiablePresentation"].(exchange.JSON)
	vcs := vp["verifiableCredential"].([]interface{})
	require.Len(t, vcs, 1)
}

func TestIssueWritesResultToVariablesWhenResultPathSet(t *testing.T) {
	templates := &stubTemplates{result: map[string]interface{}{"type": "VerifiableCredential"}}
	capability := &stubCapability{response: exchange.JSON{"verifiableCredential": exchange.JSON{"id": "vc1"}}}
	e := NewEngine(templates, capability)

	w := baseWorkflow()
	ex := &exchange.Exchange{ID: "ex1", Variables: exchange.JSON{}}

	result, err := e.Issue(context.Background(), exchange.IssueParams{
		Workflow: w,
		Exchange: ex,
		Step:     &exchange.Step{},
		Format:   "ldp_vc",
		IssueRequestsParams: []exchange.IssueRequestParam{
			{TypedTemplate: &w.CredentialTemplates[0], Variables: exchange.JSON{}, Result: "issued.credential"},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.ExchangeChanged)
	issued := ex.Variables["issued"].(exchange.JSON)
	assert.NotNil(t, issued["credential"])
}

func TestIssueRejectsUnknownFormat(t *testing.T) {
	templates := &stubTemplates{result: map[string]interface{}{"type": "VerifiableCredential"}}
	e := NewEngine(templates, &stubCapability{})
	w := baseWorkflow()
	ex := &exchange.Exchange{ID: "ex1", Variables: exchange.JSON{}}

	_, err := e.Issue(context.Background(), exchange.IssueParams{
		Workflow: w,
		Exchange: ex,
		Step:     &exchange.Step{},
		Format:   "unknown_format",
		IssueRequestsParams: []exchange.IssueRequestParam{
			{TypedTemplate: &w.CredentialTemplates[0], Variables: exchange.JSON{}},
		},
	})
	assert.Error(t, err)
}

func TestIssuePropagatesTemplateEvaluationError(t *testing.T) {
	templates := &stubTemplates{err: assertErr("template broke")}
	e := NewEngine(templates, &stubCapability{})
	w := baseWorkflow()
	ex := &exchange.Exchange{ID: "ex1", Variables: exchange.JSON{}}

	_, err := e.Issue(context.Background(), exchange.IssueParams{
		Workflow: w,
		Exchange: ex,
		Step:     &exchange.Step{},
		Format:   "ldp_vc",
		IssueRequestsParams: []exchange.IssueRequestParam{
			{TypedTemplate: &w.CredentialTemplates[0], Variables: exchange.JSON{}},
		},
	})
	assert.Error(t, err)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
