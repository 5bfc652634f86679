package capability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

type recordingAgent struct {
	called bool
}

func (a *recordingAgent) SignInvocation(req *http.Request, _ *exchange.Zcap, _ []byte) error {
	a.called = true
	req.Header.Set("X-Signed", "1")
	return nil
}

func TestClientWriteRejectsNilCapability(t *testing.T) {
	c := NewClient(nil, nil)
	_, err := c.Write(context.Background(), nil, "", exchange.JSON{})
	assert.True(t, xerr.Is(err, xerr.DataError))
}

func TestClientWriteSucceedsAndSignsRequest(t *testing.T) {
	var gotSigned string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSigned = r.Header.Get("X-Signed")
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	agent := &recordingAgent{}
	c := NewClient(srv.Client(), agent)
	cap := &exchange.Zcap{ID: "urn:zcap:1", InvocationTarget: srv.URL}

	result, err := c.Write(context.Background(), cap, "", exchange.JSON{"hello": "world"})
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, "1", gotSigned)
	assert.True(t, agent.called)
}

func TestClientWriteUsesExplicitURLOverInvocationTarget(t *testing.T) {
	var hitPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil)
	cap := &exchange.Zcap{ID: "urn:zcap:1", InvocationTarget: srv.URL + "/wrong"}

	_, err := c.Write(context.Background(), cap, srv.URL+"/credentials/issue", exchange.JSON{})
	require.NoError(t, err)
	assert.Equal(t, "/credentials/issue", hitPath)
}

func TestClientWriteReturnsEmptyJSONOnEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil)
	cap := &exchange.Zcap{ID: "urn:zcap:1", InvocationTarget: srv.URL}

	result, err := c.Write(context.Background(), cap, "", exchange.JSON{})
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestClientWriteWrapsRemoteErrorAsOperationKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil)
	cap := &exchange.Zcap{ID: "urn:zcap:1", InvocationTarget: srv.URL}

	_, err := c.Write(context.Background(), cap, "", exchange.JSON{})
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.Operation))
	assert.Equal(t, http.StatusBadGateway, xerr.StatusOf(err))
}

func TestResolveIssueURLAppendsIssueSuffix(t *testing.T) {
	assert.Equal(t, "http://x/credentials/issue", ResolveIssueURL("http://x/credentials"))
	assert.Equal(t, "http://x/credentials/issue", ResolveIssueURL("http://x/credentials/issue"))
	assert.Equal(t, "http://x/credentials/issue", ResolveIssueURL("http://x"))
}

func TestChallengeClientCreateChallengeRejectsMissingCapability(t *testing.T) {
	c := NewChallengeClient(NewClient(nil, nil))
	w := &exchange.Workflow{}
	_, err := c.CreateChallenge(context.Background(), w)
	assert.True(t, xerr.Is(err, xerr.NotSupported))
}

func TestChallengeClientCreateChallengeReturnsChallengeString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"challenge":"abc123"}`))
	}))
	defer srv.Close()

	c := NewChallengeClient(NewClient(srv.Client(), nil))
	w := &exchange.Workflow{Zcaps: map[string]*exchange.Zcap{
		"createChallenge": {ID: "urn:zcap:chal", InvocationTarget: srv.URL},
	}}

	challenge, err := c.CreateChallenge(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, "abc123", challenge)
}

func TestChallengeClientCreateChallengeRejectsEmptyChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewChallengeClient(NewClient(srv.Client(), nil))
	w := &exchange.Workflow{Zcaps: map[string]*exchange.Zcap{
		"createChallenge": {ID: "urn:zcap:chal", InvocationTarget: srv.URL},
	}}

	_, err := c.CreateChallenge(context.Background(), w)
	assert.Error(t, err)
}
