// Package capability implements the Remote Capability Client (C3):
// invoking delegated authorizations (zcaps) against remote issuer,
// verifier, challenge, and status services, grounded on the teacher's
// internal/crypto.Signer interface for the process's ephemeral signing
// agent and wrapped in a sony/gobreaker circuit breaker (sourced from
// jordigilh-kubernaut) so a flaky downstream doesn't get hammered.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/metrics"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// SigningAgent produces a signed HTTP capability invocation for a request,
// mirroring the "ephemeral signing agent delegated via the process's
// service agent" in §4.3. Concrete signing lives in internal/crypto.
type SigningAgent interface {
	SignInvocation(req *http.Request, cap *exchange.Zcap, body []byte) error
}

// Client implements the capability-invocation contract used by C4 and C5.
type Client struct {
	httpClient *http.Client
	agent      SigningAgent

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient constructs a Client. A nil httpClient is replaced by an
// http.Client with a 30-second timeout.
func NewClient(httpClient *http.Client, agent SigningAgent) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{httpClient: httpClient, agent: agent, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (c *Client) breakerFor(target string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[target]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	c.breakers[target] = b
	return b
}

// ResolveIssueURL applies the §4.3 "/credentials/issue" path heuristic.
func ResolveIssueURL(invocationTarget string) string {
	switch {
	case strings.HasSuffix(invocationTarget, "/credentials"):
		return invocationTarget + "/issue"
	case strings.HasSuffix(invocationTarget, "/credentials/issue"):
		return invocationTarget
	default:
		return invocationTarget + "/credentials/issue"
	}
}

// RemoteError carries a remote capability target's HTTP status and body (§4.3).
type RemoteError struct {
	Status int
	Body   []byte
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote capability invocation failed: status=%d body=%s", e.Status, string(e.Body))
}

// Write posts json to url (or cap.InvocationTarget if url is empty),
// attaching a signed capability invocation (§4.3).
func (c *Client) Write(ctx context.Context, cap *exchange.Zcap, url string, payload interface{}) (exchange.JSON, error) {
	if cap == nil {
		return nil, xerr.New(xerr.DataError, "no capability available for this invocation")
	}
	target := url
	if target == "" {
		target = cap.InvocationTarget
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, xerr.Wrap(xerr.DataError, "marshal capability invocation body", err)
	}

	start := time.Now()
	result, err := c.breakerFor(target).Execute(func() (interface{}, error) {
		return c.doWrite(ctx, cap, target, body)
	})
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.CapabilityInvocationDuration.WithLabelValues(capabilityName(cap), outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		if _, ok := err.(*RemoteError); ok {
			return nil, xerr.Wrap(xerr.Operation, "remote capability invocation failed", err).WithStatus(502)
		}
		return nil, xerr.Wrap(xerr.Operation, "remote capability invocation failed", err).WithStatus(502)
	}
	return result.(exchange.JSON), nil
}

func capabilityName(cap *exchange.Zcap) string {
	if cap == nil || cap.ID == "" {
		return "unknown"
	}
	return cap.ID
}

func (c *Client) doWrite(ctx context.Context, cap *exchange.Zcap, target string, body []byte) (exchange.JSON, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("capability: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.agent != nil {
		if err := c.agent.SignInvocation(req, cap, body); err != nil {
			return nil, fmt.Errorf("capability: sign invocation: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capability: http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("capability: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteError{Status: resp.StatusCode, Body: respBody}
	}

	if len(respBody) == 0 {
		return exchange.JSON{}, nil
	}
	var out exchange.JSON
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("capability: decode response: %w", err)
	}
	return out, nil
}
