package capability

import (
	"context"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// ChallengeClient adapts Client to vcapi.ChallengeCapability, invoking the
// workflow's "createChallenge" zcap (§4.3, §4.7).
type ChallengeClient struct {
	Client *Client
}

// NewChallengeClient constructs a ChallengeClient.
func NewChallengeClient(client *Client) *ChallengeClient {
	return &ChallengeClient{Client: client}
}

// CreateChallenge invokes the workflow's createChallenge capability and
// extracts the resulting "challenge" string.
func (c *ChallengeClient) CreateChallenge(ctx context.Context, workflow *exchange.Workflow) (string, error) {
	cap, ok := workflow.Zcaps["createChallenge"]
	if !ok {
		return "", xerr.New(xerr.NotSupported, "workflow has no createChallenge capability configured")
	}
	result, err := c.Client.Write(ctx, cap, "", exchange.JSON{})
	if err != nil {
		return "", err
	}
	challenge, _ := result["challenge"].(string)
	if challenge == "" {
		return "", xerr.New(xerr.Operation, "createChallenge capability returned no challenge").WithStatus(502)
	}
	return challenge, nil
}
