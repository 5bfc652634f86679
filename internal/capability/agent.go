package capability

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/trustfabric/exchange-engine/internal/crypto"
	"github.com/trustfabric/exchange-engine/internal/exchange"
)

// Ed25519SigningAgent signs a capability invocation with the process's
// service-agent key (§4.3: "an ephemeral signing agent delegated via the
// process's service agent"), attaching a detached signature header rather
// than a full HTTP-signature scheme — the capability chain itself
// (cap.Proof) is what a remote verifier checks against its trust anchor.
type Ed25519SigningAgent struct {
	signer   *crypto.Ed25519Signer
	keyID    string
}

// NewEd25519SigningAgent constructs a signing agent for the given key pair.
func NewEd25519SigningAgent(keyPair *crypto.Ed25519KeyPair, keyID string) *Ed25519SigningAgent {
	return &Ed25519SigningAgent{signer: crypto.NewEd25519Signer(keyPair), keyID: keyID}
}

// SignInvocation implements capability.SigningAgent.
func (a *Ed25519SigningAgent) SignInvocation(req *http.Request, cap *exchange.Zcap, body []byte) error {
	sig, err := a.signer.Sign(body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Capability-Invocation-Signature", base64.StdEncoding.EncodeToString(sig))
	req.Header.Set("X-Capability-Invoker-Key-Id", a.keyID)

	if cap != nil {
		capJSON, err := json.Marshal(cap)
		if err == nil {
			req.Header.Set("X-Capability", base64.StdEncoding.EncodeToString(capJSON))
		}
	}
	return nil
}
