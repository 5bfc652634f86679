package workflow

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// defaultTTL and maxExpiresHorizon implement §6's exchange-creation rules.
const (
	defaultTTL        = 15 * time.Minute
	maxExpiresHorizon = 48 * time.Hour
)

var validate = validator.New()

// CreateExchangeRequest is the body of POST <workflowBase>/exchanges (§6).
type CreateExchangeRequest struct {
	TTL       *int64                `json:"ttl,omitempty" validate:"omitempty,gt=0"`
	Expires   *time.Time            `json:"expires,omitempty"`
	Variables exchange.JSON         `json:"variables,omitempty"`
	Step      string                `json:"step,omitempty" validate:"omitempty,max=256"`
	OpenID    *exchange.OpenIDState `json:"openId,omitempty"`
}

// ResolveExpires validates the ttl/expires mutual exclusion and computes
// the effective expiry time (§6).
func ResolveExpires(req *CreateExchangeRequest, now time.Time) (time.Time, error) {
	if req.TTL != nil && req.Expires != nil {
		return time.Time{}, xerr.New(xerr.DataError, "ttl and expires are mutually exclusive")
	}

	if req.Expires != nil {
		if req.Expires.After(now.Add(maxExpiresHorizon)) {
			return time.Time{}, xerr.New(xerr.DataError, "expires must be no more than 48h in the future")
		}
		return *req.Expires, nil
	}

	ttl := defaultTTL
	if req.TTL != nil {
		ttl = time.Duration(*req.TTL) * time.Second
	}
	expires := now.Add(ttl)
	if expires.After(now.Add(maxExpiresHorizon)) {
		return time.Time{}, xerr.New(xerr.DataError, "expires must be no more than 48h in the future")
	}
	return expires, nil
}

// ValidateCreateExchange enforces the remaining §6 exchange-creation rules
// that need workflow context (step membership).
func ValidateCreateExchange(w *exchange.Workflow, req *CreateExchangeRequest) error {
	if err := validate.Struct(req); err != nil {
		return xerr.New(xerr.DataError, fmt.Sprintf("invalid exchange creation request: %v", err))
	}
	if req.Step != "" {
		if w.Steps == nil || w.Steps[req.Step] == nil {
			return xerr.Newf(xerr.DataError, "step %q is not defined on this workflow", req.Step)
		}
	}
	return nil
}
