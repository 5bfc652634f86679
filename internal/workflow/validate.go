// Package workflow validates workflow CRUD payloads against the
// invariants of §6, independent of the HTTP layer so they are unit
// testable on their own (a SPEC_FULL.md supplement, §12).
package workflow

import (
	"net/url"
	"strings"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

const (
	maxIssuerInstances      = 10
	maxOID4VPClientProfiles = 10
)

// Validate enforces §6's Workflow CRUD invariants. baseURI/routePrefix
// are supplied by the caller (the outer HTTP framework) to check a
// client-provided id.
func Validate(w *exchange.Workflow, baseURI, routePrefix string) error {
	if w == nil {
		return xerr.New(xerr.DataError, "workflow is required")
	}

	if len(w.CredentialTemplates) > 0 {
		if !credentialIssuanceConfigured(w) {
			return xerr.New(xerr.DataError, "credentialTemplates requires zcaps.issue or zcapReferenceIds.issue on every issuer instance")
		}
	}

	if len(w.Steps) > 0 && w.InitialStep == "" {
		return xerr.New(xerr.DataError, "initialStep is required when steps is set")
	}

	if w.ID != "" {
		if err := validateID(w.ID, baseURI, routePrefix); err != nil {
			return err
		}
	}

	if len(w.IssuerInstances) > maxIssuerInstances {
		return xerr.Newf(xerr.DataError, "at most %d issuer instances are allowed", maxIssuerInstances)
	}
	if len(w.OID4VPClientProfiles) > maxOID4VPClientProfiles {
		return xerr.Newf(xerr.DataError, "at most %d OID4VP client profiles are allowed", maxOID4VPClientProfiles)
	}

	return nil
}

func credentialIssuanceConfigured(w *exchange.Workflow) bool {
	if w.Zcaps != nil {
		if _, ok := w.Zcaps["issue"]; ok {
			return true
		}
	}
	if len(w.IssuerInstances) == 0 {
		return false
	}
	for _, inst := range w.IssuerInstances {
		ref := inst.ZcapReferenceIds.Issue
		if ref == "" {
			return false
		}
		if w.Zcaps == nil {
			return false
		}
		if _, ok := w.Zcaps[ref]; !ok {
			return false
		}
	}
	return true
}

func validateID(id, baseURI, routePrefix string) error {
	expectedPrefix := strings.TrimRight(baseURI, "/") + routePrefix + "/"
	if !strings.HasPrefix(id, expectedPrefix) {
		return xerr.Newf(xerr.DataError, "workflow id must match <baseUri><routePrefix>/<localId>, got %q", id)
	}
	localID := strings.TrimPrefix(id, expectedPrefix)
	if localID == "" || strings.Contains(localID, "/") {
		return xerr.Newf(xerr.DataError, "invalid workflow local id in %q", id)
	}
	if !exchange.IsValidLocalID(localID) {
		return xerr.Newf(xerr.DataError, "workflow local id %q is not a valid base58-multibase-multihash encoded 128-bit value", localID)
	}
	if _, err := url.Parse(id); err != nil {
		return xerr.Newf(xerr.DataError, "workflow id is not a valid URL: %v", err)
	}
	return nil
}
