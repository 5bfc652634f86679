package exchange

import (
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// ValidateStaticStep enforces the step-shape invariants of §3 on a step
// that has already been resolved (i.e. is not, or is no longer, a
// stepTemplate). It never mutates the exchange (§8 property 6).
func ValidateStaticStep(currentStepName string, step *Step) error {
	if step == nil {
		return xerr.New(xerr.DataError, "step resolved to nothing")
	}
	if step.IsEmpty() {
		return xerr.New(xerr.DataError, "step evaluated to an empty object")
	}
	if step.NextStep != "" && step.NextStep == currentStepName {
		return xerr.Newf(xerr.DataError, "step %q cannot name itself as nextStep", currentStepName)
	}
	if step.NextStep != "" && step.RedirectURL != "" {
		return xerr.New(xerr.DataError, "nextStep and redirectUrl are mutually exclusive")
	}
	return nil
}

// ValidateStepTemplateOnly enforces that a step carrying stepTemplate
// carries no other recognized field (§3). Structs containing maps/slices
// aren't comparable, so each field is checked explicitly rather than via
// a whole-struct equality test.
func ValidateStepTemplateOnly(step *Step) error {
	if step == nil || step.StepTemplate == nil {
		return nil
	}
	other := *step
	other.StepTemplate = nil
	if !other.IsEmpty() {
		return xerr.New(xerr.DataError, "a step carrying stepTemplate may not carry other fields")
	}
	return nil
}
