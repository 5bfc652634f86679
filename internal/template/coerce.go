package template

import (
	"encoding/json"
	"fmt"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// coerceStep narrows an arbitrary JSONata result (§9 "keep an opaque JSON
// value type and only narrow at boundaries") into a concrete *Step by a
// JSON round-trip through exchange.Step's tags.
func coerceStep(v interface{}) (*exchange.Step, error) {
	m, ok := v.(map[string]interface{})
	if !ok || m == nil {
		return nil, xerr.New(xerr.DataError, "stepTemplate must evaluate to a non-empty object")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, xerr.Wrap(xerr.DataError, "stepTemplate result not serializable", err)
	}
	var step exchange.Step
	if err := json.Unmarshal(data, &step); err != nil {
		return nil, xerr.Wrap(xerr.DataError, fmt.Sprintf("stepTemplate result does not match a step shape: %v", err), err)
	}
	return &step, nil
}
