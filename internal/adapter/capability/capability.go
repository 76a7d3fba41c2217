// Package capability implements the modules the extension host dispatches
// to: window, fs, storage, shell, python, backend and telemetry.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"toolhost/internal/domain"
	"toolhost/internal/usecase/exthost"
)

// method adapts a typed handler to exthost.Handler, decoding the payload
// into P first.
func method[P any](fn func(ctx context.Context, call *exthost.Call, p P) (any, error)) exthost.Handler {
	return func(ctx context.Context, call *exthost.Call, payload json.RawMessage) (any, error) {
		var p P
		if err := exthost.Decode(payload, &p); err != nil {
			return nil, err
		}
		return fn(ctx, call, p)
	}
}

// requireFields checks name/value pairs and reports every empty one.
func requireFields(op string, pairs ...string) error {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, pairs[i])
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("missing required field(s): %s", strings.Join(missing, ", ")))
}

// ActionAuditor records privileged actions.
type ActionAuditor interface {
	LogAction(ctx context.Context, typ domain.AuditEventType, pluginID, action string, err error) error
}

type okResult struct {
	OK bool `json:"ok"`
}
