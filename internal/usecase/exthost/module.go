package exthost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"toolhost/internal/domain"
)

// Call is what a capability method sees of the dispatch: the verified
// calling plugin and its private data directory.
type Call struct {
	Plugin  domain.PluginRecord
	Surface string
	Module  string
	Method  string
	DataDir string
	Logger  *slog.Logger
}

// PluginID is shorthand for c.Plugin.ID.
func (c *Call) PluginID() string { return c.Plugin.ID }

// Handler implements one capability method.
type Handler func(ctx context.Context, call *Call, payload json.RawMessage) (any, error)

// Module is a named set of capability methods.
type Module interface {
	Name() string
	Methods() map[string]Handler
}

// Notifier pushes an event to a UI surface.
type Notifier interface {
	NotifySurface(surfaceID, event string, payload any) error
}

// Decode unmarshals payload into v, reporting failures as invalid input.
// An empty payload leaves v untouched.
func Decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return domain.NewDomainError("exthost.decode", domain.ErrInvalidInput, fmt.Sprintf("payload: %v", err))
	}
	return nil
}
