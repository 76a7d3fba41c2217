package capability

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"toolhost/internal/domain"
	"toolhost/internal/infra/tracer"
	"toolhost/internal/usecase/exthost"
)

const maxTelemetryAttrs = 64

// Telemetry is the telemetry.* capability. Each event becomes a span.
type Telemetry struct{}

// NewTelemetry creates the telemetry module.
func NewTelemetry() *Telemetry { return &Telemetry{} }

func (Telemetry) Name() string { return "telemetry" }

type telemetryParams struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (t Telemetry) Methods() map[string]exthost.Handler {
	return map[string]exthost.Handler{"send": method(t.send)}
}

func (Telemetry) send(ctx context.Context, call *exthost.Call, p telemetryParams) (any, error) {
	if err := requireFields("telemetry.send", "event", p.Event); err != nil {
		return nil, err
	}
	if len(p.Properties) > maxTelemetryAttrs {
		return nil, domain.NewDomainError("telemetry.send", domain.ErrLimitReached,
			fmt.Sprintf("at most %d properties", maxTelemetryAttrs))
	}
	attrs := append([]attribute.KeyValue{
		tracer.PluginAttr(call.PluginID()),
		tracer.StringAttr("telemetry.event", p.Event),
	}, propertyAttrs(p.Properties)...)
	_, span := tracer.StartSpan(ctx, "telemetry.send", trace.WithAttributes(attrs...))
	tracer.End(span, nil)
	return okResult{true}, nil
}

// propertyAttrs maps JSON property values onto typed attributes in key
// order. Nested values are rendered as strings.
func propertyAttrs(props map[string]any) []attribute.KeyValue {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		key := "telemetry.prop." + k
		switch v := props[k].(type) {
		case string:
			out = append(out, attribute.String(key, v))
		case bool:
			out = append(out, attribute.Bool(key, v))
		case float64:
			out = append(out, attribute.Float64(key, v))
		case nil:
		default:
			out = append(out, attribute.String(key, fmt.Sprint(v)))
		}
	}
	return out
}
