package emit

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each domain event into an OpenTelemetry span.
//
// The span name is the event type; entity, work item, actor, and metadata
// become span attributes. Events carrying an "error" meta entry set the span
// status to error. Spans are ended immediately: domain events represent
// points in time, not durations.
//
// Usage:
//
//	tracer := otel.Tracer("matterflow")
//	emitter := emit.NewOTelEmitter(tracer)
//	coord := flow.NewCoordinator(st, playbooks, flow.WithEmitter(emitter))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter producing spans through the given
// tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and ends a span describing the event.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), string(event.Type))
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("event.id", event.ID),
		attribute.String("event.title", event.Title),
		attribute.String("event.actor", event.Actor),
	}
	if event.EntityID != "" {
		attrs = append(attrs, attribute.String("entity.id", event.EntityID))
	}
	if event.WorkItemID != "" {
		attrs = append(attrs, attribute.String("work_item.id", event.WorkItemID))
	}
	if event.Category != "" {
		attrs = append(attrs, attribute.String("event.category", event.Category))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, metaAttribute("meta."+k, v))
	}
	span.SetAttributes(attrs...)

	if msg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}
}

// metaAttribute converts an arbitrary metadata value to a span attribute,
// falling back to %v formatting for unsupported types.
func metaAttribute(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	default:
		return attribute.String(key, fmt.Sprintf("%v", val))
	}
}
