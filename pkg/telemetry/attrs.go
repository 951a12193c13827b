package telemetry

import (
	"fmt"
	"maps"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

type SpanAttributes struct {
	RunID  optional[string] // dpifuzz.run.id
	Target optional[string] // dpifuzz.target.addr
	Iface  optional[string] // dpifuzz.target.iface
	Binary optional[string] // dpifuzz.target.binary
	Seed   optional[int64]  // dpifuzz.mutator.seed

	extraAttributes map[string]any
}

// returns an empty SpanAttributes instance that can be populated later.
func EmptySpanAttributes() *SpanAttributes {
	return &SpanAttributes{
		extraAttributes: make(map[string]any),
	}
}

// Merge updates the current SpanAttributes with values from another SpanAttributes.
// Values are only updated if they are set in the other SpanAttributes and not set in the current one.
func (o *SpanAttributes) Merge(other *SpanAttributes) {
	if other == nil {
		return
	}

	mergeOptional(&o.RunID, &other.RunID)
	mergeOptional(&o.Target, &other.Target)
	mergeOptional(&o.Iface, &other.Iface)
	mergeOptional(&o.Binary, &other.Binary)
	mergeOptional(&o.Seed, &other.Seed)

	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	for k, v := range other.extraAttributes {
		if _, exists := o.extraAttributes[k]; !exists {
			o.extraAttributes[k] = v
		}
	}
}

func (o *SpanAttributes) WithRunID(val string) *SpanAttributes {
	o.RunID.Set(val)
	return o
}

func (o *SpanAttributes) WithTarget(addr, iface, binary string) *SpanAttributes {
	o.Target.Set(addr)
	o.Iface.Set(iface)
	o.Binary.Set(binary)
	return o
}

func (o *SpanAttributes) WithSeed(val int64) *SpanAttributes {
	o.Seed.Set(val)
	return o
}

func (o *SpanAttributes) WithExtraAttribute(key string, val any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	o.extraAttributes[key] = val
	return o
}

func (o *SpanAttributes) WithExtraAttributes(attrs map[string]any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	maps.Copy(o.extraAttributes, attrs)
	return o
}

func (o SpanAttributes) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if o.RunID.set {
		attrs = append(attrs, attribute.String("dpifuzz.run.id", o.RunID.val))
	}
	if o.Target.set {
		attrs = append(attrs, attribute.String("dpifuzz.target.addr", o.Target.val))
	}
	if o.Iface.set {
		attrs = append(attrs, attribute.String("dpifuzz.target.iface", o.Iface.val))
	}
	if o.Binary.set {
		attrs = append(attrs, attribute.String("dpifuzz.target.binary", o.Binary.val))
	}
	if o.Seed.set {
		attrs = append(attrs, attribute.Int64("dpifuzz.mutator.seed", o.Seed.val))
	}

	for k, v := range o.extraAttributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	return attrs
}

type EventAttributes []attribute.KeyValue

func NewEventAttributes(attributes map[string]string) EventAttributes {
	attrs := make(EventAttributes, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// CrashEventAttributes describes one captured crash on the run span.
func CrashEventAttributes(index int, packet string) EventAttributes {
	return EventAttributes{
		attribute.String("dpifuzz.report.index", strconv.Itoa(index)),
		attribute.String("dpifuzz.packet", packet),
	}
}

type optional[T any] struct {
	val T
	set bool
}

func (o *optional[T]) Set(val T) { o.val = val; o.set = true }

func mergeOptional[T any](target, source *optional[T]) {
	if !target.set && source.set {
		target.val = source.val
		target.set = true
	}
}
