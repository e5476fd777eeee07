package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func mqAttrs(destination, routingKey string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", destination),
		attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
	}
}

// MQPublishSpan 发布到 exchange 的 producer span
func MQPublishSpan(ctx context.Context, routingKey string, exchange string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "publish "+routingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(mqAttrs(exchange, routingKey)...),
	)
}

// MQConsumeSpan 一次投递的 consumer span；调用前需先从消息头 Extract 上游 context。
// redelivered 标记 at-least-once 下的重复投递。
func MQConsumeSpan(ctx context.Context, routingKey, queue string, redelivered bool) (context.Context, trace.Span) {
	attrs := append(mqAttrs(queue, routingKey), attribute.Bool("messaging.rabbitmq.redelivered", redelivered))
	return Tracer().Start(ctx, "process "+routingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

// EndMQSpan 记录投递结果（ack / requeue / dlq / panic）
func EndMQSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("messaging.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
}

// MQHeaderCarrier 把 AMQP 消息头适配为 TextMapCarrier
type MQHeaderCarrier map[string]any

func NewMQHeaderCarrier(headers map[string]any) MQHeaderCarrier {
	if headers == nil {
		headers = make(map[string]any)
	}
	return MQHeaderCarrier(headers)
}

func (c MQHeaderCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

func (c MQHeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c MQHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
