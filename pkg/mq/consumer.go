package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mailpilot/pkg/metrics"
	"mailpilot/pkg/otel"
	"mailpilot/pkg/trace"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	tag        string
	handler    MessageHandler
	conn       *amqp091.Connection
	logger     *zap.Logger
}

// NewConsumer 为一个 routing key 建立独立的 durable 队列与消费者
// prefetch 限制同时未 ack 的消息数量。
func NewConsumer(url, queueName, routingKey string, prefetch int, logger *zap.Logger) (*Consumer, error) {
	conn, ch, err := openChannel(url, "mailpilot-consumer:"+queueName)
	if err != nil {
		return nil, err
	}

	cleanup := func() {
		ch.Close()
		conn.Close()
	}

	if _, err := DeclareDLQQueue(ch, routingKey); err != nil {
		cleanup()
		return nil, err
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to set qos: %w", err)
		}
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		tag:        "inbox-worker-" + queueName,
		logger:     logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// Stop 停止接收新消息；已投递的消息仍会处理完
func (c *Consumer) Stop() {
	if c.channel != nil {
		_ = c.channel.Cancel(c.tag, false)
	}
}

// IsConnected 用于就绪检查
func (c *Consumer) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed()
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming starts consuming messages. This method blocks and should be called in a goroutine.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.tag,
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	// 保证每条消息都会被 ack 或 nack
	for msg := range deliveries {
		c.handle(ctx, msg)
	}

	return nil
}

func (c *Consumer) handle(parent context.Context, msg amqp091.Delivery) {
	start := time.Now()
	outcome := "ack"
	defer func() {
		metrics.RecordMQConsumeLatency(c.queue.Name, outcome, time.Since(start))
	}()

	ctx := otel.GetTextMapPropagator().Extract(parent, otel.NewMQHeaderCarrier(msg.Headers))
	traceID, _ := msg.Headers[trace.HeaderName].(string)
	ctx = trace.Ensure(ctx, traceID)
	ctx, span := otel.MQConsumeSpan(ctx, c.routingKey, c.queue.Name, msg.Redelivered)
	var handlerErr error
	defer func() { otel.EndMQSpan(span, outcome, handlerErr) }()

	// Panic 恢复：确保即使 handler panic 也能正确处理消息
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			handlerErr = fmt.Errorf("panic: %v", r)
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", c.routingKey),
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			c.deadLetter(ctx, msg, fmt.Sprintf("panic: %v", r))
		}
	}()

	err := c.handler(ctx, msg.Body)
	handlerErr = err
	switch {
	case err == nil:
		if ackErr := msg.Ack(false); ackErr != nil {
			c.logger.Error("Failed to ack message", zap.String("routing_key", c.routingKey), zap.Error(ackErr))
		}
	case IsPermanent(err):
		outcome = "dlq"
		c.logger.Warn("Handler failed permanently, moving to DLQ",
			zap.String("routing_key", c.routingKey),
			zap.Error(err),
		)
		c.deadLetter(ctx, msg, err.Error())
	default:
		outcome = "requeue"
		c.logger.Error("Handler error, requeueing",
			zap.String("routing_key", c.routingKey),
			zap.String("queue", c.queue.Name),
			zap.Error(err),
		)
		if nackErr := msg.Nack(false, true); nackErr != nil {
			c.logger.Error("Failed to nack message", zap.String("routing_key", c.routingKey), zap.Error(nackErr))
		}
	}
}

// deadLetter 写入 DLQ 后 ack；DLQ 写失败时退回 requeue，不丢消息
func (c *Consumer) deadLetter(ctx context.Context, msg amqp091.Delivery, reason string) {
	if err := publishToDLQ(ctx, c.channel, c.routingKey, msg.Body, reason); err != nil {
		c.logger.Error("Failed to publish to DLQ, requeueing", zap.String("routing_key", c.routingKey), zap.Error(err))
		_ = msg.Nack(false, true)
		return
	}
	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack dead-lettered message", zap.String("routing_key", c.routingKey), zap.Error(err))
	}
}
