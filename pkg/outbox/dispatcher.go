package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mailpilot/pkg/trace"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Publisher 是 Dispatcher 需要的最小发布接口，由 *mq.Publisher 实现
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// TxBeginner 由 *pgxpool.Pool 实现
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Dispatcher 负责从 outbox 中读取事件并发布到 MQ
type Dispatcher struct {
	db         TxBeginner
	publisher  Publisher
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

// NewDispatcher 创建新的 Dispatcher
func NewDispatcher(db TxBeginner, publisher Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:         db,
		publisher:  publisher,
		logger:     logger,
		maxRetries: 5,
		interval:   time.Second,
		batchSize:  100,
	}
}

// WithMaxRetries 设置最大重试次数
func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	d.maxRetries = maxRetries
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

// WithBatchSize 设置批次大小
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	d.batchSize = batchSize
	return d
}

// Start 阻塞运行，直到 ctx 取消
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting Outbox Dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox Dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				d.logger.Error("Outbox dispatch failed", zap.Error(err))
			}
		}
	}
}

// DispatchOnce 在一个事务内锁定并发布一批待发送事件，返回成功发布的数量
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin outbox tx: %w", err)
	}

	repo := NewRepository(tx)
	events, err := repo.GetPendingEvents(ctx, d.batchSize)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, err
	}
	if len(events) == 0 {
		return 0, tx.Rollback(ctx)
	}

	published := 0
	for _, event := range events {
		if err := publishEvent(ctx, d.publisher, event); err != nil {
			d.logger.Warn("Failed to publish outbox event",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(err),
			)
			if err := repo.MarkAsFailed(ctx, event.ID, d.maxRetries); err != nil {
				_ = tx.Rollback(ctx)
				return published, err
			}
			continue
		}
		if err := repo.MarkAsSent(ctx, event.ID); err != nil {
			_ = tx.Rollback(ctx)
			return published, err
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return published, fmt.Errorf("failed to commit outbox tx: %w", err)
	}
	return published, nil
}

func publishEvent(ctx context.Context, publisher Publisher, event *Event) error {
	var payload map[string]any
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if traceID, ok := payload["trace_id"].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}

	if err := publisher.PublishWithContext(ctx, event.RoutingKey, payload); err != nil {
		return fmt.Errorf("failed to publish to MQ: %w", err)
	}
	return nil
}
