package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 单封邮件处理结果计数
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_messages_processed_total",
			Help: "Total number of inbox messages run through the pipeline",
		},
		[]string{"status", "action"}, // status: success, failed, skipped
	)

	// 批次大小
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inbox_batch_size",
			Help:    "Number of messages fetched per batch page",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)

	// 推理服务调用延迟（毫秒）
	InferenceCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inference_call_latency_ms",
			Help:    "Inference service call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 11), // 50ms to ~50s
		},
		[]string{"endpoint", "status"},
	)

	// 邮箱操作延迟（毫秒）
	MailboxOpLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailbox_op_latency_ms",
			Help:    "Mail store operation latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"op", "status"},
	)

	// 持久化事务延迟（秒）
	PersistDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbox_persist_duration_seconds",
			Help:    "Persistence transaction duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"status"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Total number of queries slower than the configured threshold",
		},
		[]string{"operation"},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		},
		[]string{"queue", "outcome"},
	)
)

// IncrementMessageProcessed 记录单封邮件处理结果
func IncrementMessageProcessed(status, action string) {
	if action == "" {
		action = "none"
	}
	MessagesProcessed.WithLabelValues(status, action).Inc()
}

// ObserveBatchSize 记录批次大小
func ObserveBatchSize(n int) {
	BatchSize.Observe(float64(n))
}

// RecordInferenceCallLatency 记录推理服务调用延迟
func RecordInferenceCallLatency(endpoint, status string, duration time.Duration) {
	InferenceCallLatency.WithLabelValues(endpoint, status).Observe(float64(duration.Milliseconds()))
}

// RecordMailboxOp 记录邮箱操作延迟
func RecordMailboxOp(op, status string, duration time.Duration) {
	MailboxOpLatency.WithLabelValues(op, status).Observe(float64(duration.Milliseconds()))
}

// RecordPersist 记录持久化事务耗时
func RecordPersist(status string, duration time.Duration) {
	PersistDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(queue, outcome string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(queue, outcome).Observe(float64(duration.Milliseconds()))
}

// IncrementSlowQuery 慢查询计数，按 SQL 首个关键字归类避免标签爆炸
func IncrementSlowQuery(sql string, _ time.Duration) {
	op := "unknown"
	if fields := strings.Fields(sql); len(fields) > 0 {
		op = strings.ToLower(fields[0])
	}
	SlowQueryCount.WithLabelValues(op).Inc()
}
