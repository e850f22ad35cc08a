package monitoring

import (
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Metrics 指标计数
type Metrics struct {
	// HTTP 请求
	RequestsTotal       uint64
	RequestsFailed      uint64
	RequestLatencySum   uint64 // 纳秒
	RequestLatencyCount uint64

	// 会话引擎
	ConversationsCreated uint64
	MessagesAppended     uint64
	MessagesPersisted    uint64
	Summarizations       uint64
	SummarizeFailures    uint64
	CondenseFallbacks    uint64

	// 下游模型
	ReplyCalls    uint64
	ReplyFailures uint64

	StartTime time.Time
}

// Monitor 进程内指标收集器
type Monitor struct {
	metrics *Metrics
	logger  *zap.Logger
}

// NewMonitor 创建监控器
func NewMonitor(logger *zap.Logger) *Monitor {
	return &Monitor{
		metrics: &Metrics{StartTime: time.Now()},
		logger:  logger.With(zap.String("component", "monitor")),
	}
}

// 计数方法
func (m *Monitor) IncConversationCreated() { atomic.AddUint64(&m.metrics.ConversationsCreated, 1) }
func (m *Monitor) IncSummarization()       { atomic.AddUint64(&m.metrics.Summarizations, 1) }
func (m *Monitor) IncSummarizeFailure()    { atomic.AddUint64(&m.metrics.SummarizeFailures, 1) }
func (m *Monitor) IncCondenseFallback()    { atomic.AddUint64(&m.metrics.CondenseFallbacks, 1) }

// IncMessageAppended 记录一次追加, persisted 表示是否写入存储
func (m *Monitor) IncMessageAppended(persisted bool) {
	atomic.AddUint64(&m.metrics.MessagesAppended, 1)
	if persisted {
		atomic.AddUint64(&m.metrics.MessagesPersisted, 1)
	}
}

// RecordReply 记录一次下游模型回复
func (m *Monitor) RecordReply(err error) {
	atomic.AddUint64(&m.metrics.ReplyCalls, 1)
	if err != nil {
		atomic.AddUint64(&m.metrics.ReplyFailures, 1)
	}
}

// RecordRequest 记录一次 HTTP 请求
func (m *Monitor) RecordRequest(d time.Duration, failed bool) {
	atomic.AddUint64(&m.metrics.RequestsTotal, 1)
	if failed {
		atomic.AddUint64(&m.metrics.RequestsFailed, 1)
	}
	atomic.AddUint64(&m.metrics.RequestLatencySum, uint64(d.Nanoseconds()))
	atomic.AddUint64(&m.metrics.RequestLatencyCount, 1)
}

// GetStats 获取当前统计
func (m *Monitor) GetStats() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	avgLatency := float64(0)
	if count := atomic.LoadUint64(&m.metrics.RequestLatencyCount); count > 0 {
		avgLatency = float64(atomic.LoadUint64(&m.metrics.RequestLatencySum)) / float64(count) / 1e6 // ms
	}

	return map[string]interface{}{
		"uptime_seconds":        time.Since(m.metrics.StartTime).Seconds(),
		"requests_total":        atomic.LoadUint64(&m.metrics.RequestsTotal),
		"requests_failed":       atomic.LoadUint64(&m.metrics.RequestsFailed),
		"avg_latency_ms":        avgLatency,
		"conversations_created": atomic.LoadUint64(&m.metrics.ConversationsCreated),
		"messages_appended":     atomic.LoadUint64(&m.metrics.MessagesAppended),
		"messages_persisted":    atomic.LoadUint64(&m.metrics.MessagesPersisted),
		"summarizations":        atomic.LoadUint64(&m.metrics.Summarizations),
		"summarize_failures":    atomic.LoadUint64(&m.metrics.SummarizeFailures),
		"condense_fallbacks":    atomic.LoadUint64(&m.metrics.CondenseFallbacks),
		"reply_calls":           atomic.LoadUint64(&m.metrics.ReplyCalls),
		"reply_failures":        atomic.LoadUint64(&m.metrics.ReplyFailures),
		"memory_mb":             float64(memStats.Alloc) / 1024 / 1024,
		"goroutines":            runtime.NumGoroutine(),
	}
}
