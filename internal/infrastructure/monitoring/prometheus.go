package monitoring

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// PrometheusHandler serves the counters in Prometheus text exposition format.
// Mount it at "/metrics".
func (m *Monitor) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		lines := []struct {
			name string
			help string
			typ  string
			val  interface{}
		}{
			{"convogate_http_requests_total", "HTTP requests served", "counter", atomic.LoadUint64(&m.metrics.RequestsTotal)},
			{"convogate_http_requests_failed_total", "HTTP requests answered with status >= 500", "counter", atomic.LoadUint64(&m.metrics.RequestsFailed)},

			{"convogate_conversations_created_total", "Conversations created", "counter", atomic.LoadUint64(&m.metrics.ConversationsCreated)},
			{"convogate_messages_appended_total", "Messages appended to a context", "counter", atomic.LoadUint64(&m.metrics.MessagesAppended)},
			{"convogate_messages_persisted_total", "Messages written to the store", "counter", atomic.LoadUint64(&m.metrics.MessagesPersisted)},
			{"convogate_summarizations_total", "Successful summarizations", "counter", atomic.LoadUint64(&m.metrics.Summarizations)},
			{"convogate_summarize_failures_total", "Summarizer failures", "counter", atomic.LoadUint64(&m.metrics.SummarizeFailures)},
			{"convogate_condense_fallbacks_total", "Condensations that fell back to tail truncation", "counter", atomic.LoadUint64(&m.metrics.CondenseFallbacks)},

			{"convogate_reply_calls_total", "Downstream model reply calls", "counter", atomic.LoadUint64(&m.metrics.ReplyCalls)},
			{"convogate_reply_failures_total", "Downstream model reply failures", "counter", atomic.LoadUint64(&m.metrics.ReplyFailures)},

			{"convogate_uptime_seconds", "Process uptime in seconds", "gauge", time.Since(m.metrics.StartTime).Seconds()},
			{"convogate_memory_alloc_bytes", "Current heap allocation in bytes", "gauge", memStats.Alloc},
			{"convogate_goroutines", "Number of goroutines", "gauge", runtime.NumGoroutine()},
		}

		for _, l := range lines {
			fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.typ)
			switch v := l.val.(type) {
			case uint64:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case int:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case float64:
				fmt.Fprintf(w, "%s %f\n", l.name, v)
			}
			fmt.Fprintln(w)
		}

		if count := atomic.LoadUint64(&m.metrics.RequestLatencyCount); count > 0 {
			avgMs := float64(atomic.LoadUint64(&m.metrics.RequestLatencySum)) / float64(count) / 1e6
			fmt.Fprintf(w, "# HELP convogate_http_request_latency_avg_ms Average request latency in milliseconds\n")
			fmt.Fprintf(w, "# TYPE convogate_http_request_latency_avg_ms gauge\n")
			fmt.Fprintf(w, "convogate_http_request_latency_avg_ms %f\n\n", avgMs)
		}
	})
}
