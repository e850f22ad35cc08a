package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatsSource 指标来源
type StatsSource interface {
	GetStats() map[string]interface{}
}

// DebugHandler 调试 API 处理器
type DebugHandler struct {
	monitor StatsSource
	breaker func() string
	logger  *zap.Logger
}

// NewDebugHandler 创建调试处理器, breaker 可为 nil
func NewDebugHandler(monitor StatsSource, breaker func() string, logger *zap.Logger) *DebugHandler {
	return &DebugHandler{
		monitor: monitor,
		breaker: breaker,
		logger:  logger,
	}
}

// GetMetrics 获取性能指标
// GET /api/v1/debug/metrics
func (h *DebugHandler) GetMetrics(c *gin.Context) {
	stats := h.monitor.GetStats()
	if h.breaker != nil {
		stats["model_breaker"] = h.breaker()
	}
	c.JSON(http.StatusOK, stats)
}

// GetRuntime 获取运行时信息
// GET /api/v1/debug/runtime
func (h *DebugHandler) GetRuntime(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(http.StatusOK, gin.H{
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
		"num_cpu":    runtime.NumCPU(),
		"memory": gin.H{
			"alloc_mb":       float64(m.Alloc) / 1024 / 1024,
			"total_alloc_mb": float64(m.TotalAlloc) / 1024 / 1024,
			"sys_mb":         float64(m.Sys) / 1024 / 1024,
			"num_gc":         m.NumGC,
		},
		"timestamp": time.Now().Unix(),
	})
}
