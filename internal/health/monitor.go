// Package health はプロセスの死活とデータベースのレディネスを判定する。
package health

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hitoshi/prefsync/internal/metrics"
)

// Pinger はデータベース疎通確認に使うインターフェース。*sql.DBが満たす。
type Pinger interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Monitor はヘルスとレディネスを判定する。
type Monitor struct {
	pinger  Pinger
	timeout time.Duration
	metrics metrics.MetricsCollector
	started atomic.Bool
}

// NewMonitor はMonitorを生成する。
func NewMonitor(pinger Pinger, timeout time.Duration, mc metrics.MetricsCollector) *Monitor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Monitor{pinger: pinger, timeout: timeout, metrics: mc}
}

// MarkStarted はリスナーの確保後に呼ぶ。
func (m *Monitor) MarkStarted() {
	m.started.Store(true)
}

// Healthy はプロセスがリクエストを受け付けているかを返す。DBの状態には依存しない。
func (m *Monitor) Healthy() bool {
	return m.started.Load()
}

// Ready はDBに到達できるかを呼び出しごとに確認する。結果はキャッシュしない。
// 失敗はfalseとして扱い、エラーは返さない。
func (m *Monitor) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	ready := true
	if _, err := m.pinger.ExecContext(ctx, "SELECT 1"); err != nil {
		slog.Warn("database readiness check failed", slog.String("error", err.Error()))
		ready = false
	}
	m.metrics.SetReady(ready)
	return ready
}
