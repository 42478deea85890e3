package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/prefsync/internal/middleware"
	"github.com/hitoshi/prefsync/internal/model"
)

// ReadinessChecker はヘルスチェックハンドラーが必要とするインターフェース。
// health.Monitorが満たす。
type ReadinessChecker interface {
	Healthy() bool
	Ready(ctx context.Context) bool
}

// HealthHandler はliveness/readinessのHTTPハンドラー。
type HealthHandler struct {
	checker ReadinessChecker
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(checker ReadinessChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Health はプロセスがリクエストを受け付けているかを返す。DBには依存しない。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.checker.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"isHealthy": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isHealthy": true})
}

// Ready はDBに到達できるかを毎回確認して返す。
// GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.checker.Ready(r.Context()) {
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.MsgDatabaseNotReady)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isReady": true})
}
