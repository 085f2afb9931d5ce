package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker はDB等の依存先の疎通確認を行う。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// ConnectionCounter は開いているチャット接続数を返す。
type ConnectionCounter interface {
	Count() int
}

// NewHealthHandler はヘルスチェック用のハンドラーを返す。
// checkerがnilの場合は常に200を返す。
// GET /health
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// NewChatConnectionsHandler は開いているチャット接続数を返す管理用ハンドラーを返す。
// GET /api/admin/chat/connections
func NewChatConnectionsHandler(counter ConnectionCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"openConnections": counter.Count()})
	}
}
