package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/gamestore/internal/middleware"
	"github.com/hitoshi/gamestore/internal/model"
)

// MetricsRecorder はHTTPレイヤーが記録するメトリクス。
type MetricsRecorder interface {
	LoginRecorder
	middleware.StatusRecorder
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator     middleware.Authenticator
	CORSAllowedOrigin string
	SecurityHeaders   middleware.SecurityHeadersConfig
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger    // nilの場合はアクセスログを出力しない
	Metrics           MetricsRecorder // nilの場合はメトリクスを記録しない
	MetricsHandler    http.Handler    // nilの場合は/metricsを公開しない
	HealthChecker     HealthChecker

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// メッセージ履歴
	MessageService MessageServiceInterface

	// チャット
	ChatHandler     http.Handler
	ChatConnections ConnectionCounter
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Metrics → SecurityHeaders → CORS → (Auth → RateLimit(General))
//
// /ws はクエリパラメータのトークンで自前に認証するため、Authミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}
	var logins LoginRecorder
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
		logins = deps.Metrics
	}
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.SecurityHeaders))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig, logins)
	messageHandler := NewMessageHandler(deps.MessageService)
	requireAuth := middleware.NewAuthMiddleware(deps.Authenticator)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		// ログイン系はクライアントIP単位のレート制限
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.LoginMiddleware())
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Get("/google/login", authHandler.GoogleLogin)
			r.Get("/google/callback", authHandler.GoogleCallback)
		})
		r.Post("/logout", authHandler.Logout)
		r.With(requireAuth, deps.RateLimiter.GeneralMiddleware()).Get("/me", authHandler.Me)
	})

	r.Method(http.MethodGet, "/ws", deps.ChatHandler)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/messages", func(r chi.Router) {
			r.Get("/active", messageHandler.Active)
			r.Get("/{productId}/{counterpartyId}", messageHandler.History)
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleAdmin))
			r.Get("/chat/connections", NewChatConnectionsHandler(deps.ChatConnections))
		})
	})

	return r
}
