// Package app はアプリケーションの初期化、依存関係のワイヤリング、起動を行う。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/gamestore/internal/auth"
	"github.com/hitoshi/gamestore/internal/chat"
	"github.com/hitoshi/gamestore/internal/config"
	"github.com/hitoshi/gamestore/internal/database"
	"github.com/hitoshi/gamestore/internal/handler"
	"github.com/hitoshi/gamestore/internal/logger"
	"github.com/hitoshi/gamestore/internal/message"
	"github.com/hitoshi/gamestore/internal/metrics"
	"github.com/hitoshi/gamestore/internal/middleware"
	"github.com/hitoshi/gamestore/internal/repository"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップ
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.Bool("google_login", cfg.GoogleEnabled()),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// server はワイヤリング済みのHTTPハンドラーと、停止処理が必要なコンポーネントを保持する。
type server struct {
	handler     http.Handler
	chatRouter  *chat.Router
	rateLimiter *middleware.RateLimiter
}

// newServer はDB接続と設定から全依存関係をワイヤリングする。
func newServer(cfg *config.Config, db *sql.DB) *server {
	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	productRepo := repository.NewPostgresProductRepo(db)
	messageRepo := repository.NewPostgresMessageRepo(db)

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. 認証
	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer)

	var oauthProvider auth.OAuthProvider
	if cfg.GoogleEnabled() {
		oauthProvider = auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
	}
	authService := auth.NewService(oauthProvider, tokens, userRepo, identRepo, auth.ServiceConfig{
		TokenTTL:      cfg.JWTTTL,
		AdminTokenTTL: cfg.AdminJWTTTL,
	})

	// 4. チャット
	chatRouter := chat.NewRouter(chat.RouterDeps{
		Authenticator: tokens,
		Users:         userRepo,
		Products:      productRepo,
		Messages:      messageRepo,
		Registry:      chat.NewRegistry(),
		Metrics:       collector,
	}, chat.Config{
		PongWait:        cfg.ChatPongWait,
		WriteWait:       cfg.ChatWriteWait,
		SendBuffer:      cfg.ChatSendBuffer,
		MaxMessageBytes: cfg.ChatMaxMessageBytes,
		MessageRate:     cfg.ChatMessageRate,
		AllowedOrigins:  []string{cfg.CORSAllowedOrigin},
	})

	// 5. メッセージ履歴
	messageService := message.NewService(messageRepo, userRepo, productRepo)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitLogin),
	)

	router := handler.NewRouter(&handler.RouterDeps{
		Authenticator:     tokens,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		SecurityHeaders:   middleware.SecurityHeadersConfig{HSTS: isHTTPS(cfg.BaseURL)},
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(registry),
		HealthChecker:     db,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:      cfg.BaseURL,
			CookieSecure: isHTTPS(cfg.BaseURL),
		},

		MessageService: messageService,

		ChatHandler:     chatRouter,
		ChatConnections: chatRouter.Registry(),
	})

	return &server{
		handler:     router,
		chatRouter:  chatRouter,
		rateLimiter: rateLimiter,
	}
}

// shutdown はチャット接続を閉じ、バックグラウンド処理を停止する。
func (s *server) shutdown(ctx context.Context) error {
	defer s.rateLimiter.Stop()
	if err := s.chatRouter.Shutdown(ctx); err != nil {
		return fmt.Errorf("chat shutdown failed: %w", err)
	}
	return nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. ワイヤリング
	srv := newServer(cfg, db)

	// 3. HTTPサーバーの起動
	// WebSocket接続はハイジャック後にサーバーのタイムアウト対象外となる
	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		srv.rateLimiter.Stop()
		return fmt.Errorf("server listen error: %w", err)
	}

	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 新規リクエストの受付を止めてから、開いているチャット接続を閉じる
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := srv.shutdown(ctx); err != nil {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}

// isHTTPS はURLのスキームがhttpsかどうかを返す。
func isHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https"
}
