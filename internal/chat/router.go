package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/hitoshi/gamestore/internal/auth"
	"github.com/hitoshi/gamestore/internal/metrics"
	"github.com/hitoshi/gamestore/internal/middleware"
	"github.com/hitoshi/gamestore/internal/model"
	"github.com/hitoshi/gamestore/internal/repository"
)

// 破棄理由（メトリクスのラベルとログに使う）。
const (
	dropRateLimited      = "rate_limited"
	dropMalformed        = "malformed"
	dropUnknownType      = "unknown_type"
	dropTooLarge         = "too_large"
	dropSelfMessage      = "self_message"
	dropUnknownRecipient = "unknown_recipient"
	dropPersistFailed    = "persist_failed"
)

// ErrorNoticeのコード。
const (
	noticeRateLimited = "RATE_LIMITED"
)

// Config はチャット接続の設定。
type Config struct {
	PongWait        time.Duration // この時間pongが届かなければ切断する
	WriteWait       time.Duration // 1回の書き込みの期限
	SendBuffer      int           // 接続ごとの送信キュー長
	MaxMessageBytes int64         // 本文の上限
	MessageRate     float64       // 接続ごとの受信メッセージ数/秒
	PersistTimeout  time.Duration
	AllowedOrigins  []string // 空の場合はgorillaの同一オリジン検査に従う
}

// DefaultConfig はデフォルトのConfigを返す。
func DefaultConfig() Config {
	return Config{
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		SendBuffer:      32,
		MaxMessageBytes: 4096,
		MessageRate:     5,
		PersistTimeout:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.MessageRate <= 0 {
		c.MessageRate = d.MessageRate
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	return c
}

// pingPeriod はpongの待ち時間より短くなければならない。
func (c Config) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// frameLimit は解釈する1フレームの上限。本文がJSONエスケープで膨らむ分を見込む。
// これを超えるフレームは読み捨ててtoo_largeとして扱い、接続は維持する。
func (c Config) frameLimit() int64 {
	return c.MaxMessageBytes*6 + 1024
}

// socketReadLimit はソケットの読み込み上限。超えた場合gorillaは1009で接続を閉じる。
// 読み捨てる帯域を抑えるための上限で、frameLimitより十分大きくする。
func (c Config) socketReadLimit() int64 {
	limit := c.frameLimit() * 16
	if limit < minSocketReadLimit {
		limit = minSocketReadLimit
	}
	return limit
}

const minSocketReadLimit = 1 << 20

// noopMetrics は計測しないMetricsCollector。
type noopMetrics struct{}

func (noopMetrics) RecordMessagePersisted(time.Duration) {}
func (noopMetrics) RecordRelay(string)                   {}
func (noopMetrics) RecordEventDropped(string)            {}
func (noopMetrics) RecordHandshakeRejected(string)       {}
func (noopMetrics) ConnectionOpened()                    {}
func (noopMetrics) ConnectionClosed()                    {}
func (noopMetrics) RecordLogin(string)                   {}
func (noopMetrics) RecordHTTPStatus(int)                 {}

var _ metrics.MetricsCollector = noopMetrics{}

// RouterDeps はRouterの依存関係。
type RouterDeps struct {
	Authenticator auth.Authenticator
	Users         repository.UserRepository
	Products      repository.ProductRepository
	Messages      repository.MessageRepository
	Registry      *Registry
	Metrics       metrics.MetricsCollector // nilの場合は計測しない
}

// Router はチャットのハンドシェイクを受け付け、受信メッセージを保存して受信者へ中継する。
type Router struct {
	auth     auth.Authenticator
	users    repository.UserRepository
	products repository.ProductRepository
	messages repository.MessageRepository
	registry *Registry
	metrics  metrics.MetricsCollector
	config   Config
	upgrader websocket.Upgrader
	now      func() time.Time

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// NewRouter はRouterを生成する。
func NewRouter(deps RouterDeps, config Config) *Router {
	config = config.withDefaults()

	r := &Router{
		auth:     deps.Authenticator,
		users:    deps.Users,
		products: deps.Products,
		messages: deps.Messages,
		registry: deps.Registry,
		metrics:  deps.Metrics,
		config:   config,
		now:      time.Now,
	}
	if r.registry == nil {
		r.registry = NewRegistry()
	}
	if r.metrics == nil {
		r.metrics = noopMetrics{}
	}

	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(config.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(config.AllowedOrigins))
		for _, o := range config.AllowedOrigins {
			allowed[o] = true
		}
		r.upgrader.CheckOrigin = func(req *http.Request) bool {
			origin := req.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}

	return r
}

// Registry は接続登録を返す。
func (r *Router) Registry() *Registry {
	return r.registry
}

// Session は1本の接続の状態。受信イベントは1つのゴルーチンから順に処理される。
type Session struct {
	Key     Key
	Name    string
	Peer    Peer
	limiter *rate.Limiter
}

// NewSession はSessionを生成する。
func (r *Router) NewSession(key Key, name string, peer Peer) *Session {
	burst := int(r.config.MessageRate)
	if burst < 1 {
		burst = 1
	}
	return &Session{
		Key:     key,
		Name:    name,
		Peer:    peer,
		limiter: rate.NewLimiter(rate.Limit(r.config.MessageRate), burst),
	}
}

// ServeHTTP はハンドシェイクを処理する。
// トークンとproductIdはクエリパラメータで受け取り、トークンはAuthorizationヘッダーでもよい。
// 認証失敗時はアップグレード前に401を返し、接続を開かない。
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.isClosing() {
		r.reject(w, http.StatusServiceUnavailable, "shutting_down", model.NewUnavailableError())
		return
	}

	principal, err := r.auth.Authenticate(tokenFromRequest(req))
	if err != nil {
		slog.Info("chat handshake rejected",
			slog.String("reason", "unauthenticated"),
			slog.String("error", err.Error()),
		)
		r.reject(w, http.StatusUnauthorized, "unauthenticated", model.NewUnauthenticatedError())
		return
	}

	productID := strings.TrimSpace(req.URL.Query().Get("productId"))
	if productID == "" {
		r.reject(w, http.StatusBadRequest, "missing_product", model.NewValidationError("productIdが指定されていません"))
		return
	}

	ctx := req.Context()

	product, err := r.products.FindByID(ctx, productID)
	if err != nil {
		slog.Error("chat handshake product lookup failed",
			slog.String("product_id", productID),
			slog.String("error", err.Error()),
		)
		r.metrics.RecordHandshakeRejected("internal_error")
		middleware.WriteInternalServerError(w)
		return
	}
	if product == nil {
		r.reject(w, http.StatusNotFound, "unknown_product", model.NewProductNotFoundError(productID))
		return
	}

	user, err := r.users.FindByID(ctx, principal.UserID)
	if err != nil {
		slog.Error("chat handshake user lookup failed",
			slog.String("user_id", principal.UserID),
			slog.String("error", err.Error()),
		)
		r.metrics.RecordHandshakeRejected("internal_error")
		middleware.WriteInternalServerError(w)
		return
	}
	if user == nil {
		r.reject(w, http.StatusUnauthorized, "unknown_user", model.NewUnauthenticatedError())
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgradeが既にエラーレスポンスを書き込んでいる
		slog.Info("chat upgrade failed",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		r.metrics.RecordHandshakeRejected("upgrade_failed")
		return
	}

	r.serve(ctx, conn, user, product)
}

// serve は接続を登録し、切断されるまで受信イベントを処理する。
func (r *Router) serve(ctx context.Context, conn *websocket.Conn, user *model.User, product *model.Product) {
	key := Key{UserID: user.ID, ProductID: product.ID}
	c := newClient(conn, key, r.config)

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.sessions.Add(1)
	r.mu.Unlock()
	defer r.sessions.Done()

	go c.writePump()

	if superseded := r.registry.Register(key, c); superseded != nil {
		slog.Info("chat connection superseded",
			slog.String("user_id", key.UserID),
			slog.String("product_id", key.ProductID),
		)
		superseded.Close()
	}
	// 登録とShutdownのCloseAllが競合した場合はここで閉じる
	if r.isClosing() {
		c.Close()
	}
	r.metrics.ConnectionOpened()
	slog.Info("chat connection opened",
		slog.String("user_id", key.UserID),
		slog.String("product_id", key.ProductID),
	)

	defer func() {
		removed := r.registry.Unregister(key, c)
		c.Close()
		r.metrics.ConnectionClosed()
		slog.Info("chat connection closed",
			slog.String("user_id", key.UserID),
			slog.String("product_id", key.ProductID),
			slog.Bool("unregistered", removed),
		)
	}()

	_ = c.Send(Welcome{
		Message:   "connected to chat for " + product.Title,
		ProductID: product.ID,
	})

	session := r.NewSession(key, user.Name, c)
	c.readPump(func(data []byte, oversized bool) {
		if oversized {
			r.DropOversized(session)
			return
		}
		r.Dispatch(ctx, session, data)
	})
}

// Dispatch は受信イベント1件を処理する。
// 検証に失敗したイベントは保存せずに破棄し、送信者にエラー通知を返す。接続は閉じない。
// 保存に成功した場合、受信者が同じ商品で接続中であれば中継する。
func (r *Router) Dispatch(ctx context.Context, s *Session, data []byte) {
	if !s.limiter.Allow() {
		r.drop(s, dropRateLimited, nil, ErrorNotice{
			Code:    noticeRateLimited,
			Message: "送信間隔が短すぎます。",
		})
		return
	}

	in, err := DecodeInbound(data)
	if err != nil {
		reason := dropMalformed
		if errors.Is(err, ErrUnknownEventType) {
			reason = dropUnknownType
		}
		r.drop(s, reason, err, validationNotice(err.Error()))
		return
	}

	// 本文は書き換えずに保存する。表示時のエスケープはクライアントが行う
	body := strings.TrimSpace(in.Body)
	if int64(len(body)) > r.config.MaxMessageBytes {
		r.drop(s, dropTooLarge, nil, tooLargeNotice())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.PersistTimeout)
	defer cancel()

	recipient, err := r.users.FindByID(ctx, in.RecipientID)
	if err != nil {
		r.drop(s, dropPersistFailed, err, deliveryFailedNotice())
		return
	}
	if recipient == nil {
		r.drop(s, dropUnknownRecipient, nil, validationNotice("recipient not found"))
		return
	}
	if recipient.ID == s.Key.UserID {
		r.drop(s, dropSelfMessage, nil, validationNotice("cannot send a message to yourself"))
		return
	}

	msg := &model.Message{
		ID:          uuid.New().String(),
		ProductID:   s.Key.ProductID,
		SenderID:    s.Key.UserID,
		RecipientID: recipient.ID,
		Body:        body,
		CreatedAt:   r.now().UTC(),
	}

	start := time.Now()
	if err := r.messages.Create(ctx, msg); err != nil {
		r.drop(s, dropPersistFailed, err, deliveryFailedNotice())
		return
	}
	r.metrics.RecordMessagePersisted(time.Since(start))

	r.relay(msg, s.Name)
}

// DropOversized は上限を超えて読み捨てたフレームを破棄として記録し、送信者に通知する。
func (r *Router) DropOversized(s *Session) {
	r.drop(s, dropTooLarge, nil, tooLargeNotice())
}

// relay は受信者が接続中であればChatイベントを送る。
// 未接続は正常系で、受信者は次回の履歴取得でメッセージを受け取る。
func (r *Router) relay(msg *model.Message, senderName string) {
	peer, ok := r.registry.Lookup(Key{UserID: msg.RecipientID, ProductID: msg.ProductID})
	if !ok {
		r.metrics.RecordRelay(metrics.RelayOffline)
		return
	}

	err := peer.Send(Chat{
		ID:        msg.ID,
		ProductID: msg.ProductID,
		Sender:    Party{ID: msg.SenderID, Name: senderName},
		Message:   msg.Body,
		Timestamp: msg.CreatedAt,
	})
	if err != nil {
		slog.Info("chat relay failed",
			slog.String("message_id", msg.ID),
			slog.String("recipient_id", msg.RecipientID),
			slog.String("error", err.Error()),
		)
		r.metrics.RecordRelay(metrics.RelayFailed)
		return
	}
	r.metrics.RecordRelay(metrics.RelayDelivered)
}

// drop は破棄をログとメトリクスに記録し、送信者に通知する。
func (r *Router) drop(s *Session, reason string, err error, notice ErrorNotice) {
	attrs := []any{
		slog.String("reason", reason),
		slog.String("user_id", s.Key.UserID),
		slog.String("product_id", s.Key.ProductID),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	if reason == dropPersistFailed {
		slog.Error("chat event not persisted", attrs...)
	} else {
		slog.Warn("chat event dropped", attrs...)
	}

	r.metrics.RecordEventDropped(reason)
	_ = s.Peer.Send(notice)
}

// Shutdown は新規接続の受け付けを止め、全ての接続を閉じて終了を待つ。
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	r.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		r.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

func (r *Router) reject(w http.ResponseWriter, status int, reason string, apiErr *model.APIError) {
	r.metrics.RecordHandshakeRejected(reason)
	middleware.WriteErrorResponse(w, status, apiErr)
}

// tokenFromRequest はクエリパラメータtoken、なければAuthorizationヘッダーのBearerトークンを返す。
func tokenFromRequest(req *http.Request) string {
	if token := req.URL.Query().Get("token"); token != "" {
		return token
	}
	header := req.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func validationNotice(reason string) ErrorNotice {
	apiErr := model.NewValidationError(reason)
	return ErrorNotice{Code: apiErr.Code, Message: apiErr.Message}
}

func tooLargeNotice() ErrorNotice {
	return validationNotice("message is too large")
}

func deliveryFailedNotice() ErrorNotice {
	apiErr := model.NewDeliveryFailedError()
	return ErrorNotice{Code: apiErr.Code, Message: apiErr.Message}
}
