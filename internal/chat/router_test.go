package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/gamestore/internal/auth"
	"github.com/hitoshi/gamestore/internal/metrics"
	"github.com/hitoshi/gamestore/internal/model"
	"github.com/hitoshi/gamestore/internal/repository"
)

// --- モック定義 ---

type mockAuthenticator struct {
	principals map[string]*model.Principal
}

func (m *mockAuthenticator) Authenticate(token string) (*model.Principal, error) {
	if token == "" {
		return nil, auth.ErrMissingToken
	}
	if p, ok := m.principals[token]; ok {
		return p, nil
	}
	return nil, auth.ErrInvalidToken
}

type mockUserRepo struct {
	users map[string]*model.User
	err   error
}

// FindByID はpostgresのUUID比較と同様に大文字小文字を区別しない。
func (m *mockUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.users[strings.ToLower(id)], nil
}

func (m *mockUserRepo) FindByEmail(_ context.Context, _ string) (*model.User, error) {
	return nil, nil
}

func (m *mockUserRepo) Create(_ context.Context, _ *model.User) error {
	return nil
}

func (m *mockUserRepo) CreateWithIdentity(_ context.Context, _ *model.User, _ *model.Identity) error {
	return nil
}

type mockProductRepo struct {
	products map[string]*model.Product
}

func (m *mockProductRepo) FindByID(_ context.Context, id string) (*model.Product, error) {
	return m.products[id], nil
}

// memMessageRepo はメモリ上のメッセージログ。
type memMessageRepo struct {
	mu        sync.Mutex
	messages  []*model.Message
	seq       int64
	createErr error
}

func (m *memMessageRepo) Create(_ context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.seq++
	msg.Seq = m.seq
	cp := *msg
	m.messages = append(m.messages, &cp)
	return nil
}

func (m *memMessageRepo) ListConversation(_ context.Context, productID, userA, userB string) ([]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.NewConversationKey(productID, userA, userB)
	out := []*model.Message{}
	for _, msg := range m.messages {
		if msg.Key() == key {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (m *memMessageRepo) ListLatestPerConversation(_ context.Context, _ string) ([]*model.Message, error) {
	return nil, nil
}

func (m *memMessageRepo) All() []*model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Message(nil), m.messages...)
}

// --- compile-time interface checks ---
var _ auth.Authenticator = (*mockAuthenticator)(nil)
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.ProductRepository = (*mockProductRepo)(nil)
var _ repository.MessageRepository = (*memMessageRepo)(nil)

// --- フィクスチャ ---

type fixture struct {
	router   *Router
	users    *mockUserRepo
	messages *memMessageRepo
	registry *Registry
	reg      *prometheus.Registry
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	users := &mockUserRepo{users: map[string]*model.User{
		"user-a": {ID: "user-a", Name: "Alice"},
		"user-b": {ID: "user-b", Name: "Bob"},
		"user-c": {ID: "user-c", Name: "Carol"},
	}}
	products := &mockProductRepo{products: map[string]*model.Product{
		"42": {ID: "42", Title: "Rare Skin", SellerID: "user-b"},
		"7":  {ID: "7", Title: "Gold Pack", SellerID: "user-c"},
	}}
	authn := &mockAuthenticator{principals: map[string]*model.Principal{
		"token-a": {UserID: "user-a"},
		"token-b": {UserID: "user-b"},
		"token-x": {UserID: "deleted-user"},
	}}
	messages := &memMessageRepo{}
	registry := NewRegistry()
	reg := prometheus.NewRegistry()

	router := NewRouter(RouterDeps{
		Authenticator: authn,
		Users:         users,
		Products:      products,
		Messages:      messages,
		Registry:      registry,
		Metrics:       metrics.NewCollector(reg),
	}, config)

	return &fixture{router: router, users: users, messages: messages, registry: registry, reg: reg}
}

// connect はfakePeerを登録したSessionを返す。
func (f *fixture) connect(userID, name, productID string) (*Session, *fakePeer) {
	p := &fakePeer{}
	key := Key{UserID: userID, ProductID: productID}
	f.registry.Register(key, p)
	return f.router.NewSession(key, name, p), p
}

func noticeCodes(events []Event) []string {
	var codes []string
	for _, e := range events {
		if n, ok := e.(ErrorNotice); ok {
			codes = append(codes, n.Code)
		}
	}
	return codes
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// --- テスト ---

// AがBにproduct 42で "hi" を送ると、保存されBの接続に中継される。
func TestDispatch_PersistsAndRelaysToConnectedRecipient(t *testing.T) {
	f := newFixture(t, Config{})
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	f.router.now = func() time.Time { return fixed }

	sa, pa := f.connect("user-a", "Alice", "42")
	_, pb := f.connect("user-b", "Bob", "42")

	f.router.Dispatch(context.Background(), sa, []byte(`{"recipient":"user-b","message":"hi","timestamp":"1999-01-01T00:00:00Z"}`))

	stored := f.messages.All()
	if len(stored) != 1 {
		t.Fatalf("stored %d messages, want 1", len(stored))
	}
	m := stored[0]
	if m.ProductID != "42" || m.SenderID != "user-a" || m.RecipientID != "user-b" || m.Body != "hi" {
		t.Errorf("stored message = %+v", m)
	}
	if !m.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want server time %v", m.CreatedAt, fixed)
	}

	events := pb.Events()
	if len(events) != 1 {
		t.Fatalf("recipient received %d events, want 1", len(events))
	}
	relay, ok := events[0].(Chat)
	if !ok {
		t.Fatalf("recipient event = %T, want Chat", events[0])
	}
	if relay.Sender != (Party{ID: "user-a", Name: "Alice"}) || relay.Message != "hi" || !relay.Timestamp.Equal(fixed) {
		t.Errorf("relay = %+v", relay)
	}

	if len(pa.Events()) != 0 {
		t.Errorf("sender should not receive events, got %v", pa.Events())
	}

	history, _ := f.messages.ListConversation(context.Background(), "42", "user-b", "user-a")
	if len(history) != 1 || history[0].Body != "hi" {
		t.Errorf("B's history for (42, A) = %v", history)
	}
	if got := counterValue(t, f.reg, "gamestore_chat_relays_total", "result", metrics.RelayDelivered); got != 1 {
		t.Errorf("delivered relays = %v, want 1", got)
	}
}

// 受信者が未接続の場合は保存のみ行い、エラーにしない。
func TestDispatch_OfflineRecipientPersistsOnly(t *testing.T) {
	f := newFixture(t, Config{})
	sa, pa := f.connect("user-a", "Alice", "42")

	f.router.Dispatch(context.Background(), sa, []byte(`{"recipient":"user-b","message":"hi"}`))

	if len(f.messages.All()) != 1 {
		t.Fatal("message should be persisted")
	}
	if codes := noticeCodes(pa.Events()); len(codes) != 0 {
		t.Errorf("sender got error notices %v, want none", codes)
	}
	if got := counterValue(t, f.reg, "gamestore_chat_relays_total", "result", metrics.RelayOffline); got != 1 {
		t.Errorf("offline relays = %v, want 1", got)
	}
}

// 別の商品で接続中の受信者には中継しない。
func TestDispatch_RelayIsScopedByProduct(t *testing.T) {
	f := newFixture(t, Config{})
	sa, _ := f.connect("user-a", "Alice", "42")
	_, pb := f.connect("user-b", "Bob", "7")

	f.router.Dispatch(context.Background(), sa, []byte(`{"recipient":"user-b","message":"hi"}`))

	if len(pb.Events()) != 0 {
		t.Errorf("recipient on another product received %v", pb.Events())
	}
}

// 1接続から送った順に保存・中継される。
func TestDispatch_PreservesSendOrder(t *testing.T) {
	f := newFixture(t, Config{MessageRate: 1000})
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	f.router.now = func() time.Time { return fixed }

	sa, _ := f.connect("user-a", "Alice", "42")
	_, pb := f.connect("user-b", "Bob", "42")

	bodies := []string{"one", "two", "three", "four", "five"}
	for _, b := range bodies {
		f.router.Dispatch(context.Background(), sa, []byte(`{"recipient":"user-b","message":"`+b+`"}`))
	}

	history, _ := f.messages.ListConversation(context.Background(), "42", "user-a", "user-b")
	events := pb.Events()
	if len(history) != len(bodies) || len(events) != len(bodies) {
		t.Fatalf("history=%d relayed=%d, want %d", len(history), len(events), len(bodies))
	}
	for i, b := range bodies {
		if history[i].Body != b {
			t.Errorf("history[%d] = %q, want %q", i, history[i].Body, b)
		}
		if events[i].(Chat).Message != b {
			t.Errorf("relay[%d] = %q, want %q", i, events[i].(Chat).Message, b)
		}
	}
}

// 不正なイベントは破棄され、送信者にエラー通知が届き、その後も送信できる。
func TestDispatch_InvalidEventsAreDroppedAndSessionStaysUsable(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantCode string
		reason   string
	}{
		{"missing recipient", `{"message":"hi"}`, model.ErrCodeValidation, dropMalformed},
		{"missing body", `{"recipient":"user-b"}`, model.ErrCodeValidation, dropMalformed},
		{"not json", `{{{`, model.ErrCodeValidation, dropMalformed},
		{"unknown type", `{"type":"typing","recipient":"user-b","message":"hi"}`, model.ErrCodeValidation, dropUnknownType},
		{"whitespace only", `{"recipient":"user-b","message":" \t "}`, model.ErrCodeValidation, dropMalformed},
		{"self message", `{"recipient":"user-a","message":"hi"}`, model.ErrCodeValidation, dropSelfMessage},
		{"self message with different case", `{"recipient":"USER-A","message":"hi"}`, model.ErrCodeValidation, dropSelfMessage},
		{"unknown recipient", `{"recipient":"nobody","message":"hi"}`, model.ErrCodeValidation, dropUnknownRecipient},
		{"too large", `{"recipient":"user-b","message":"` + strings.Repeat("x", 20) + `"}`, model.ErrCodeValidation, dropTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{MaxMessageBytes: 16, MessageRate: 1000})
			sa, pa := f.connect("user-a", "Alice", "42")

			f.router.Dispatch(context.Background(), sa, []byte(tt.payload))

			if len(f.messages.All()) != 0 {
				t.Error("invalid event should not be persisted")
			}
			codes := noticeCodes(pa.Events())
			if len(codes) != 1 || codes[0] != tt.wantCode {
				t.Errorf("notices = %v, want [%s]", codes, tt.wantCode)
			}
			if got := counterValue(t, f.reg, "gamestore_chat_events_dropped_total", "reason", tt.reason); got != 1 {
				t.Errorf("dropped{%s} = %v, want 1", tt.reason, got)
			}

			f.router.Dispatch(context.Background(), sa, []byte(`{"recipient":"user-b","message":"ok"}`))
			if len(f.messages.All()) != 1 {
				t.Error("valid event after a dropped one should be persisted")
			}
		})
	}
}

// 本文はタグやエンティティを含んでいても書き換えずに保存・中継される。
func TestDispatch_BodyIsStoredAndRelayedVerbatim(t *testing.T) {
	bodies := []string{
		"a<b and c>d",
		"&lt;b&gt;",
		"selling <Excalibur> sword",
		"<script>alert(1)</script>",
	}

	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			f := newFixture(t, Config{})
			sa, _ := f.connect("user-a", "Alice", "42")
			_, pb := f.connect("user-b", "Bob", "42")

			payload, err := json.Marshal(map[string]string{"recipient": "user-b", "message": body})
			if err != nil {
				t.Fatalf("failed to marshal payload: %v", err)
			}
			f.router.Dispatch(context.Background(), sa, payload)

			history, _ := f.messages.ListConversation(context.Background(), "42", "user-b", "user-a")
			if len(history) != 1 || history[0].Body != body {
				t.Fatalf("history = %v, want body %q", history, body)
			}
			events := pb.Events()
			if len(events) != 1 {
				t.Fatalf("recipient received %d events, want 1", len(events))
			}
			if got := events[0].(Chat).Message; got != body {
				t.Errorf("relayed = %q, want %q", got, body)
			}
		})
	}
}

// 上限を超えて読み捨てたフレームはtoo_largeとして記録し、送信者に通知する。
func TestDropOversized_NotifiesSender(t *testing.T) {
	f := newFixture(t, Config{})
	sa, pa := f.connect("user-a", "Alice", "42")

	f.router.DropOversized(sa)

	codes := noticeCodes(pa.Events())
	if len(codes) != 1 || codes[0] != model.ErrCodeValidation {
		t.Errorf("notices = %v, want [%s]", codes, model.ErrCodeValidation)
	}
	if got := counterValue(t, f.reg, "gamestore_chat_events_dropped_total", "reason", dropTooLarge); got != 1 {
		t.Errorf("dropped{too_large} = %v, want 1", got)
	}
}

// Metricsを渡さなくても動作する。
func TestNewRouter_NilMetricsUsesNoop(t *testing.T) {
	f := newFixture(t, Config{})
	router := NewRouter(RouterDeps{
		Authenticator: &mockAuthenticator{},
		Users:         f.users,
		Products:      &mockProductRepo{},
		Messages:      f.messages,
	}, Config{})

	p := &fakePeer{}
	key := Key{UserID: "user-a", ProductID: "42"}
	router.Registry().Register(key, p)
	pb := &fakePeer{}
	router.Registry().Register(Key{UserID: "user-b", ProductID: "42"}, pb)
	s := router.NewSession(key, "Alice", p)

	router.Dispatch(context.Background(), s, []byte(`{"recipient":"user-b","message":"hi"}`))
	router.Dispatch(context.Background(), s, []byte(`{{{`))

	if len(pb.Events()) != 1 {
		t.Errorf("recipient received %d events, want 1", len(pb.Events()))
	}
	if codes := noticeCodes(p.Events()); len(codes) != 1 {
		t.Errorf("notices = %v, want one", codes)
	}
}

// 保存に失敗した場合は中継せず、送信者に配送失敗を通知する。
func TestDispatch_PersistFailureNotifiesSender(t *testing.T) {
	f := newFixture(t, Config{})
	f.messages.createErr = errors.New("db down")
	sa, pa := f.connect("user-a", "Alice", "42")
	_, pb := f.connect("user-b", "Bob", "42")

	f.router.Dispatch(context.Background(), sa, []byte(`{"recipient":"user-b","message":"hi"}`))

	if len(pb.Events()) != 0 {
		t.Error("unpersisted message should not be relayed")
	}
	codes := noticeCodes(pa.Events())
	if len(codes) != 1 || codes[0] != model.ErrCodeDeliveryFailed {
		t.Errorf("notices = %v, want [%s]", codes, model.ErrCodeDeliveryFailed)
	}
}

// 受信者への送信失敗は送信者側の処理を止めない。
func TestDispatch_RelayFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, Config{})
	sa, pa := f.connect("user-a", "Alice", "42")
	stale := &fakePeer{}
	stale.Close()
	f.registry.Register(Key{UserID: "user-b", ProductID: "42"}, stale)

	f.router.Dispatch(context.Background(), sa, []byte(`{"recipient":"user-b","message":"hi"}`))

	if len(f.messages.All()) != 1 {
		t.Error("message should be persisted")
	}
	if codes := noticeCodes(pa.Events()); len(codes) != 0 {
		t.Errorf("sender got notices %v, want none", codes)
	}
	if got := counterValue(t, f.reg, "gamestore_chat_relays_total", "result", metrics.RelayFailed); got != 1 {
		t.Errorf("failed relays = %v, want 1", got)
	}
}

func TestDispatch_RateLimited(t *testing.T) {
	f := newFixture(t, Config{MessageRate: 1})
	sa, pa := f.connect("user-a", "Alice", "42")

	f.router.Dispatch(context.Background(), sa, []byte(`{"recipient":"user-b","message":"one"}`))
	f.router.Dispatch(context.Background(), sa, []byte(`{"recipient":"user-b","message":"two"}`))

	if len(f.messages.All()) != 1 {
		t.Errorf("stored %d messages, want 1", len(f.messages.All()))
	}
	codes := noticeCodes(pa.Events())
	if len(codes) != 1 || codes[0] != noticeRateLimited {
		t.Errorf("notices = %v, want [%s]", codes, noticeRateLimited)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	d := DefaultConfig()
	if c.PongWait != d.PongWait || c.SendBuffer != d.SendBuffer || c.MaxMessageBytes != d.MaxMessageBytes {
		t.Errorf("withDefaults() = %+v", c)
	}
	if c.pingPeriod() >= c.PongWait {
		t.Errorf("ping period %v must be shorter than pong wait %v", c.pingPeriod(), c.PongWait)
	}
}
