package message

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/hitoshi/gamestore/internal/model"
	"github.com/hitoshi/gamestore/internal/repository"
)

// --- モック定義 ---

type memMessageRepo struct {
	messages []*model.Message
	listErr  error
}

func (m *memMessageRepo) add(productID, from, to, body string, at time.Time) {
	m.messages = append(m.messages, &model.Message{
		ID:          from + "-" + body,
		ProductID:   productID,
		SenderID:    from,
		RecipientID: to,
		Body:        body,
		CreatedAt:   at,
		Seq:         int64(len(m.messages) + 1),
	})
}

func (m *memMessageRepo) Create(_ context.Context, msg *model.Message) error {
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memMessageRepo) ListConversation(_ context.Context, productID, userA, userB string) ([]*model.Message, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
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

func (m *memMessageRepo) ListLatestPerConversation(_ context.Context, userID string) ([]*model.Message, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	latest := map[model.ConversationKey]*model.Message{}
	for _, msg := range m.messages {
		if !msg.Involves(userID) {
			continue
		}
		cur, ok := latest[msg.Key()]
		if !ok || msg.CreatedAt.After(cur.CreatedAt) || (msg.CreatedAt.Equal(cur.CreatedAt) && msg.Seq > cur.Seq) {
			latest[msg.Key()] = msg
		}
	}
	out := make([]*model.Message, 0, len(latest))
	for _, msg := range latest {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type mockUserRepo struct {
	users map[string]*model.User
	calls int
}

func (m *mockUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	m.calls++
	return m.users[id], nil
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

// --- compile-time interface checks ---
var _ repository.MessageRepository = (*memMessageRepo)(nil)
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.ProductRepository = (*mockProductRepo)(nil)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *memMessageRepo, *mockUserRepo) {
	msgs := &memMessageRepo{}
	users := &mockUserRepo{users: map[string]*model.User{
		"user-a": {ID: "user-a", Name: "Alice"},
		"user-b": {ID: "user-b", Name: "Bob"},
		"user-c": {ID: "user-c", Name: "Carol"},
	}}
	products := &mockProductRepo{products: map[string]*model.Product{
		"42": {ID: "42", Title: "Rare Skin", SellerID: "user-b"},
		"7":  {ID: "7", Title: "Gold Pack", SellerID: "user-c"},
	}}
	return NewService(msgs, users, products), msgs, users
}

// --- History ---

// (A, B) と (B, A) は同じ会話として同じ履歴を返す。
func TestHistory_SymmetricAndOrdered(t *testing.T) {
	svc, msgs, _ := newTestService()
	msgs.add("42", "user-a", "user-b", "hi", t0)
	msgs.add("42", "user-b", "user-a", "hello", t0)
	msgs.add("42", "user-a", "user-b", "price?", t0.Add(time.Second))
	msgs.add("7", "user-a", "user-b", "other product", t0)

	ab, err := svc.History(context.Background(), "user-a", "42", "user-b")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	ba, err := svc.History(context.Background(), "user-b", "42", "user-a")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}

	want := []string{"hi", "hello", "price?"}
	if len(ab) != len(want) || len(ba) != len(want) {
		t.Fatalf("len = %d/%d, want %d", len(ab), len(ba), len(want))
	}
	for i, body := range want {
		if ab[i].Message != body || ba[i].Message != body {
			t.Errorf("[%d] = %q/%q, want %q", i, ab[i].Message, ba[i].Message, body)
		}
		if ab[i].ID != ba[i].ID {
			t.Errorf("[%d] ids differ: %q vs %q", i, ab[i].ID, ba[i].ID)
		}
	}

	if ab[1].Sender != (Party{ID: "user-b", Name: "Bob"}) || ab[1].Recipient != (Party{ID: "user-a", Name: "Alice"}) {
		t.Errorf("view[1] parties = %+v / %+v", ab[1].Sender, ab[1].Recipient)
	}
}

func TestHistory_UnrelatedRequesterGetsEmpty(t *testing.T) {
	svc, msgs, _ := newTestService()
	msgs.add("42", "user-a", "user-b", "hi", t0)

	views, err := svc.History(context.Background(), "user-c", "42", "user-b")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if views == nil || len(views) != 0 {
		t.Errorf("History() = %v, want empty slice", views)
	}
}

func TestHistory_UnknownProduct(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.History(context.Background(), "user-a", "999", "user-b")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeProductNotFound {
		t.Errorf("History() error = %v, want PRODUCT_NOT_FOUND", err)
	}
}

func TestHistory_RepositoryError(t *testing.T) {
	svc, msgs, _ := newTestService()
	msgs.listErr = errors.New("db down")

	_, err := svc.History(context.Background(), "user-a", "42", "user-b")
	var apiErr *model.APIError
	if err == nil || errors.As(err, &apiErr) {
		t.Errorf("History() error = %v, want internal error", err)
	}
}

func TestHistory_CachesNames(t *testing.T) {
	svc, msgs, users := newTestService()
	for i := 0; i < 10; i++ {
		msgs.add("42", "user-a", "user-b", "msg", t0.Add(time.Duration(i)*time.Second))
	}

	if _, err := svc.History(context.Background(), "user-a", "42", "user-b"); err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if users.calls != 2 {
		t.Errorf("user lookups = %d, want 2", users.calls)
	}
}

// --- ActiveConversations ---

// AがBとproduct 42で、Cとproduct 7でやり取りした場合、Aの一覧は2件になる。
func TestActiveConversations_OneRowPerProductAndCounterparty(t *testing.T) {
	svc, msgs, _ := newTestService()
	msgs.add("42", "user-a", "user-b", "hi", t0)
	msgs.add("42", "user-b", "user-a", "hello", t0.Add(time.Minute))
	msgs.add("7", "user-a", "user-c", "still available?", t0.Add(2*time.Minute))

	rows, err := svc.ActiveConversations(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("ActiveConversations() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}

	want := []ConversationSummary{
		{SellerID: "user-c", SellerName: "Carol", ProductID: "7", ProductTitle: "Gold Pack", LastMessage: "still available?", LastMessageAt: t0.Add(2 * time.Minute)},
		{SellerID: "user-b", SellerName: "Bob", ProductID: "42", ProductTitle: "Rare Skin", LastMessage: "hello", LastMessageAt: t0.Add(time.Minute)},
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Errorf("rows[%d] = %+v, want %+v", i, rows[i], want[i])
		}
	}
}

func TestActiveConversations_CounterpartyView(t *testing.T) {
	svc, msgs, _ := newTestService()
	msgs.add("42", "user-a", "user-b", "hi", t0)

	rows, err := svc.ActiveConversations(context.Background(), "user-b")
	if err != nil {
		t.Fatalf("ActiveConversations() error = %v", err)
	}
	if len(rows) != 1 || rows[0].SellerID != "user-a" || rows[0].SellerName != "Alice" {
		t.Errorf("rows = %+v, want counterparty Alice", rows)
	}
}

func TestActiveConversations_SkipsMissingProducts(t *testing.T) {
	svc, msgs, _ := newTestService()
	msgs.add("gone", "user-a", "user-b", "hi", t0)

	rows, err := svc.ActiveConversations(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("ActiveConversations() error = %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %+v, want empty", rows)
	}
}

func TestActiveConversations_Empty(t *testing.T) {
	svc, _, _ := newTestService()

	rows, err := svc.ActiveConversations(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("ActiveConversations() error = %v", err)
	}
	if rows == nil || len(rows) != 0 {
		t.Errorf("rows = %v, want empty slice", rows)
	}
}
