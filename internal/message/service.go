// Package message はチャット履歴と会話一覧の参照を提供する。
package message

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/gamestore/internal/model"
	"github.com/hitoshi/gamestore/internal/repository"
)

// Party はメッセージの送信者・受信者の表示用情報。
type Party struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// View は履歴APIで返す1件のメッセージ。
type View struct {
	ID        string    `json:"id"`
	Sender    Party     `json:"sender"`
	Recipient Party     `json:"recipient"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationSummary は会話一覧の1行。
// SellerIDは会話相手のIDで、商品の出品者とは限らない。
type ConversationSummary struct {
	SellerID      string    `json:"sellerId"`
	SellerName    string    `json:"sellerName"`
	ProductID     string    `json:"productId"`
	ProductTitle  string    `json:"productTitle"`
	LastMessage   string    `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// Service はメッセージ履歴に関するビジネスロジックを提供する。
type Service struct {
	messages repository.MessageRepository
	users    repository.UserRepository
	products repository.ProductRepository
}

// NewService はServiceを生成する。
func NewService(
	messages repository.MessageRepository,
	users repository.UserRepository,
	products repository.ProductRepository,
) *Service {
	return &Service{messages: messages, users: users, products: products}
}

// History は商品に紐づく requester と counterparty 間のメッセージを古い順に返す。
// 商品が存在しない場合はPRODUCT_NOT_FOUNDを返す。
// requesterが参加していない組み合わせは空の結果になる。
func (s *Service) History(ctx context.Context, requesterID, productID, counterpartyID string) ([]View, error) {
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to find product: %w", err)
	}
	if product == nil {
		return nil, model.NewProductNotFoundError(productID)
	}

	msgs, err := s.messages.ListConversation(ctx, productID, requesterID, counterpartyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation: %w", err)
	}

	names := newNameResolver(s.users)
	views := make([]View, 0, len(msgs))
	for _, m := range msgs {
		if !m.Involves(requesterID) {
			continue
		}
		sender, err := names.party(ctx, m.SenderID)
		if err != nil {
			return nil, err
		}
		recipient, err := names.party(ctx, m.RecipientID)
		if err != nil {
			return nil, err
		}
		views = append(views, View{
			ID:        m.ID,
			Sender:    sender,
			Recipient: recipient,
			Message:   m.Body,
			Timestamp: m.CreatedAt,
		})
	}

	return views, nil
}

// ActiveConversations はユーザーが参加する会話を (商品, 相手) ごとに1行ずつ、新しい順で返す。
// 削除済みの商品の会話は含めない。
func (s *Service) ActiveConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	latest, err := s.messages.ListLatestPerConversation(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	names := newNameResolver(s.users)
	titles := make(map[string]*model.Product)
	seen := make(map[model.ConversationKey]bool, len(latest))
	summaries := make([]ConversationSummary, 0, len(latest))

	for _, m := range latest {
		key := m.Key()
		counterparty := key.Counterparty(userID)
		if counterparty == "" || seen[key] {
			continue
		}
		seen[key] = true

		product, ok := titles[m.ProductID]
		if !ok {
			product, err = s.products.FindByID(ctx, m.ProductID)
			if err != nil {
				return nil, fmt.Errorf("failed to find product: %w", err)
			}
			titles[m.ProductID] = product
		}
		if product == nil {
			continue
		}

		party, err := names.party(ctx, counterparty)
		if err != nil {
			return nil, err
		}

		summaries = append(summaries, ConversationSummary{
			SellerID:      party.ID,
			SellerName:    party.Name,
			ProductID:     product.ID,
			ProductTitle:  product.Title,
			LastMessage:   m.Body,
			LastMessageAt: m.CreatedAt,
		})
	}

	return summaries, nil
}

// nameResolver はユーザー名の参照を1リクエストの間キャッシュする。
type nameResolver struct {
	users repository.UserRepository
	cache map[string]string
}

func newNameResolver(users repository.UserRepository) *nameResolver {
	return &nameResolver{users: users, cache: make(map[string]string)}
}

// party はIDと表示名を返す。ユーザーが削除済みの場合、名前は空文字列になる。
func (r *nameResolver) party(ctx context.Context, userID string) (Party, error) {
	if name, ok := r.cache[userID]; ok {
		return Party{ID: userID, Name: name}, nil
	}
	user, err := r.users.FindByID(ctx, userID)
	if err != nil {
		return Party{}, fmt.Errorf("failed to find user: %w", err)
	}
	name := ""
	if user != nil {
		name = user.Name
	}
	r.cache[userID] = name
	return Party{ID: userID, Name: name}, nil
}
