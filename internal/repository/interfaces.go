// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/gamestore/internal/model"
)

// ErrDuplicate は一意制約違反を表す。
var ErrDuplicate = errors.New("duplicate record")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はパスワードで登録するユーザーを作成する。
	// メールアドレスが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Create は既存ユーザーに外部IdPを紐付ける。
	// 同じ外部アカウントが既に紐付いている場合はErrDuplicateを返す。
	Create(ctx context.Context, identity *model.Identity) error
}

// ProductRepository は商品の参照インターフェース。
type ProductRepository interface {
	// FindByID は指定IDの商品を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Product, error)
}

// MessageRepository はチャットメッセージの永続化インターフェース。
type MessageRepository interface {
	// Create はメッセージを保存する。保存後にSeqが設定される。
	Create(ctx context.Context, msg *model.Message) error

	// ListConversation は商品と参加者ペア（順不同）に一致するメッセージを
	// created_at昇順、同時刻は挿入順で返す。
	ListConversation(ctx context.Context, productID, userA, userB string) ([]*model.Message, error)

	// ListLatestPerConversation は指定ユーザーが参加する会話ごとに最新のメッセージを1件ずつ
	// 新しい順で返す。
	ListLatestPerConversation(ctx context.Context, userID string) ([]*model.Message, error)
}
