// Package model はドメインモデルを定義する。
package model

import "time"

// Role はトークンに埋め込まれる権限ロールを表す。
type Role string

const (
	// RoleUser は一般ユーザー。トークンにはロールを埋め込まない。
	RoleUser Role = "user"
	// RoleAdmin は管理者。管理用エンドポイントの利用に必要。
	RoleAdmin Role = "admin"
)

// User はマーケットプレイスの利用ユーザーを表す。
// パスワードハッシュと外部IdP（identities）のいずれか一方を主な資格情報として持つ。
// 紐付け後は両方を持つこともある。
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash *string // 外部IdPのみで登録したユーザーはnil
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPassword はパスワードでのログインが可能かどうかを返す。
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// IsAdmin は管理者ロールを持つかどうかを返す。
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Identity は外部IdPとの紐付け情報を表す。
// (provider, provider_user_id) は一意で、1つの外部アカウントは最大1ユーザーにのみ紐付く。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Principal はトークンから復元された認証済みの主体を表す。
// Roleは管理者トークンの場合のみ設定される。
type Principal struct {
	UserID string
	Role   Role
}

// HasRole は指定ロールを持つかどうかを返す。
func (p *Principal) HasRole(role Role) bool {
	return p != nil && p.Role == role
}
