// Package model はドメインモデルを定義する。
package model

import "time"

// Message は商品に紐づく1件のチャットメッセージを表す。
// 作成後は変更・削除されない。
type Message struct {
	ID          string
	ProductID   string
	SenderID    string
	RecipientID string
	Body        string
	CreatedAt   time.Time // サーバー側で付与した時刻
	Seq         int64     // 挿入順。同時刻のメッセージの順序付けに使う
}

// Key はメッセージが属する会話キーを返す。
func (m *Message) Key() ConversationKey {
	return NewConversationKey(m.ProductID, m.SenderID, m.RecipientID)
}

// Involves は指定ユーザーが送信者または受信者であるかどうかを返す。
func (m *Message) Involves(userID string) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

// ConversationKey は (商品, 参加者A, 参加者B) で会話スレッドを識別する。
// 参加者の順序は区別しないため、UserA <= UserB に正規化して保持する。
type ConversationKey struct {
	ProductID string
	UserA     string
	UserB     string
}

// NewConversationKey は参加者を正規化したConversationKeyを生成する。
func NewConversationKey(productID, a, b string) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey{ProductID: productID, UserA: a, UserB: b}
}

// Counterparty は指定ユーザーから見た会話相手のIDを返す。
// 指定ユーザーが参加者でない場合は空文字列を返す。
func (k ConversationKey) Counterparty(userID string) string {
	switch userID {
	case k.UserA:
		return k.UserB
	case k.UserB:
		return k.UserA
	default:
		return ""
	}
}
