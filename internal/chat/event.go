// Package chat は商品ごとのリアルタイムチャット（接続の登録とメッセージの中継）を提供する。
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// 受信イベントの検証エラー。
var (
	ErrMalformedEvent   = errors.New("malformed event")
	ErrUnknownEventType = errors.New("unknown event type")
)

// EventType はイベントの種別タグ。
type EventType string

const (
	EventWelcome EventType = "welcome"
	EventChat    EventType = "chat"
	EventError   EventType = "error"
)

// Event はサーバーからクライアントへ送るイベント。
// Welcome, Chat, ErrorNoticeのいずれかで、それ以外の実装は持たない。
type Event interface {
	Type() EventType
}

// Welcome はハンドシェイク成功時に1度だけ送るイベント。
type Welcome struct {
	Message   string `json:"message"`
	ProductID string `json:"productId"`
}

// Party はイベントに含める利用者のIDと表示名。
type Party struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Chat は受信者へ中継するメッセージ。
type Chat struct {
	ID        string    `json:"id"`
	ProductID string    `json:"productId"`
	Sender    Party     `json:"sender"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorNotice は送信者へ返す検証エラーや保存失敗の通知。
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Welcome) Type() EventType     { return EventWelcome }
func (Chat) Type() EventType        { return EventChat }
func (ErrorNotice) Type() EventType { return EventError }

// EncodeEvent はイベントを {"type": ..., ...} 形式のJSONに変換する。
func EncodeEvent(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case Welcome:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			Welcome
		}{ev.Type(), ev})
	case Chat:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			Chat
		}{ev.Type(), ev})
	case ErrorNotice:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			ErrorNotice
		}{ev.Type(), ev})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, e)
	}
}

// Inbound はクライアントから受信したチャットイベント。
// クライアントが送るtimestampは信頼せず、保持しない。
type Inbound struct {
	RecipientID string
	Body        string
}

type inboundWire struct {
	Type      EventType `json:"type"`
	Message   string    `json:"message"`
	Recipient string    `json:"recipient"`
	// 値は使わないため、型を問わず受け付ける
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// DecodeInbound は受信データを検証してInboundに変換する。
// typeは省略時にchatとみなし、chat以外はErrUnknownEventTypeを返す。
// recipientまたはmessageが欠けている場合はErrMalformedEventを返す。
func DecodeInbound(data []byte) (*Inbound, error) {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if w.Type != "" && w.Type != EventChat {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, w.Type)
	}

	recipient := strings.TrimSpace(w.Recipient)
	if recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrMalformedEvent)
	}
	if strings.TrimSpace(w.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrMalformedEvent)
	}

	return &Inbound{RecipientID: recipient, Body: w.Message}, nil
}
