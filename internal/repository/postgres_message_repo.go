package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/gamestore/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したチャットメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// Create はメッセージを保存し、採番されたseqをmsg.Seqに設定する。
// created_atは呼び出し側（サーバー）が付与した時刻をそのまま保存する。
func (r *PostgresMessageRepo) Create(ctx context.Context, msg *model.Message) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, product_id, sender_id, recipient_id, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING seq`,
		msg.ID, msg.ProductID, msg.SenderID, msg.RecipientID, msg.Body, msg.CreatedAt,
	).Scan(&msg.Seq)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ListConversation は商品と参加者ペア（順不同）に一致するメッセージを時刻昇順で返す。
func (r *PostgresMessageRepo) ListConversation(ctx context.Context, productID, userA, userB string) ([]*model.Message, error) {
	if !isUUID(userA) || !isUUID(userB) {
		return []*model.Message{}, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, seq, product_id, sender_id, recipient_id, body, created_at
		 FROM messages
		 WHERE product_id = $1
		   AND ((sender_id = $2 AND recipient_id = $3) OR (sender_id = $3 AND recipient_id = $2))
		 ORDER BY created_at ASC, seq ASC`,
		productID, userA, userB,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// ListLatestPerConversation は会話キー (商品, 参加者ペア) ごとの最新メッセージを新しい順で返す。
func (r *PostgresMessageRepo) ListLatestPerConversation(ctx context.Context, userID string) ([]*model.Message, error) {
	if !isUUID(userID) {
		return []*model.Message{}, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, seq, product_id, sender_id, recipient_id, body, created_at
		 FROM (
		     SELECT DISTINCT ON (product_id, LEAST(sender_id, recipient_id), GREATEST(sender_id, recipient_id))
		            id, seq, product_id, sender_id, recipient_id, body, created_at
		     FROM messages
		     WHERE sender_id = $1 OR recipient_id = $1
		     ORDER BY product_id, LEAST(sender_id, recipient_id), GREATEST(sender_id, recipient_id),
		              created_at DESC, seq DESC
		 ) latest
		 ORDER BY created_at DESC, seq DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*model.Message, error) {
	messages := []*model.Message{}
	for rows.Next() {
		m := &model.Message{}
		if err := rows.Scan(&m.ID, &m.Seq, &m.ProductID, &m.SenderID, &m.RecipientID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
