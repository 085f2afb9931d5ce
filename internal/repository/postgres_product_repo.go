package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/gamestore/internal/model"
)

// PostgresProductRepo はPostgreSQLを使用した商品の参照リポジトリ。
type PostgresProductRepo struct {
	db *sql.DB
}

// NewPostgresProductRepo はPostgresProductRepoを生成する。
func NewPostgresProductRepo(db *sql.DB) *PostgresProductRepo {
	return &PostgresProductRepo{db: db}
}

// FindByID は指定IDの商品を取得する。見つからない場合はnilを返す。
func (r *PostgresProductRepo) FindByID(ctx context.Context, id string) (*model.Product, error) {
	p := &model.Product{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, title, seller_id FROM products WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Title, &p.SellerID)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find product: %w", err)
	}
	return p, nil
}

// compile-time interface check
var _ ProductRepository = (*PostgresProductRepo)(nil)
