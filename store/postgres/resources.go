package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/store"
)

type ResourceRepository struct {
	db DBTX
}

func NewResourceRepository(db DBTX) *ResourceRepository {
	return &ResourceRepository{db: db}
}

const resourceColumns = `id, owner_id, name, description, price, currency, pay_to, content, created_at`

func (r *ResourceRepository) Get(ctx context.Context, id string) (*store.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE id = $1`

	res := &store.Resource{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&res.ID, &res.OwnerID, &res.Name, &res.Description, &res.Price,
		&res.Currency, &res.PayTo, &res.Content, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, paygate.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return res, nil
}

func (r *ResourceRepository) Create(ctx context.Context, res store.Resource) (store.Resource, error) {
	if res.ID == "" {
		res.ID = store.NewID()
	}

	query :=
		`INSERT INTO resources (id, owner_id, name, description, price, currency, pay_to, content)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query,
		res.ID, res.OwnerID, res.Name, res.Description, res.Price, res.Currency, res.PayTo, res.Content).
		Scan(&res.CreatedAt)
	if err != nil {
		return store.Resource{}, fmt.Errorf("db error: %w", err)
	}
	return res, nil
}

func (r *ResourceRepository) ListByOwner(ctx context.Context, ownerID string) ([]store.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE owner_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	out := []store.Resource{}
	for rows.Next() {
		var res store.Resource
		if err := rows.Scan(
			&res.ID, &res.OwnerID, &res.Name, &res.Description, &res.Price,
			&res.Currency, &res.PayTo, &res.Content, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}
