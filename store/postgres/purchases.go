package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/store"
)

// PurchaseLedger stores grants. The (user_id, resource_id) unique constraint
// is what keeps concurrent settlements from double-granting.
type PurchaseLedger struct {
	db DBTX
}

func NewPurchaseLedger(db DBTX) *PurchaseLedger {
	return &PurchaseLedger{db: db}
}

func (l *PurchaseLedger) HasPurchase(ctx context.Context, userID, resourceID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM purchases WHERE user_id = $1 AND resource_id = $2)`

	var exists bool
	if err := l.db.QueryRowContext(ctx, query, userID, resourceID).Scan(&exists); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return exists, nil
}

func (l *PurchaseLedger) RecordPurchase(ctx context.Context, p store.Purchase) (store.Purchase, bool, error) {
	if p.ID == "" {
		p.ID = store.NewPurchaseID()
	}

	query :=
		`INSERT INTO purchases (id, user_id, resource_id, settlement_reference)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, resource_id) DO NOTHING
		 RETURNING created_at`

	err := l.db.QueryRowContext(ctx, query, p.ID, p.UserID, p.ResourceID, p.SettlementReference).Scan(&p.CreatedAt)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Purchase{}, false, fmt.Errorf("db error: %w", err)
	}

	existing, err := l.get(ctx, p.UserID, p.ResourceID)
	if err != nil {
		return store.Purchase{}, false, err
	}
	return *existing, false, nil
}

func (l *PurchaseLedger) get(ctx context.Context, userID, resourceID string) (*store.Purchase, error) {
	query :=
		`SELECT id, user_id, resource_id, settlement_reference, created_at
		 FROM purchases WHERE user_id = $1 AND resource_id = $2`

	p := &store.Purchase{}
	err := l.db.QueryRowContext(ctx, query, userID, resourceID).
		Scan(&p.ID, &p.UserID, &p.ResourceID, &p.SettlementReference, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, paygate.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return p, nil
}
