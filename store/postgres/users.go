package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/store"
)

type UserRepository struct {
	db DBTX
}

func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, external_credential_id, wallet_address, encrypted_secret, created_at`

func (r *UserRepository) GetByID(ctx context.Context, id string) (*store.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *UserRepository) GetByCredential(ctx context.Context, credentialID string) (*store.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE external_credential_id = $1`
	return r.getOne(ctx, query, credentialID)
}

func (r *UserRepository) getOne(ctx context.Context, query string, arg string) (*store.User, error) {
	u := &store.User{}
	err := r.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.ExternalCredentialID, &u.WalletAddress, &u.EncryptedSecret, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, paygate.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

// InsertIfAbsent relies on the unique external_credential_id constraint: the
// insert is skipped on conflict and the winning row is read back.
func (r *UserRepository) InsertIfAbsent(ctx context.Context, u store.User) (store.User, bool, error) {
	query :=
		`INSERT INTO users (id, external_credential_id, wallet_address, encrypted_secret)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (external_credential_id) DO NOTHING
		 RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query,
		u.ID, u.ExternalCredentialID, u.WalletAddress, u.EncryptedSecret).Scan(&u.CreatedAt)
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, false, fmt.Errorf("db error: %w", err)
	}

	existing, err := r.GetByCredential(ctx, u.ExternalCredentialID)
	if err != nil {
		return store.User{}, false, err
	}
	return *existing, false, nil
}
