package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quantforum/server/internal/common"
	"github.com/quantforum/server/internal/model"
)

const uniqueViolation = "23505"

// AccountRepo defines the interface for account repository operations
type AccountRepo interface {
	Create(ctx context.Context, account *model.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (model.Account, error)
	GetByIdentityHash(ctx context.Context, identityHash string) (model.Account, error)
	// SetKeys stores a key pair only if the account has none yet. It returns
	// common.ErrAlreadyProvisioned when another key pair is already in place.
	SetKeys(ctx context.Context, id uuid.UUID, publicAddress, encryptedPrivateKey string) error
}

type accountRepo struct {
	db *sqlx.DB
}

// NewAccountRepo creates a new AccountRepo instance
func NewAccountRepo(db *sqlx.DB) AccountRepo {
	return &accountRepo{db: db}
}

const accountColumns = `id, identity_hash, encrypted_identifier, password_hash, public_address,
		encrypted_private_key, created_at, provisioned_at, deleted_at`

// Create inserts a new account and fills in its generated ID and timestamp
func (r *accountRepo) Create(ctx context.Context, account *model.Account) error {
	query := `
		INSERT INTO accounts (identity_hash, encrypted_identifier, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		account.IdentityHash,
		account.EncryptedIdentifier,
		account.PasswordHash,
	).Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account already exists: %w", common.ErrConflict)
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// GetByID retrieves a live account by ID
func (r *accountRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 AND deleted_at IS NULL`
	return r.get(ctx, query, id)
}

// GetByIdentityHash retrieves a live account by its identity hash
func (r *accountRepo) GetByIdentityHash(ctx context.Context, identityHash string) (model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE identity_hash = $1 AND deleted_at IS NULL`
	return r.get(ctx, query, identityHash)
}

func (r *accountRepo) get(ctx context.Context, query string, arg any) (model.Account, error) {
	var account model.Account
	if err := r.db.GetContext(ctx, &account, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, fmt.Errorf("account not found: %w", common.ErrNotFound)
		}
		return model.Account{}, fmt.Errorf("failed to query account: %w", err)
	}
	return account, nil
}

// SetKeys performs the conditional "set only if currently null" update
func (r *accountRepo) SetKeys(ctx context.Context, id uuid.UUID, publicAddress, encryptedPrivateKey string) error {
	query := `
		UPDATE accounts
		SET public_address = $2, encrypted_private_key = $3, provisioned_at = now()
		WHERE id = $1
		  AND deleted_at IS NULL
		  AND public_address IS NULL
		  AND encrypted_private_key IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, id, publicAddress, encryptedPrivateKey)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("public address already assigned: %w", common.ErrConflict)
		}
		return fmt.Errorf("failed to update account keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing updated: either the account is gone or it already has keys
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return common.ErrAlreadyProvisioned
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
