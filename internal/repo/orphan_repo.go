package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/quantforum/server/internal/model"
)

// OrphanRepo journals confirmed transactions that have no local post
type OrphanRepo interface {
	Record(ctx context.Context, orphan *model.OrphanedMint) error
}

type orphanRepo struct {
	db *sqlx.DB
}

// NewOrphanRepo creates a new OrphanRepo instance
func NewOrphanRepo(db *sqlx.DB) OrphanRepo {
	return &orphanRepo{db: db}
}

func (r *orphanRepo) Record(ctx context.Context, orphan *model.OrphanedMint) error {
	query := `
		INSERT INTO orphaned_mints (account_id, tx_ref, anchor_ref, content, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		orphan.AccountID, orphan.TxRef, orphan.AnchorRef, orphan.Content, orphan.Reason,
	).Scan(&orphan.ID, &orphan.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record orphaned mint %s: %w", orphan.TxRef, err)
	}
	return nil
}
