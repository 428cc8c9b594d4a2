package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/quantforum/server/internal/common"
	"github.com/quantforum/server/internal/ids"
	"github.com/quantforum/server/internal/model"
)

// PostRepo is the append-only post ledger
type PostRepo interface {
	Append(ctx context.Context, post *model.Post) (string, error)
	// List returns every post, newest first. Posts whose author no longer
	// resolves carry model.UnknownAuthor as AuthorRef.
	List(ctx context.Context) ([]model.Post, error)
	// GetByIdempotencyKey returns the post recorded under key, or ErrNotFound
	GetByIdempotencyKey(ctx context.Context, key string) (model.Post, error)
}

type postRepo struct {
	db *sqlx.DB
}

// NewPostRepo creates a new PostRepo instance
func NewPostRepo(db *sqlx.DB) PostRepo {
	return &postRepo{db: db}
}

// ValidatePost checks the kind/reference pairing of a post before it is stored
func ValidatePost(post *model.Post) error {
	switch post.Kind {
	case model.PostKindPlain:
		if post.AnchorRef != nil || post.TxRef != nil {
			return common.Validationf("plain post must not carry anchor or tx references")
		}
	case model.PostKindAnchored:
		if post.AnchorRef == nil || *post.AnchorRef == "" || post.TxRef == nil || *post.TxRef == "" {
			return common.Validationf("anchored post requires anchor and tx references")
		}
	default:
		return common.Validationf("unknown post kind %q", post.Kind)
	}
	if post.Content == "" {
		return common.Validationf("post content is empty")
	}
	return nil
}

// Append inserts the post and returns its ID
func (r *postRepo) Append(ctx context.Context, post *model.Post) (string, error) {
	if err := ValidatePost(post); err != nil {
		return "", err
	}
	if post.ID == "" {
		post.ID = ids.New()
	}

	query := `
		INSERT INTO posts (id, account_id, author_ref, content, kind, anchor_ref, tx_ref, author_signature, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		post.ID,
		post.AccountID,
		post.AuthorRef,
		post.Content,
		string(post.Kind),
		post.AnchorRef,
		post.TxRef,
		post.AuthorSignature,
		post.IdempotencyKey,
	).Scan(&post.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("post already recorded: %w", common.ErrConflict)
		}
		return "", fmt.Errorf("failed to insert post: %w", err)
	}
	return post.ID, nil
}

// List reads the whole ledger, newest first
func (r *postRepo) List(ctx context.Context) ([]model.Post, error) {
	query := `
		SELECT p.id, p.account_id,
		       CASE WHEN a.id IS NULL THEN $1 ELSE p.author_ref END AS author_ref,
		       p.content, p.kind, p.anchor_ref, p.tx_ref, p.author_signature, p.idempotency_key, p.created_at
		FROM posts p
		LEFT JOIN accounts a ON a.id = p.account_id AND a.deleted_at IS NULL
		ORDER BY p.created_at DESC, p.id DESC
	`
	posts := []model.Post{}
	if err := r.db.SelectContext(ctx, &posts, query, model.UnknownAuthor); err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	return posts, nil
}

// GetByIdempotencyKey finds the anchored post a request key already produced
func (r *postRepo) GetByIdempotencyKey(ctx context.Context, key string) (model.Post, error) {
	var post model.Post
	query := `
		SELECT id, account_id, author_ref, content, kind, anchor_ref, tx_ref, author_signature, idempotency_key, created_at
		FROM posts
		WHERE idempotency_key = $1
	`
	if err := r.db.GetContext(ctx, &post, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Post{}, fmt.Errorf("post not found: %w", common.ErrNotFound)
		}
		return model.Post{}, fmt.Errorf("failed to get post by idempotency key: %w", err)
	}
	return post, nil
}
