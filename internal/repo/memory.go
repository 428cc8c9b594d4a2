package repo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantforum/server/internal/common"
	"github.com/quantforum/server/internal/ids"
	"github.com/quantforum/server/internal/model"
)

// MemoryStore implements AccountRepo, PostRepo and OrphanRepo in process
// memory. It enforces the same uniqueness and conditional-update rules as the
// Postgres schema and backs dev mode and tests.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]model.Account
	byHash   map[string]uuid.UUID
	posts    []model.Post
	orphans  []model.OrphanedMint
}

var (
	_ AccountRepo = (*MemoryStore)(nil)
	_ PostRepo    = (*MemoryStore)(nil)
	_ OrphanRepo  = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[uuid.UUID]model.Account),
		byHash:   make(map[string]uuid.UUID),
	}
}

// Create inserts the account, rejecting a duplicate identity hash
func (s *MemoryStore) Create(_ context.Context, account *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHash[account.IdentityHash]; ok {
		return fmt.Errorf("account already exists: %w", common.ErrConflict)
	}
	account.ID = uuid.New()
	account.CreatedAt = time.Now().UTC()
	s.accounts[account.ID] = *account
	s.byHash[account.IdentityHash] = account.ID
	return nil
}

// GetByID returns a live account by ID
func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveAccount(id)
}

// GetByIdentityHash returns a live account by identity hash
func (s *MemoryStore) GetByIdentityHash(_ context.Context, identityHash string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[identityHash]
	if !ok {
		return model.Account{}, fmt.Errorf("account not found: %w", common.ErrNotFound)
	}
	return s.liveAccount(id)
}

func (s *MemoryStore) liveAccount(id uuid.UUID) (model.Account, error) {
	a, ok := s.accounts[id]
	if !ok || a.DeletedAt != nil {
		return model.Account{}, fmt.Errorf("account not found: %w", common.ErrNotFound)
	}
	return a, nil
}

// SetKeys stores the key pair only if the account has none yet
func (s *MemoryStore) SetKeys(_ context.Context, id uuid.UUID, publicAddress, encryptedPrivateKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.liveAccount(id)
	if err != nil {
		return err
	}
	if a.PublicAddress != nil || a.EncryptedPrivateKey != nil {
		return common.ErrAlreadyProvisioned
	}
	for _, other := range s.accounts {
		if other.PublicAddress != nil && strings.EqualFold(*other.PublicAddress, publicAddress) {
			return fmt.Errorf("public address already assigned: %w", common.ErrConflict)
		}
	}

	now := time.Now().UTC()
	a.PublicAddress = &publicAddress
	a.EncryptedPrivateKey = &encryptedPrivateKey
	a.ProvisionedAt = &now
	s.accounts[id] = a
	return nil
}

// SoftDelete marks an account deleted; its posts remain listed under
// model.UnknownAuthor.
func (s *MemoryStore) SoftDelete(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.accounts[id]; ok {
		now := time.Now().UTC()
		a.DeletedAt = &now
		s.accounts[id] = a
	}
}

// Append inserts the post and returns its ID
func (s *MemoryStore) Append(_ context.Context, post *model.Post) (string, error) {
	if err := ValidatePost(post); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.posts {
		if post.TxRef != nil && p.TxRef != nil && *p.TxRef == *post.TxRef {
			return "", fmt.Errorf("post already recorded: %w", common.ErrConflict)
		}
		if post.IdempotencyKey != nil && p.IdempotencyKey != nil && *p.IdempotencyKey == *post.IdempotencyKey {
			return "", fmt.Errorf("post already recorded: %w", common.ErrConflict)
		}
	}

	if post.ID == "" {
		post.ID = ids.New()
	}
	post.CreatedAt = time.Now().UTC()
	s.posts = append(s.posts, *post)
	return post.ID, nil
}

// List returns every post, newest first
func (s *MemoryStore) List(_ context.Context) ([]model.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Post, 0, len(s.posts))
	for i := len(s.posts) - 1; i >= 0; i-- {
		p := s.posts[i]
		if p.AccountID == nil {
			p.AuthorRef = model.UnknownAuthor
		} else if _, err := s.liveAccount(*p.AccountID); err != nil {
			p.AuthorRef = model.UnknownAuthor
		}
		out = append(out, p)
	}
	return out, nil
}

// GetByIdempotencyKey returns the post recorded under key
func (s *MemoryStore) GetByIdempotencyKey(_ context.Context, key string) (model.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.posts {
		if p.IdempotencyKey != nil && *p.IdempotencyKey == key {
			return p, nil
		}
	}
	return model.Post{}, fmt.Errorf("post not found: %w", common.ErrNotFound)
}

// Record journals an orphaned mint
func (s *MemoryStore) Record(_ context.Context, orphan *model.OrphanedMint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	orphan.ID = uuid.New()
	orphan.CreatedAt = time.Now().UTC()
	s.orphans = append(s.orphans, *orphan)
	return nil
}

// Orphans returns the journaled orphaned mints.
func (s *MemoryStore) Orphans() []model.OrphanedMint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.OrphanedMint(nil), s.orphans...)
}
