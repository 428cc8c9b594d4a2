package model

import (
	"time"

	"github.com/google/uuid"
)

// PostKind distinguishes plain posts from chain-anchored posts
type PostKind string

const (
	PostKindPlain    PostKind = "plain"
	PostKindAnchored PostKind = "anchored"
)

// UnknownAuthor replaces the author of a post whose account no longer resolves
const UnknownAuthor = "unknown"

// Account represents a registered identity
type Account struct {
	ID                  uuid.UUID  `db:"id"`
	IdentityHash        string     `db:"identity_hash"`
	EncryptedIdentifier string     `db:"encrypted_identifier"`
	PasswordHash        string     `db:"password_hash"`
	PublicAddress       *string    `db:"public_address"`
	EncryptedPrivateKey *string    `db:"encrypted_private_key"`
	CreatedAt           time.Time  `db:"created_at"`
	ProvisionedAt       *time.Time `db:"provisioned_at"`
	DeletedAt           *time.Time `db:"deleted_at"`
}

// Provisioned reports whether the account holds a key pair
func (a Account) Provisioned() bool {
	return a.PublicAddress != nil && a.EncryptedPrivateKey != nil
}

// Address returns the public address or "" when unprovisioned
func (a Account) Address() string {
	if a.PublicAddress == nil {
		return ""
	}
	return *a.PublicAddress
}

// Post is an immutable ledger entry
type Post struct {
	ID              string     `db:"id"`
	AccountID       *uuid.UUID `db:"account_id"`
	AuthorRef       string     `db:"author_ref"`
	Content         string     `db:"content"`
	Kind            PostKind   `db:"kind"`
	AnchorRef       *string    `db:"anchor_ref"`
	TxRef           *string    `db:"tx_ref"`
	AuthorSignature *string    `db:"author_signature"`
	IdempotencyKey  *string    `db:"idempotency_key"`
	CreatedAt       time.Time  `db:"created_at"`
}

// OrphanedMint records a confirmed transaction that has no local post
type OrphanedMint struct {
	ID        uuid.UUID `db:"id"`
	AccountID uuid.UUID `db:"account_id"`
	TxRef     string    `db:"tx_ref"`
	AnchorRef string    `db:"anchor_ref"`
	Content   string    `db:"content"`
	Reason    string    `db:"reason"`
	CreatedAt time.Time `db:"created_at"`
}
