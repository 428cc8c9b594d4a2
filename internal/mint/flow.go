// Package mint publishes posts. Anchored posts go through the custody and
// ledger steps before they are recorded:
//
//	Authenticated -> KeyRecovered -> AddressVerified -> Submitted -> Confirmed -> Recorded
//
// Every step before Submitted can fail without side effects. A failure after
// Confirmed is a *common.ReconciliationError.
package mint

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/quantforum/server/internal/auth"
	"github.com/quantforum/server/internal/chain"
	"github.com/quantforum/server/internal/common"
	"github.com/quantforum/server/internal/contentstore"
	"github.com/quantforum/server/internal/custody"
	"github.com/quantforum/server/internal/idempotency"
	"github.com/quantforum/server/internal/logging"
	"github.com/quantforum/server/internal/model"
	"github.com/quantforum/server/internal/obs"
	"github.com/quantforum/server/internal/repo"
)

const (
	MaxContentLen        = 10000
	MaxIdempotencyKeyLen = 128

	DefaultSubmitTimeout = 60 * time.Second
	defaultRecordTimeout = 10 * time.Second
)

// Resolver loads the live account behind verified claims
type Resolver interface {
	Resolve(ctx context.Context, claims *auth.Claims) (model.Account, error)
}

// KeyCustodian provisions and recovers custodial keys
type KeyCustodian interface {
	Provision(ctx context.Context, account model.Account) (custody.Provisioning, error)
	Recover(account model.Account) (*ecdsa.PrivateKey, error)
}

// Minter submits a mint and waits for its receipt
type Minter interface {
	Mint(ctx context.Context, req chain.MintRequest) (chain.Receipt, error)
}

// Request is a validated create-post request
type Request struct {
	Content        string
	Anchored       bool
	IdempotencyKey string
}

// Result describes the stored post
type Result struct {
	PostID    string
	Kind      model.PostKind
	TxRef     string
	AnchorRef string
	// Replayed is set when an earlier request with the same key already minted
	Replayed bool
}

// Deps wires a Flow
type Deps struct {
	Accounts      repo.AccountRepo
	Posts         repo.PostRepo
	Orphans       repo.OrphanRepo
	Registry      Resolver
	Custodian     KeyCustodian
	Content       contentstore.Store
	Minter        Minter
	Idempotency   idempotency.Store
	Metrics       *obs.Metrics
	Log           logging.Logger
	SubmitTimeout time.Duration
}

// Flow runs the publish state machine for plain and anchored posts
type Flow struct {
	accounts      repo.AccountRepo
	posts         repo.PostRepo
	orphans       repo.OrphanRepo
	registry      Resolver
	custodian     KeyCustodian
	content       contentstore.Store
	minter        Minter
	idem          idempotency.Store
	metrics       *obs.Metrics
	log           logging.Logger
	submitTimeout time.Duration
	recordTimeout time.Duration
}

// NewFlow creates a new Flow. Zero SubmitTimeout means DefaultSubmitTimeout.
func NewFlow(d Deps) *Flow {
	if d.SubmitTimeout <= 0 {
		d.SubmitTimeout = DefaultSubmitTimeout
	}
	if d.Log == nil {
		d.Log = logging.Nop()
	}
	return &Flow{
		accounts:      d.Accounts,
		posts:         d.Posts,
		orphans:       d.Orphans,
		registry:      d.Registry,
		custodian:     d.Custodian,
		content:       d.Content,
		minter:        d.Minter,
		idem:          d.Idempotency,
		metrics:       d.Metrics,
		log:           d.Log,
		submitTimeout: d.SubmitTimeout,
		recordTimeout: defaultRecordTimeout,
	}
}

// ValidateRequest trims the content and checks length limits
func ValidateRequest(req Request) (Request, error) {
	req.Content = strings.TrimSpace(req.Content)
	n := utf8.RuneCountInString(req.Content)
	if n == 0 {
		return req, common.Validationf("content is required")
	}
	if n > MaxContentLen {
		return req, common.Validationf("content exceeds %d characters", MaxContentLen)
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if len(req.IdempotencyKey) > MaxIdempotencyKeyLen {
		return req, common.Validationf("idempotency key exceeds %d bytes", MaxIdempotencyKeyLen)
	}
	return req, nil
}

// Publish stores a post on behalf of the token holder
func (f *Flow) Publish(ctx context.Context, claims *auth.Claims, req Request) (*Result, error) {
	req, err := ValidateRequest(req)
	if err != nil {
		f.metrics.MintOutcome(obs.OutcomeRejected)
		return nil, err
	}

	account, err := f.registry.Resolve(ctx, claims)
	if err != nil {
		if errors.Is(err, common.ErrIdentityMismatch) {
			f.securityEvent(ctx, obs.EventIdentityMismatch, "token subject does not own identity claim", "subject", claims.Subject)
		}
		f.metrics.MintOutcome(obs.OutcomeRejected)
		return nil, err
	}

	if !req.Anchored {
		return f.publishPlain(ctx, account, req)
	}
	return f.publishAnchored(ctx, claims, account, req)
}

func (f *Flow) publishPlain(ctx context.Context, account model.Account, req Request) (*Result, error) {
	authorRef := account.Address()
	if authorRef == "" {
		authorRef = account.IdentityHash
	}
	accountID := account.ID
	post := model.Post{
		AccountID: &accountID,
		AuthorRef: authorRef,
		Content:   req.Content,
		Kind:      model.PostKindPlain,
	}
	id, err := f.posts.Append(ctx, &post)
	if err != nil {
		return nil, err
	}
	f.metrics.MintOutcome(obs.OutcomePlain)
	f.log.Info(ctx, "post created", "post_id", id, "kind", post.Kind)
	return &Result{PostID: id, Kind: model.PostKindPlain}, nil
}

func (f *Flow) publishAnchored(ctx context.Context, claims *auth.Claims, account model.Account, req Request) (*Result, error) {
	if !account.Provisioned() {
		p, err := f.custodian.Provision(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("failed to provision key: %w", err)
		}
		if account, err = f.accounts.GetByID(ctx, account.ID); err != nil {
			return nil, err
		}
		f.log.Info(ctx, "key provisioned for mint", "account_id", account.ID, "address", p.Address, "created", p.Created)
	}

	// KeyRecovered
	key, err := f.custodian.Recover(account)
	if err != nil {
		f.securityEvent(ctx, obs.EventKeyRecovery, "custodial key could not be recovered", "account_id", account.ID, "error", err)
		f.metrics.MintOutcome(obs.OutcomeRejected)
		return nil, err
	}
	defer zeroKey(key)

	// AddressVerified
	derived := custody.AddressOf(key)
	if !custody.SameAddress(derived, account.Address()) {
		f.securityEvent(ctx, obs.EventIdentityMismatch, "recovered key does not match stored address",
			"account_id", account.ID, "stored_address", account.Address(), "derived_address", derived)
		f.metrics.MintOutcome(obs.OutcomeRejected)
		return nil, fmt.Errorf("%w: recovered key does not match account address", common.ErrIdentityMismatch)
	}
	if claims.Address != "" && !custody.SameAddress(derived, claims.Address) {
		f.securityEvent(ctx, obs.EventIdentityMismatch, "token address claim does not match recovered key",
			"account_id", account.ID, "claimed_address", claims.Address, "derived_address", derived)
		f.metrics.MintOutcome(obs.OutcomeRejected)
		return nil, fmt.Errorf("%w: token address claim does not match account key", common.ErrIdentityMismatch)
	}
	if claims.Address == "" && !issuedBefore(claims, account.ProvisionedAt) {
		f.securityEvent(ctx, obs.EventIdentityMismatch, "token without address claim issued after provisioning",
			"account_id", account.ID, "derived_address", derived)
		f.metrics.MintOutcome(obs.OutcomeRejected)
		return nil, fmt.Errorf("%w: token issued after provisioning carries no address claim", common.ErrIdentityMismatch)
	}

	idemKey := f.idempotencyKey(account, req)
	prior, err := f.idem.Reserve(ctx, idemKey)
	switch {
	case errors.Is(err, idempotency.ErrInFlight):
		f.metrics.MintOutcome(obs.OutcomeRejected)
		return nil, fmt.Errorf("%w: an identical post is already being minted", common.ErrConflict)
	case err != nil:
		return nil, err
	case prior != nil:
		return f.replay(ctx, account, *prior), nil
	}

	// The reservation expires; the ledger does not. A key that already has a
	// post is replayed from it.
	recorded, err := f.posts.GetByIdempotencyKey(ctx, idemKey)
	switch {
	case err == nil:
		out := idempotency.Outcome{PostID: recorded.ID}
		if recorded.TxRef != nil {
			out.TxRef = *recorded.TxRef
		}
		if recorded.AnchorRef != nil {
			out.AnchorRef = *recorded.AnchorRef
		}
		if err := f.idem.Complete(ctx, idemKey, out); err != nil {
			f.log.Warn(ctx, "failed to complete idempotency key", "post_id", recorded.ID, "error", err)
		}
		return f.replay(ctx, account, out), nil
	case !errors.Is(err, common.ErrNotFound):
		f.release(ctx, idemKey)
		return nil, err
	}

	anchorRef, err := f.content.Put(ctx, []byte(req.Content))
	if err != nil {
		f.abandon(ctx, idemKey)
		return nil, fmt.Errorf("%w: content store: %w", common.ErrSubmissionFailed, err)
	}
	signature, err := custody.SignAuthorship(key, []byte(anchorRef))
	if err != nil {
		f.abandon(ctx, idemKey)
		return nil, err
	}

	// Submitted -> Confirmed
	receipt, err := f.submit(ctx, chain.MintRequest{Author: derived, ContentRef: anchorRef})
	if err != nil {
		f.abandon(ctx, idemKey)
		f.log.Warn(ctx, "mint submission failed", "account_id", account.ID, "anchor_ref", anchorRef, "error", err)
		return nil, fmt.Errorf("%w: %w", common.ErrSubmissionFailed, err)
	}

	// Recorded. The caller may have gone away; the chain has not.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.recordTimeout)
	defer cancel()

	accountID := account.ID
	post := model.Post{
		AccountID:       &accountID,
		AuthorRef:       derived,
		Content:         req.Content,
		Kind:            model.PostKindAnchored,
		AnchorRef:       &anchorRef,
		TxRef:           &receipt.TxRef,
		AuthorSignature: &signature,
		IdempotencyKey:  &idemKey,
	}
	id, err := f.posts.Append(rctx, &post)
	if err != nil {
		return nil, f.reconcile(rctx, account, req, receipt.TxRef, anchorRef, err)
	}

	if err := f.idem.Complete(rctx, idemKey, idempotency.Outcome{PostID: id, TxRef: receipt.TxRef, AnchorRef: anchorRef}); err != nil {
		f.log.Warn(rctx, "failed to complete idempotency key", "post_id", id, "error", err)
	}
	f.metrics.MintOutcome(obs.OutcomeAnchored)
	f.log.Info(rctx, "anchored post created", "post_id", id, "tx_ref", receipt.TxRef, "anchor_ref", anchorRef, "block", receipt.BlockNumber)
	return &Result{PostID: id, Kind: model.PostKindAnchored, TxRef: receipt.TxRef, AnchorRef: anchorRef}, nil
}

func (f *Flow) submit(ctx context.Context, req chain.MintRequest) (chain.Receipt, error) {
	sctx, cancel := context.WithTimeout(ctx, f.submitTimeout)
	defer cancel()

	receipt, err := f.minter.Mint(sctx, req)
	if err != nil {
		return chain.Receipt{}, err
	}
	if receipt.TxRef == "" {
		return chain.Receipt{}, errors.New("ledger returned no transaction reference")
	}
	return receipt, nil
}

// reconcile reports a confirmed mint that has no post row. The idempotency
// reservation stays pending so a retry cannot mint a second time.
func (f *Flow) reconcile(ctx context.Context, account model.Account, req Request, txRef, anchorRef string, cause error) error {
	recErr := &common.ReconciliationError{
		TxRef:     txRef,
		AnchorRef: anchorRef,
		AccountID: account.ID,
		Err:       cause,
	}
	f.metrics.MintOutcome(obs.OutcomeReconciliation)
	f.log.Error(ctx, "confirmed mint was not recorded",
		"event", "reconciliation_required",
		"tx_ref", txRef,
		"anchor_ref", anchorRef,
		"account_id", account.ID,
		"error", cause,
	)

	orphan := model.OrphanedMint{
		AccountID: account.ID,
		TxRef:     txRef,
		AnchorRef: anchorRef,
		Content:   req.Content,
		Reason:    cause.Error(),
	}
	if err := f.orphans.Record(ctx, &orphan); err != nil {
		f.log.Error(ctx, "failed to journal orphaned mint", "event", "reconciliation_required", "tx_ref", txRef, "error", err)
	}
	return recErr
}

func (f *Flow) replay(ctx context.Context, account model.Account, out idempotency.Outcome) *Result {
	f.metrics.MintOutcome(obs.OutcomeReplayed)
	f.log.Info(ctx, "mint replayed", "account_id", account.ID, "post_id", out.PostID, "tx_ref", out.TxRef)
	return &Result{
		PostID:    out.PostID,
		Kind:      model.PostKindAnchored,
		TxRef:     out.TxRef,
		AnchorRef: out.AnchorRef,
		Replayed:  true,
	}
}

func (f *Flow) abandon(ctx context.Context, key string) {
	f.metrics.MintOutcome(obs.OutcomeSubmitFailed)
	f.release(ctx, key)
}

func (f *Flow) release(ctx context.Context, key string) {
	if err := f.idem.Release(context.WithoutCancel(ctx), key); err != nil {
		f.log.Warn(ctx, "failed to release idempotency key", "error", err)
	}
}

func (f *Flow) securityEvent(ctx context.Context, kind, msg string, args ...any) {
	f.metrics.SecurityEvent(kind)
	f.log.Error(ctx, msg, append([]any{"security_event", kind}, args...)...)
}

// idempotencyKey scopes the client key to the account. Without a client key
// the same content from the same account maps to the same key.
func (f *Flow) idempotencyKey(account model.Account, req Request) string {
	if req.IdempotencyKey != "" {
		return account.ID.String() + ":" + req.IdempotencyKey
	}
	sum := sha256.Sum256([]byte(account.IdentityHash + "\x00" + req.Content))
	return account.ID.String() + ":c:" + hex.EncodeToString(sum[:])
}

// issuedBefore reports whether the token was signed before the key was
// provisioned. Only such tokens may lack an address claim.
func issuedBefore(claims *auth.Claims, provisionedAt *time.Time) bool {
	if provisionedAt == nil {
		return true
	}
	if claims.IssuedAt == nil {
		return false
	}
	return !claims.IssuedAt.Time.After(*provisionedAt)
}

func zeroKey(key *ecdsa.PrivateKey) {
	if key != nil && key.D != nil {
		key.D.SetInt64(0)
	}
}
