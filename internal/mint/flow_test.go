package mint

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforum/server/internal/auth"
	"github.com/quantforum/server/internal/chain"
	"github.com/quantforum/server/internal/common"
	"github.com/quantforum/server/internal/custody"
	"github.com/quantforum/server/internal/idempotency"
	"github.com/quantforum/server/internal/logging"
	"github.com/quantforum/server/internal/model"
	"github.com/quantforum/server/internal/obs"
	"github.com/quantforum/server/internal/repo"
	"github.com/quantforum/server/internal/vault"
)

type fakeContent struct {
	mu    sync.Mutex
	ref   string
	err   error
	calls int
}

func (f *fakeContent) Put(_ context.Context, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.ref, nil
}

type fakeMinter struct {
	mu    sync.Mutex
	tx    string
	err   error
	calls int
	last  chain.MintRequest
	block chan struct{}
}

func (f *fakeMinter) Mint(ctx context.Context, req chain.MintRequest) (chain.Receipt, error) {
	f.mu.Lock()
	f.calls++
	f.last = req
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return chain.Receipt{}, ctx.Err()
		}
	}
	if f.err != nil {
		return chain.Receipt{}, f.err
	}
	return chain.Receipt{TxRef: f.tx, BlockNumber: 1}, nil
}

type failingPosts struct {
	repo.PostRepo
	calls int
}

func (f *failingPosts) Append(context.Context, *model.Post) (string, error) {
	f.calls++
	return "", errors.New("connection reset")
}

// swappedKeyCustodian recovers a key other than the provisioned one
type swappedKeyCustodian struct {
	*custody.Custodian
	key *ecdsa.PrivateKey
}

func (s swappedKeyCustodian) Recover(model.Account) (*ecdsa.PrivateKey, error) {
	return s.key, nil
}

type harness struct {
	flow      *Flow
	store     *repo.MemoryStore
	vault     *vault.Vault
	custodian *custody.Custodian
	content   *fakeContent
	minter    *fakeMinter
	metrics   *obs.Metrics
	logs      *bytes.Buffer
	deps      Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	masterKey := make([]byte, vault.MasterKeySize)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	v, err := vault.New(masterKey)
	require.NoError(t, err)

	var logs bytes.Buffer
	log := logging.New(&logs, "debug", "json")
	store := repo.NewMemoryStore()
	h := &harness{
		store:     store,
		vault:     v,
		custodian: custody.NewCustodian(store, v, log),
		content:   &fakeContent{ref: "cid123"},
		minter:    &fakeMinter{tx: "0xabc"},
		metrics:   obs.NewMetrics(),
		logs:      &logs,
	}
	h.deps = Deps{
		Accounts:      store,
		Posts:         store,
		Orphans:       store,
		Registry:      auth.NewService(store, v, auth.NewJWTService("secret", time.Hour)),
		Custodian:     h.custodian,
		Content:       h.content,
		Minter:        h.minter,
		Idempotency:   idempotency.NewMemoryStore(time.Hour),
		Metrics:       h.metrics,
		Log:           log,
		SubmitTimeout: time.Second,
	}
	h.flow = NewFlow(h.deps)
	return h
}

func (h *harness) rebuild(mut func(*Deps)) {
	mut(&h.deps)
	h.flow = NewFlow(h.deps)
}

func (h *harness) account(t *testing.T, identityHash string) model.Account {
	t.Helper()
	a := model.Account{IdentityHash: identityHash, EncryptedIdentifier: "n:c", PasswordHash: "x"}
	require.NoError(t, h.store.Create(context.Background(), &a))
	return a
}

func (h *harness) provisioned(t *testing.T, identityHash string) model.Account {
	t.Helper()
	ctx := context.Background()
	a := h.account(t, identityHash)
	_, err := h.custodian.Provision(ctx, a)
	require.NoError(t, err)
	a, err = h.store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	return a
}

func claimsFor(a model.Account) *auth.Claims {
	return &auth.Claims{
		Identity: a.IdentityHash,
		Address:  a.Address(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  a.ID.String(),
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
}

func listPosts(t *testing.T, h *harness) []model.Post {
	t.Helper()
	posts, err := h.store.List(context.Background())
	require.NoError(t, err)
	return posts
}

func TestPublish_Plain(t *testing.T) {
	h := newHarness(t)
	a := h.account(t, "h1")

	res, err := h.flow.Publish(context.Background(), claimsFor(a), Request{Content: "  hello  "})
	require.NoError(t, err)
	assert.Equal(t, model.PostKindPlain, res.Kind)
	assert.NotEmpty(t, res.PostID)

	posts := listPosts(t, h)
	require.Len(t, posts, 1)
	assert.Equal(t, "hello", posts[0].Content)
	assert.Equal(t, "h1", posts[0].AuthorRef, "unprovisioned author is referenced by identity hash")
	assert.Nil(t, posts[0].AnchorRef)
	assert.Nil(t, posts[0].TxRef)
	assert.Zero(t, h.minter.calls)
	assert.Zero(t, h.content.calls)
}

func TestPublish_Anchored(t *testing.T) {
	h := newHarness(t)
	a := h.provisioned(t, "h1")

	res, err := h.flow.Publish(context.Background(), claimsFor(a), Request{Content: "ip-note", Anchored: true})
	require.NoError(t, err)
	assert.Equal(t, model.PostKindAnchored, res.Kind)
	assert.Equal(t, "0xabc", res.TxRef)
	assert.Equal(t, "cid123", res.AnchorRef)
	assert.False(t, res.Replayed)

	assert.Equal(t, a.Address(), h.minter.last.Author)
	assert.Equal(t, "cid123", h.minter.last.ContentRef)

	posts := listPosts(t, h)
	require.Len(t, posts, 1)
	p := posts[0]
	assert.Equal(t, model.PostKindAnchored, p.Kind)
	assert.Equal(t, "cid123", *p.AnchorRef)
	assert.Equal(t, "0xabc", *p.TxRef)
	assert.Equal(t, a.Address(), p.AuthorRef)
	require.NotNil(t, p.AuthorSignature)
	assert.True(t, custody.VerifyAuthorship(a.Address(), []byte("cid123"), *p.AuthorSignature))
}

func TestPublish_AnchoredProvisionsLazily(t *testing.T) {
	h := newHarness(t)
	a := h.account(t, "h1")

	// token issued before provisioning carries no address claim
	res, err := h.flow.Publish(context.Background(), claimsFor(a), Request{Content: "ip-note", Anchored: true})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.TxRef)

	stored, err := h.store.GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, stored.Provisioned())
	assert.Equal(t, stored.Address(), h.minter.last.Author)
}

func TestPublish_ClaimedAddressMismatch(t *testing.T) {
	h := newHarness(t)
	a := h.provisioned(t, "h1")
	b := h.provisioned(t, "h2")

	claims := claimsFor(a)
	claims.Address = b.Address()

	_, err := h.flow.Publish(context.Background(), claims, Request{Content: "ip-note", Anchored: true})
	assert.ErrorIs(t, err, common.ErrIdentityMismatch)
	assert.Zero(t, h.minter.calls, "no ledger call on mismatch")
	assert.Zero(t, h.content.calls)
	assert.Empty(t, listPosts(t, h))
	assert.Contains(t, h.logs.String(), `"security_event":"identity_mismatch"`)
}

func TestPublish_ClaimCaseInsensitive(t *testing.T) {
	h := newHarness(t)
	a := h.provisioned(t, "h1")

	claims := claimsFor(a)
	claims.Address = strings.ToLower(a.Address())

	_, err := h.flow.Publish(context.Background(), claims, Request{Content: "ip-note", Anchored: true})
	require.NoError(t, err)
}

func TestPublish_EmptyAddressClaim(t *testing.T) {
	h := newHarness(t)
	a := h.provisioned(t, "h1")
	require.NotNil(t, a.ProvisionedAt)

	t.Run("issued before provisioning", func(t *testing.T) {
		claims := claimsFor(a)
		claims.Address = ""
		claims.IssuedAt = jwt.NewNumericDate(a.ProvisionedAt.Add(-time.Hour))

		_, err := h.flow.Publish(context.Background(), claims, Request{Content: "early", Anchored: true})
		require.NoError(t, err)
	})

	t.Run("issued after provisioning", func(t *testing.T) {
		calls := h.minter.calls
		claims := claimsFor(a)
		claims.Address = ""
		claims.IssuedAt = jwt.NewNumericDate(a.ProvisionedAt.Add(time.Hour))

		_, err := h.flow.Publish(context.Background(), claims, Request{Content: "late", Anchored: true})
		assert.ErrorIs(t, err, common.ErrIdentityMismatch)
		assert.Equal(t, calls, h.minter.calls)
	})

	t.Run("no issued-at", func(t *testing.T) {
		calls := h.minter.calls
		claims := claimsFor(a)
		claims.Address = ""
		claims.IssuedAt = nil

		_, err := h.flow.Publish(context.Background(), claims, Request{Content: "undated", Anchored: true})
		assert.ErrorIs(t, err, common.ErrIdentityMismatch)
		assert.Equal(t, calls, h.minter.calls)
	})
}

func TestPublish_RecoveredKeyMismatch(t *testing.T) {
	h := newHarness(t)
	a := h.provisioned(t, "h1")
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	h.rebuild(func(d *Deps) { d.Custodian = swappedKeyCustodian{Custodian: h.custodian, key: other} })

	_, err = h.flow.Publish(context.Background(), claimsFor(a), Request{Content: "ip-note", Anchored: true})
	assert.ErrorIs(t, err, common.ErrIdentityMismatch)
	assert.Zero(t, h.minter.calls)
}

func TestPublish_SubjectMismatch(t *testing.T) {
	h := newHarness(t)
	a := h.provisioned(t, "h1")
	b := h.provisioned(t, "h2")

	claims := claimsFor(a)
	claims.Subject = b.ID.String()

	_, err := h.flow.Publish(context.Background(), claims, Request{Content: "ip-note", Anchored: true})
	assert.ErrorIs(t, err, common.ErrIdentityMismatch)
	assert.Zero(t, h.minter.calls)
}

func TestPublish_KeyRecoveryFailure(t *testing.T) {
	h := newHarness(t)
	a := h.provisioned(t, "h1")

	wrongKey := make([]byte, vault.MasterKeySize)
	_, err := rand.Read(wrongKey)
	require.NoError(t, err)
	wrong, err := vault.New(wrongKey)
	require.NoError(t, err)
	h.rebuild(func(d *Deps) { d.Custodian = custody.NewCustodian(h.store, wrong, logging.Nop()) })

	_, err = h.flow.Publish(context.Background(), claimsFor(a), Request{Content: "ip-note", Anchored: true})
	assert.ErrorIs(t, err, common.ErrKeyRecovery)
	assert.Zero(t, h.minter.calls)
	assert.Zero(t, h.content.calls)
	assert.Contains(t, h.logs.String(), `"security_event":"key_recovery_failed"`)
}

func TestPublish_SubmissionFailure(t *testing.T) {
	h := newHarness(t)
	a := h.provisioned(t, "h1")
	h.minter.err = errors.New("nonce too low")

	_, err := h.flow.Publish(context.Background(), claimsFor(a), Request{Content: "ip-note", Anchored: true})
	assert.ErrorIs(t, err, common.ErrSubmissionFailed)
	assert.Equal(t, 1, h.minter.calls)
	assert.Empty(t, listPosts(t, h))

	// reservation released: a fresh attempt submits again
	h.minter.err = nil
	res, err := h.flow.Publish(context.Background(), claimsFor(a), Request{Content: "ip-note", Anchored: true})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 2, h.minter.calls)
}

func TestPublish_SubmissionTimeout(t *testing.T) {
	h := newHarness(t)
	a := h.provisioned(t, "h1")
	h.minter.block = make(chan struct{})
	h.rebuild(func(d *Deps) { d.SubmitTimeout = 20 * time.Millisecond })

	_, err := h.flow.Publish(context.Background(), claimsFor(a), Request{Content: "ip-note", Anchored: true})
	assert.ErrorIs(t, err, common.ErrSubmissionFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, listPosts(t, h))
}

func TestPublish_ContentStoreFailure(t *testing.T) {
	h := newHarness(t)
	a := h.provisioned(t, "h1")
	h.content.err = errors.New("bucket unavailable")

	_, err := h.flow.Publish(context.Background(), claimsFor(a), Request{Content: "ip-note", Anchored: true})
	assert.ErrorIs(t, err, common.ErrSubmissionFailed)
	assert.Zero(t, h.minter.calls)
}

func TestPublish_RecordFailureIsReconciliation(t *testing.T) {
	h := newHarness(t)
	a := h.provisioned(t, "h1")
	posts := &failingPosts{PostRepo: h.store}
	h.rebuild(func(d *Deps) { d.Posts = posts })

	_, err := h.flow.Publish(context.Background(), claimsFor(a), Request{Content: "ip-note", Anchored: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrReconciliation)
	assert.False(t, errors.Is(err, common.ErrSubmissionFailed))

	var recErr *common.ReconciliationError
	require.True(t, errors.As(err, &recErr))
	assert.Equal(t, "0xabc", recErr.TxRef)
	assert.Equal(t, "cid123", recErr.AnchorRef)
	assert.Equal(t, a.ID, recErr.AccountID)

	orphans := h.store.Orphans()
	require.Len(t, orphans, 1)
	assert.Equal(t, "0xabc", orphans[0].TxRef)
	assert.Contains(t, h.logs.String(), `"event":"reconciliation_required"`)
	assert.Contains(t, h.logs.String(), `"tx_ref":"0xabc"`)

	// the retry must not mint a second time
	_, err = h.flow.Publish(context.Background(), claimsFor(a), Request{Content: "ip-note", Anchored: true})
	assert.ErrorIs(t, err, common.ErrConflict)
	assert.Equal(t, 1, h.minter.calls)
}

func TestPublish_RecordSurvivesCallerCancel(t *testing.T) {
	h := newHarness(t)
	a := h.provisioned(t, "h1")
	ctx, cancel := context.WithCancel(context.Background())
	h.rebuild(func(d *Deps) { d.Minter = cancellingMinter{fakeMinter: h.minter, cancel: cancel} })

	res, err := h.flow.Publish(ctx, claimsFor(a), Request{Content: "ip-note", Anchored: true})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.TxRef)
	assert.Len(t, listPosts(t, h), 1)
}

// cancellingMinter confirms and then cancels the caller's context
type cancellingMinter struct {
	*fakeMinter
	cancel context.CancelFunc
}

func (c cancellingMinter) Mint(ctx context.Context, req chain.MintRequest) (chain.Receipt, error) {
	r, err := c.fakeMinter.Mint(ctx, req)
	c.cancel()
	return r, err
}

func TestPublish_IdempotentReplay(t *testing.T) {
	h := newHarness(t)
	a := h.provisioned(t, "h1")
	req := Request{Content: "ip-note", Anchored: true, IdempotencyKey: "req-1"}

	first, err := h.flow.Publish(context.Background(), claimsFor(a), req)
	require.NoError(t, err)
	second, err := h.flow.Publish(context.Background(), claimsFor(a), req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.PostID, second.PostID)
	assert.Equal(t, first.TxRef, second.TxRef)
	assert.Equal(t, 1, h.minter.calls)
	assert.Len(t, listPosts(t, h), 1)
}

func TestPublish_ReplaysFromLedgerAfterReservationIsGone(t *testing.T) {
	t.Run("reservation expired", func(t *testing.T) {
		h := newHarness(t)
		h.rebuild(func(d *Deps) { d.Idempotency = idempotency.NewMemoryStore(time.Millisecond) })
		a := h.provisioned(t, "h1")

		first, err := h.flow.Publish(context.Background(), claimsFor(a), Request{Content: "gm", Anchored: true})
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)

		second, err := h.flow.Publish(context.Background(), claimsFor(a), Request{Content: "gm", Anchored: true})
		require.NoError(t, err)
		assert.True(t, second.Replayed)
		assert.Equal(t, first.PostID, second.PostID)
		assert.Equal(t, first.TxRef, second.TxRef)
		assert.Equal(t, first.AnchorRef, second.AnchorRef)

		assert.Equal(t, 1, h.minter.calls)
		assert.Len(t, listPosts(t, h), 1)
		assert.Empty(t, h.store.Orphans())
	})

	t.Run("restart with empty store", func(t *testing.T) {
		h := newHarness(t)
		a := h.provisioned(t, "h1")
		req := Request{Content: "gm", Anchored: true, IdempotencyKey: "req-7"}

		first, err := h.flow.Publish(context.Background(), claimsFor(a), req)
		require.NoError(t, err)

		fresh := idempotency.NewMemoryStore(time.Hour)
		h.rebuild(func(d *Deps) { d.Idempotency = fresh })
		second, err := h.flow.Publish(context.Background(), claimsFor(a), req)
		require.NoError(t, err)
		assert.True(t, second.Replayed)
		assert.Equal(t, first.PostID, second.PostID)
		assert.Equal(t, 1, h.minter.calls)
		assert.Equal(t, 1, h.content.calls, "content is stored once")

		// the ledger hit repopulates the reservation
		prior, err := fresh.Reserve(context.Background(), a.ID.String()+":req-7")
		require.NoError(t, err)
		require.NotNil(t, prior)
		assert.Equal(t, first.TxRef, prior.TxRef)
	})
}

func TestPublish_ContentDerivedKeyIsPerAccount(t *testing.T) {
	h := newHarness(t)
	a := h.provisioned(t, "h1")
	b := h.provisioned(t, "h2")

	var txs []string
	for i, acc := range []model.Account{a, b} {
		h.minter.tx = []string{"0xaaa", "0xbbb"}[i]
		res, err := h.flow.Publish(context.Background(), claimsFor(acc), Request{Content: "ip-note", Anchored: true})
		require.NoError(t, err)
		assert.False(t, res.Replayed)
		txs = append(txs, res.TxRef)
	}
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, txs)
	assert.Equal(t, 2, h.minter.calls)
}

func TestPublish_Validation(t *testing.T) {
	h := newHarness(t)
	a := h.account(t, "h1")

	for _, req := range []Request{
		{Content: "   "},
		{Content: strings.Repeat("x", MaxContentLen+1)},
		{Content: "ok", IdempotencyKey: strings.Repeat("k", MaxIdempotencyKeyLen+1)},
	} {
		_, err := h.flow.Publish(context.Background(), claimsFor(a), req)
		assert.ErrorIs(t, err, common.ErrValidation)
	}
	assert.Empty(t, listPosts(t, h))

	_, err := h.flow.Publish(context.Background(), claimsFor(a), Request{Content: strings.Repeat("字", MaxContentLen)})
	assert.NoError(t, err, "limit counts characters, not bytes")
}
