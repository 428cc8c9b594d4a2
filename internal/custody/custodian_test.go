package custody

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforum/server/internal/common"
	"github.com/quantforum/server/internal/logging"
	"github.com/quantforum/server/internal/model"
	"github.com/quantforum/server/internal/repo"
	"github.com/quantforum/server/internal/vault"
)

func newTestCustodian(t *testing.T) (*Custodian, *repo.MemoryStore, model.Account, *bytes.Buffer) {
	t.Helper()
	key := make([]byte, vault.MasterKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	store := repo.NewMemoryStore()
	account := model.Account{IdentityHash: "h", EncryptedIdentifier: "n:c", PasswordHash: "x"}
	require.NoError(t, store.Create(context.Background(), &account))

	var buf bytes.Buffer
	return NewCustodian(store, v, logging.New(&buf, "debug", "json")), store, account, &buf
}

func TestProvision_GeneratesAndSealsKey(t *testing.T) {
	c, store, account, logs := newTestCustodian(t)
	ctx := context.Background()

	var generated []byte
	c.generate = func() (*ecdsa.PrivateKey, error) {
		k, err := crypto.GenerateKey()
		generated = crypto.FromECDSA(k)
		return k, err
	}

	p, err := c.Provision(ctx, account)
	require.NoError(t, err)
	assert.True(t, p.Created)

	stored, err := store.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.True(t, stored.Provisioned())
	assert.Equal(t, p.Address, stored.Address())

	hexKey := hexutil.Encode(generated)
	assert.NotContains(t, *stored.EncryptedPrivateKey, hexKey[2:])
	assert.NotContains(t, logs.String(), hexKey[2:], "private key must never be logged")

	recovered, err := c.Recover(stored)
	require.NoError(t, err)
	assert.Equal(t, generated, crypto.FromECDSA(recovered))
	assert.True(t, SameAddress(p.Address, AddressOf(recovered)))
}

func TestProvision_SecondCallReturnsExistingAddress(t *testing.T) {
	c, store, account, _ := newTestCustodian(t)
	ctx := context.Background()

	first, err := c.Provision(ctx, account)
	require.NoError(t, err)
	require.True(t, first.Created)

	// stale copy of the account, still unprovisioned
	second, err := c.Provision(ctx, account)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Address, second.Address)

	fresh, err := store.GetByID(ctx, account.ID)
	require.NoError(t, err)
	third, err := c.Provision(ctx, fresh)
	require.NoError(t, err)
	assert.False(t, third.Created)
	assert.Equal(t, first.Address, third.Address)
}

func TestProvision_ConcurrentFirstCallsAgree(t *testing.T) {
	c, store, account, _ := newTestCustodian(t)
	ctx := context.Background()

	const n = 8
	results := make([]Provisioning, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Provision(ctx, account)
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Created {
			created++
		}
	}
	assert.Equal(t, 1, created, "exactly one provisioning attempt wins")

	stored, err := store.GetByID(ctx, account.ID)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, stored.Address(), r.Address)
	}
}

func TestProvision_MissingAccount(t *testing.T) {
	c, _, account, _ := newTestCustodian(t)
	account.ID[0] ^= 0xff

	_, err := c.Provision(context.Background(), account)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRecover_Failures(t *testing.T) {
	c, _, account, _ := newTestCustodian(t)

	_, err := c.Recover(account)
	assert.ErrorIs(t, err, common.ErrKeyRecovery)

	addr := "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	garbage := "not-an-envelope"
	account.PublicAddress, account.EncryptedPrivateKey = &addr, &garbage
	_, err = c.Recover(account)
	assert.ErrorIs(t, err, common.ErrKeyRecovery)
	assert.ErrorIs(t, err, common.ErrFormat)

	env, err := c.vault.Encrypt(make([]byte, 32))
	require.NoError(t, err)
	env.Ciphertext[0] ^= 1
	tampered := env.String()
	account.EncryptedPrivateKey = &tampered
	_, err = c.Recover(account)
	assert.ErrorIs(t, err, common.ErrKeyRecovery)
	assert.ErrorIs(t, err, common.ErrIntegrity)

	zero, err := c.vault.EncryptString(string(make([]byte, 32)))
	require.NoError(t, err)
	account.EncryptedPrivateKey = &zero
	_, err = c.Recover(account)
	assert.ErrorIs(t, err, common.ErrKeyRecovery, "the zero scalar is not a valid key")
}
