// Package custody generates, seals and recovers the server-held key pair of
// each account. Plaintext keys never leave this package except as the
// *ecdsa.PrivateKey handed to the caller of Recover.
package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/quantforum/server/internal/common"
	"github.com/quantforum/server/internal/logging"
	"github.com/quantforum/server/internal/model"
	"github.com/quantforum/server/internal/repo"
	"github.com/quantforum/server/internal/vault"
)

// Provisioning is the outcome of Provision
type Provisioning struct {
	Address string
	// Created is false when the account already held a key pair
	Created bool
}

// Custodian owns the sealed per-account signing keys
type Custodian struct {
	accounts repo.AccountRepo
	vault    *vault.Vault
	log      logging.Logger
	generate func() (*ecdsa.PrivateKey, error)
}

// NewCustodian creates a new key custodian
func NewCustodian(accounts repo.AccountRepo, v *vault.Vault, log logging.Logger) *Custodian {
	return &Custodian{
		accounts: accounts,
		vault:    v,
		log:      log,
		generate: crypto.GenerateKey,
	}
}

// Provision gives the account a key pair if it has none. The first caller
// wins; later or concurrent callers get the winner's address with Created=false.
func (c *Custodian) Provision(ctx context.Context, account model.Account) (Provisioning, error) {
	if account.Provisioned() {
		return Provisioning{Address: account.Address()}, nil
	}

	key, err := c.generate()
	if err != nil {
		return Provisioning{}, fmt.Errorf("failed to generate key: %w", err)
	}
	address := AddressOf(key)

	raw := crypto.FromECDSA(key)
	env, err := c.vault.Encrypt(raw)
	vault.Wipe(raw)
	if err != nil {
		return Provisioning{}, fmt.Errorf("failed to seal key: %w", err)
	}

	err = c.accounts.SetKeys(ctx, account.ID, address, env.String())
	switch {
	case err == nil:
		c.log.Info(ctx, "account key provisioned", "account_id", account.ID, "address", address)
		return Provisioning{Address: address, Created: true}, nil
	case errors.Is(err, common.ErrAlreadyProvisioned):
		current, err := c.accounts.GetByID(ctx, account.ID)
		if err != nil {
			return Provisioning{}, err
		}
		c.log.Info(ctx, "account already provisioned", "account_id", account.ID, "address", current.Address())
		return Provisioning{Address: current.Address()}, nil
	default:
		return Provisioning{}, err
	}
}

// Recover opens the account's sealed key. Any failure, including a missing
// key, is reported as common.ErrKeyRecovery.
func (c *Custodian) Recover(account model.Account) (*ecdsa.PrivateKey, error) {
	if !account.Provisioned() {
		return nil, fmt.Errorf("%w: account has no key", common.ErrKeyRecovery)
	}

	env, err := vault.ParseEnvelope(*account.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrKeyRecovery, err)
	}
	raw, err := c.vault.Decrypt(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrKeyRecovery, err)
	}
	defer vault.Wipe(raw)

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: sealed key is not a valid private key", common.ErrKeyRecovery)
	}
	return key, nil
}
