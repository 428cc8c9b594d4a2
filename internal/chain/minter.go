// Package chain submits mint transactions to the ledger.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/quantforum/server/internal/config"
	"github.com/quantforum/server/internal/logging"
)

const mintMethod = "mintPost"

// ErrReverted is returned when the transaction was mined but failed
var ErrReverted = errors.New("chain: transaction reverted")

// MintRequest names the author and the content being anchored
type MintRequest struct {
	Author     string
	ContentRef string
}

// Receipt identifies a confirmed mint
type Receipt struct {
	TxRef       string
	BlockNumber uint64
}

type contractTransactor interface {
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

type nonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// waitMined is swapped in tests
var waitMined = bind.WaitMined

// EthMinter calls mintPost(address,string) on the configured contract, paying
// gas from the server's own account, and waits for the receipt.
//
// All mints share the gas payer account, so nonces are assigned locally under
// mu. The local counter is resynced from the pending nonce after a failed send.
type EthMinter struct {
	client   *ethclient.Client
	backend  bind.DeployBackend
	contract contractTransactor
	nonces   nonceSource
	signer   *ecdsa.PrivateKey
	chainID  *big.Int
	log      logging.Logger

	mu        sync.Mutex
	nextNonce uint64
	synced    bool
}

// DialEthMinter connects to the RPC endpoint and binds the contract
func DialEthMinter(ctx context.Context, cfg config.ChainConfig, log logging.Logger) (*EthMinter, error) {
	parsed, err := abi.JSON(strings.NewReader(cfg.ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}
	if _, ok := parsed.Methods[mintMethod]; !ok {
		return nil, fmt.Errorf("contract ABI has no %s method", mintMethod)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	signer, err := crypto.HexToECDSA(cfg.GasPayerKey)
	if err != nil {
		return nil, fmt.Errorf("invalid gas payer key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RPC: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}

	contract := bind.NewBoundContract(common.HexToAddress(cfg.ContractAddress), parsed, client, client, client)
	log.Info(ctx, "ledger connected",
		"chain_id", chainID.String(),
		"contract", cfg.ContractAddress,
		"gas_payer", crypto.PubkeyToAddress(signer.PublicKey).Hex(),
	)

	return &EthMinter{
		client:   client,
		backend:  client,
		contract: contract,
		nonces:   client,
		signer:   signer,
		chainID:  chainID,
		log:      log,
	}, nil
}

// Mint submits the transaction and blocks until it is mined or ctx ends
func (m *EthMinter) Mint(ctx context.Context, req MintRequest) (Receipt, error) {
	if !common.IsHexAddress(req.Author) {
		return Receipt{}, fmt.Errorf("invalid author address %q", req.Author)
	}

	tx, err := m.send(ctx, req)
	if err != nil {
		return Receipt{}, err
	}
	m.log.Info(ctx, "mint submitted", "tx_ref", tx.Hash().Hex(), "author", req.Author, "content_ref", req.ContentRef)

	receipt, err := waitMined(ctx, m.backend, tx)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed waiting for tx %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return Receipt{TxRef: tx.Hash().Hex(), BlockNumber: block}, nil
}

// send signs and broadcasts the mint with the next gas payer nonce. Only
// submission is serialized; waiting for the receipt is not.
func (m *EthMinter) send(ctx context.Context, req MintRequest) (*types.Transaction, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(m.signer, m.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}
	opts.Context = ctx

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.synced {
		n, err := m.nonces.PendingNonceAt(ctx, opts.From)
		if err != nil {
			return nil, fmt.Errorf("failed to read gas payer nonce: %w", err)
		}
		m.nextNonce, m.synced = n, true
	}
	opts.Nonce = new(big.Int).SetUint64(m.nextNonce)

	tx, err := m.contract.Transact(opts, mintMethod, common.HexToAddress(req.Author), req.ContentRef)
	if err != nil {
		m.synced = false
		return nil, fmt.Errorf("failed to submit mint: %w", err)
	}
	m.nextNonce++
	return tx, nil
}

// Close releases the RPC connection
func (m *EthMinter) Close() {
	if m.client != nil {
		m.client.Close()
	}
}

// SimulatedMinter confirms every request immediately with a deterministic
// pseudo transaction hash. It stands in for the ledger in dev mode.
type SimulatedMinter struct {
	nonce atomic.Uint64
}

func (s *SimulatedMinter) Mint(ctx context.Context, req MintRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if !common.IsHexAddress(req.Author) {
		return Receipt{}, fmt.Errorf("invalid author address %q", req.Author)
	}
	n := s.nonce.Add(1)
	hash := crypto.Keccak256Hash(common.HexToAddress(req.Author).Bytes(), []byte(req.ContentRef), new(big.Int).SetUint64(n).Bytes())
	return Receipt{TxRef: hash.Hex(), BlockNumber: n}, nil
}
