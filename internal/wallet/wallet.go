// Package wallet implements the Wallet Manager component: key
// creation/import, EIP-1559 transaction signing, per-address
// serialization, pre-flight checks, transfer execution, and message
// signing.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentrail/walletcore/internal/addrlock"
	"github.com/agentrail/walletcore/internal/coreerr"
	"github.com/agentrail/walletcore/internal/keystore"
	"github.com/agentrail/walletcore/internal/money"
)

// chain is the slice of Chain Client behavior the Wallet Manager depends
// on. Narrowed to an interface so tests can inject a fake chain without
// a live node, matching the DI seam used throughout this module.
type chain interface {
	Balance(ctx context.Context, address common.Address) (money.Amount, error)
	PendingNonce(ctx context.Context, address common.Address) (uint64, error)
	EstimateGas(ctx context.Context, from, to common.Address, value money.Amount, data []byte) (uint64, error)
	FeeSuggestion(ctx context.Context) (maxFeePerGas, maxPriorityFeePerGas *big.Int, err error)
	SendRaw(ctx context.Context, rawTx []byte) (common.Hash, error)
}

// keyStore is the slice of Key Store behavior the Wallet Manager depends
// on.
type keyStore interface {
	Put(agentID string, address common.Address, ciphertext []byte, chainID int64, metadata map[string]string) error
	Get(agentID string) (*keystore.Record, error)
	Decrypt(agentID string) ([]byte, error)
	AdvanceNonce(agentID string, usedNonce uint64) error
	SealPrivateKey(plaintext []byte) ([]byte, error)
}

// Config is the Wallet Manager's slice of the process-wide Config.
type Config struct {
	ChainID              int64
	SpendThresholdNative money.Amount
	ConfirmationCode     string
}

// Simulation is the read-only pre-flight result shared by
// simulate_transfer and the non-broadcast path of execute_transfer.
type Simulation struct {
	Gas                uint64
	MaxFeePerGas       *big.Int
	MaxPriorityFeePerGas *big.Int
	FeeNative          money.Amount
	TotalNative        money.Amount
	SufficientBalance  bool
}

// TransferRequest carries execute_transfer's inputs.
type TransferRequest struct {
	AgentID          string
	To               common.Address
	Amount           money.Amount
	ConfirmationCode string
	DryRun           bool
}

// TransferResult is execute_transfer's output: exactly one of TxHash or
// Simulation is set, depending on DryRun.
type TransferResult struct {
	TxHash     common.Hash
	Simulation *Simulation
}

// Manager is the Wallet Manager component.
type Manager struct {
	keys   keyStore
	chain  chain
	locks  *addrlock.Registry
	cfg    Config
	logger *slog.Logger
}

// NewManager constructs a Wallet Manager.
func NewManager(keys keyStore, chain chain, locks *addrlock.Registry, cfg Config) *Manager {
	return &Manager{
		keys:   keys,
		chain:  chain,
		locks:  locks,
		cfg:    cfg,
		logger: slog.Default().With("component", "wallet_manager"),
	}
}

// CreateWallet generates a fresh flat (non-HD) key for agentID.
func (m *Manager) CreateWallet(agentID string) (common.Address, error) {
	privKey, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("wallet: key generation failed: %w", err)
	}
	return m.storeNewKey(agentID, privKey)
}

// ImportPrivateKey imports a raw hex-encoded secp256k1 private key.
func (m *Manager) ImportPrivateKey(agentID, hexKey string) (common.Address, error) {
	cleaned := strings.TrimPrefix(hexKey, "0x")
	privKey, err := crypto.HexToECDSA(cleaned)
	if err != nil {
		return common.Address{}, coreerr.Wrap(coreerr.BadKey, "malformed private key", err)
	}
	return m.storeNewKey(agentID, privKey)
}

// ImportMnemonic imports a flat key deterministically derived from a
// seed phrase. This core performs no HD derivation (see Non-goals):
// the phrase is normalized and hashed once to a single secp256k1 key,
// not walked down a derivation tree.
func (m *Manager) ImportMnemonic(agentID, mnemonic string) (common.Address, error) {
	words := strings.Fields(mnemonic)
	if len(words) < 12 {
		return common.Address{}, coreerr.New(coreerr.BadKey, "mnemonic must have at least 12 words")
	}
	seed := sha256.Sum256([]byte(strings.Join(words, " ")))
	privKey, err := crypto.ToECDSA(seed[:])
	if err != nil {
		return common.Address{}, coreerr.Wrap(coreerr.BadKey, "mnemonic did not produce a valid key", err)
	}
	return m.storeNewKey(agentID, privKey)
}

func (m *Manager) storeNewKey(agentID string, privKey *ecdsa.PrivateKey) (common.Address, error) {
	plaintext := crypto.FromECDSA(privKey)
	defer zero(plaintext)

	ciphertext, err := m.keys.SealPrivateKey(plaintext)
	if err != nil {
		return common.Address{}, fmt.Errorf("wallet: failed to seal key: %w", err)
	}

	address := crypto.PubkeyToAddress(privKey.PublicKey)
	if err := m.keys.Put(agentID, address, ciphertext, m.cfg.ChainID, nil); err != nil {
		return common.Address{}, err
	}
	return address, nil
}

// QueryBalance returns the agent's on-chain balance.
func (m *Manager) QueryBalance(ctx context.Context, agentID string) (money.Amount, error) {
	rec, err := m.keys.Get(agentID)
	if err != nil {
		return money.Amount{}, err
	}
	return m.chain.Balance(ctx, rec.Address)
}

// SimulateTransfer computes the read-only pre-flight payload for a
// prospective transfer without signing or broadcasting anything.
func (m *Manager) SimulateTransfer(ctx context.Context, agentID string, to common.Address, amount money.Amount) (*Simulation, error) {
	rec, err := m.keys.Get(agentID)
	if err != nil {
		return nil, err
	}
	return m.simulate(ctx, rec, to, amount)
}

func (m *Manager) simulate(ctx context.Context, rec *keystore.Record, to common.Address, amount money.Amount) (*Simulation, error) {
	gas, err := m.chain.EstimateGas(ctx, rec.Address, to, amount, nil)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ChainUnreachable, "gas estimation failed", err)
	}
	maxFee, maxTip, err := m.chain.FeeSuggestion(ctx)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ChainUnreachable, "fee suggestion failed", err)
	}
	feeNative := money.FromBigInt(maxFee).Mul(int64(gas))
	totalNative := amount.Add(feeNative)

	balance, err := m.chain.Balance(ctx, rec.Address)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ChainUnreachable, "balance check failed", err)
	}

	return &Simulation{
		Gas:                  gas,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxTip,
		FeeNative:            feeNative,
		TotalNative:          totalNative,
		SufficientBalance:    !totalNative.GreaterThan(balance),
	}, nil
}

// SignMessage signs message using EIP-191 personal-message hashing. The
// scheme is deterministic given (agentID, message).
func (m *Manager) SignMessage(agentID string, message []byte) ([]byte, error) {
	plaintext, err := m.keys.Decrypt(agentID)
	if err != nil {
		return nil, err
	}
	defer zero(plaintext)

	privKey, err := crypto.ToECDSA(plaintext)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.BadKey, "stored key material is not a valid ECDSA key", err)
	}

	hash := accounts.TextHash(message)
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return nil, fmt.Errorf("wallet: signing failed: %w", err)
	}
	return sig, nil
}

// ExecuteTransfer runs the 13-step transfer algorithm. The destination
// arrives already parsed as a common.Address (string input is checked by
// ValidateAddress before this point); from there it acquires the
// per-address token, computes nonce/fees,
// enforces the spend-threshold confirmation gate, and either returns a
// simulation payload (dry_run) or signs, broadcasts, and commits the
// nonce advance.
func (m *Manager) ExecuteTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	// Step 2: load wallet record; chain_id mismatch is treated as
	// chain_unreachable, since this wallet cannot transact against the
	// configured chain.
	rec, err := m.keys.Get(req.AgentID)
	if err != nil {
		return nil, err
	}
	if rec.ChainID != m.cfg.ChainID {
		return nil, coreerr.New(coreerr.ChainUnreachable, "wallet chain_id does not match the active chain")
	}

	// Step 3: acquire the per-address serialization token.
	token := m.locks.Acquire(rec.Address.Hex())
	released := false
	release := func() {
		if !released {
			token.Release()
			released = true
		}
	}
	defer release()

	// Step 4: nonce = max(pending_nonce, last_nonce + 1 if committed else
	// 0). A wallet that has never committed a broadcast has no meaningful
	// last_nonce yet, so it must not be treated as if nonce 0 were
	// already used.
	pendingNonce, err := m.chain.PendingNonce(ctx, rec.Address)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ChainUnreachable, "failed to fetch pending nonce", err)
	}
	nonce := pendingNonce
	if rec.NonceCommitted && rec.LastNonce+1 > nonce {
		nonce = rec.LastNonce + 1
	}

	// Steps 5-6: fees, gas, totals.
	sim, err := m.simulate(ctx, rec, req.To, req.Amount)
	if err != nil {
		return nil, err
	}

	// Step 7: balance check.
	if !sim.SufficientBalance {
		return nil, coreerr.New(coreerr.InsufficientFunds, req.AgentID)
	}

	// Step 8: spend-threshold confirmation gate.
	if req.Amount.GreaterThan(m.cfg.SpendThresholdNative) {
		if req.ConfirmationCode == "" {
			return nil, coreerr.New(coreerr.ConfirmationRequired, req.AgentID)
		}
		if subtle.ConstantTimeCompare([]byte(req.ConfirmationCode), []byte(m.cfg.ConfirmationCode)) != 1 {
			return nil, coreerr.New(coreerr.ConfirmationMismatch, req.AgentID)
		}
	}

	// Step 9: dry_run returns the simulation without touching the chain
	// or the nonce.
	if req.DryRun {
		return &TransferResult{Simulation: sim}, nil
	}

	// Step 10: decrypt, sign, zero the plaintext immediately.
	rawTx, txHash, err := m.buildAndSign(req.AgentID, rec.Address, req.To, req.Amount, nonce, sim)
	if err != nil {
		return nil, err
	}

	// Step 11: broadcast.
	sentHash, err := m.chain.SendRaw(ctx, rawTx)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.RPCRejected, "broadcast rejected", err)
	}
	_ = txHash // unused: sentHash, returned by SendRaw for the same signed transaction, is what is reported

	// Step 12: advance the nonce before releasing the token. A failure
	// here is fatal to further activity on this address: the token is
	// deliberately NOT released, quarantining the wallet until an
	// operator intervenes.
	if err := m.keys.AdvanceNonce(req.AgentID, nonce); err != nil {
		m.logger.Error("broadcast_aborted_persistence",
			"agent_id", req.AgentID,
			"tx_hash", sentHash.Hex(),
			"nonce", nonce,
			"error", err,
		)
		released = true // hold the token; do not let the deferred release run
		return nil, coreerr.Wrap(coreerr.BroadcastAborted, "nonce advance failed after broadcast", err)
	}

	// Step 13: release and return.
	release()
	return &TransferResult{TxHash: sentHash}, nil
}

func (m *Manager) buildAndSign(agentID string, from, to common.Address, amount money.Amount, nonce uint64, sim *Simulation) (rawTx []byte, hash common.Hash, err error) {
	plaintext, err := m.keys.Decrypt(agentID)
	if err != nil {
		return nil, common.Hash{}, err
	}
	defer zero(plaintext)

	privKey, err := crypto.ToECDSA(plaintext)
	if err != nil {
		return nil, common.Hash{}, coreerr.Wrap(coreerr.BadKey, "stored key material is not a valid ECDSA key", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(m.cfg.ChainID),
		Nonce:     nonce,
		GasTipCap: sim.MaxPriorityFeePerGas,
		GasFeeCap: sim.MaxFeePerGas,
		Gas:       sim.Gas,
		To:        &to,
		Value:     amount.Big(),
	})

	signer := types.LatestSignerForChainID(big.NewInt(m.cfg.ChainID))
	signedTx, err := types.SignTx(tx, signer, privKey)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("wallet: signing failed: %w", err)
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("wallet: failed to encode signed transaction: %w", err)
	}
	return raw, signedTx.Hash(), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ValidateAddress normalizes and validates a destination address string
// to its canonical EIP-55 checksum form.
func ValidateAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, coreerr.New(coreerr.BadAddress, s)
	}
	return common.HexToAddress(s), nil
}
