// Package keystore implements the Key Store component: authenticated
// at-rest encryption of agent signing keys, atomic record commits, and the
// two export paths (password-based encrypted keystore, and a
// double-gated plaintext export).
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentrail/walletcore/internal/coreerr"
)

// WalletRecord is the gorm-backed persisted shape of a Key Store entry.
// One row per agent; Address carries a uniqueness constraint enforcing
// the "at most one wallet record per address" invariant.
// NonceCommitted is false until the first broadcast on this wallet
// actually commits a nonce; last_nonce is meaningless before then, and
// a fresh wallet's next nonce must come from the chain's pending_nonce
// rather than last_nonce+1.
type WalletRecord struct {
	AgentID        string    `gorm:"primaryKey;type:varchar(128)"`
	Address        string    `gorm:"uniqueIndex;type:varchar(42);not null"`
	Ciphertext     []byte    `gorm:"type:blob;not null"`
	ChainID        int64     `gorm:"not null"`
	LastNonce      uint64    `gorm:"not null;default:0"`
	NonceCommitted bool      `gorm:"not null;default:false"`
	Metadata       string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// TableName pins the table name for GORM's AutoMigrate.
func (WalletRecord) TableName() string {
	return "wallets"
}

// Record is the caller-facing view of a wallet record.
type Record struct {
	AgentID        string
	Address        common.Address
	ChainID        int64
	LastNonce      uint64
	NonceCommitted bool
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AddressEntry is one row of List's result.
type AddressEntry struct {
	AgentID string
	Address common.Address
}

// Store is the Key Store component. It owns wallet records exclusively.
type Store struct {
	db  *gorm.DB
	key [32]byte // derived from the deployment secret, never persisted
}

// NewStore opens the wallet table (creating/migrating it if needed) and
// derives the at-rest AES-256-GCM key from the deployment secret.
func NewStore(db *gorm.DB, deploymentSecret []byte) (*Store, error) {
	if len(deploymentSecret) == 0 {
		return nil, fmt.Errorf("keystore: deployment secret must not be empty")
	}
	if err := db.AutoMigrate(&WalletRecord{}); err != nil {
		return nil, fmt.Errorf("keystore: failed to migrate schema: %w", err)
	}
	return &Store{db: db, key: sha256.Sum256(deploymentSecret)}, nil
}

// seal encrypts plaintext with AES-256-GCM, prefixing the nonce onto the
// returned ciphertext so Unseal is self-contained.
func (s *Store) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("keystore: cipher init failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: gcm init failed: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keystore: nonce generation failed: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// unseal reverses seal. Any tampering with ciphertext, even a single
// flipped byte, fails GCM's authentication tag check and is reported as
// decrypt_failed, never as a silently-wrong plaintext.
func (s *Store) unseal(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("keystore: cipher init failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: gcm init failed: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, coreerr.New(coreerr.DecryptFailed, "ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DecryptFailed, "authentication check failed", err)
	}
	return plaintext, nil
}

// SealPrivateKey encrypts a raw ECDSA private key for at-rest storage.
// Callers must zero the plaintext slice after this returns.
func (s *Store) SealPrivateKey(plaintext []byte) ([]byte, error) {
	return s.seal(plaintext)
}

// Put persists a new wallet record atomically: either the complete row
// becomes visible to readers, or none of it does. Rejects agent_exists
// if agentID is already bound to a record, and address_reuse if address
// is already bound to a different agent.
func (s *Store) Put(agentID string, address common.Address, ciphertext []byte, chainID int64, metadata map[string]string) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("keystore: failed to encode metadata: %w", err)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing WalletRecord
		if err := tx.Where("agent_id = ?", agentID).First(&existing).Error; err == nil {
			return coreerr.New(coreerr.AgentExists, agentID)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("keystore: lookup by agent_id failed: %w", err)
		}

		addrHex := address.Hex()
		if err := tx.Where("address = ?", addrHex).First(&existing).Error; err == nil {
			return coreerr.New(coreerr.AddressReuse, addrHex)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("keystore: lookup by address failed: %w", err)
		}

		record := WalletRecord{
			AgentID:    agentID,
			Address:    addrHex,
			Ciphertext: ciphertext,
			ChainID:    chainID,
			LastNonce:  0,
			Metadata:   string(metaJSON),
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("keystore: failed to create wallet record: %w", err)
		}
		return nil
	})
}

// Get loads a wallet record by agent ID.
func (s *Store) Get(agentID string) (*Record, error) {
	var row WalletRecord
	if err := s.db.Where("agent_id = ?", agentID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coreerr.New(coreerr.NotFound, agentID)
		}
		return nil, fmt.Errorf("keystore: lookup failed: %w", err)
	}
	return rowToRecord(row)
}

// Decrypt unseals the stored ciphertext for agentID and returns the raw
// key bytes. Callers must zero the returned slice as soon as signing is
// done.
func (s *Store) Decrypt(agentID string) ([]byte, error) {
	var row WalletRecord
	if err := s.db.Where("agent_id = ?", agentID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coreerr.New(coreerr.NotFound, agentID)
		}
		return nil, fmt.Errorf("keystore: lookup failed: %w", err)
	}
	return s.unseal(row.Ciphertext)
}

// AdvanceNonce sets last_nonce = max(last_nonce, usedNonce) and marks the
// wallet's nonce as committed, so the next transfer's nonce computation
// may rely on last_nonce+1 instead of falling back to pending_nonce. This
// write is expected to be called from inside the same commit boundary as
// the broadcast that consumed usedNonce (see the Wallet Manager's
// transfer algorithm). The nonce_committed flag is set unconditionally,
// even when usedNonce does not exceed the current last_nonce, since the
// record is already past its first broadcast either way.
func (s *Store) AdvanceNonce(agentID string, usedNonce uint64) error {
	result := s.db.Model(&WalletRecord{}).
		Where("agent_id = ? AND last_nonce < ?", agentID, usedNonce).
		Update("last_nonce", usedNonce)
	if result.Error != nil {
		return fmt.Errorf("keystore: failed to advance nonce: %w", result.Error)
	}

	if err := s.db.Model(&WalletRecord{}).
		Where("agent_id = ?", agentID).
		Update("nonce_committed", true).Error; err != nil {
		return fmt.Errorf("keystore: failed to mark nonce committed: %w", err)
	}
	return nil
}

// List returns every (agent_id, address) pair currently on record.
func (s *Store) List() ([]AddressEntry, error) {
	var rows []WalletRecord
	if err := s.db.Select("agent_id", "address").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("keystore: list failed: %w", err)
	}
	entries := make([]AddressEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, AddressEntry{AgentID: r.AgentID, Address: common.HexToAddress(r.Address)})
	}
	return entries, nil
}

// ExportKeystore re-encrypts the agent's private key under a
// caller-supplied passphrase using go-ethereum's standard password-based
// keystore format. Safe by default: the result is only as sensitive as
// the passphrase's strength, unlike a plaintext export.
func (s *Store) ExportKeystore(agentID, passphrase string) ([]byte, error) {
	plaintext, err := s.Decrypt(agentID)
	if err != nil {
		return nil, err
	}
	defer zero(plaintext)

	privKey, err := crypto.ToECDSA(plaintext)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.BadKey, "stored key material is not a valid ECDSA key", err)
	}

	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(privKey.PublicKey),
		PrivateKey: privKey,
	}
	encoded, err := keystore.EncryptKey(key, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return nil, fmt.Errorf("keystore: encrypted export failed: %w", err)
	}
	return encoded, nil
}

// ExportPrivateKey returns the raw private key bytes, gated by two
// independent deployment switches: enabled must be true AND
// suppliedCode must match expectedCode. Failing either gate yields
// export_denied without revealing which gate failed or whether the
// agent exists.
func (s *Store) ExportPrivateKey(agentID string, enabled bool, suppliedCode, expectedCode string) ([]byte, error) {
	if !enabled || subtle.ConstantTimeCompare([]byte(suppliedCode), []byte(expectedCode)) != 1 {
		return nil, coreerr.New(coreerr.ExportDenied, "plaintext export is not permitted")
	}
	return s.Decrypt(agentID)
}

func rowToRecord(row WalletRecord) (*Record, error) {
	var metadata map[string]string
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &metadata); err != nil {
			return nil, fmt.Errorf("keystore: failed to decode metadata: %w", err)
		}
	}
	return &Record{
		AgentID:        row.AgentID,
		Address:        common.HexToAddress(row.Address),
		ChainID:        row.ChainID,
		LastNonce:      row.LastNonce,
		NonceCommitted: row.NonceCommitted,
		Metadata:       metadata,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

