package keystore

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/agentrail/walletcore/internal/coreerr"
)

// newMockStore builds a Store around a sqlmock connection, bypassing
// NewStore's AutoMigrate step so tests only have to set expectations for
// the queries under test, matching the mocking style already established
// in this module for gorm-backed stores.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return &Store{db: gormDB, key: sha256.Sum256([]byte("unit-test-secret"))}, mock
}

var walletColumns = []string{"agent_id", "address", "ciphertext", "chain_id", "last_nonce", "nonce_committed", "metadata", "created_at", "updated_at"}

func TestPutInsertsNewRecord(t *testing.T) {
	store, mock := newMockStore(t)

	privKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(privKey.PublicKey)
	ciphertext, err := store.SealPrivateKey(crypto.FromECDSA(privKey))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM `wallets` WHERE agent_id").
		WillReturnRows(sqlmock.NewRows(walletColumns))
	mock.ExpectQuery("SELECT (.+) FROM `wallets` WHERE address").
		WillReturnRows(sqlmock.NewRows(walletColumns))
	mock.ExpectExec("INSERT INTO `wallets`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = store.Put("agent-1", addr, ciphertext, 8453, map[string]string{"label": "primary"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPutRejectsDuplicateAgent(t *testing.T) {
	store, mock := newMockStore(t)

	privKey, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(privKey.PublicKey)
	ciphertext, _ := store.SealPrivateKey(crypto.FromECDSA(privKey))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM `wallets` WHERE agent_id").
		WillReturnRows(sqlmock.NewRows(walletColumns).AddRow(
			"agent-1", addr.Hex(), ciphertext, 1, 0, false, "", time.Now(), time.Now()))
	mock.ExpectRollback()

	err := store.Put("agent-1", addr, ciphertext, 1, nil)
	assert.True(t, coreerr.Is(err, coreerr.AgentExists))
}

func TestPutRejectsAddressReuse(t *testing.T) {
	store, mock := newMockStore(t)

	privKey, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(privKey.PublicKey)
	ciphertext, _ := store.SealPrivateKey(crypto.FromECDSA(privKey))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM `wallets` WHERE agent_id").
		WillReturnRows(sqlmock.NewRows(walletColumns))
	mock.ExpectQuery("SELECT (.+) FROM `wallets` WHERE address").
		WillReturnRows(sqlmock.NewRows(walletColumns).AddRow(
			"agent-0", addr.Hex(), ciphertext, 1, 0, false, "", time.Now(), time.Now()))
	mock.ExpectRollback()

	err := store.Put("agent-2", addr, ciphertext, 1, nil)
	assert.True(t, coreerr.Is(err, coreerr.AddressReuse))
}

func TestGetMissingAgentIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM `wallets` WHERE agent_id").
		WillReturnRows(sqlmock.NewRows(walletColumns))

	_, err := store.Get("ghost")
	assert.True(t, coreerr.Is(err, coreerr.NotFound))
}

func TestSealUnsealRoundTrip(t *testing.T) {
	store, _ := newMockStore(t)

	plaintext := []byte("super-secret-key-material")
	ciphertext, err := store.seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	recovered, err := store.unseal(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)
}

func TestUnsealDetectsTampering(t *testing.T) {
	store, _ := newMockStore(t)

	ciphertext, err := store.seal([]byte("super-secret-key-material"))
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = store.unseal(ciphertext)
	assert.True(t, coreerr.Is(err, coreerr.DecryptFailed))
}

func TestUnsealRejectsShortCiphertext(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.unseal([]byte("short"))
	assert.True(t, coreerr.Is(err, coreerr.DecryptFailed))
}

func TestAdvanceNonceIssuesConditionalUpdate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `wallets` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `wallets` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.AdvanceNonce("agent-1", 5)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListReturnsAllEntries(t *testing.T) {
	store, mock := newMockStore(t)

	addrHex := "0x000000000000000000000000000000000000aa"
	mock.ExpectQuery("SELECT .+ FROM `wallets`").
		WillReturnRows(sqlmock.NewRows([]string{"agent_id", "address"}).
			AddRow("agent-1", addrHex))

	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent-1", entries[0].AgentID)
}

func TestExportPrivateKeyDoubleGate(t *testing.T) {
	store, _ := newMockStore(t)

	_, err := store.ExportPrivateKey("agent-1", false, "code", "code")
	assert.True(t, coreerr.Is(err, coreerr.ExportDenied))

	_, err = store.ExportPrivateKey("agent-1", true, "wrong", "code")
	assert.True(t, coreerr.Is(err, coreerr.ExportDenied))
}
