package chainclient

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrail/walletcore/internal/coreerr"
)


// fakeClient is a minimal in-memory rpcClient used to exercise failover
// and fee-sampling logic without dialing a real node.
type fakeClient struct {
	name string

	chainID     *big.Int
	blockNumber uint64
	header      *types.Header
	blocks      map[uint64]*types.Block
	balance     *big.Int
	nonce       uint64
	gas         uint64

	failChainID  bool
	failBlockNum bool
	failHeader   bool
	failBalance  bool
	failSend     bool
	sendErr      error
	sent         []*types.Transaction

	callResult []byte
	callErr    error

	closed bool
}

func (f *fakeClient) ChainID(ctx context.Context) (*big.Int, error) {
	if f.failChainID {
		return nil, errors.New("dial tcp: connection refused")
	}
	return f.chainID, nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	if f.failBlockNum {
		return 0, errors.New("timeout")
	}
	return f.blockNumber, nil
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if f.failHeader {
		return nil, errors.New("unreachable")
	}
	return f.header, nil
}

func (f *fakeClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	b, ok := f.blocks[number.Uint64()]
	if !ok {
		return nil, errors.New("not found")
	}
	return b, nil
}

func (f *fakeClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if f.failBalance {
		return nil, errors.New("unreachable")
	}
	return f.balance, nil
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.gas, nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.failSend {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{TxHash: txHash, Status: types.ReceiptStatusSuccessful}, nil
}

func (f *fakeClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.callResult != nil {
		return f.callResult, nil
	}
	return []byte{0x01}, nil
}

func (f *fakeClient) Close() { f.closed = true }

func signedLegacyTx(t *testing.T, nonce uint64) []byte {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &common.Address{},
		Value:    big.NewInt(1),
		Gas:      21000,
		GasPrice: big.NewInt(1_000_000_000),
	})
	signer := types.NewEIP155Signer(big.NewInt(1))
	signed, err := types.SignTx(tx, signer, key)
	require.NoError(t, err)

	raw, err := signed.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func TestFailoverRotatesOnTransportError(t *testing.T) {
	primary := &fakeClient{name: "primary", failBalance: true}
	backup := &fakeClient{name: "backup", balance: big.NewInt(42)}

	c := newWithClients([]rpcClient{primary, backup}, 50, 10)

	bal, err := c.Balance(context.Background(), common.Address{})
	require.NoError(t, err)
	assert.Equal(t, "42", bal.String())
}

func TestFailoverFailsWhenAllEndpointsDown(t *testing.T) {
	a := &fakeClient{failBalance: true}
	b := &fakeClient{failBalance: true}
	c := newWithClients([]rpcClient{a, b}, 50, 10)

	_, err := c.Balance(context.Background(), common.Address{})
	assert.True(t, coreerr.Is(err, coreerr.ChainUnreachable))
}

func TestSendRawStopsAtFirstAcceptingEndpoint(t *testing.T) {
	primary := &fakeClient{}
	backup := &fakeClient{}
	c := newWithClients([]rpcClient{primary, backup}, 50, 10)

	raw := signedLegacyTx(t, 0)
	hash, err := c.SendRaw(context.Background(), raw)
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)
	assert.Len(t, primary.sent, 1)
	assert.Len(t, backup.sent, 0)
}

func TestSendRawRotatesOnRejectionButOnlyOnce(t *testing.T) {
	primary := &fakeClient{failSend: true, sendErr: errors.New("connection reset")}
	backup := &fakeClient{}
	c := newWithClients([]rpcClient{primary, backup}, 50, 10)

	raw := signedLegacyTx(t, 0)
	hash, err := c.SendRaw(context.Background(), raw)
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)
	assert.Len(t, backup.sent, 1)
}

func TestSendRawRejectsMalformedBytes(t *testing.T) {
	c := newWithClients([]rpcClient{&fakeClient{}}, 50, 10)
	_, err := c.SendRaw(context.Background(), []byte{0xFF, 0x00})
	assert.True(t, coreerr.Is(err, coreerr.RPCRejected))
}

func TestFeeSuggestionUsesPercentileOfRecentBlocks(t *testing.T) {
	header := &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(1_000_000_000)}

	block50 := blockWithTips(t, 50, big.NewInt(1_000_000_000), []int64{1, 2, 3})
	block49 := blockWithTips(t, 49, big.NewInt(1_000_000_000), []int64{4, 5, 6})

	fc := &fakeClient{
		header: header,
		blocks: map[uint64]*types.Block{100: block50, 99: block49},
	}
	c := newWithClients([]rpcClient{fc}, 50, 2)

	maxFee, maxTip, err := c.FeeSuggestion(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, maxFee)
	assert.NotNil(t, maxTip)
	// p50 of tips {1,2,3,4,5,6} gwei (in wei) should be within the sample range.
	assert.True(t, maxTip.Int64() >= 1_000_000_000 && maxTip.Int64() <= 6_000_000_000)
}

func TestBaseFeeGweiReadsLatestHeader(t *testing.T) {
	fc := &fakeClient{
		chainID:     big.NewInt(1),
		blockNumber: 100,
		header:      &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(3_000_000_000)},
	}
	c := newWithClients([]rpcClient{fc}, 50, 2)

	baseFee, err := c.BaseFeeGwei(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), baseFee.Int64())
}

func TestPercentileEmptySampleIsZero(t *testing.T) {
	assert.Equal(t, big.NewInt(0), percentile(nil, 50))
}

const balanceOfABI = `[{"type":"function","name":"balanceOf","inputs":[{"name":"who","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}]`

func TestInspectContractPacksAndUnpacksABICall(t *testing.T) {
	fc := &fakeClient{callResult: common.LeftPadBytes(big.NewInt(42).Bytes(), 32)}
	c := newWithClients([]rpcClient{fc}, 50, 10)

	outputs, err := c.InspectContract(context.Background(), common.Address{}, balanceOfABI, "balanceOf", []any{common.HexToAddress("0x01")})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, big.NewInt(42), outputs[0])
}

func TestInspectContractRejectsUnknownMethod(t *testing.T) {
	c := newWithClients([]rpcClient{&fakeClient{}}, 50, 10)
	_, err := c.InspectContract(context.Background(), common.Address{}, balanceOfABI, "totalSupply", nil)
	assert.Error(t, err)
}

func TestInspectContractRejectsMalformedABI(t *testing.T) {
	c := newWithClients([]rpcClient{&fakeClient{}}, 50, 10)
	_, err := c.InspectContract(context.Background(), common.Address{}, "not-json", "balanceOf", nil)
	assert.Error(t, err)
}

func blockWithTips(t *testing.T, number int64, baseFee *big.Int, tipsGwei []int64) *types.Block {
	t.Helper()
	var txs []*types.Transaction
	for _, tipGwei := range tipsGwei {
		tip := new(big.Int).Mul(big.NewInt(tipGwei), big.NewInt(1_000_000_000))
		feeCap := new(big.Int).Add(baseFee, tip)
		txs = append(txs, types.NewTx(&types.DynamicFeeTx{
			ChainID:   big.NewInt(1),
			Nonce:     0,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       21000,
			To:        &common.Address{},
			Value:     big.NewInt(0),
		}))
	}
	header := &types.Header{Number: big.NewInt(number), BaseFee: baseFee}
	return types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
}
