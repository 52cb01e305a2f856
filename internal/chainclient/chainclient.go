// Package chainclient implements the Chain Client component: a
// multi-endpoint-failover view over a single EVM chain's JSON-RPC
// surface, plus EIP-1559 fee suggestion built from a recent-block
// priority-fee sample.
package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentrail/walletcore/internal/coreerr"
	"github.com/agentrail/walletcore/internal/money"
)

// rpcClient is the slice of *ethclient.Client behavior this component
// depends on. Declaring it narrows the dependency to what is actually
// used and lets tests supply a fake endpoint without dialing a real node.
type rpcClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Endpoint pairs a dialed client with the URL it was dialed from, purely
// for status reporting.
type Endpoint struct {
	URL    string
	client rpcClient
}

// Status is the result of ProviderStatus.
type Status struct {
	ChainID       int64
	LatestBlock   uint64
	BaseFeeGwei   *big.Int
	ActiveURL     string
	EndpointCount int
}

// Client is the Chain Client component. It owns no persistent state: the
// endpoint list and fee sample are process-lifetime caches only.
type Client struct {
	mu        sync.Mutex
	endpoints []Endpoint
	current   int

	feePercentile   int
	feeSampleBlocks int
	feeCache        *lru.Cache[uint64, []*big.Int]
}

// Dial connects to every configured endpoint in order, failing only if
// none can be reached. The first reachable endpoint becomes active.
func Dial(ctx context.Context, urls []string, feePercentile, feeSampleBlocks int) (*Client, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("chainclient: at least one endpoint is required")
	}
	cache, err := lru.New[uint64, []*big.Int](feeSampleBlocks * 2)
	if err != nil {
		return nil, fmt.Errorf("chainclient: failed to init fee cache: %w", err)
	}

	c := &Client{feePercentile: feePercentile, feeSampleBlocks: feeSampleBlocks, feeCache: cache}
	var lastErr error
	for _, url := range urls {
		cl, err := ethclient.DialContext(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		c.endpoints = append(c.endpoints, Endpoint{URL: url, client: cl})
	}
	if len(c.endpoints) == 0 {
		return nil, coreerr.Wrap(coreerr.ChainUnreachable, "no configured endpoint could be dialed", lastErr)
	}
	return c, nil
}

// newWithClients builds a Client around already-constructed rpcClient
// implementations, bypassing Dial's network calls. Used by tests.
func newWithClients(clients []rpcClient, feePercentile, feeSampleBlocks int) *Client {
	cache, _ := lru.New[uint64, []*big.Int](feeSampleBlocks * 2)
	endpoints := make([]Endpoint, len(clients))
	for i, cl := range clients {
		endpoints[i] = Endpoint{URL: fmt.Sprintf("fake-%d", i), client: cl}
	}
	return &Client{endpoints: endpoints, feePercentile: feePercentile, feeSampleBlocks: feeSampleBlocks, feeCache: cache}
}

// withFailover runs op against the active endpoint; on any error from op
// it rotates to the next endpoint and retries, until every endpoint has
// been tried once. SendRaw does not use it and runs its own loop that
// stops at the first endpoint to accept the broadcast.
func (c *Client) withFailover(op func(rpcClient) error) error {
	c.mu.Lock()
	start := c.current
	n := len(c.endpoints)
	c.mu.Unlock()

	var lastErr error
	for i := 0; i < n; i++ {
		c.mu.Lock()
		idx := (start + i) % n
		ep := c.endpoints[idx]
		c.mu.Unlock()

		err := op(ep.client)
		if err == nil {
			c.mu.Lock()
			c.current = idx
			c.mu.Unlock()
			return nil
		}
		lastErr = err
	}
	return coreerr.Wrap(coreerr.ChainUnreachable, "all endpoints failed", lastErr)
}

// ProviderStatus surfaces connectivity plus which endpoint is active.
func (c *Client) ProviderStatus(ctx context.Context) (Status, error) {
	var st Status
	err := c.withFailover(func(cl rpcClient) error {
		chainID, err := cl.ChainID(ctx)
		if err != nil {
			return err
		}
		latest, err := cl.BlockNumber(ctx)
		if err != nil {
			return err
		}
		header, err := cl.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		st = Status{
			ChainID:     chainID.Int64(),
			LatestBlock: latest,
			BaseFeeGwei: weiToGwei(header.BaseFee),
		}
		return nil
	})
	if err != nil {
		return Status{}, err
	}
	c.mu.Lock()
	st.ActiveURL = c.endpoints[c.current].URL
	st.EndpointCount = len(c.endpoints)
	c.mu.Unlock()
	return st, nil
}

// BaseFeeGwei returns just the latest block's base fee, for callers
// that only need the gas-ceiling comparison (e.g. the Strategy
// Manager's max_base_fee_gwei gate) without the rest of ProviderStatus.
func (c *Client) BaseFeeGwei(ctx context.Context) (*big.Int, error) {
	st, err := c.ProviderStatus(ctx)
	if err != nil {
		return nil, err
	}
	return st.BaseFeeGwei, nil
}

// Balance returns the address's balance in native smallest units.
func (c *Client) Balance(ctx context.Context, address common.Address) (money.Amount, error) {
	var result money.Amount
	err := c.withFailover(func(cl rpcClient) error {
		bal, err := cl.BalanceAt(ctx, address, nil)
		if err != nil {
			return err
		}
		result = money.FromBigInt(bal)
		return nil
	})
	return result, err
}

// PendingNonce returns the chain's notion of the next usable nonce.
func (c *Client) PendingNonce(ctx context.Context, address common.Address) (uint64, error) {
	var nonce uint64
	err := c.withFailover(func(cl rpcClient) error {
		n, err := cl.PendingNonceAt(ctx, address)
		if err != nil {
			return err
		}
		nonce = n
		return nil
	})
	return nonce, err
}

// EstimateGas estimates the gas units a call would consume.
func (c *Client) EstimateGas(ctx context.Context, from, to common.Address, value money.Amount, data []byte) (uint64, error) {
	var gas uint64
	msg := ethereum.CallMsg{From: from, To: &to, Value: value.Big(), Data: data}
	err := c.withFailover(func(cl rpcClient) error {
		g, err := cl.EstimateGas(ctx, msg)
		if err != nil {
			return err
		}
		gas = g
		return nil
	})
	return gas, err
}

// FeeSuggestion returns (maxFeePerGas, maxPriorityFeePerGas) built from
// the latest base fee plus the configured percentile of recent-block
// priority fees. The percentile and sample size are deployment
// parameters fixed at construction (see Config.FeePercentile /
// FeeSampleBlocks) and are stable for the life of the process.
func (c *Client) FeeSuggestion(ctx context.Context) (maxFeePerGas, maxPriorityFeePerGas *big.Int, err error) {
	var baseFee *big.Int
	var samples []*big.Int

	err = c.withFailover(func(cl rpcClient) error {
		header, err := cl.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		baseFee = header.BaseFee
		if baseFee == nil {
			baseFee = big.NewInt(0)
		}

		samples, err = c.samplePriorityFees(ctx, cl, header.Number.Uint64())
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	tip := percentile(samples, c.feePercentile)
	maxPriorityFeePerGas = tip
	// max_fee is twice the base fee plus the tip, so it still covers the
	// tip after one base-fee doubling, matching the sizing go-ethereum's
	// own gas estimator uses.
	maxFeePerGas = new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	return maxFeePerGas, maxPriorityFeePerGas, nil
}

// samplePriorityFees collects the effective priority fee of every
// transaction in the last feeSampleBlocks blocks, using the LRU cache to
// avoid re-fetching a block already sampled.
func (c *Client) samplePriorityFees(ctx context.Context, cl rpcClient, latest uint64) ([]*big.Int, error) {
	var all []*big.Int
	for i := 0; i < c.feeSampleBlocks && int64(latest)-int64(i) >= 0; i++ {
		blockNum := latest - uint64(i)
		if cached, ok := c.feeCache.Get(blockNum); ok {
			all = append(all, cached...)
			continue
		}

		block, err := cl.BlockByNumber(ctx, new(big.Int).SetUint64(blockNum))
		if err != nil {
			return nil, err
		}
		baseFee := block.BaseFee()
		if baseFee == nil {
			baseFee = big.NewInt(0)
		}

		var tips []*big.Int
		for _, tx := range block.Transactions() {
			tips = append(tips, effectiveTip(tx, baseFee))
		}
		c.feeCache.Add(blockNum, tips)
		all = append(all, tips...)
	}
	if len(all) == 0 {
		all = append(all, big.NewInt(0))
	}
	return all, nil
}

// effectiveTip computes what the sender actually paid above base fee for
// a transaction, capping at its own fee cap for legacy transactions.
func effectiveTip(tx *types.Transaction, baseFee *big.Int) *big.Int {
	gasTipCap := tx.GasTipCap()
	gasFeeCap := tx.GasFeeCap()
	headroom := new(big.Int).Sub(gasFeeCap, baseFee)
	if headroom.Sign() < 0 {
		return big.NewInt(0)
	}
	if gasTipCap.Cmp(headroom) < 0 {
		return gasTipCap
	}
	return headroom
}

// percentile returns the p-th percentile (0-100) of values: the element
// at index floor(p*(n-1)/100) of the ascending-sorted values, with no
// interpolation. An empty slice yields zero.
func percentile(values []*big.Int, p int) *big.Int {
	if len(values) == 0 {
		return big.NewInt(0)
	}
	sorted := make([]*big.Int, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	idx := (p * (len(sorted) - 1)) / 100
	return new(big.Int).Set(sorted[idx])
}

// SendRaw broadcasts an already-signed, RLP-encoded transaction. Once an
// endpoint accepts it and we obtain a hash, no other endpoint is tried
// for this call: at-most-once broadcast semantics.
func (c *Client) SendRaw(ctx context.Context, rawTx []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return common.Hash{}, coreerr.Wrap(coreerr.RPCRejected, "malformed raw transaction", err)
	}

	c.mu.Lock()
	start := c.current
	n := len(c.endpoints)
	c.mu.Unlock()

	var lastErr error
	for i := 0; i < n; i++ {
		c.mu.Lock()
		idx := (start + i) % n
		ep := c.endpoints[idx]
		c.mu.Unlock()

		if err := ep.client.SendTransaction(ctx, tx); err != nil {
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.current = idx
		c.mu.Unlock()
		return tx.Hash(), nil
	}
	return common.Hash{}, coreerr.Wrap(coreerr.RPCRejected, "no endpoint accepted the transaction", lastErr)
}

// receiptPollInterval is the pause between receipt polls, well under
// typical EVM block times so a receipt is picked up promptly without
// busy-spinning the endpoint.
const receiptPollInterval = 2 * time.Second

// WaitReceipt polls for a transaction's receipt until it appears or ctx
// is done. Callers are expected to derive ctx with their own timeout.
func (c *Client) WaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	ep := c.endpoints[c.current]
	c.mu.Unlock()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := ep.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, coreerr.Wrap(coreerr.ChainUnreachable, "timed out waiting for receipt", ctx.Err())
		case <-ticker.C:
		}
	}
}

// CallContract performs a read-only eth_call with already-encoded
// calldata.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := c.withFailover(func(cl rpcClient) error {
		res, err := cl.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// InspectContract backs the inspect_contract tool: it packs method and
// args against the caller-supplied ABI JSON, issues a read-only
// eth_call, and unpacks the result into Go values per the method's
// output types.
func (c *Client) InspectContract(ctx context.Context, to common.Address, abiJSON, method string, args []any) ([]any, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("chainclient: malformed contract ABI: %w", err)
	}
	if _, ok := parsed.Methods[method]; !ok {
		return nil, fmt.Errorf("chainclient: method %q not found in ABI", method)
	}

	packed, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chainclient: failed to encode call arguments: %w", err)
	}

	raw, err := c.CallContract(ctx, to, packed)
	if err != nil {
		return nil, err
	}

	outputs, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chainclient: failed to decode call result: %w", err)
	}
	return outputs, nil
}

// Close releases every dialed endpoint connection.
func (c *Client) Close() {
	for _, ep := range c.endpoints {
		ep.client.Close()
	}
}

func weiToGwei(wei *big.Int) *big.Int {
	if wei == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Div(wei, big.NewInt(1_000_000_000))
}
