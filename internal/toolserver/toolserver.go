// Package toolserver implements the fixed tool-operation dispatch seam:
// a single map from tool name to handler, wrapping every dispatched call
// with the Policy Engine's rate-limit gate and redacted audit logging,
// and tagging each tool with the static idempotency label a retrying
// transport must honor.
package toolserver

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentrail/walletcore/internal/chainclient"
	"github.com/agentrail/walletcore/internal/keystore"
	"github.com/agentrail/walletcore/internal/money"
	"github.com/agentrail/walletcore/internal/strategy"
	"github.com/agentrail/walletcore/internal/wallet"
)

// walletManager is the slice of Wallet Manager behavior the dispatcher
// depends on.
type walletManager interface {
	CreateWallet(agentID string) (common.Address, error)
	ImportPrivateKey(agentID, hexKey string) (common.Address, error)
	ImportMnemonic(agentID, mnemonic string) (common.Address, error)
	QueryBalance(ctx context.Context, agentID string) (money.Amount, error)
	SimulateTransfer(ctx context.Context, agentID string, to common.Address, amount money.Amount) (*wallet.Simulation, error)
	ExecuteTransfer(ctx context.Context, req wallet.TransferRequest) (*wallet.TransferResult, error)
	SignMessage(agentID string, message []byte) ([]byte, error)
}

// keyStore is the slice of Key Store behavior the dispatcher depends on
// directly, for the two export tools that bypass the Wallet Manager.
type keyStore interface {
	List() ([]keystore.AddressEntry, error)
	ExportKeystore(agentID, passphrase string) ([]byte, error)
	ExportPrivateKey(agentID string, enabled bool, suppliedCode, expectedCode string) ([]byte, error)
}

// chainReader is the slice of Chain Client behavior the dispatcher
// depends on directly, for the two chain-inspection tools.
type chainReader interface {
	ProviderStatus(ctx context.Context) (chainclient.Status, error)
	InspectContract(ctx context.Context, to common.Address, abiJSON, method string, args []any) ([]any, error)
}

// strategyManager is the slice of Strategy Manager behavior the
// dispatcher depends on.
type strategyManager interface {
	CreateStrategy(label, agentID string, to common.Address, amount money.Amount, intervalSeconds int, maxBaseFeeGwei *int64, dailyCapNative *money.Amount, confirmationCode string) error
	StartStrategy(label string, now time.Time) error
	StopStrategy(label string) error
	DeleteStrategy(label string) error
	GetStrategy(label string) (strategy.Strategy, error)
	ListStrategies() ([]strategy.Strategy, error)
	Tick(ctx context.Context, label string, now time.Time) (strategy.TickResult, error)
}

// policyEngine is the slice of Policy Engine behavior the dispatcher
// depends on.
type policyEngine interface {
	Enforce(tool, agentID string, now time.Time) error
	Audit(tool, agentID string, now time.Time, request, response map[string]any, outcomeErr error)
}

// handlerFunc is one tool's concrete implementation: take the
// caller-scoped agent ID plus its argument map, return a structured
// result map.
type handlerFunc func(ctx context.Context, agentID string, args map[string]any) (map[string]any, error)

// Request is a single tool invocation.
type Request struct {
	Tool    string
	AgentID string
	Args    map[string]any

	// Retry marks this call as a transport-level resend of a call that
	// was already attempted once. Non-idempotent tools refuse retries
	// unless RetryConsent is also set.
	Retry        bool
	RetryConsent bool
}

// Server is the tool dispatch seam. It owns no state of its own; every
// handler delegates to one of the injected components.
type Server struct {
	wallet   walletManager
	keys     keyStore
	chain    chainReader
	strategy strategyManager
	policy   policyEngine

	plaintextExportEnabled bool
	plaintextExportCode    string

	handlers map[string]handlerFunc
}

// NewServer constructs a Server wiring every fixed tool name to its
// handler.
func NewServer(wm walletManager, keys keyStore, chain chainReader, sm strategyManager, pol policyEngine, plaintextExportEnabled bool, plaintextExportCode string) *Server {
	s := &Server{
		wallet:                 wm,
		keys:                   keys,
		chain:                  chain,
		strategy:               sm,
		policy:                 pol,
		plaintextExportEnabled: plaintextExportEnabled,
		plaintextExportCode:    plaintextExportCode,
	}
	s.handlers = map[string]handlerFunc{
		"create_wallet":           s.handleCreateWallet,
		"import_wallet_privkey":   s.handleImportPrivkey,
		"import_wallet_mnemonic":  s.handleImportMnemonic,
		"list_wallets":            s.handleListWallets,
		"query_balance":           s.handleQueryBalance,
		"provider_status":         s.handleProviderStatus,
		"inspect_contract":        s.handleInspectContract,
		"simulate_transfer":       s.handleSimulateTransfer,
		"execute_transfer":        s.handleExecuteTransfer,
		"sign_message":            s.handleSignMessage,
		"export_keystore":         s.handleExportKeystore,
		"export_private_key":      s.handleExportPrivateKey,
		"create_strategy":         s.handleCreateStrategy,
		"start_strategy":          s.handleStartStrategy,
		"stop_strategy":           s.handleStopStrategy,
		"delete_strategy":         s.handleDeleteStrategy,
		"tick_strategy":           s.handleTickStrategy,
		"list_strategies":         s.handleListStrategies,
		"strategy_status":         s.handleStrategyStatus,
	}
	return s
}

// nonIdempotentTools never changes outcome-to-outcome regardless of
// arguments: calling twice always has two effects.
var nonIdempotentTools = map[string]bool{
	"create_wallet":          true,
	"import_wallet_privkey":  true,
	"import_wallet_mnemonic": true,
	"create_strategy":        true,
	"start_strategy":         true,
	"stop_strategy":          true,
	"delete_strategy":        true,
}

// IsIdempotent reports the static idempotent? label a transport must
// consult before silently retrying a tool call. execute_transfer
// degrades to idempotent when dry_run is set, since no broadcast can
// occur; tick_strategy is conservatively tagged non-idempotent in every
// case, since whether a given tick actually broadcasts (the only thing
// that would make a retry unsafe) is known only after it runs.
func IsIdempotent(tool string, args map[string]any) bool {
	switch tool {
	case "execute_transfer":
		return argBool(args, "dry_run", false)
	case "tick_strategy":
		return false
	default:
		return !nonIdempotentTools[tool]
	}
}

// Dispatch runs tool with the Policy Engine's rate-limit gate applied
// beforehand and a redacted audit record written afterward, regardless
// of outcome.
func (s *Server) Dispatch(ctx context.Context, req Request) (map[string]any, error) {
	handler, ok := s.handlers[req.Tool]
	if !ok {
		return nil, fmt.Errorf("toolserver: unknown tool %q", req.Tool)
	}
	if req.Retry && !IsIdempotent(req.Tool, req.Args) && !req.RetryConsent {
		return nil, fmt.Errorf("toolserver: %q is non-idempotent and cannot be retried without caller consent", req.Tool)
	}

	now := time.Now().UTC()
	if err := s.policy.Enforce(req.Tool, req.AgentID, now); err != nil {
		s.policy.Audit(req.Tool, req.AgentID, now, req.Args, nil, err)
		return nil, err
	}

	resp, err := handler(ctx, req.AgentID, req.Args)
	s.policy.Audit(req.Tool, req.AgentID, now, req.Args, resp, err)
	return resp, err
}

func (s *Server) handleCreateWallet(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	address, err := s.wallet.CreateWallet(agentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"address": address.Hex()}, nil
}

func (s *Server) handleImportPrivkey(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	hexKey, err := argString(args, "private_key")
	if err != nil {
		return nil, err
	}
	address, err := s.wallet.ImportPrivateKey(agentID, hexKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{"address": address.Hex()}, nil
}

func (s *Server) handleImportMnemonic(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	mnemonic, err := argString(args, "mnemonic")
	if err != nil {
		return nil, err
	}
	address, err := s.wallet.ImportMnemonic(agentID, mnemonic)
	if err != nil {
		return nil, err
	}
	return map[string]any{"address": address.Hex()}, nil
}

func (s *Server) handleListWallets(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	entries, err := s.keys.List()
	if err != nil {
		return nil, err
	}
	wallets := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		wallets = append(wallets, map[string]any{"agent_id": e.AgentID, "address": e.Address.Hex()})
	}
	return map[string]any{"wallets": wallets}, nil
}

func (s *Server) handleQueryBalance(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	bal, err := s.wallet.QueryBalance(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"balance": bal.String()}, nil
}

func (s *Server) handleProviderStatus(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	st, err := s.chain.ProviderStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"chain_id":       st.ChainID,
		"latest_block":   st.LatestBlock,
		"active_url":     st.ActiveURL,
		"endpoint_count": st.EndpointCount,
	}
	if st.BaseFeeGwei != nil {
		out["base_fee_gwei"] = st.BaseFeeGwei.String()
	}
	return out, nil
}

func (s *Server) handleInspectContract(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	to, err := argAddress(args, "to")
	if err != nil {
		return nil, err
	}
	abiJSON, err := argString(args, "abi_json")
	if err != nil {
		return nil, err
	}
	method, err := argString(args, "method")
	if err != nil {
		return nil, err
	}
	callArgs, err := argList(args, "args")
	if err != nil {
		return nil, err
	}
	outputs, err := s.chain.InspectContract(ctx, to, abiJSON, method, callArgs)
	if err != nil {
		return nil, err
	}
	decoded := make([]any, len(outputs))
	for i, v := range outputs {
		decoded[i] = fmt.Sprintf("%v", v)
	}
	return map[string]any{"outputs": decoded}, nil
}

func (s *Server) handleSimulateTransfer(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	to, err := argAddress(args, "to")
	if err != nil {
		return nil, err
	}
	amount, err := argAmount(args, "amount")
	if err != nil {
		return nil, err
	}
	sim, err := s.wallet.SimulateTransfer(ctx, agentID, to, amount)
	if err != nil {
		return nil, err
	}
	return simulationToMap(sim), nil
}

func (s *Server) handleExecuteTransfer(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	to, err := argAddress(args, "to")
	if err != nil {
		return nil, err
	}
	amount, err := argAmount(args, "amount")
	if err != nil {
		return nil, err
	}
	req := wallet.TransferRequest{
		AgentID:          agentID,
		To:               to,
		Amount:           amount,
		ConfirmationCode: argOptionalString(args, "confirmation_code"),
		DryRun:           argBool(args, "dry_run", false),
	}
	result, err := s.wallet.ExecuteTransfer(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.Simulation != nil {
		out := simulationToMap(result.Simulation)
		out["dry_run"] = true
		return out, nil
	}
	return map[string]any{"tx_hash": result.TxHash.Hex()}, nil
}

func (s *Server) handleSignMessage(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	message, err := argString(args, "message")
	if err != nil {
		return nil, err
	}
	sig, err := s.wallet.SignMessage(agentID, []byte(message))
	if err != nil {
		return nil, err
	}
	return map[string]any{"signature": "0x" + hex.EncodeToString(sig)}, nil
}

func (s *Server) handleExportKeystore(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	passphrase, err := argString(args, "passphrase")
	if err != nil {
		return nil, err
	}
	encoded, err := s.keys.ExportKeystore(agentID, passphrase)
	if err != nil {
		return nil, err
	}
	return map[string]any{"keystore_json": string(encoded)}, nil
}

func (s *Server) handleExportPrivateKey(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	suppliedCode := argOptionalString(args, "confirmation_code")
	plaintext, err := s.keys.ExportPrivateKey(agentID, s.plaintextExportEnabled, suppliedCode, s.plaintextExportCode)
	if err != nil {
		return nil, err
	}
	defer zero(plaintext)
	return map[string]any{"private_key": "0x" + hex.EncodeToString(plaintext)}, nil
}

func (s *Server) handleCreateStrategy(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	label, err := argString(args, "label")
	if err != nil {
		return nil, err
	}
	to, err := argAddress(args, "to")
	if err != nil {
		return nil, err
	}
	amount, err := argAmount(args, "amount")
	if err != nil {
		return nil, err
	}
	intervalSeconds, err := argInt(args, "interval_seconds")
	if err != nil {
		return nil, err
	}
	maxBaseFeeGwei, err := argOptionalInt64(args, "max_base_fee_gwei")
	if err != nil {
		return nil, err
	}
	dailyCap, err := argOptionalAmount(args, "daily_cap_native")
	if err != nil {
		return nil, err
	}
	confirmationCode := argOptionalString(args, "confirmation_code")

	if err := s.strategy.CreateStrategy(label, agentID, to, amount, intervalSeconds, maxBaseFeeGwei, dailyCap, confirmationCode); err != nil {
		return nil, err
	}
	return map[string]any{"label": label}, nil
}

func (s *Server) handleStartStrategy(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	label, err := argString(args, "label")
	if err != nil {
		return nil, err
	}
	if err := s.strategy.StartStrategy(label, time.Now().UTC()); err != nil {
		return nil, err
	}
	return map[string]any{"label": label}, nil
}

func (s *Server) handleStopStrategy(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	label, err := argString(args, "label")
	if err != nil {
		return nil, err
	}
	if err := s.strategy.StopStrategy(label); err != nil {
		return nil, err
	}
	return map[string]any{"label": label}, nil
}

func (s *Server) handleDeleteStrategy(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	label, err := argString(args, "label")
	if err != nil {
		return nil, err
	}
	if err := s.strategy.DeleteStrategy(label); err != nil {
		return nil, err
	}
	return map[string]any{"label": label}, nil
}

func (s *Server) handleTickStrategy(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	label, err := argString(args, "label")
	if err != nil {
		return nil, err
	}
	result, err := s.strategy.Tick(ctx, label, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	out := map[string]any{"outcome": string(result.Outcome)}
	if result.Outcome == strategy.OutcomeSent {
		out["tx_hash"] = result.TxHash.Hex()
	}
	if result.Err != nil {
		out["error"] = result.Err.Error()
	}
	return out, nil
}

func (s *Server) handleListStrategies(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	strategies, err := s.strategy.ListStrategies()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(strategies))
	for _, st := range strategies {
		out = append(out, strategyToMap(st))
	}
	return map[string]any{"strategies": out}, nil
}

func (s *Server) handleStrategyStatus(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	label, err := argString(args, "label")
	if err != nil {
		return nil, err
	}
	st, err := s.strategy.GetStrategy(label)
	if err != nil {
		return nil, err
	}
	return strategyToMap(st), nil
}

func simulationToMap(sim *wallet.Simulation) map[string]any {
	out := map[string]any{
		"gas":                sim.Gas,
		"fee_native":         sim.FeeNative.String(),
		"total_native":       sim.TotalNative.String(),
		"sufficient_balance": sim.SufficientBalance,
	}
	if sim.MaxFeePerGas != nil {
		out["max_fee_per_gas"] = sim.MaxFeePerGas.String()
	}
	if sim.MaxPriorityFeePerGas != nil {
		out["max_priority_fee_per_gas"] = sim.MaxPriorityFeePerGas.String()
	}
	return out
}

func strategyToMap(st strategy.Strategy) map[string]any {
	out := map[string]any{
		"label":              st.Label,
		"agent_id":           st.AgentID,
		"kind":               string(st.Kind),
		"to":                 st.ToAddress.Hex(),
		"amount_native":      st.AmountNative.String(),
		"interval_seconds":   st.IntervalSeconds,
		"enabled":            st.Enabled,
		"spent_today_native": st.SpentTodayNative.String(),
	}
	if st.MaxBaseFeeGwei != nil {
		out["max_base_fee_gwei"] = *st.MaxBaseFeeGwei
	}
	if st.DailyCapNative != nil {
		out["daily_cap_native"] = st.DailyCapNative.String()
	}
	if st.NextRunAt != nil {
		out["next_run_at"] = st.NextRunAt.Format(time.RFC3339)
	}
	if st.LastRunAt != nil {
		out["last_run_at"] = st.LastRunAt.Format(time.RFC3339)
	}
	if st.LastTxHash != "" {
		out["last_tx_hash"] = st.LastTxHash
	}
	return out
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("toolserver: missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("toolserver: argument %q must be a string", key)
	}
	return s, nil
}

func argOptionalString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argBool(args map[string]any, key string, fallback bool) bool {
	v, ok := args[key]
	if !ok {
		return fallback
	}
	b, ok := v.(bool)
	if !ok {
		return fallback
	}
	return b
}

func argAmount(args map[string]any, key string) (money.Amount, error) {
	s, err := argString(args, key)
	if err != nil {
		return money.Amount{}, err
	}
	amt, err := money.FromString(s)
	if err != nil {
		return money.Amount{}, fmt.Errorf("toolserver: argument %q: %w", key, err)
	}
	return amt, nil
}

func argOptionalAmount(args map[string]any, key string) (*money.Amount, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("toolserver: argument %q must be a string", key)
	}
	amt, err := money.FromString(s)
	if err != nil {
		return nil, fmt.Errorf("toolserver: argument %q: %w", key, err)
	}
	return &amt, nil
}

func argAddress(args map[string]any, key string) (common.Address, error) {
	s, err := argString(args, key)
	if err != nil {
		return common.Address{}, err
	}
	return wallet.ValidateAddress(s)
}

func argInt(args map[string]any, key string) (int, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("toolserver: missing argument %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("toolserver: argument %q must be a number", key)
	}
}

func argOptionalInt64(args map[string]any, key string) (*int64, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch n := v.(type) {
	case int64:
		return &n, nil
	case int:
		i := int64(n)
		return &i, nil
	case float64:
		i := int64(n)
		return &i, nil
	default:
		return nil, fmt.Errorf("toolserver: argument %q must be a number", key)
	}
}

// argList returns the optional positional-argument list for an
// ABI-encoded contract call. Absent entirely, it packs as a
// zero-argument call.
func argList(args map[string]any, key string) ([]any, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("toolserver: argument %q must be a list", key)
	}
	return list, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
