// Package strategy implements the Strategy Manager component: a
// persistent recurring-transfer scheduler. Each strategy ticks at most
// one transfer per call and absorbs any missed intervals (a host
// outage, a restart) into a single forward jump of next_run_at rather
// than firing a catch-up burst.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"github.com/agentrail/walletcore/internal/coreerr"
	"github.com/agentrail/walletcore/internal/money"
	"github.com/agentrail/walletcore/internal/wallet"
)

// Kind is the extensible strategy-type tag. Only recurring_transfer is
// implemented; the field exists so future kinds can be added without a
// schema change.
type Kind string

const KindRecurringTransfer Kind = "recurring_transfer"

// Outcome is the closed set of results a single tick can record.
type Outcome string

const (
	OutcomeSent              Outcome = "sent"
	OutcomeSkippedGas        Outcome = "skipped_gas"
	OutcomeSkippedCap        Outcome = "skipped_cap"
	OutcomeSkippedNotDue     Outcome = "skipped_not_due"
	OutcomeSkippedSimulation Outcome = "skipped_simulation"
	OutcomeFailed            Outcome = "failed"
)

// StrategyRecord is the gorm model for one recurring-transfer strategy.
type StrategyRecord struct {
	Label            string `gorm:"primaryKey;type:varchar(128)"`
	AgentID          string `gorm:"index;type:varchar(128);not null"`
	Kind             string `gorm:"type:varchar(32);not null"`
	ToAddress        string `gorm:"type:varchar(42);not null"`
	AmountNative     string `gorm:"type:varchar(78);not null"`
	IntervalSeconds  int    `gorm:"not null"`
	Enabled          bool   `gorm:"not null"`
	MaxBaseFeeGwei   *int64
	DailyCapNative   *string `gorm:"type:varchar(78)"`
	NextRunAt        *time.Time
	LastRunAt        *time.Time
	LastTxHash       *string `gorm:"type:varchar(66)"`
	SpentDay         *time.Time
	SpentTodayNative string `gorm:"type:varchar(78);not null"`
	ConfirmationCode string `gorm:"type:varchar(128)"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (StrategyRecord) TableName() string { return "strategies" }

// RunRecord is the append-only audit child of a strategy tick.
type RunRecord struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	StrategyLabel string `gorm:"index;type:varchar(128);not null"`
	RanAt         time.Time `gorm:"not null"`
	Outcome       string    `gorm:"type:varchar(32);not null"`
	TxHash        *string   `gorm:"type:varchar(66)"`
	Detail        string    `gorm:"type:text"`
}

func (RunRecord) TableName() string { return "strategy_runs" }

// Strategy is the caller-facing view of a strategy record.
type Strategy struct {
	Label            string
	AgentID          string
	Kind             Kind
	ToAddress        common.Address
	AmountNative     money.Amount
	IntervalSeconds  int
	Enabled          bool
	MaxBaseFeeGwei   *int64
	DailyCapNative   *money.Amount
	NextRunAt        *time.Time
	LastRunAt        *time.Time
	LastTxHash       string
	SpentDay         *time.Time
	SpentTodayNative money.Amount
	ConfirmationCode string
}

// TickResult is the outcome of a single tick call. Err carries the
// underlying transfer failure when Outcome is OutcomeFailed; the tick
// itself still succeeded in persisting that outcome, so Err is not
// returned as the function's error.
type TickResult struct {
	Outcome Outcome
	TxHash  common.Hash
	Err     error
}

// walletManager is the slice of Wallet Manager behavior the Strategy
// Manager depends on.
type walletManager interface {
	SimulateTransfer(ctx context.Context, agentID string, to common.Address, amount money.Amount) (*wallet.Simulation, error)
	ExecuteTransfer(ctx context.Context, req wallet.TransferRequest) (*wallet.TransferResult, error)
}

// baseFeeReader is the slice of Chain Client behavior the gas-ceiling
// gate depends on.
type baseFeeReader interface {
	BaseFeeGwei(ctx context.Context) (*big.Int, error)
}

// Manager is the Strategy Manager component.
type Manager struct {
	db                      *gorm.DB
	wallet                  walletManager
	chain                   baseFeeReader
	defaultConfirmationCode string
	logger                  *slog.Logger
}

// NewManager constructs a Strategy Manager, migrating its tables.
// defaultConfirmationCode is used for a strategy's confirmation-gated
// transfers when the strategy itself carries no confirmation code.
func NewManager(db *gorm.DB, wm walletManager, chain baseFeeReader, defaultConfirmationCode string) (*Manager, error) {
	if err := db.AutoMigrate(&StrategyRecord{}, &RunRecord{}); err != nil {
		return nil, fmt.Errorf("strategy: failed to migrate schema: %w", err)
	}
	return &Manager{
		db:                      db,
		wallet:                  wm,
		chain:                   chain,
		defaultConfirmationCode: defaultConfirmationCode,
		logger:                  slog.Default().With("component", "strategy_manager"),
	}, nil
}

// CreateStrategy persists a new, disabled strategy. A strategy label
// collision is treated as a bad-state precondition for creation: there
// is no dedicated "label exists" kind in the closed error enum, so
// this core reuses strategy_bad_state (see design notes).
func (m *Manager) CreateStrategy(label, agentID string, to common.Address, amount money.Amount, intervalSeconds int, maxBaseFeeGwei *int64, dailyCapNative *money.Amount, confirmationCode string) error {
	if intervalSeconds <= 0 {
		return coreerr.New(coreerr.StrategyBadState, "interval_seconds must be positive")
	}

	var dailyCapStr *string
	if dailyCapNative != nil {
		s := dailyCapNative.String()
		dailyCapStr = &s
	}

	rec := StrategyRecord{
		Label:            label,
		AgentID:          agentID,
		Kind:             string(KindRecurringTransfer),
		ToAddress:        to.Hex(),
		AmountNative:     amount.String(),
		IntervalSeconds:  intervalSeconds,
		Enabled:          false,
		MaxBaseFeeGwei:   maxBaseFeeGwei,
		DailyCapNative:   dailyCapStr,
		SpentTodayNative: "0",
		ConfirmationCode: confirmationCode,
	}

	return m.db.Transaction(func(tx *gorm.DB) error {
		var existing StrategyRecord
		err := tx.Where("label = ?", label).First(&existing).Error
		if err == nil {
			return coreerr.New(coreerr.StrategyBadState, "label already exists: "+label)
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("strategy: lookup failed: %w", err)
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("strategy: create failed: %w", err)
		}
		return nil
	})
}

// StartStrategy transitions created|disabled -> enabled, setting
// next_run_at = now.
func (m *Manager) StartStrategy(label string, now time.Time) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		rec, err := loadForUpdate(tx, label)
		if err != nil {
			return err
		}
		if rec.Enabled {
			return coreerr.New(coreerr.StrategyBadState, "strategy already enabled: "+label)
		}
		rec.Enabled = true
		rec.NextRunAt = &now
		return tx.Save(rec).Error
	})
}

// StopStrategy transitions enabled -> disabled, clearing next_run_at.
func (m *Manager) StopStrategy(label string) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		rec, err := loadForUpdate(tx, label)
		if err != nil {
			return err
		}
		if !rec.Enabled {
			return coreerr.New(coreerr.StrategyBadState, "strategy already disabled: "+label)
		}
		rec.Enabled = false
		rec.NextRunAt = nil
		return tx.Save(rec).Error
	})
}

// DeleteStrategy removes the strategy record. Run records are left in
// place; they are an append-only audit trail independent of the
// strategy's lifecycle.
func (m *Manager) DeleteStrategy(label string) error {
	res := m.db.Where("label = ?", label).Delete(&StrategyRecord{})
	if res.Error != nil {
		return fmt.Errorf("strategy: delete failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return coreerr.New(coreerr.StrategyNotFound, label)
	}
	return nil
}

// GetStrategy returns a single strategy's current state.
func (m *Manager) GetStrategy(label string) (Strategy, error) {
	var rec StrategyRecord
	if err := m.db.Where("label = ?", label).First(&rec).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return Strategy{}, coreerr.New(coreerr.StrategyNotFound, label)
		}
		return Strategy{}, fmt.Errorf("strategy: lookup failed: %w", err)
	}
	return rowToStrategy(rec), nil
}

// ListStrategies returns every strategy record.
func (m *Manager) ListStrategies() ([]Strategy, error) {
	var rows []StrategyRecord
	if err := m.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("strategy: list failed: %w", err)
	}
	out := make([]Strategy, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToStrategy(r))
	}
	return out, nil
}

// Tick runs the eight-step tick algorithm for a single strategy. The
// function's own error return is reserved for tick-level failures
// (strategy not found, persistence failure, base-fee read failure,
// simulation call failure); none of these writes a run record. A
// domain failure inside
// the transfer itself is recorded as outcome failed and surfaced via
// TickResult.Err, per design note in strategy manager docs.
func (m *Manager) Tick(ctx context.Context, label string, now time.Time) (TickResult, error) {
	rec, err := m.GetStrategy(label)
	if err != nil {
		return TickResult{}, err
	}

	// Step 1: disabled strategies are never due.
	if !rec.Enabled {
		return TickResult{Outcome: OutcomeSkippedNotDue}, nil
	}
	// Step 2: not yet due.
	if rec.NextRunAt == nil || now.Before(*rec.NextRunAt) {
		return TickResult{Outcome: OutcomeSkippedNotDue}, nil
	}

	// Step 3: roll the daily spend window over if the calendar day changed.
	today := now.UTC().Truncate(24 * time.Hour)
	spentToday := rec.SpentTodayNative
	if !sameDay(rec, today) {
		spentToday = money.Zero()
	}

	interval := time.Duration(rec.IntervalSeconds) * time.Second

	// Step 4: daily cap gate.
	if rec.DailyCapNative != nil {
		projected := spentToday.Add(rec.AmountNative)
		if projected.GreaterThan(*rec.DailyCapNative) {
			return m.recordSkip(label, rec, now, today, spentToday, interval, OutcomeSkippedCap, "daily cap would be exceeded")
		}
	}

	// Step 5: gas ceiling gate.
	if rec.MaxBaseFeeGwei != nil {
		baseFee, err := m.chain.BaseFeeGwei(ctx)
		if err != nil {
			return TickResult{}, fmt.Errorf("strategy: base fee read failed: %w", err)
		}
		if baseFee != nil && baseFee.Int64() > *rec.MaxBaseFeeGwei {
			return m.recordSkip(label, rec, now, today, spentToday, interval, OutcomeSkippedGas, "base fee above ceiling")
		}
	}

	// Step 6: pre-flight simulation.
	sim, err := m.wallet.SimulateTransfer(ctx, rec.AgentID, rec.ToAddress, rec.AmountNative)
	if err != nil {
		return TickResult{}, fmt.Errorf("strategy: simulation failed: %w", err)
	}
	if !sim.SufficientBalance {
		return m.recordSkip(label, rec, now, today, spentToday, interval, OutcomeSkippedSimulation, "insufficient balance")
	}

	// Step 7: execute.
	confirmationCode := rec.confirmationCodeOrDefault(m.defaultConfirmationCode)
	result, execErr := m.wallet.ExecuteTransfer(ctx, wallet.TransferRequest{
		AgentID:          rec.AgentID,
		To:               rec.ToAddress,
		Amount:           rec.AmountNative,
		ConfirmationCode: confirmationCode,
	})

	nextRunAt := nextBoundary(*rec.NextRunAt, interval, now)

	if execErr != nil {
		if err := m.persistTick(label, func(row *StrategyRecord) {
			row.SpentTodayNative = spentToday.String()
			row.SpentDay = &today
			row.NextRunAt = &nextRunAt
		}, now, OutcomeFailed, nil, execErr.Error()); err != nil {
			return TickResult{}, err
		}
		return TickResult{Outcome: OutcomeFailed, Err: execErr}, nil
	}

	newSpent := spentToday.Add(rec.AmountNative)
	hashHex := result.TxHash.Hex()
	if err := m.persistTick(label, func(row *StrategyRecord) {
		row.SpentTodayNative = newSpent.String()
		row.SpentDay = &today
		row.NextRunAt = &nextRunAt
		row.LastRunAt = &now
		row.LastTxHash = &hashHex
	}, now, OutcomeSent, &hashHex, "transfer broadcast"); err != nil {
		return TickResult{}, err
	}
	return TickResult{Outcome: OutcomeSent, TxHash: result.TxHash}, nil
}

// recordSkip persists a reschedule-only outcome (no transfer attempted)
// atomically with its run record, per step 8.
func (m *Manager) recordSkip(label string, rec Strategy, now, today time.Time, spentToday money.Amount, interval time.Duration, outcome Outcome, detail string) (TickResult, error) {
	nextRunAt := nextBoundary(*rec.NextRunAt, interval, now)
	if err := m.persistTick(label, func(row *StrategyRecord) {
		row.SpentTodayNative = spentToday.String()
		row.SpentDay = &today
		row.NextRunAt = &nextRunAt
	}, now, outcome, nil, detail); err != nil {
		return TickResult{}, err
	}
	return TickResult{Outcome: outcome}, nil
}

// persistTick applies mutate to the current row and appends a run
// record in the same transaction: both commit or neither does.
func (m *Manager) persistTick(label string, mutate func(*StrategyRecord), ranAt time.Time, outcome Outcome, txHash *string, detail string) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		row, err := loadForUpdate(tx, label)
		if err != nil {
			return err
		}
		mutate(row)
		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("strategy: tick persistence failed: %w", err)
		}
		run := RunRecord{
			StrategyLabel: label,
			RanAt:         ranAt,
			Outcome:       string(outcome),
			TxHash:        txHash,
			Detail:        detail,
		}
		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("strategy: run record write failed: %w", err)
		}
		return nil
	})
}

func rowToStrategy(r StrategyRecord) Strategy {
	amount, _ := money.FromString(r.AmountNative)
	spent, _ := money.FromString(r.SpentTodayNative)

	s := Strategy{
		Label:            r.Label,
		AgentID:          r.AgentID,
		Kind:             Kind(r.Kind),
		ToAddress:        common.HexToAddress(r.ToAddress),
		AmountNative:     amount,
		IntervalSeconds:  r.IntervalSeconds,
		Enabled:          r.Enabled,
		MaxBaseFeeGwei:   r.MaxBaseFeeGwei,
		NextRunAt:        r.NextRunAt,
		LastRunAt:        r.LastRunAt,
		SpentDay:         r.SpentDay,
		SpentTodayNative: spent,
		ConfirmationCode: r.ConfirmationCode,
	}
	if r.LastTxHash != nil {
		s.LastTxHash = *r.LastTxHash
	}
	if r.DailyCapNative != nil {
		capAmt, _ := money.FromString(*r.DailyCapNative)
		s.DailyCapNative = &capAmt
	}
	return s
}

func loadForUpdate(tx *gorm.DB, label string) (*StrategyRecord, error) {
	var rec StrategyRecord
	if err := tx.Where("label = ?", label).First(&rec).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, coreerr.New(coreerr.StrategyNotFound, label)
		}
		return nil, fmt.Errorf("strategy: lookup failed: %w", err)
	}
	return &rec, nil
}

// nextBoundary advances current by whole multiples of interval until
// it strictly exceeds now, collapsing any number of missed intervals
// into a single jump (the catch-up policy).
func nextBoundary(current time.Time, interval time.Duration, now time.Time) time.Time {
	if current.After(now) {
		return current
	}
	elapsed := now.Sub(current)
	missedIntervals := int64(elapsed/interval) + 1
	return current.Add(time.Duration(missedIntervals) * interval)
}

func sameDay(rec Strategy, today time.Time) bool {
	if rec.SpentDay == nil {
		return false
	}
	return rec.SpentDay.Equal(today)
}

func (s Strategy) confirmationCodeOrDefault(fallback string) string {
	if s.ConfirmationCode != "" {
		return s.ConfirmationCode
	}
	return fallback
}
