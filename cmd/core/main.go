package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/agentrail/walletcore/internal/addrlock"
	"github.com/agentrail/walletcore/internal/chainclient"
	"github.com/agentrail/walletcore/internal/config"
	"github.com/agentrail/walletcore/internal/journal"
	"github.com/agentrail/walletcore/internal/keystore"
	"github.com/agentrail/walletcore/internal/money"
	"github.com/agentrail/walletcore/internal/policy"
	"github.com/agentrail/walletcore/internal/strategy"
	"github.com/agentrail/walletcore/internal/toolserver"
	"github.com/agentrail/walletcore/internal/wallet"
)

func main() {
	configPath := os.Getenv("CORE_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yml"
	}
	envPath := os.Getenv("CORE_ENV_PATH")

	cfg, err := config.Load(configPath, envPath)
	if err != nil {
		panic(err)
	}
	if len(cfg.EncryptionSecret) == 0 {
		panic("CORE_ENCRYPTION_SECRET not set")
	}

	ctx := context.Background()

	chain, err := chainclient.Dial(ctx, cfg.RPCEndpoints, cfg.FeePercentile, cfg.FeeSampleBlocks)
	if err != nil {
		panic(err)
	}
	defer chain.Close()

	db, err := gorm.Open(mysql.Open(cfg.PersistenceDSN), &gorm.Config{})
	if err != nil {
		panic(err)
	}

	keys, err := keystore.NewStore(db, cfg.EncryptionSecret)
	if err != nil {
		panic(err)
	}

	locks := addrlock.NewRegistry()

	spendThreshold, err := money.FromString(cfg.SpendThresholdNative)
	if err != nil {
		panic(err)
	}
	walletMgr := wallet.NewManager(keys, chain, locks, wallet.Config{
		ChainID:              cfg.ChainID,
		SpendThresholdNative: spendThreshold,
		ConfirmationCode:     cfg.ConfirmationCode,
	})

	events, err := journal.NewStore(db)
	if err != nil {
		panic(err)
	}

	policyEngine := policy.NewEngine(events, cfg.RateLimits)

	strategyMgr, err := strategy.NewManager(db, walletMgr, chain, cfg.ConfirmationCode)
	if err != nil {
		panic(err)
	}

	server := toolserver.NewServer(
		walletMgr,
		keys,
		chain,
		strategyMgr,
		policyEngine,
		cfg.PlaintextExportEnabled,
		cfg.PlaintextExportConfirmationCode,
	)

	reportChan := make(chan string)
	go runStrategyPoller(ctx, strategyMgr, server, cfg.StrategyPollInterval, reportChan)

	for update := range reportChan {
		println(update)
	}
}

// runStrategyPoller periodically ticks every enabled strategy whose
// next_run_at has arrived, routing each tick through the toolserver
// dispatcher so it still passes the Policy Engine's gate and the Event
// Journal's audit trail, exactly as an externally-initiated tick_strategy
// call would.
func runStrategyPoller(ctx context.Context, strategyMgr *strategy.Manager, server *toolserver.Server, interval time.Duration, reportChan chan<- string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		strategies, err := strategyMgr.ListStrategies()
		if err != nil {
			reportChan <- fmt.Sprintf("strategy poll: list failed: %v", err)
			continue
		}

		now := time.Now().UTC()
		for _, st := range strategies {
			if !st.Enabled || st.NextRunAt == nil || now.Before(*st.NextRunAt) {
				continue
			}
			resp, err := server.Dispatch(ctx, toolserver.Request{
				Tool:    "tick_strategy",
				AgentID: st.AgentID,
				Args:    map[string]any{"label": st.Label},
			})
			if err != nil {
				reportChan <- fmt.Sprintf("strategy %s: tick failed: %v", st.Label, err)
				continue
			}
			reportChan <- fmt.Sprintf("strategy %s: outcome=%v", st.Label, resp["outcome"])
		}
	}
}
