package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/BunsDev/yobot-engine/params"
	"github.com/BunsDev/yobot-engine/pkg/access"
	"github.com/BunsDev/yobot-engine/pkg/api"
	"github.com/BunsDev/yobot-engine/pkg/ledger"
	"github.com/BunsDev/yobot-engine/pkg/transfer"
	"github.com/BunsDev/yobot-engine/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.API.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.API.LogFile)

	// ---- Access control ----
	gate, err := access.NewGate(cfg.Access.Coordinator, cfg.Access.Filler, cfg.Access.FeeRecipient, cfg.Access.FeeBips)
	if err != nil {
		sugar.Fatalw("gate_init_failed", "err", err)
	}

	// ---- Asset backends ----
	// In-process vault and item registry. A deployment that settles against
	// external systems swaps these for adapters satisfying the same interfaces.
	bank := transfer.NewBank()
	items := transfer.NewItems()

	// Optional dev faucet: FAUCET_ADDRS=0xabc...,0xdef... mints test funds
	// so signed orders can be placed without a separate funding step.
	if raw := os.Getenv("FAUCET_ADDRS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if !common.IsHexAddress(s) {
				sugar.Warnw("faucet_skip_invalid_addr", "addr", s)
				continue
			}
			addr := common.HexToAddress(s)
			bank.Mint(addr, 1_000_000_000)
			sugar.Infow("faucet_minted", "addr", addr.Hex(), "amount", int64(1_000_000_000))
		}
	}

	// ---- Order ledger ----
	book, err := ledger.NewOrderLedgerWithStore(gate, bank, items, cfg.Ledger.CustodyAddr, cfg.Ledger.DBPath)
	if err != nil {
		sugar.Fatalw("ledger_init_failed", "err", err, "db_path", cfg.Ledger.DBPath)
	}
	defer book.Close()
	book.SetLogger(sugar)

	sugar.Infow("ledger_loaded",
		"db_path", cfg.Ledger.DBPath,
		"custody", cfg.Ledger.CustodyAddr.Hex(),
		"custodied", book.CustodiedBalance(),
		"live_orders", book.LiveOrderCount())

	// The ledger is durable but the in-process vault is not: re-fund the
	// custody account with the reloaded escrow so refunds and payouts stay
	// payable after a restart.
	if bal := book.CustodiedBalance(); bal > 0 {
		bank.Mint(cfg.Ledger.CustodyAddr, bal)
	}

	if err := book.Validate(); err != nil {
		sugar.Fatalw("ledger_validate_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	apiServer := api.NewServer(book, gate, sugar)

	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.API.Addr)
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("engine_running",
		"coordinator", gate.Coordinator().Hex(),
		"filler", gate.AuthorizedFiller().Hex(),
		"fee_recipient", gate.FeeRecipient().Hex(),
		"fee_bips", gate.FeeBips())

	// Progress logging loop
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sugar.Info("shutting down")
			return
		case <-ticker.C:
			sugar.Infow("ledger_status",
				"live_orders", book.LiveOrderCount(),
				"custodied", book.CustodiedBalance())
		}
	}
}
