// Command bridged is the composition root for the OTC bridge: it loads
// configuration and secrets, wires every subsystem package to a shared
// store and scheduler, and runs until SIGINT/SIGTERM, at which point it
// drains the Fund Keeper down to its configured shutdown balance before
// exiting. The wiring order follows services/payoutd/main.go.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"github.com/greenline-otc/bridge/internal/adbinder"
	"github.com/greenline-otc/bridge/internal/adminapi"
	"github.com/greenline-otc/bridge/internal/bus"
	"github.com/greenline-otc/bridge/internal/confirm"
	"github.com/greenline-otc/bridge/internal/config"
	"github.com/greenline-otc/bridge/internal/dialogue"
	"github.com/greenline-otc/bridge/internal/funds"
	"github.com/greenline-otc/bridge/internal/observability"
	"github.com/greenline-otc/bridge/internal/orderstate"
	"github.com/greenline-otc/bridge/internal/payout"
	"github.com/greenline-otc/bridge/internal/rateengine"
	"github.com/greenline-otc/bridge/internal/receipt"
	"github.com/greenline-otc/bridge/internal/secrets"
	"github.com/greenline-otc/bridge/internal/session"
	"github.com/greenline-otc/bridge/internal/settlement"
	"github.com/greenline-otc/bridge/internal/store"
)

// auditTick exports the prior cfg.AuditEvery window of settled orders to
// CSV/Parquet under cfg.AuditOutputDir, for nightly operator reconciliation.
func auditTick(db *gorm.DB, cfg config.Config) func(context.Context) error {
	return func(ctx context.Context) error {
		end := time.Now()
		start := end.Add(-cfg.AuditEvery.Duration)
		_, _, err := settlement.ExportAudit(db, start, end, cfg.AuditOutputDir)
		return err
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "cmd/bridged/config.yaml", "path to bridge configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.Setup("bridged", os.Getenv("BRIDGE_ENV"), nil)

	shutdownTracing, err := observability.InitTracing(context.Background(), observability.TelemetryConfig{
		ServiceName: "bridged",
		Environment: os.Getenv("BRIDGE_ENV"),
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("tracing shutdown", "error", err)
		}
	}()

	secretMgr, err := secrets.NewManager(secrets.Config{
		Backend: secrets.Backend(cfg.Secrets.Backend),
		BaseDir: cfg.Secrets.BaseDir,
		Prefix:  cfg.Secrets.Prefix,
	})
	if err != nil {
		return fmt.Errorf("init secrets: %w", err)
	}
	_ = secretMgr // consulted by the (out-of-scope) Gate/Bybit HTTP clients at dial time

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	metrics := observability.Metrics()
	eventBus := bus.New()
	machine := orderstate.New(db, eventBus, metrics)

	sched := schedulerFor(cfg)

	sessions := session.NewManager(gormSessionStore{db: db}, unconfiguredGateLoginer{}, eventBus, logger, session.Config{
		SessionTTL:      cfg.GateSessionTTL.Duration,
		RefreshInterval: cfg.SessionRefresh.Duration,
		RecvWindow:      cfg.RecvWindow.Duration,
		FailCeiling:     cfg.SessionRetryCeiling,
	})
	defer sessions.Close()

	referenceZone, err := referenceLocation(cfg.ReferenceZone)
	if err != nil {
		return fmt.Errorf("parse reference_zone: %w", err)
	}
	smallThreshold, err := decimal.NewFromString(cfg.SmallLargeThreshold)
	if err != nil {
		return fmt.Errorf("parse small_large_threshold: %w", err)
	}
	rates := rateengine.New(unconfiguredOfferBook{}, rateengine.Config{
		Fiat:           "RUB",
		Crypto:         "USDT",
		PaymentMethods: cfg.BankWhitelist,
		ReferenceZone:  referenceZone,
		SmallThreshold: smallThreshold,
	})

	confirmMode := confirm.ModeAutomatic
	if cfg.ManualMode {
		confirmMode = confirm.ModeManual
	}
	gateway := confirm.New(confirmMode, unconfiguredDecider{})

	poller := payout.New(db, unconfiguredGateClient{}, machine, sched, logger, cfg.GatePollInterval.Duration)
	binder := adbinder.New(db, unconfiguredBybitClient{}, rates, machine, sched, metrics, gateway, cfg.MaxAdsPerAccount, adbinder.MaxBindAttempts)
	dialogueRunner := dialogue.New(db, unconfiguredChatChannel{}, machine, dialogueTemplates(), gateway)
	settler := settlement.New(db, unconfiguredBybitClient{}, unconfiguredSettlementGateClient{}, unconfiguredReceiptSource{}, machine, sched, metrics, gateway)
	ingestor := receipt.New(db, machine, settler, cfg.SenderWhitelist)

	targetBalance, err := decimal.NewFromString(cfg.TargetBalance)
	if err != nil {
		return fmt.Errorf("parse target_balance: %w", err)
	}
	shutdownBalance, err := decimal.NewFromString(cfg.ShutdownBalance)
	if err != nil {
		return fmt.Errorf("parse shutdown_balance: %w", err)
	}
	keeper := funds.New(db, unconfiguredFundsGateClient{}, sched, metrics, gateway, funds.Config{
		TargetBalance:   targetBalance,
		ShutdownBalance: shutdownBalance,
		Interval:        cfg.FundKeeperEvery.Duration,
	})

	controls := &adminapi.Controls{}
	adminAPI := adminapi.NewServer(os.Getenv("BRIDGE_ADMIN_JWT_SECRET"), controls)
	adminServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(adminAPI, "bridged-admin"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		poller.Run(stopCtx)
	}()
	go func() {
		if err := keeper.Run(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("fund keeper stopped", "error", err)
		}
	}()
	go tickLoop(stopCtx, cfg.GatePollInterval.Duration, controls, binder.Tick, logger, "ad binder")
	go tickLoop(stopCtx, cfg.MailPollInterval.Duration, controls, dialogueRunner.Tick, logger, "dialogue reminders")
	go tickLoop(stopCtx, cfg.AuditEvery.Duration, controls, auditTick(db, cfg), logger, "settlement audit")
	go func() {
		errs <- adminServer.ListenAndServe()
	}()

	// ingestor.Ingest is invoked per inbound mail by the (out-of-scope)
	// mail transport; it has no periodic tick of its own.
	_ = ingestor

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := keeper.Shutdown(shutdownCtx); err != nil {
			logger.Error("fund keeper shutdown", "error", err)
		}
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			adminServer.Close()
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	}
}
