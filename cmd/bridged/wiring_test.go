package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/greenline-otc/bridge/internal/adminapi"
	"github.com/greenline-otc/bridge/internal/config"
	"github.com/greenline-otc/bridge/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConfigYAMLLoadsAndValidates(t *testing.T) {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		t.Fatalf("load config.yaml: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", cfg.Database.Driver)
	}
	if cfg.MaxAdsPerAccount != 2 {
		t.Fatalf("expected max_ads_per_account 2, got %d", cfg.MaxAdsPerAccount)
	}
}

func TestOpenDatabaseSqliteMigratesCleanly(t *testing.T) {
	db, err := openDatabase(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestOpenDatabaseRejectsUnknownDriver(t *testing.T) {
	if _, err := openDatabase(config.DatabaseConfig{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatal("expected an error for an unsupported driver")
	}
}

func TestReferenceLocationDefaultsToUTCWhenUnset(t *testing.T) {
	loc, err := referenceLocation("")
	if err != nil {
		t.Fatalf("referenceLocation: %v", err)
	}
	if loc != time.UTC {
		t.Fatalf("expected time.UTC default, got %v", loc)
	}
}

func TestReferenceLocationRejectsUnknownZone(t *testing.T) {
	if _, err := referenceLocation("Not/A_Real_Zone"); err == nil {
		t.Fatal("expected an error for an unknown zone name")
	}
}

func TestGormSessionStoreRoundTripsGateAccountFields(t *testing.T) {
	db, err := openDatabase(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	account := store.GateAccount{ID: uuid.New(), Email: "ops@example.com", Status: store.GateAccountActive}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}

	s := gormSessionStore{db: db}
	now := time.Now().UTC().Truncate(time.Second)
	if err := s.SaveGateSession(context.Background(), account.ID, []byte("cookie-blob"), now); err != nil {
		t.Fatalf("save session: %v", err)
	}
	reloaded, err := s.GetGateAccount(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if string(reloaded.Cookies) != "cookie-blob" {
		t.Fatalf("expected persisted cookies, got %q", reloaded.Cookies)
	}
	if reloaded.LastAuthAt == nil || !reloaded.LastAuthAt.Equal(now) {
		t.Fatalf("expected last_auth_at %v, got %v", now, reloaded.LastAuthAt)
	}

	if err := s.SetGateAccountStatus(context.Background(), account.ID, store.GateAccountSuspended); err != nil {
		t.Fatalf("set status: %v", err)
	}
	reloaded, err = s.GetGateAccount(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if reloaded.Status != store.GateAccountSuspended {
		t.Fatalf("expected suspended status, got %q", reloaded.Status)
	}
}

func TestUnconfiguredClientsAllFailLoudly(t *testing.T) {
	ctx := context.Background()
	if _, err := unconfiguredGateLoginer{}.Login(ctx, "a", "b"); !errors.Is(err, errNotConfigured) {
		t.Fatalf("expected errNotConfigured, got %v", err)
	}
	if _, err := unconfiguredOfferBook{}.FetchPage(ctx, 1, "RUB", "USDT", nil); !errors.Is(err, errNotConfigured) {
		t.Fatalf("expected errNotConfigured, got %v", err)
	}
	if _, err := unconfiguredGateClient{}.ListPayouts(ctx, uuid.New()); !errors.Is(err, errNotConfigured) {
		t.Fatalf("expected errNotConfigured, got %v", err)
	}
	if err := unconfiguredBybitClient{}.ReleaseOrder(ctx, "ad", "order"); !errors.Is(err, errNotConfigured) {
		t.Fatalf("expected errNotConfigured, got %v", err)
	}
}

func TestTickLoopRunsImmediatelyAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32

	done := make(chan struct{})
	go func() {
		tickLoop(ctx, 5*time.Millisecond, &adminapi.Controls{}, func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}, testLogger(), "smoke")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tickLoop did not stop after cancellation")
	}
	if atomic.LoadInt32(&calls) < 1 {
		t.Fatal("expected at least one tick before cancellation")
	}
}

func TestTickLoopSkipsWhenPaused(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	controls := &adminapi.Controls{}
	controls.Pause()
	var calls int32

	done := make(chan struct{})
	go func() {
		tickLoop(ctx, 5*time.Millisecond, controls, func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}, testLogger(), "smoke")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected zero ticks while paused, got %d", calls)
	}
}
