package funds

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/greenline-otc/bridge/internal/confirm"
	"github.com/greenline-otc/bridge/internal/scheduler"
	"github.com/greenline-otc/bridge/internal/store"
)

type scriptedDecider struct{ answer bool }

func (d scriptedDecider) Confirm(ctx context.Context, prompt confirm.Prompt) (bool, error) {
	return d.answer, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testScheduler() *scheduler.Scheduler {
	return scheduler.New(map[string]struct{ RatePerMinute, Burst int }{
		"gate": {RatePerMinute: 6000, Burst: 50},
	}, scheduler.DefaultRetryPolicy, nil)
}

type fakeGateClient struct {
	calls map[uuid.UUID][]decimal.Decimal
}

func newFakeGateClient() *fakeGateClient {
	return &fakeGateClient{calls: make(map[uuid.UUID][]decimal.Decimal)}
}

func (f *fakeGateClient) SetBalance(ctx context.Context, gateAccountID uuid.UUID, amount decimal.Decimal) error {
	f.calls[gateAccountID] = append(f.calls[gateAccountID], amount)
	return nil
}

func seedGateAccount(t *testing.T, db *gorm.DB, balance string) store.GateAccount {
	t.Helper()
	account := store.GateAccount{ID: uuid.New(), Email: "ops@example.com", Balance: decimal.RequireFromString(balance), Status: store.GateAccountActive}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return account
}

func TestTickTopsUpAccountsBelowTarget(t *testing.T) {
	db := openTestDB(t)
	account := seedGateAccount(t, db, "100.00")
	client := newFakeGateClient()
	keeper := New(db, client, testScheduler(), nil, nil, Config{TargetBalance: decimal.RequireFromString("500.00")})

	if err := keeper.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	calls := client.calls[account.ID]
	if len(calls) != 1 || !calls[0].Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("expected one set-balance call to 500.00, got %v", calls)
	}
	var reloaded store.GateAccount
	db.First(&reloaded, "id = ?", account.ID)
	if !reloaded.Balance.Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("expected persisted balance 500.00, got %s", reloaded.Balance)
	}
}

func TestTickSkipsAccountsAtOrAboveTarget(t *testing.T) {
	db := openTestDB(t)
	seedGateAccount(t, db, "900.00")
	client := newFakeGateClient()
	keeper := New(db, client, testScheduler(), nil, nil, Config{TargetBalance: decimal.RequireFromString("500.00")})

	if err := keeper.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(client.calls) != 0 {
		t.Fatalf("expected no top-up calls, got %v", client.calls)
	}
}

func TestTickRespectsDailyTopUpCap(t *testing.T) {
	db := openTestDB(t)
	a := seedGateAccount(t, db, "0.00")
	b := seedGateAccount(t, db, "0.00")
	client := newFakeGateClient()
	keeper := New(db, client, testScheduler(), nil, nil, Config{
		TargetBalance: decimal.RequireFromString("600.00"),
		DailyTopUpCap: decimal.RequireFromString("600.00"),
	})

	if err := keeper.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	total := 0
	for _, calls := range client.calls {
		total += len(calls)
	}
	if total != 2 {
		t.Fatalf("expected each account topped up once, since each top-up lands exactly on that account's own daily cap, got %d calls across %v/%v", total, a.ID, b.ID)
	}
}

func TestShutdownResetsAllActiveAccountsRegardlessOfCap(t *testing.T) {
	db := openTestDB(t)
	account := seedGateAccount(t, db, "500.00")
	client := newFakeGateClient()
	keeper := New(db, client, testScheduler(), nil, nil, Config{
		TargetBalance:   decimal.RequireFromString("500.00"),
		ShutdownBalance: decimal.Zero,
		DailyTopUpCap:   decimal.RequireFromString("1.00"),
	})

	if err := keeper.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	calls := client.calls[account.ID]
	if len(calls) != 1 || !calls[0].IsZero() {
		t.Fatalf("expected one shutdown set-balance call to zero, got %v", calls)
	}
	var reloaded store.GateAccount
	db.First(&reloaded, "id = ?", account.ID)
	if !reloaded.Balance.IsZero() {
		t.Fatalf("expected persisted balance zero after shutdown, got %s", reloaded.Balance)
	}
}

func TestTickLeavesBalanceUntouchedWhenOperatorDeclinesTopUpBalance(t *testing.T) {
	db := openTestDB(t)
	account := seedGateAccount(t, db, "100.00")
	client := newFakeGateClient()
	gateway := confirm.New(confirm.ModeManual, scriptedDecider{answer: false})
	keeper := New(db, client, testScheduler(), nil, gateway, Config{TargetBalance: decimal.RequireFromString("500.00")})

	if err := keeper.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(client.calls) != 0 {
		t.Fatalf("expected no set-balance calls when operator declines top_up_balance, got %v", client.calls)
	}
	var reloaded store.GateAccount
	db.First(&reloaded, "id = ?", account.ID)
	if !reloaded.Balance.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("expected persisted balance to remain 100.00, got %s", reloaded.Balance)
	}
}

func TestDayBucketIsStableWithinTheSameUTCDay(t *testing.T) {
	t1 := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC)
	if dayBucket(t1) != dayBucket(t2) {
		t.Fatalf("expected same day bucket, got %s vs %s", dayBucket(t1), dayBucket(t2))
	}
}
