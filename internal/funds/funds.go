// Package funds keeps each Gate account's balance near its configured
// target (spec.md §4.10): top up when below TargetBalance, reset to
// ShutdownBalance on graceful shutdown, both rate-limited through
// internal/scheduler. The set-balance calls go straight to the injected
// GateClient; this package does not obtain a session from
// internal/session. A
// daily top-up cap (ported from the teacher's treasury policy enforcer)
// guards against a runaway top-up loop driving spend past an operator
// ceiling within a single day.
package funds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/greenline-otc/bridge/internal/confirm"
	"github.com/greenline-otc/bridge/internal/observability"
	"github.com/greenline-otc/bridge/internal/scheduler"
	"github.com/greenline-otc/bridge/internal/store"
)

// ErrDailyCapExceeded is returned when a top-up would exceed the
// configured per-account daily ceiling.
var ErrDailyCapExceeded = fmt.Errorf("funds: daily top-up cap exceeded")

// GateClient is the balance-management subset of the Gate panel API.
// The HTTP transport behind it is out of scope here.
type GateClient interface {
	SetBalance(ctx context.Context, gateAccountID uuid.UUID, amount decimal.Decimal) error
}

// Config carries the targets the Keeper enforces.
type Config struct {
	TargetBalance   decimal.Decimal
	ShutdownBalance decimal.Decimal
	DailyTopUpCap   decimal.Decimal // zero means no cap
	Interval        time.Duration
}

// Keeper polls every active Gate account on a fixed interval and issues
// set-balance calls per spec §4.10.
type Keeper struct {
	db      *gorm.DB
	client  GateClient
	sched   *scheduler.Scheduler
	metrics *observability.BridgeMetrics
	gateway *confirm.Gateway
	cfg     Config
	clock   func() time.Time

	mu      sync.Mutex
	spentBy map[string]map[uuid.UUID]decimal.Decimal // dayBucket -> account -> topped up today
}

// New constructs a Keeper. interval defaults to 4 hours per spec §4.10.
// gateway gates the top_up_balance side effect per spec §4.11; pass a
// Gateway constructed with confirm.ModeAutomatic to bypass it.
func New(db *gorm.DB, client GateClient, sched *scheduler.Scheduler, metrics *observability.BridgeMetrics, gateway *confirm.Gateway, cfg Config) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 4 * time.Hour
	}
	return &Keeper{
		db:      db,
		client:  client,
		sched:   sched,
		metrics: metrics,
		gateway: gateway,
		cfg:     cfg,
		clock:   time.Now,
		spentBy: make(map[string]map[uuid.UUID]decimal.Decimal),
	}
}

// confirm consults gateway, defaulting to an unconditional approval when
// no gateway was configured (e.g. in tests exercising topUp directly).
func (k *Keeper) confirm(ctx context.Context, prompt confirm.Prompt) (bool, error) {
	if k.gateway == nil {
		return true, nil
	}
	return k.gateway.Confirm(ctx, prompt)
}

// Run ticks every cfg.Interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	if err := k.Tick(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := k.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

// Tick evaluates every active Gate account and tops up those below
// TargetBalance, each top-up independently guarded by the daily cap.
func (k *Keeper) Tick(ctx context.Context) error {
	var accounts []store.GateAccount
	if err := k.db.WithContext(ctx).Where("status = ?", store.GateAccountActive).Find(&accounts).Error; err != nil {
		return fmt.Errorf("funds: load active accounts: %w", err)
	}
	for _, account := range accounts {
		if err := k.topUp(ctx, account); err != nil {
			if err != ErrDailyCapExceeded {
				return fmt.Errorf("funds: top up %s: %w", account.ID, err)
			}
		}
	}
	return nil
}

func (k *Keeper) topUp(ctx context.Context, account store.GateAccount) error {
	if account.Balance.GreaterThanOrEqual(k.cfg.TargetBalance) {
		return nil
	}
	delta := k.cfg.TargetBalance.Sub(account.Balance)
	if err := k.reserveDailyBudget(account.ID, delta); err != nil {
		return err
	}

	approved, err := k.confirm(ctx, confirm.Prompt{
		Action: "top_up_balance",
		Details: map[string]string{
			"gate_account_id": account.ID.String(),
			"amount":          delta.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("confirm top_up_balance: %w", err)
	}
	if !approved {
		return nil // operator declined; retried next tick
	}

	_, err = scheduler.Run(ctx, k.sched, "gate", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, k.client.SetBalance(ctx, account.ID, k.cfg.TargetBalance)
	})
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}

	return k.db.WithContext(ctx).Model(&store.GateAccount{}).Where("id = ?", account.ID).
		Update("balance", k.cfg.TargetBalance).Error
}

// Shutdown resets every active Gate account to cfg.ShutdownBalance. It is
// called once, from the graceful-shutdown path, and does not consult the
// daily cap — the operator-configured shutdown value is authoritative
// regardless of how much was already topped up that day.
func (k *Keeper) Shutdown(ctx context.Context) error {
	var accounts []store.GateAccount
	if err := k.db.WithContext(ctx).Where("status = ?", store.GateAccountActive).Find(&accounts).Error; err != nil {
		return fmt.Errorf("funds: load active accounts for shutdown: %w", err)
	}
	for _, account := range accounts {
		_, err := scheduler.Run(ctx, k.sched, "gate", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, k.client.SetBalance(ctx, account.ID, k.cfg.ShutdownBalance)
		})
		if err != nil {
			return fmt.Errorf("funds: shutdown balance for %s: %w", account.ID, err)
		}
		if err := k.db.WithContext(ctx).Model(&store.GateAccount{}).Where("id = ?", account.ID).
			Update("balance", k.cfg.ShutdownBalance).Error; err != nil {
			return fmt.Errorf("funds: persist shutdown balance for %s: %w", account.ID, err)
		}
	}
	return nil
}

// reserveDailyBudget records delta against accountID's daily top-up total
// and rejects it if cfg.DailyTopUpCap is set and would be exceeded.
// Ported from services/payoutd/policy.go's PolicyEnforcer.validateLocked
// dayBucket-windowed cap, generalized from a per-asset to a per-account
// ledger since each Gate account carries its own independent balance.
func (k *Keeper) reserveDailyBudget(accountID uuid.UUID, delta decimal.Decimal) error {
	if k.cfg.DailyTopUpCap.IsZero() {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	bucket := dayBucket(k.clock())
	if k.spentBy[bucket] == nil {
		k.spentBy[bucket] = make(map[uuid.UUID]decimal.Decimal)
	}
	spent := k.spentBy[bucket][accountID]
	if spent.Add(delta).GreaterThan(k.cfg.DailyTopUpCap) {
		return ErrDailyCapExceeded
	}
	k.spentBy[bucket][accountID] = spent.Add(delta)
	return nil
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
