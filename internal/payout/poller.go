// Package payout implements the Payout Poller (spec.md §4.4): it
// discovers Gate payouts, dedupes them against local Orders, and drives
// the Pending -> Accepted handoff.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/greenline-otc/bridge/internal/orderstate"
	"github.com/greenline-otc/bridge/internal/scheduler"
	"github.com/greenline-otc/bridge/internal/store"
)

// GatePayout is the shape of a payout record as reported by the Gate
// panel. The HTTP client producing it is an external collaborator (out
// of scope here); this package only consumes the contract.
type GatePayout struct {
	GateID         int64
	Wallet         string
	AmountFiat     string
	Currency       string
	BankCode       string
	BankLabel      string
	ExternalStatus store.PayoutExternalStatus
	CreatedAt      time.Time
	ExpiresAt      *time.Time
}

// ErrGone signals a Gate 410 response: the accept endpoint has been
// withdrawn and the poller must fall back to adoption-only mode.
var ErrGone = errors.New("payout: gate endpoint gone (410)")

// GateClient is the external collaborator this package depends on.
type GateClient interface {
	ListPayouts(ctx context.Context, gateAccountID uuid.UUID) ([]GatePayout, error)
	AcceptPayout(ctx context.Context, gateAccountID uuid.UUID, gateID int64) error
}

// Poller runs the discovery/dedupe/accept loop for one Gate account at a
// time, fanning out across every active account on each tick.
type Poller struct {
	db        *gorm.DB
	client    GateClient
	machine   *orderstate.Machine
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	interval  time.Duration

	degraded map[uuid.UUID]bool
}

// New constructs a Poller. interval defaults to 5 minutes per spec §4.4.
func New(db *gorm.DB, client GateClient, machine *orderstate.Machine, sched *scheduler.Scheduler, logger *slog.Logger, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		db:        db,
		client:    client,
		machine:   machine,
		scheduler: sched,
		logger:    logger,
		interval:  interval,
		degraded:  make(map[uuid.UUID]bool),
	}
}

// Run drives the poller until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	var accounts []store.GateAccount
	if err := p.db.WithContext(ctx).Where("status = ?", store.GateAccountActive).Find(&accounts).Error; err != nil {
		p.logger.Error("payout poller: list gate accounts", "error", err)
		return
	}
	for _, account := range accounts {
		if err := p.pollAccount(ctx, account); err != nil {
			p.logger.Error("payout poller: poll account failed", "gate_account", account.ID, "error", err)
		}
	}
}

func (p *Poller) pollAccount(ctx context.Context, account store.GateAccount) error {
	payouts, err := scheduler.Run(ctx, p.scheduler, "gate", func(ctx context.Context) ([]GatePayout, error) {
		return p.client.ListPayouts(ctx, account.ID)
	})
	if err != nil {
		return fmt.Errorf("list payouts: %w", err)
	}

	for _, payout := range payouts {
		if err := p.reconcile(ctx, account, payout); err != nil {
			p.logger.Error("payout poller: reconcile failed", "gate_id", payout.GateID, "error", err)
		}
	}
	return nil
}

// reconcile implements the discovery/dedupe rules of spec §4.4.
func (p *Poller) reconcile(ctx context.Context, account store.GateAccount, payout GatePayout) error {
	var existing store.Order
	err := p.db.WithContext(ctx).Where("gate_id = ?", payout.GateID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return p.adopt(ctx, account, payout)
	case err != nil:
		return fmt.Errorf("lookup order: %w", err)
	default:
		return p.reconcileExisting(ctx, existing, payout)
	}
}

func (p *Poller) adopt(ctx context.Context, account store.GateAccount, payout GatePayout) error {
	if payout.ExternalStatus != store.PayoutNew && payout.ExternalStatus != store.PayoutInProgress {
		return nil
	}

	amount, err := decimal.NewFromString(payout.AmountFiat)
	if err != nil {
		return fmt.Errorf("parse payout amount %q: %w", payout.AmountFiat, err)
	}

	if err := p.db.WithContext(ctx).Save(&store.Payout{
		GateID:         payout.GateID,
		Wallet:         payout.Wallet,
		AmountFiat:     amount,
		Currency:       payout.Currency,
		BankCode:       payout.BankCode,
		BankLabel:      payout.BankLabel,
		ExternalStatus: payout.ExternalStatus,
		CreatedAt:      payout.CreatedAt,
		ExpiresAt:      payout.ExpiresAt,
		ObservedAt:     time.Now(),
	}).Error; err != nil {
		return fmt.Errorf("save payout: %w", err)
	}

	order := store.Order{
		ID:            uuid.New(),
		GateID:        payout.GateID,
		GateAccountID: account.ID,
		AmountFiat:    amount,
		Currency:      "USDT",
		FiatCurrency:  payout.Currency,
		Status:        store.OrderPending,
	}
	if err := p.db.WithContext(ctx).Create(&order).Error; err != nil {
		return fmt.Errorf("create order: %w", err)
	}

	if payout.ExternalStatus == store.PayoutInProgress {
		// Recovery path: the accept call already landed remotely on a
		// previous run; the local Order is adopted directly into Accepted.
		_, err := p.machine.Advance(ctx, order.ID, store.OrderAccepted, "adopted in_progress payout on recovery")
		return err
	}
	return p.accept(ctx, account, order)
}

func (p *Poller) reconcileExisting(ctx context.Context, order store.Order, payout GatePayout) error {
	if payout.ExternalStatus == store.PayoutRejected || payout.ExternalStatus == store.PayoutExpired {
		if order.Status != store.OrderCompleted && order.Status != store.OrderFailed && order.Status != store.OrderFoolPool {
			_, err := p.machine.Advance(ctx, order.ID, store.OrderFailed, fmt.Sprintf("gate reported %s", payout.ExternalStatus))
			return err
		}
		return nil
	}
	if order.Status == store.OrderPending && payout.ExternalStatus == store.PayoutNew {
		var account store.GateAccount
		if err := p.db.WithContext(ctx).First(&account, "id = ?", order.GateAccountID).Error; err != nil {
			return fmt.Errorf("load gate account: %w", err)
		}
		return p.accept(ctx, account, order)
	}
	return nil
}

func (p *Poller) accept(ctx context.Context, account store.GateAccount, order store.Order) error {
	if p.degraded[account.ID] {
		return nil
	}
	_, err := scheduler.Run(ctx, p.scheduler, "gate", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.client.AcceptPayout(ctx, account.ID, order.GateID)
	})
	if err != nil {
		if errors.Is(err, ErrGone) {
			p.degraded[account.ID] = true
			p.logger.Warn("payout poller: gate accept endpoint gone, falling back to adoption-only mode", "gate_account", account.ID)
			return nil
		}
		return fmt.Errorf("accept payout: %w", err)
	}
	_, err = p.machine.Advance(ctx, order.ID, store.OrderAccepted, "")
	return err
}
