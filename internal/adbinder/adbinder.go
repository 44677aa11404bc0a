// Package adbinder implements the Ad Binder (spec.md §4.5): it
// atomically associates each Accepted Order with a fresh Bybit
// advertisement, with deterministic account selection and
// reservation rollback on failure.
package adbinder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/greenline-otc/bridge/internal/confirm"
	"github.com/greenline-otc/bridge/internal/observability"
	"github.com/greenline-otc/bridge/internal/orderstate"
	"github.com/greenline-otc/bridge/internal/rateengine"
	"github.com/greenline-otc/bridge/internal/scheduler"
	"github.com/greenline-otc/bridge/internal/store"
)

// MaxBindAttempts is the default retry ceiling before an Order that
// cannot be advertised is failed out.
const MaxBindAttempts = 5

// AdParams is what create_advertisement needs, derived from the Payout.
type AdParams struct {
	AmountFiat     decimal.Decimal
	AmountCrypto   decimal.Decimal
	FiatCurrency   string
	Crypto         string
	Price          decimal.Decimal
	PaymentMethods []string
	Remarks        string
}

// BybitClient is the external collaborator this package depends on.
type BybitClient interface {
	CreateAdvertisement(ctx context.Context, accountID string, params AdParams) (adID string, err error)
}

// Binder selects an available Bybit account and binds it to an Order.
type Binder struct {
	db       *gorm.DB
	client   BybitClient
	rates    *rateengine.Engine
	machine  *orderstate.Machine
	sched    *scheduler.Scheduler
	metrics  *observability.BridgeMetrics
	gateway  *confirm.Gateway
	maxAds   int
	maxRetry int
}

// New constructs a Binder. maxAds bounds active_ad_count per account;
// maxRetry bounds Ad Binder attempts before an Order fails out. gateway
// gates the create-advertisement side effect per spec §4.11; pass a
// Gateway constructed with confirm.ModeAutomatic to bypass it.
func New(db *gorm.DB, client BybitClient, rates *rateengine.Engine, machine *orderstate.Machine, sched *scheduler.Scheduler, metrics *observability.BridgeMetrics, gateway *confirm.Gateway, maxAds, maxRetry int) *Binder {
	if maxAds <= 0 {
		maxAds = 5
	}
	if maxRetry <= 0 {
		maxRetry = MaxBindAttempts
	}
	return &Binder{db: db, client: client, rates: rates, machine: machine, sched: sched, metrics: metrics, gateway: gateway, maxAds: maxAds, maxRetry: maxRetry}
}

// Tick attempts to bind every Accepted Order to a Bybit ad.
func (b *Binder) Tick(ctx context.Context) error {
	var orders []store.Order
	if err := b.db.WithContext(ctx).Where("status = ?", store.OrderAccepted).Find(&orders).Error; err != nil {
		return fmt.Errorf("list accepted orders: %w", err)
	}
	for _, order := range orders {
		if err := b.Bind(ctx, order); err != nil {
			continue
		}
	}
	return nil
}

// Bind performs the reservation/create-ad/commit-or-rollback sequence of
// spec §4.5 for a single Order. A nil error means either the Order was
// advanced to Advertised, or it was left in Accepted for the next tick
// because no account was available (not itself an error condition).
func (b *Binder) Bind(ctx context.Context, order store.Order) error {
	accountID, err := b.reserve(ctx, order.ID)
	if err != nil {
		return err
	}
	if accountID == nil {
		return nil // no account available; retried next tick
	}

	approved, err := b.confirm(ctx, confirm.Prompt{
		Action: "bind_ad",
		Details: map[string]string{
			"order_id":   order.ID.String(),
			"account_id": accountID.String(),
		},
	})
	if err != nil {
		b.rollback(ctx, *accountID)
		return fmt.Errorf("confirm bind_ad: %w", err)
	}
	if !approved {
		b.rollback(ctx, *accountID)
		return nil // operator declined; order stays accepted for the next tick
	}

	price, _, err := b.rates.Quote(ctx, order.AmountFiat)
	if err != nil {
		b.rollback(ctx, *accountID)
		return b.handleFailure(ctx, order, fmt.Sprintf("rate quote: %v", err))
	}

	params := AdParams{
		AmountFiat:   order.AmountFiat,
		AmountCrypto: order.AmountCrypto,
		FiatCurrency: order.FiatCurrency,
		Crypto:       order.Currency,
		Price:        price,
		Remarks:      "auto-bridge",
	}

	adID, err := scheduler.Run(ctx, b.sched, "bybit", func(ctx context.Context) (string, error) {
		return b.client.CreateAdvertisement(ctx, accountID.String(), params)
	})
	if err != nil {
		b.rollback(ctx, *accountID)
		return b.handleFailure(ctx, order, fmt.Sprintf("create_advertisement: %v", err))
	}

	return b.commit(ctx, order.ID, *accountID, adID)
}

// confirm consults gateway, defaulting to an unconditional approval when
// no gateway was configured (e.g. in tests exercising Bind directly).
func (b *Binder) confirm(ctx context.Context, prompt confirm.Prompt) (bool, error) {
	if b.gateway == nil {
		return true, nil
	}
	return b.gateway.Confirm(ctx, prompt)
}

// reserve atomically selects and reserves an available account, returning
// nil if none is currently eligible. Selection is deterministic: ascending
// active_ad_count, then oldest last_used_at first (spec §4.5 step 2).
func (b *Binder) reserve(ctx context.Context, orderID uuid.UUID) (*uuid.UUID, error) {
	var reserved *uuid.UUID
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidate store.BybitAccount
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND active_ad_count < ?", store.BybitAccountAvailable, b.maxAds).
			Order("active_ad_count ASC, last_used_at ASC").
			First(&candidate).Error
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select bybit account: %w", err)
		}
		candidate.ActiveAdCount++
		now := time.Now()
		candidate.LastUsedAt = &now
		if err := tx.Save(&candidate).Error; err != nil {
			return fmt.Errorf("reserve bybit account: %w", err)
		}
		id := candidate.ID
		reserved = &id
		if b.metrics != nil {
			b.metrics.SetActiveAds(candidate.Nickname, candidate.ActiveAdCount)
		}
		return nil
	})
	return reserved, err
}

func (b *Binder) rollback(ctx context.Context, accountID uuid.UUID) {
	b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account store.BybitAccount
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&account, "id = ?", accountID).Error; err != nil {
			return err
		}
		if account.ActiveAdCount > 0 {
			account.ActiveAdCount--
		}
		return tx.Save(&account).Error
	})
}

func (b *Binder) commit(ctx context.Context, orderID, accountID uuid.UUID, adID string) error {
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order store.Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", orderID).Error; err != nil {
			return err
		}
		order.BybitAccountID = &accountID
		order.BybitAdID = &adID
		return tx.Save(&order).Error
	})
	if err != nil {
		return fmt.Errorf("persist ad binding: %w", err)
	}
	_, err = b.machine.Advance(ctx, orderID, store.OrderAdvertised, "")
	return err
}

func (b *Binder) handleFailure(ctx context.Context, order store.Order, reason string) error {
	order.AdBindAttempts++
	if err := b.db.WithContext(ctx).Model(&store.Order{}).Where("id = ?", order.ID).
		Update("ad_bind_attempts", order.AdBindAttempts).Error; err != nil {
		return fmt.Errorf("record bind attempt: %w", err)
	}
	if order.AdBindAttempts >= b.maxRetry {
		if _, err := b.machine.Advance(ctx, order.ID, store.OrderFailed, reason); err != nil {
			return err
		}
		return fmt.Errorf("ad bind failed out after %d/%d attempts: %s", order.AdBindAttempts, b.maxRetry, reason)
	}
	return fmt.Errorf("ad bind attempt %d/%d failed: %s", order.AdBindAttempts, b.maxRetry, reason)
}
