// Package settlement executes the ordered remote release sequence that
// carries a Verified Order to Completed (spec.md §4.9): Bybit release,
// Gate approve-payout with a receipt PDF attachment, then the local
// active_ad_count decrement and terminal transition.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/greenline-otc/bridge/internal/confirm"
	"github.com/greenline-otc/bridge/internal/observability"
	"github.com/greenline-otc/bridge/internal/orderstate"
	"github.com/greenline-otc/bridge/internal/scheduler"
	"github.com/greenline-otc/bridge/internal/store"
)

// ReasonInconsistentRelease flags an Order that failed out after Bybit
// funds were already released — spec §4.9's reconciliation marker.
const ReasonInconsistentRelease = "inconsistent_release"

// BybitClient is the subset of the Bybit P2P API settlement depends on.
// The HTTP transport behind it is out of scope here.
type BybitClient interface {
	ReleaseOrder(ctx context.Context, adID, bybitOrderID string) error
}

// GateClient is the subset of the Gate panel API settlement depends on.
type GateClient interface {
	ApprovePayout(ctx context.Context, gateID int64, receiptPDF []byte, filename string) error
}

// ReceiptSource supplies the receipt PDF bytes to attach to the Gate
// approve-payout call. Producing that PDF (rendering, OCR, mail
// attachment passthrough) is out of scope; this interface only carries
// the already-prepared bytes across the boundary.
type ReceiptSource interface {
	ReceiptPDF(ctx context.Context, orderID uuid.UUID) (data []byte, filename string, err error)
}

// Settler carries Verified Orders through the §4.9 release sequence.
type Settler struct {
	db       *gorm.DB
	bybit    BybitClient
	gate     GateClient
	receipts ReceiptSource
	machine  *orderstate.Machine
	sched    *scheduler.Scheduler
	metrics  *observability.BridgeMetrics
	gateway  *confirm.Gateway
	clock    func() time.Time
}

// New constructs a Settler. metrics may be nil. gateway gates the
// settle_order side effect per spec §4.11; pass a Gateway constructed
// with confirm.ModeAutomatic to bypass it.
func New(db *gorm.DB, bybit BybitClient, gate GateClient, receipts ReceiptSource, machine *orderstate.Machine, sched *scheduler.Scheduler, metrics *observability.BridgeMetrics, gateway *confirm.Gateway) *Settler {
	return &Settler{db: db, bybit: bybit, gate: gate, receipts: receipts, machine: machine, sched: sched, metrics: metrics, gateway: gateway, clock: time.Now}
}

// confirm consults gateway, defaulting to an unconditional approval when
// no gateway was configured (e.g. in tests exercising Settle directly).
func (s *Settler) confirm(ctx context.Context, prompt confirm.Prompt) (bool, error) {
	if s.gateway == nil {
		return true, nil
	}
	return s.gateway.Confirm(ctx, prompt)
}

// Settle runs the §4.9 sequence for orderID. Every observable state
// change (the release step's completion flag, then the final
// transition) is persisted immediately so a crash mid-sequence resumes
// from the right place on the next call rather than repeating a remote
// side effect.
func (s *Settler) Settle(ctx context.Context, orderID uuid.UUID) error {
	var order store.Order
	if err := s.db.WithContext(ctx).First(&order, "id = ?", orderID).Error; err != nil {
		return fmt.Errorf("settlement: load order: %w", err)
	}
	if order.Status != store.OrderVerified {
		// Idempotent no-op: a retried call against an already-terminal
		// or already-in-flight order must not re-release funds.
		return nil
	}
	if order.BybitAdID == nil || order.BybitOrderID == nil {
		return fmt.Errorf("settlement: order %s missing bybit binding", orderID)
	}

	approved, err := s.confirm(ctx, confirm.Prompt{
		Action:  "settle_order",
		Details: map[string]string{"order_id": orderID.String()},
	})
	if err != nil {
		return fmt.Errorf("settlement: confirm settle_order: %w", err)
	}
	if !approved {
		return nil // operator declined; order stays verified for the next call
	}

	released, err := s.released(ctx, orderID)
	if err != nil {
		return err
	}
	if !released {
		_, err := scheduler.Run(ctx, s.sched, "bybit", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.bybit.ReleaseOrder(ctx, *order.BybitAdID, *order.BybitOrderID)
		})
		if err != nil {
			s.recordError("release_failed")
			return fmt.Errorf("settlement: release on bybit: %w", err)
		}
		if err := s.markReleased(ctx, orderID); err != nil {
			return err
		}
	}

	data, filename, err := s.receipts.ReceiptPDF(ctx, orderID)
	if err != nil {
		return fmt.Errorf("settlement: load receipt pdf: %w", err)
	}

	_, err = scheduler.Run(ctx, s.sched, "gate", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.gate.ApprovePayout(ctx, order.GateID, data, filename)
	})
	if err != nil {
		s.recordError(ReasonInconsistentRelease)
		if _, failErr := s.machine.Advance(ctx, orderID, store.OrderFailed, ReasonInconsistentRelease); failErr != nil {
			return fmt.Errorf("settlement: gate approve failed (%v) and failing out also errored: %w", err, failErr)
		}
		return fmt.Errorf("settlement: approve on gate: %w", err)
	}

	if order.BybitAccountID != nil {
		if err := s.decrementActiveAds(ctx, *order.BybitAccountID); err != nil {
			return fmt.Errorf("settlement: decrement active_ad_count: %w", err)
		}
	}

	if _, err := s.machine.Advance(ctx, orderID, store.OrderCompleted, "settled"); err != nil {
		return fmt.Errorf("settlement: transition to completed: %w", err)
	}
	return nil
}

// released reports whether a prior Settle call already confirmed the
// Bybit release by inspecting OrderStatusHistory for the marker this
// package appends in markReleased, so a crash between steps 1 and 2
// does not re-release funds on retry.
func (s *Settler) released(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&store.OrderStatusHistory{}).
		Where("order_id = ? AND status = ? AND details = ?", orderID, store.OrderVerified, releasedMarker).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("settlement: check release marker: %w", err)
	}
	return count > 0, nil
}

const releasedMarker = "bybit_released"

func (s *Settler) markReleased(ctx context.Context, orderID uuid.UUID) error {
	history := store.OrderStatusHistory{
		ID:      uuid.New(),
		OrderID: orderID,
		Status:  store.OrderVerified,
		Details: releasedMarker,
		At:      s.clock(),
	}
	if err := s.db.WithContext(ctx).Create(&history).Error; err != nil {
		return fmt.Errorf("settlement: persist release marker: %w", err)
	}
	return nil
}

func (s *Settler) decrementActiveAds(ctx context.Context, accountID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account store.BybitAccount
		if err := tx.First(&account, "id = ?", accountID).Error; err != nil {
			return fmt.Errorf("lock bybit account: %w", err)
		}
		if account.ActiveAdCount > 0 {
			account.ActiveAdCount--
		}
		if err := tx.Save(&account).Error; err != nil {
			return fmt.Errorf("save bybit account: %w", err)
		}
		if s.metrics != nil {
			s.metrics.SetActiveAds(account.Nickname, account.ActiveAdCount)
		}
		return nil
	})
}

func (s *Settler) recordError(reason string) {
	if s.metrics != nil {
		s.metrics.RecordSettlementError(reason)
	}
}
