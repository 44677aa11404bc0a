// Package orderstate enforces the Order state machine (spec.md §4.3):
// the allowed-transition table, row-locked advancement, and the
// append-only OrderStatusHistory audit trail.
package orderstate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/greenline-otc/bridge/internal/bus"
	"github.com/greenline-otc/bridge/internal/observability"
	"github.com/greenline-otc/bridge/internal/store"
)

// allowedTransitions enumerates every legal Order.Status edge. Any status
// may additionally move to Failed or FoolPool, appended below.
var allowedTransitions = map[store.OrderStatus][]store.OrderStatus{
	store.OrderPending:        {store.OrderAccepted},
	store.OrderAccepted:       {store.OrderAdvertised},
	store.OrderAdvertised:     {store.OrderBuyerMatched},
	store.OrderBuyerMatched:   {store.OrderChatting},
	store.OrderChatting:       {store.OrderPaymentClaimed},
	store.OrderPaymentClaimed: {store.OrderPaymentRecvd},
	store.OrderPaymentRecvd:   {store.OrderVerified},
	store.OrderVerified:       {store.OrderCompleted},
}

// terminal escapes: every non-terminal status may fail out or land in the
// fool-pool holding status per spec §4.3's edge-case handling.
var terminal = map[store.OrderStatus]bool{
	store.OrderCompleted: true,
	store.OrderFailed:    true,
	store.OrderFoolPool:  true,
}

func init() {
	for status := range allowedTransitions {
		allowedTransitions[status] = append(allowedTransitions[status], store.OrderFailed, store.OrderFoolPool)
	}
}

// ErrInvalidTransition is returned when a requested move is not permitted
// by the state machine.
type ErrInvalidTransition struct {
	From, To store.OrderStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("orderstate: transition from %s to %s is not permitted", e.From, e.To)
}

// ValidateTransition reports whether moving from current to next is legal.
// A no-op transition (current == next) is always allowed so callers can
// advance idempotently.
func ValidateTransition(current, next store.OrderStatus) error {
	if current == next {
		return nil
	}
	if terminal[current] {
		return &ErrInvalidTransition{From: current, To: next}
	}
	for _, candidate := range allowedTransitions[current] {
		if candidate == next {
			return nil
		}
	}
	return &ErrInvalidTransition{From: current, To: next}
}

// Machine advances Orders transactionally, guarding every move with
// ValidateTransition and recording it to OrderStatusHistory.
type Machine struct {
	db      *gorm.DB
	bus     *bus.Bus
	metrics *observability.BridgeMetrics
	clock   func() time.Time
}

// New constructs a Machine. bus and metrics may be nil.
func New(db *gorm.DB, eventBus *bus.Bus, metrics *observability.BridgeMetrics) *Machine {
	return &Machine{db: db, bus: eventBus, metrics: metrics, clock: time.Now}
}

// Advance locks orderID's row, validates the transition to next, applies
// it, and appends an OrderStatusHistory entry, all inside one transaction.
// details is free-form context persisted alongside the history row (e.g.
// a failure reason).
func (m *Machine) Advance(ctx context.Context, orderID uuid.UUID, next store.OrderStatus, details string) (store.Order, error) {
	var updated store.Order
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order store.Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&order, "id = ?", orderID).Error; err != nil {
			return fmt.Errorf("lock order: %w", err)
		}

		if err := ValidateTransition(order.Status, next); err != nil {
			return err
		}

		previous := order.Status
		now := m.clock()
		order.Status = next
		order.UpdatedAt = now
		if next == store.OrderFailed && details != "" {
			order.FailedReason = details
		}
		if next == store.OrderCompleted {
			order.CompletedAt = &now
		}
		if err := tx.Save(&order).Error; err != nil {
			return fmt.Errorf("save order: %w", err)
		}

		history := store.OrderStatusHistory{
			ID:      uuid.New(),
			OrderID: order.ID,
			Status:  next,
			Details: details,
			At:      now,
		}
		if err := tx.Create(&history).Error; err != nil {
			return fmt.Errorf("append history: %w", err)
		}

		if m.metrics != nil && previous != next {
			m.metrics.RecordTransition(string(next), 0)
		}
		updated = order
		return nil
	})
	if err != nil {
		return store.Order{}, err
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: bus.KindStateChanged, OrderID: updated.ID.String(), Details: string(next)})
	}
	return updated, nil
}

// History returns the append-only transition log for orderID, oldest first.
func (m *Machine) History(ctx context.Context, orderID uuid.UUID) ([]store.OrderStatusHistory, error) {
	var rows []store.OrderStatusHistory
	err := m.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("at ASC").
		Find(&rows).Error
	return rows, err
}
