// Package dialogue runs the scripted buyer conversation for an Order
// (spec.md §4.7): a stage state machine layered over the Conversation
// entity, with idempotent outbound messages and stage timeouts.
package dialogue

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/greenline-otc/bridge/internal/confirm"
	"github.com/greenline-otc/bridge/internal/orderstate"
	"github.com/greenline-otc/bridge/internal/store"
)

// ChatChannel is the external collaborator posting to the P2P order's
// chat; the transport behind it (Bybit's chat API) is out of scope here.
type ChatChannel interface {
	SendMessage(ctx context.Context, orderID uuid.UUID, body string) error
}

// Templates supplies the outbound script text for each stage. Fields are
// functions so callers can interpolate order-specific data (bank,
// requisites, amount) without this package knowing Gate/Bybit wire shapes.
type Templates struct {
	Greeting       func(order store.Order) string
	BankConfirm    func(order store.Order) string
	ReceiptConfirm func(order store.Order) string
	KycConfirm     func(order store.Order) string
	ReqsSent       func(order store.Order) string
	Clarify        func(order store.Order) string
	Reminder       func(order store.Order, attempt int) string
}

// DefaultStageDeadlines matches spec §4.7's "tens of minutes" guidance.
var DefaultStageDeadlines = map[store.ConversationStage]time.Duration{
	store.StageGreeting:        15 * time.Minute,
	store.StageBankConfirm:     15 * time.Minute,
	store.StageReceiptConfirm:  20 * time.Minute,
	store.StageKycConfirm:      20 * time.Minute,
	store.StageReqsSent:        60 * time.Minute,
	store.StageAwaitingReceipt: 30 * time.Minute,
}

// DefaultReminderOffsets matches spec §4.7's default +5min/+10min cadence.
var DefaultReminderOffsets = []time.Duration{5 * time.Minute, 10 * time.Minute}

// maxClarifications is the number of unparsable replies tolerated before
// escalating to FoolPool (spec §4.7: "up to 2 times").
const maxClarifications = 2

// Runner drives conversations forward from inbound buyer messages and
// stage timeouts.
type Runner struct {
	db              *gorm.DB
	chat            ChatChannel
	machine         *orderstate.Machine
	templates       Templates
	gateway         *confirm.Gateway
	deadlines       map[store.ConversationStage]time.Duration
	reminderOffsets []time.Duration
	clock           func() time.Time
}

// New constructs a Runner. gateway gates the reqs-send side effect per
// spec §4.11; pass a Gateway constructed with confirm.ModeAutomatic to
// bypass it.
func New(db *gorm.DB, chat ChatChannel, machine *orderstate.Machine, templates Templates, gateway *confirm.Gateway) *Runner {
	return &Runner{
		db:              db,
		chat:            chat,
		machine:         machine,
		templates:       templates,
		gateway:         gateway,
		deadlines:       DefaultStageDeadlines,
		reminderOffsets: DefaultReminderOffsets,
		clock:           time.Now,
	}
}

// confirm consults gateway, defaulting to an unconditional approval when
// no gateway was configured (e.g. in tests exercising the runner directly).
func (r *Runner) confirm(ctx context.Context, prompt confirm.Prompt) (bool, error) {
	if r.gateway == nil {
		return true, nil
	}
	return r.gateway.Confirm(ctx, prompt)
}

// StartGreeting begins a Conversation for an Order that just entered
// Chatting, sending the opening script if it has not already gone out.
func (r *Runner) StartGreeting(ctx context.Context, order store.Order) error {
	var conv store.Conversation
	err := r.db.WithContext(ctx).First(&conv, "order_id = ?", order.ID).Error
	if err == gorm.ErrRecordNotFound {
		conv = store.Conversation{OrderID: order.ID, Stage: store.StageGreeting, CreatedAt: r.clock(), UpdatedAt: r.clock()}
		if err := r.db.WithContext(ctx).Create(&conv).Error; err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	return r.sendIfNotSent(ctx, conv, store.StageGreeting, r.templates.Greeting(order))
}

// HandleInbound records an inbound message and advances the Conversation
// stage according to its content, per the §4.7 dialogue table.
func (r *Runner) HandleInbound(ctx context.Context, order store.Order, text string) error {
	var conv store.Conversation
	if err := r.db.WithContext(ctx).First(&conv, "order_id = ?", order.ID).Error; err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv.Stage == store.StageCompleted || conv.Stage == store.StageFoolPool {
		return nil
	}

	if err := r.appendMessage(ctx, conv.OrderID, store.DirectionIn, text, conv.Stage); err != nil {
		return err
	}

	switch conv.Stage {
	case store.StageGreeting:
		return r.advance(ctx, &conv, order, store.StageBankConfirm, r.templates.BankConfirm(order))

	case store.StageBankConfirm:
		return r.handleYesNo(ctx, &conv, order, text, store.StageReceiptConfirm, r.templates.ReceiptConfirm(order))

	case store.StageReceiptConfirm:
		return r.handleYesNo(ctx, &conv, order, text, store.StageKycConfirm, r.templates.KycConfirm(order))

	case store.StageKycConfirm:
		if isKycAffirmative(text) {
			approved, err := r.confirm(ctx, confirm.Prompt{
				Action:  "send_reqs",
				Details: map[string]string{"order_id": order.ID.String()},
			})
			if err != nil {
				return fmt.Errorf("confirm send_reqs: %w", err)
			}
			if !approved {
				return nil // operator declined; conversation stays at kyc_confirm
			}
			return r.advance(ctx, &conv, order, store.StageReqsSent, r.templates.ReqsSent(order))
		}
		return r.clarifyOrEscalate(ctx, &conv, order)

	case store.StageReqsSent, store.StageAwaitingReceipt:
		// Dialogue waits here; the Order-level transition out of these
		// stages is driven externally (buyer "paid" click, receipt match).
		return nil
	}
	return nil
}

// handleYesNo implements the common affirmative/negative fork used by
// BankConfirm and ReceiptConfirm: yes advances, no escalates to FoolPool
// immediately, anything else is a clarification attempt.
func (r *Runner) handleYesNo(ctx context.Context, conv *store.Conversation, order store.Order, text string, next store.ConversationStage, nextPrompt string) error {
	switch {
	case isAffirmative(text):
		return r.advance(ctx, conv, order, next, nextPrompt)
	case isNegative(text):
		return r.escalate(ctx, conv, order, "buyer declined confirmation")
	default:
		return r.clarifyOrEscalate(ctx, conv, order)
	}
}

func (r *Runner) clarifyOrEscalate(ctx context.Context, conv *store.Conversation, order store.Order) error {
	conv.ClarifyCount++
	if conv.ClarifyCount > maxClarifications {
		return r.escalate(ctx, conv, order, "exceeded clarification attempts")
	}
	if err := r.db.WithContext(ctx).Save(conv).Error; err != nil {
		return fmt.Errorf("persist clarify count: %w", err)
	}
	return r.sendIfNotSent(ctx, *conv, conv.Stage, r.templates.Clarify(order))
}

func (r *Runner) advance(ctx context.Context, conv *store.Conversation, order store.Order, next store.ConversationStage, prompt string) error {
	conv.Stage = next
	conv.ClarifyCount = 0
	conv.UpdatedAt = r.clock()
	if err := r.db.WithContext(ctx).Save(conv).Error; err != nil {
		return fmt.Errorf("advance conversation stage: %w", err)
	}
	if prompt == "" {
		return nil
	}
	return r.sendIfNotSent(ctx, *conv, next, prompt)
}

func (r *Runner) escalate(ctx context.Context, conv *store.Conversation, order store.Order, reason string) error {
	conv.Stage = store.StageFoolPool
	conv.UpdatedAt = r.clock()
	if err := r.db.WithContext(ctx).Save(conv).Error; err != nil {
		return fmt.Errorf("escalate conversation: %w", err)
	}
	_, err := r.machine.Advance(ctx, order.ID, store.OrderFoolPool, reason)
	return err
}

// EnterAwaitingReceipt transitions the dialogue into its reminder-only
// holding stage once the Order reaches PaymentClaimed.
func (r *Runner) EnterAwaitingReceipt(ctx context.Context, order store.Order) error {
	var conv store.Conversation
	if err := r.db.WithContext(ctx).First(&conv, "order_id = ?", order.ID).Error; err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	conv.Stage = store.StageAwaitingReceipt
	conv.UpdatedAt = r.clock()
	return r.db.WithContext(ctx).Save(&conv).Error
}

// Complete marks the Conversation done once the settlement pipeline has
// finished (called by the receipt/settlement components, not internally).
func (r *Runner) Complete(ctx context.Context, orderID uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&store.Conversation{}).Where("order_id = ?", orderID).
		Updates(map[string]any{"stage": store.StageCompleted, "updated_at": r.clock()}).Error
}

// Tick enforces per-stage timeouts and sends AwaitingReceipt reminders.
func (r *Runner) Tick(ctx context.Context) error {
	var active []store.Conversation
	if err := r.db.WithContext(ctx).
		Where("stage NOT IN ?", []store.ConversationStage{store.StageCompleted, store.StageFoolPool}).
		Find(&active).Error; err != nil {
		return fmt.Errorf("list active conversations: %w", err)
	}
	now := r.clock()
	for _, conv := range active {
		elapsed := now.Sub(conv.UpdatedAt)
		if conv.Stage == store.StageAwaitingReceipt {
			if err := r.sendDueReminders(ctx, conv, elapsed); err != nil {
				return err
			}
		}
		if deadline, ok := r.deadlines[conv.Stage]; ok && elapsed > deadline {
			var order store.Order
			if err := r.db.WithContext(ctx).First(&order, "id = ?", conv.OrderID).Error; err != nil {
				continue
			}
			convCopy := conv
			if err := r.escalate(ctx, &convCopy, order, "stage_timeout"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) sendDueReminders(ctx context.Context, conv store.Conversation, elapsed time.Duration) error {
	var sentCount int64
	r.db.WithContext(ctx).Model(&store.ConversationMessage{}).
		Where("conversation_id = ? AND stage = ? AND direction = ?", conv.OrderID, store.StageAwaitingReceipt, store.DirectionOut).
		Count(&sentCount)

	for i, offset := range r.reminderOffsets {
		if int64(i) < sentCount {
			continue
		}
		if elapsed < offset {
			return nil
		}
		var order store.Order
		if err := r.db.WithContext(ctx).First(&order, "id = ?", conv.OrderID).Error; err != nil {
			return fmt.Errorf("load order for reminder: %w", err)
		}
		if err := r.sendMessage(ctx, conv.OrderID, store.StageAwaitingReceipt, r.templates.Reminder(order, i+1)); err != nil {
			return err
		}
		sentCount++
	}
	return nil
}

func (r *Runner) sendIfNotSent(ctx context.Context, conv store.Conversation, stage store.ConversationStage, body string) error {
	var count int64
	r.db.WithContext(ctx).Model(&store.ConversationMessage{}).
		Where("conversation_id = ? AND stage = ? AND direction = ?", conv.OrderID, stage, store.DirectionOut).
		Count(&count)
	if count > 0 {
		return nil
	}
	return r.sendMessage(ctx, conv.OrderID, stage, body)
}

func (r *Runner) sendMessage(ctx context.Context, orderID uuid.UUID, stage store.ConversationStage, body string) error {
	if err := r.chat.SendMessage(ctx, orderID, body); err != nil {
		return fmt.Errorf("send chat message: %w", err)
	}
	return r.appendMessage(ctx, orderID, store.DirectionOut, body, stage)
}

func (r *Runner) appendMessage(ctx context.Context, orderID uuid.UUID, direction store.MessageDirection, body string, stage store.ConversationStage) error {
	msg := store.ConversationMessage{
		ID:             uuid.New(),
		ConversationID: orderID,
		Direction:      direction,
		Kind:           store.MessageText,
		Stage:          stage,
		Body:           body,
		At:             r.clock(),
	}
	return r.db.WithContext(ctx).Create(&msg).Error
}

var affirmativeTokens = map[string]bool{
	"yes": true, "y": true, "yeah": true, "yep": true, "ok": true, "okay": true,
	"да": true, "д": true, "ага": true, "угу": true,
}

var negativeTokens = map[string]bool{
	"no": true, "n": true, "nope": true,
	"нет": true, "н": true, "неа": true,
}

// kycAffirmativeTokens require an explicit compliance confirmation,
// distinct from the generic yes-class per spec §4.7.
var kycAffirmativeTokens = map[string]bool{
	"confirm": true, "confirmed": true, "i confirm": true,
	"подтверждаю": true, "подтверждено": true, "подтверждаю согласие": true,
}

func normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(text)) {
		if unicode.IsLetter(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func isAffirmative(text string) bool { return affirmativeTokens[normalize(text)] }
func isNegative(text string) bool    { return negativeTokens[normalize(text)] }
func isKycAffirmative(text string) bool { return kycAffirmativeTokens[normalize(text)] }
