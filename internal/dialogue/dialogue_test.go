package dialogue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/greenline-otc/bridge/internal/confirm"
	"github.com/greenline-otc/bridge/internal/orderstate"
	"github.com/greenline-otc/bridge/internal/store"
)

type recordingChat struct {
	sent []string
}

func (c *recordingChat) SendMessage(ctx context.Context, orderID uuid.UUID, body string) error {
	c.sent = append(c.sent, body)
	return nil
}

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

func testTemplates() Templates {
	return Templates{
		Greeting:       func(o store.Order) string { return "greeting" },
		BankConfirm:    func(o store.Order) string { return "bank_confirm" },
		ReceiptConfirm: func(o store.Order) string { return "receipt_confirm" },
		KycConfirm:     func(o store.Order) string { return "kyc_confirm" },
		ReqsSent:       func(o store.Order) string { return "reqs_sent" },
		Clarify:        func(o store.Order) string { return "clarify" },
		Reminder:       func(o store.Order, attempt int) string { return fmt.Sprintf("reminder_%d", attempt) },
	}
}

func seedOrder(t *testing.T, db *gorm.DB, status store.OrderStatus) store.Order {
	t.Helper()
	order := store.Order{ID: uuid.New(), GateID: 1, Status: status}
	if err := db.Create(&order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

func TestDialogueHappyPathThroughReqsSent(t *testing.T) {
	db := openTestDB(t)
	order := seedOrder(t, db, store.OrderChatting)
	chat := &recordingChat{}
	machine := orderstate.New(db, nil, nil)
	runner := New(db, chat, machine, testTemplates(), nil)
	ctx := context.Background()

	if err := runner.StartGreeting(ctx, order); err != nil {
		t.Fatalf("start greeting: %v", err)
	}
	if err := runner.HandleInbound(ctx, order, "hi there"); err != nil {
		t.Fatalf("greeting reply: %v", err)
	}
	if err := runner.HandleInbound(ctx, order, "Да"); err != nil {
		t.Fatalf("bank confirm: %v", err)
	}
	if err := runner.HandleInbound(ctx, order, "yes"); err != nil {
		t.Fatalf("receipt confirm: %v", err)
	}
	if err := runner.HandleInbound(ctx, order, "подтверждаю"); err != nil {
		t.Fatalf("kyc confirm: %v", err)
	}

	var conv store.Conversation
	if err := db.First(&conv, "order_id = ?", order.ID).Error; err != nil {
		t.Fatalf("reload conversation: %v", err)
	}
	if conv.Stage != store.StageReqsSent {
		t.Fatalf("expected stage reqs_sent, got %s", conv.Stage)
	}
	expected := []string{"greeting", "bank_confirm", "receipt_confirm", "kyc_confirm", "reqs_sent"}
	if len(chat.sent) != len(expected) {
		t.Fatalf("expected %d outbound messages, got %d: %v", len(expected), len(chat.sent), chat.sent)
	}
}

func TestDialogueNegativeBankConfirmEscalatesToFoolPool(t *testing.T) {
	db := openTestDB(t)
	order := seedOrder(t, db, store.OrderChatting)
	chat := &recordingChat{}
	machine := orderstate.New(db, nil, nil)
	runner := New(db, chat, machine, testTemplates(), nil)
	ctx := context.Background()

	if err := runner.StartGreeting(ctx, order); err != nil {
		t.Fatalf("start greeting: %v", err)
	}
	if err := runner.HandleInbound(ctx, order, "hello"); err != nil {
		t.Fatalf("greeting: %v", err)
	}
	if err := runner.HandleInbound(ctx, order, "no"); err != nil {
		t.Fatalf("negative bank confirm: %v", err)
	}

	var conv store.Conversation
	db.First(&conv, "order_id = ?", order.ID)
	if conv.Stage != store.StageFoolPool {
		t.Fatalf("expected fool_pool, got %s", conv.Stage)
	}
	var reloadedOrder store.Order
	db.First(&reloadedOrder, "id = ?", order.ID)
	if reloadedOrder.Status != store.OrderFoolPool {
		t.Fatalf("expected order fool_pool, got %s", reloadedOrder.Status)
	}
}

func TestDialogueUnparsableRepliesEscalateAfterTwoClarifications(t *testing.T) {
	db := openTestDB(t)
	order := seedOrder(t, db, store.OrderChatting)
	chat := &recordingChat{}
	machine := orderstate.New(db, nil, nil)
	runner := New(db, chat, machine, testTemplates(), nil)
	ctx := context.Background()

	if err := runner.StartGreeting(ctx, order); err != nil {
		t.Fatalf("start greeting: %v", err)
	}
	if err := runner.HandleInbound(ctx, order, "hello"); err != nil {
		t.Fatalf("greeting: %v", err)
	}
	for _, garbage := range []string{"asdf", "qwerty", "whatever"} {
		if err := runner.HandleInbound(ctx, order, garbage); err != nil {
			t.Fatalf("unparsable reply %q: %v", garbage, err)
		}
	}

	var conv store.Conversation
	db.First(&conv, "order_id = ?", order.ID)
	if conv.Stage != store.StageFoolPool {
		t.Fatalf("expected fool_pool after exceeding clarification attempts, got %s", conv.Stage)
	}
}

func TestDialogueOutboundMessagesAreIdempotentPerStage(t *testing.T) {
	db := openTestDB(t)
	order := seedOrder(t, db, store.OrderChatting)
	chat := &recordingChat{}
	machine := orderstate.New(db, nil, nil)
	runner := New(db, chat, machine, testTemplates(), nil)
	ctx := context.Background()

	if err := runner.StartGreeting(ctx, order); err != nil {
		t.Fatalf("start greeting: %v", err)
	}
	if err := runner.StartGreeting(ctx, order); err != nil {
		t.Fatalf("restart greeting: %v", err)
	}
	if len(chat.sent) != 1 {
		t.Fatalf("expected greeting to be sent exactly once across restarts, got %d", len(chat.sent))
	}
}

func TestHandleInboundHoldsAtKycConfirmWhenOperatorDeclinesSendReqs(t *testing.T) {
	db := openTestDB(t)
	order := seedOrder(t, db, store.OrderChatting)
	chat := &recordingChat{}
	machine := orderstate.New(db, nil, nil)
	gateway := confirm.New(confirm.ModeManual, scriptedDecider{answer: false})
	runner := New(db, chat, machine, testTemplates(), gateway)
	ctx := context.Background()

	if err := runner.StartGreeting(ctx, order); err != nil {
		t.Fatalf("start greeting: %v", err)
	}
	if err := runner.HandleInbound(ctx, order, "hi there"); err != nil {
		t.Fatalf("greeting reply: %v", err)
	}
	if err := runner.HandleInbound(ctx, order, "Да"); err != nil {
		t.Fatalf("bank confirm: %v", err)
	}
	if err := runner.HandleInbound(ctx, order, "yes"); err != nil {
		t.Fatalf("receipt confirm: %v", err)
	}
	if err := runner.HandleInbound(ctx, order, "подтверждаю"); err != nil {
		t.Fatalf("kyc confirm: %v", err)
	}

	var conv store.Conversation
	if err := db.First(&conv, "order_id = ?", order.ID).Error; err != nil {
		t.Fatalf("reload conversation: %v", err)
	}
	if conv.Stage != store.StageKycConfirm {
		t.Fatalf("expected conversation to stay at kyc_confirm when operator declines send_reqs, got %s", conv.Stage)
	}
	for _, body := range chat.sent {
		if body == "reqs_sent" {
			t.Fatalf("expected no reqs_sent message to be sent, got %v", chat.sent)
		}
	}
}

func TestTickSendsAwaitingReceiptRemindersAtOffsets(t *testing.T) {
	db := openTestDB(t)
	order := seedOrder(t, db, store.OrderPaymentClaimed)
	chat := &recordingChat{}
	machine := orderstate.New(db, nil, nil)
	runner := New(db, chat, machine, testTemplates(), nil)
	ctx := context.Background()

	conv := store.Conversation{OrderID: order.ID, Stage: store.StageAwaitingReceipt, CreatedAt: time.Now(), UpdatedAt: time.Now().Add(-6 * time.Minute)}
	if err := db.Create(&conv).Error; err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(chat.sent) != 1 || chat.sent[0] != "reminder_1" {
		t.Fatalf("expected exactly one first-offset reminder, got %v", chat.sent)
	}

	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(chat.sent) != 1 {
		t.Fatalf("expected no duplicate reminder before the second offset elapses, got %v", chat.sent)
	}
}

func TestTickEscalatesOnStageTimeout(t *testing.T) {
	db := openTestDB(t)
	order := seedOrder(t, db, store.OrderChatting)
	chat := &recordingChat{}
	machine := orderstate.New(db, nil, nil)
	runner := New(db, chat, machine, testTemplates(), nil)
	runner.deadlines = map[store.ConversationStage]time.Duration{store.StageGreeting: time.Minute}
	ctx := context.Background()

	conv := store.Conversation{OrderID: order.ID, Stage: store.StageGreeting, CreatedAt: time.Now(), UpdatedAt: time.Now().Add(-2 * time.Minute)}
	if err := db.Create(&conv).Error; err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	var reloadedOrder store.Order
	db.First(&reloadedOrder, "id = ?", order.ID)
	if reloadedOrder.Status != store.OrderFoolPool {
		t.Fatalf("expected order to escalate to fool_pool on stage timeout, got %s", reloadedOrder.Status)
	}
}
