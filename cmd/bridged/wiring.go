package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/glebarez/sqlite"

	"github.com/greenline-otc/bridge/internal/adbinder"
	"github.com/greenline-otc/bridge/internal/adminapi"
	"github.com/greenline-otc/bridge/internal/confirm"
	"github.com/greenline-otc/bridge/internal/config"
	"github.com/greenline-otc/bridge/internal/dialogue"
	"github.com/greenline-otc/bridge/internal/observability"
	"github.com/greenline-otc/bridge/internal/payout"
	"github.com/greenline-otc/bridge/internal/rateengine"
	"github.com/greenline-otc/bridge/internal/scheduler"
	"github.com/greenline-otc/bridge/internal/store"
)

// openDatabase dials the configured backend. sqlite is used for local
// operation and tests; postgres is the production driver, matching the
// two gorm dialects already present in go.mod.
func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "bridged.db"
		}
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// schedulerFor builds the venue-rate-limited dispatcher shared by every
// remote-call site (Gate and Bybit), per spec §4.2.
func schedulerFor(cfg config.Config) *scheduler.Scheduler {
	return scheduler.New(map[string]struct{ RatePerMinute, Burst int }{
		"gate":  {RatePerMinute: cfg.GateRPM, Burst: cfg.GateRPM / 4},
		"bybit": {RatePerMinute: cfg.BybitRPM, Burst: cfg.BybitRPM / 4},
	}, scheduler.DefaultRetryPolicy, observability.Metrics())
}

// tickLoop runs fn immediately and then every interval until ctx is
// cancelled, logging but not aborting on error so one bad tick of the ad
// binder or dialogue runner never takes down the whole process. When
// controls reports paused, the tick is skipped entirely — an operator
// pause takes effect on the next interval rather than mid-call.
func tickLoop(ctx context.Context, interval time.Duration, controls *adminapi.Controls, fn func(context.Context) error, logger *slog.Logger, name string) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	run := func() {
		if controls.Paused() {
			return
		}
		if err := fn(ctx); err != nil {
			logger.Error("tick failed", "component", name, "error", err)
		}
	}
	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func referenceLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	return loc, nil
}

// dialogueTemplates renders the scripted prompts of spec §4.7. The copy
// itself is operator content, not protocol; it lives here rather than in
// internal/dialogue so that package stays free of wording concerns.
func dialogueTemplates() dialogue.Templates {
	return dialogue.Templates{
		Greeting: func(o store.Order) string {
			return "Здравствуйте! Подтвердите, пожалуйста, банк для перевода."
		},
		BankConfirm: func(o store.Order) string {
			return "Подтвердите, пожалуйста, что будете платить через указанный банк (да/нет)."
		},
		ReceiptConfirm: func(o store.Order) string {
			return "Пожалуйста, пришлите квитанцию об оплате."
		},
		KycConfirm: func(o store.Order) string {
			return "Подтвердите, что реквизиты принадлежат вам: ответьте «подтверждаю»."
		},
		ReqsSent: func(o store.Order) string {
			return "Реквизиты для перевода отправлены выше."
		},
		Clarify: func(o store.Order) string {
			return "Не удалось распознать ответ, ответьте, пожалуйста, так, как указано в предыдущем сообщении."
		},
		Reminder: func(o store.Order, attempt int) string {
			return fmt.Sprintf("Напоминание №%d: ждём ваш ответ.", attempt)
		},
	}
}

// gormSessionStore adapts the shared database handle to session.Store.
type gormSessionStore struct {
	db *gorm.DB
}

func (s gormSessionStore) GetGateAccount(ctx context.Context, id uuid.UUID) (store.GateAccount, error) {
	var account store.GateAccount
	err := s.db.WithContext(ctx).First(&account, "id = ?", id).Error
	return account, err
}

func (s gormSessionStore) SaveGateSession(ctx context.Context, id uuid.UUID, cookies []byte, at time.Time) error {
	return s.db.WithContext(ctx).Model(&store.GateAccount{}).Where("id = ?", id).
		Updates(map[string]any{"cookies": cookies, "last_auth_at": at}).Error
}

func (s gormSessionStore) SetGateAccountStatus(ctx context.Context, id uuid.UUID, status store.GateAccountStatus) error {
	return s.db.WithContext(ctx).Model(&store.GateAccount{}).Where("id = ?", id).Update("status", status).Error
}

func (s gormSessionStore) GetBybitAccount(ctx context.Context, id uuid.UUID) (store.BybitAccount, error) {
	var account store.BybitAccount
	err := s.db.WithContext(ctx).First(&account, "id = ?", id).Error
	return account, err
}

func (s gormSessionStore) SetBybitAccountStatus(ctx context.Context, id uuid.UUID, status store.BybitAccountStatus) error {
	return s.db.WithContext(ctx).Model(&store.BybitAccount{}).Where("id = ?", id).Update("status", status).Error
}

// The stubs below mirror services/payoutd/main.go's wallet.FuncWallet
// placeholder: every venue HTTP client is a named external collaborator
// deliberately out of scope, so the composition root wires a stub that
// fails loudly rather than silently no-opping if ever invoked before a
// real transport is configured.

var errNotConfigured = fmt.Errorf("bridged: venue client not configured")

type unconfiguredGateLoginer struct{}

func (unconfiguredGateLoginer) Login(ctx context.Context, email, secret string) ([]byte, error) {
	return nil, errNotConfigured
}

type unconfiguredOfferBook struct{}

func (unconfiguredOfferBook) FetchPage(ctx context.Context, page int, fiat, crypto string, paymentMethods []string) ([]rateengine.OfferBookItem, error) {
	return nil, errNotConfigured
}

type unconfiguredGateClient struct{}

func (unconfiguredGateClient) ListPayouts(ctx context.Context, gateAccountID uuid.UUID) ([]payout.GatePayout, error) {
	return nil, errNotConfigured
}

func (unconfiguredGateClient) AcceptPayout(ctx context.Context, gateAccountID uuid.UUID, gateID int64) error {
	return errNotConfigured
}

type unconfiguredBybitClient struct{}

func (unconfiguredBybitClient) CreateAdvertisement(ctx context.Context, accountID string, params adbinder.AdParams) (string, error) {
	return "", errNotConfigured
}

func (unconfiguredBybitClient) ReleaseOrder(ctx context.Context, adID, bybitOrderID string) error {
	return errNotConfigured
}

type unconfiguredChatChannel struct{}

func (unconfiguredChatChannel) SendMessage(ctx context.Context, orderID uuid.UUID, body string) error {
	return errNotConfigured
}

type unconfiguredSettlementGateClient struct{}

func (unconfiguredSettlementGateClient) ApprovePayout(ctx context.Context, gateID int64, receiptPDF []byte, filename string) error {
	return errNotConfigured
}

type unconfiguredReceiptSource struct{}

func (unconfiguredReceiptSource) ReceiptPDF(ctx context.Context, orderID uuid.UUID) ([]byte, string, error) {
	return nil, "", errNotConfigured
}

type unconfiguredFundsGateClient struct{}

func (unconfiguredFundsGateClient) SetBalance(ctx context.Context, gateAccountID uuid.UUID, amount decimal.Decimal) error {
	return errNotConfigured
}

type unconfiguredDecider struct{}

func (unconfiguredDecider) Confirm(ctx context.Context, prompt confirm.Prompt) (bool, error) {
	return false, errNotConfigured
}
