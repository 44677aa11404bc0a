// Package rateengine derives a fiat-per-crypto price for an order amount
// and wall-clock time (spec.md §4.6).
package rateengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Scenario is the derived pricing bucket.
type Scenario string

const (
	SmallDay   Scenario = "small_day"
	SmallNight Scenario = "small_night"
	LargeDay   Scenario = "large_day"
	LargeNight Scenario = "large_night"
)

// smallThreshold is the amount_fiat boundary between Small and Large.
var smallThreshold = decimal.NewFromInt(50000)

// page maps each scenario to the offer-book page index the teacher's
// remote P2P surface uses.
var page = map[Scenario]int{
	SmallDay:   4,
	SmallNight: 2,
	LargeDay:   5,
	LargeNight: 3,
}

// ErrInsufficientData is returned when the fetched offer page has fewer
// than two entries; callers must retry later rather than guess.
var ErrInsufficientData = errors.New("rateengine: insufficient offer book data")

// OfferBookItem is one row of the remote P2P offer book page.
type OfferBookItem struct {
	Price decimal.Decimal
}

// OfferBook is the external collaborator providing offer-book pages; the
// HTTP client behind it is out of scope here.
type OfferBook interface {
	FetchPage(ctx context.Context, page int, fiat, crypto string, paymentMethods []string) ([]OfferBookItem, error)
}

// Config carries the whitelist/targets needed to query the offer book.
type Config struct {
	Fiat           string
	Crypto         string
	PaymentMethods []string
	ReferenceZone  *time.Location
	SmallThreshold decimal.Decimal
}

// Engine derives prices per spec §4.6.
type Engine struct {
	book   OfferBook
	cfg    Config
	clock  func() time.Time
}

// New constructs an Engine. clock defaults to time.Now.
func New(book OfferBook, cfg Config) *Engine {
	if cfg.ReferenceZone == nil {
		cfg.ReferenceZone = time.UTC
	}
	if cfg.SmallThreshold.IsZero() {
		cfg.SmallThreshold = smallThreshold
	}
	return &Engine{book: book, cfg: cfg, clock: time.Now}
}

// DeriveScenario implements the §4.6 step-1 classification. "Day" covers
// 07:00 through 00:59 inclusive (i.e. NOT the [01:00, 07:00) window).
func DeriveScenario(amountFiat decimal.Decimal, zoneNow time.Time, threshold decimal.Decimal) Scenario {
	small := amountFiat.LessThanOrEqual(threshold)
	hour := zoneNow.Hour()
	day := hour >= 7 || hour < 1
	switch {
	case small && day:
		return SmallDay
	case small && !day:
		return SmallNight
	case !small && day:
		return LargeDay
	default:
		return LargeNight
	}
}

// Quote produces a price for amountFiat evaluated at the current wall
// clock time in the configured reference zone.
func (e *Engine) Quote(ctx context.Context, amountFiat decimal.Decimal) (decimal.Decimal, Scenario, error) {
	zoneNow := e.clock().In(e.cfg.ReferenceZone)
	scenario := DeriveScenario(amountFiat, zoneNow, e.cfg.SmallThreshold)
	pageIndex, ok := page[scenario]
	if !ok {
		return decimal.Zero, scenario, fmt.Errorf("rateengine: no page mapping for scenario %s", scenario)
	}

	items, err := e.book.FetchPage(ctx, pageIndex, e.cfg.Fiat, e.cfg.Crypto, e.cfg.PaymentMethods)
	if err != nil {
		return decimal.Zero, scenario, fmt.Errorf("fetch offer page: %w", err)
	}
	if len(items) < 2 {
		return decimal.Zero, scenario, ErrInsufficientData
	}
	penultimate := items[len(items)-2]
	return penultimate.Price.Truncate(4), scenario, nil
}
