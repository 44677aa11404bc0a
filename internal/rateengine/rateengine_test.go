package rateengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeOfferBook struct {
	items map[int][]OfferBookItem
}

func (f *fakeOfferBook) FetchPage(ctx context.Context, page int, fiat, crypto string, methods []string) ([]OfferBookItem, error) {
	return f.items[page], nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDeriveScenario(t *testing.T) {
	threshold := decimal.NewFromInt(50000)
	cases := []struct {
		name   string
		amount decimal.Decimal
		hour   int
		want   Scenario
	}{
		{"small day morning", dec("1000"), 8, SmallDay},
		{"small day late night boundary", dec("1000"), 0, SmallDay},
		{"small night", dec("1000"), 3, SmallNight},
		{"large day", dec("60000"), 12, LargeDay},
		{"large night", dec("60000"), 2, LargeNight},
		{"boundary amount is small", dec("50000"), 10, SmallDay},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			zoneNow := time.Date(2026, 1, 1, tc.hour, 0, 0, 0, time.UTC)
			got := DeriveScenario(tc.amount, zoneNow, threshold)
			if got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestQuoteReturnsPenultimatePrice(t *testing.T) {
	book := &fakeOfferBook{items: map[int][]OfferBookItem{
		4: {{Price: dec("95.1")}, {Price: dec("95.5")}, {Price: dec("96.0")}},
	}}
	engine := New(book, Config{Fiat: "RUB", Crypto: "USDT"})
	engine.clock = func() time.Time { return time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC) }

	price, scenario, err := engine.Quote(context.Background(), dec("1000"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if scenario != SmallDay {
		t.Fatalf("expected SmallDay, got %s", scenario)
	}
	if !price.Equal(dec("95.5")) {
		t.Fatalf("expected penultimate price 95.5, got %s", price)
	}
}

func TestQuoteReturnsInsufficientDataBelowTwoItems(t *testing.T) {
	book := &fakeOfferBook{items: map[int][]OfferBookItem{
		2: {{Price: dec("95.1")}},
	}}
	engine := New(book, Config{Fiat: "RUB", Crypto: "USDT"})
	engine.clock = func() time.Time { return time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC) }

	_, _, err := engine.Quote(context.Background(), dec("1000"))
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}
