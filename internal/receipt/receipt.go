// Package receipt ingests already-extracted bank-notification fields and
// decides whether they bind to a claimed Order (spec.md §4.8). Mail
// polling and PDF text extraction happen upstream of this package;
// callers hand it a store.ParsedReceipt plus the raw mail metadata and
// it filters by sender whitelist, checks extraction length, and does the
// normalization, matching, and validation.
package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/greenline-otc/bridge/internal/observability"
	"github.com/greenline-otc/bridge/internal/orderstate"
	"github.com/greenline-otc/bridge/internal/store"
)

// amountTolerance is the absolute fiat delta allowed by V1 and by the
// pre-filter in pickCandidate.
var amountTolerance = decimal.RequireFromString(DefaultAmountTolerance)

// DefaultTimestampTolerance is the ±window applied by V5.
const DefaultTimestampTolerance = 30 * time.Minute

// DefaultAmountTolerance is the absolute fiat delta allowed by V1.
const DefaultAmountTolerance = "0.01"

// MinExtractedTextLength is the shortest extractedText Ingest accepts
// before treating extraction as having failed outright.
const MinExtractedTextLength = 40

// Settler triggers §4.9 settlement once a receipt clears an Order to
// Verified; the settlement transport itself lives outside this package.
type Settler interface {
	Settle(ctx context.Context, orderID uuid.UUID) error
}

// bankAliases maps a normalized alias string to a canonical bank code.
// Deterministic, case/whitespace/diacritic-insensitive per spec §4.8;
// unrecognized input falls back to "unknown" and fails V2. Grounded on
// no teacher analogue — this table is spec-mandated domain data, entered
// directly from common Russian retail-bank naming and transliteration
// variants.
var bankAliases = map[string]string{
	"sberbank": "sber", "sber": "sber", "sberbank rossii": "sber", "pao sberbank": "sber",
	"sberbank online": "sber", "сбербанк": "sber",

	"vtb": "vtb", "vtb bank": "vtb", "банк втб": "vtb", "vtb24": "vtb", "втб24": "vtb",
	"vneshtorgbank": "vtb",

	"tinkoff": "tbank", "tinkoff bank": "tbank", "t-bank": "tbank", "tbank": "tbank",
	"тинькофф": "tbank", "т-банк": "tbank",

	"alfabank": "alfa", "alfa-bank": "alfa", "alfa bank": "alfa", "альфа-банк": "alfa",
	"альфабанк": "alfa", "ao alfa bank": "alfa",

	"gazprombank": "gpb", "gazprom bank": "gpb", "gpb": "gpb", "газпромбанк": "gpb",

	"rosbank": "rosbank", "ros bank": "rosbank", "росбанк": "rosbank",

	"raiffeisenbank": "raiffeisen", "raiffeisen bank": "raiffeisen", "raiffeisen": "raiffeisen",
	"райффайзенбанк": "raiffeisen",

	"otkritie": "otkritie", "bank otkritie": "otkritie", "fc otkritie": "otkritie",
	"банк открытие": "otkritie", "открытие": "otkritie",

	"sovcombank": "sovcom", "sovcom bank": "sovcom", "совкомбанк": "sovcom",

	"rosselkhozbank": "rshb", "rshb": "rshb", "russian agricultural bank": "rshb",
	"россельхозбанк": "rshb",

	"uralsib": "uralsib", "uralsib bank": "uralsib", "уралсиб": "uralsib",

	"mkb": "mkb", "moscow credit bank": "mkb", "московский кредитный банк": "mkb",
	"credit bank of moscow": "mkb",

	"psb": "psb", "promsvyazbank": "psb", "промсвязьбанк": "psb",

	"citibank": "citi", "citi": "citi", "citibank russia": "citi",

	"unicreditbank": "unicredit", "unicredit bank": "unicredit", "юникредит банк": "unicredit",

	"homecredit": "homecredit", "home credit bank": "homecredit", "хоум кредит": "homecredit",

	"renaissance credit": "renaissance", "renaissance bank": "renaissance",
	"ренессанс кредит": "renaissance",

	"akbars": "akbars", "ak bars bank": "akbars", "ак барс банк": "akbars",

	"zenit": "zenit", "bank zenit": "zenit", "банк зенит": "zenit",

	"mtsbank": "mts", "mts bank": "mts", "мтс банк": "mts",

	"yoomoney": "yoomoney", "yoo money": "yoomoney", "юmoney": "yoomoney",

	"qiwi": "qiwi", "qiwi bank": "qiwi", "киви банк": "qiwi",

	"pochtabank": "pochta", "pochta bank": "pochta", "почта банк": "pochta",

	"banksaintpetersburg": "bspb", "bank saint petersburg": "bspb", "bspb": "bspb",
	"банк санкт-петербург": "bspb",

	"absolutbank": "absolut", "absolut bank": "absolut", "абсолют банк": "absolut",

	"rncb": "rncb", "rncbank": "rncb", "ркнб": "rncb",

	"genbank": "genbank", "gen bank": "genbank", "генбанк": "genbank",

	"avangard": "avangard", "avangard bank": "avangard", "банк авангард": "avangard",

	"transkapitalbank": "tkb", "tkb": "tkb", "транскапиталбанк": "tkb",

	"expobank": "expobank", "экспобанк": "expobank",

	"centrinvest": "centrinvest", "center-invest bank": "centrinvest",
	"центр-инвест": "centrinvest",

	"levoberezhny": "levoberezhny", "bank levoberezhny": "levoberezhny",

	"dom rf bank": "domrf", "bank dom.rf": "domrf", "домрф банк": "domrf",

	"sdm bank": "sdm", "sdmbank": "sdm", "сдм банк": "sdm",

	"chelyabinvestbank": "chelyabinvest", "chelindbank": "chelyabinvest",
}

// normalize lowercases, strips diacritics/punctuation, and collapses
// whitespace so lookups are case/whitespace/diacritic-insensitive.
func normalize(input string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(input) {
		r = stripDiacritic(r)
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r), r == '-', r == '.', r == '_':
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// stripDiacritic folds the handful of accented Latin letters that show up
// in transliterated bank names (e.g. "Raiffeisen" variants copied from
// German-language sources) down to their bare ASCII form.
func stripDiacritic(r rune) rune {
	switch r {
	case 'á', 'à', 'â', 'ä', 'ã':
		return 'a'
	case 'é', 'è', 'ê', 'ë':
		return 'e'
	case 'í', 'ì', 'î', 'ï':
		return 'i'
	case 'ó', 'ò', 'ô', 'ö', 'õ':
		return 'o'
	case 'ú', 'ù', 'û', 'ü':
		return 'u'
	case 'ñ':
		return 'n'
	case 'ç':
		return 'c'
	default:
		return r
	}
}

// NormalizeBank resolves raw bank text to its canonical code, falling
// back to "unknown" for anything not in bankAliases.
func NormalizeBank(raw string) string {
	key := strings.ReplaceAll(normalize(raw), " ", "")
	for alias, code := range bankAliasIndex() {
		if alias == key {
			return code
		}
	}
	return "unknown"
}

// bankAliasIndex re-keys bankAliases by its space-stripped normalized
// form once; the table is small and static so recomputation cost is
// negligible relative to the parsing pipeline it sits behind.
func bankAliasIndex() map[string]string {
	idx := make(map[string]string, len(bankAliases))
	for alias, code := range bankAliases {
		idx[strings.ReplaceAll(normalize(alias), " ", "")] = code
	}
	return idx
}

// validationResult names every check V1-V5 performs against a candidate
// Order/Payout pair.
type validationResult struct {
	failures []string
}

func (v *validationResult) fail(reason string) { v.failures = append(v.failures, reason) }
func (v *validationResult) ok() bool           { return len(v.failures) == 0 }

// validate runs V1-V5 against parsed fields and the matched Order/Payout,
// returning the pass/fail verdict and every failure reason observed (the
// caller persists these verbatim as Receipt.ValidationErrs).
func validate(parsed store.ParsedReceipt, order store.Order, payout store.Payout, now time.Time, tolerance time.Duration) validationResult {
	var result validationResult

	// V1: amount tolerance.
	delta := parsed.Amount.Sub(order.AmountFiat).Abs()
	if delta.GreaterThan(amountTolerance) {
		result.fail("amount_mismatch")
	}

	// V2: normalized bank match.
	if NormalizeBank(parsed.Bank) != strings.ToLower(strings.TrimSpace(payout.BankCode)) {
		result.fail("bank_mismatch")
	}

	// V3: phone or card tail consistency, whichever channel applies.
	walletTail := tail4(payout.Wallet)
	phoneOK := parsed.PhoneTail != "" && parsed.PhoneTail == walletTail
	cardOK := parsed.CardTail != "" && parsed.CardTail == walletTail
	if !phoneOK && !cardOK {
		result.fail("tail_mismatch")
	}

	// V4: success marker.
	if !strings.EqualFold(strings.TrimSpace(parsed.Status), "success") {
		result.fail("status_not_success")
	}

	// V5: timestamp window.
	earliest := order.CreatedAt.Add(-tolerance)
	latest := now.Add(tolerance)
	if parsed.Timestamp.Before(earliest) || parsed.Timestamp.After(latest) {
		result.fail("timestamp_out_of_window")
	}

	return result
}

func tail4(s string) string {
	digits := make([]rune, 0, len(s))
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) < 4 {
		return string(digits)
	}
	return string(digits[len(digits)-4:])
}

// Ingestor matches parsed receipt fields to claimed Orders and persists
// the resulting Receipt, advancing the Order on a clean pass.
type Ingestor struct {
	db        *gorm.DB
	machine   *orderstate.Machine
	settler   Settler
	tolerance time.Duration
	clock     func() time.Time
	whitelist map[string]struct{}
}

// New constructs an Ingestor. settler may be nil in which case a passing
// receipt still advances the Order to Verified but settlement is left to
// a separate caller (e.g. a later backfill run). senderWhitelist lists the
// mail senders Ingest accepts; a nil or empty list disables the filter.
func New(db *gorm.DB, machine *orderstate.Machine, settler Settler, senderWhitelist []string) *Ingestor {
	var whitelist map[string]struct{}
	if len(senderWhitelist) > 0 {
		whitelist = make(map[string]struct{}, len(senderWhitelist))
		for _, sender := range senderWhitelist {
			whitelist[strings.ToLower(strings.TrimSpace(sender))] = struct{}{}
		}
	}
	return &Ingestor{db: db, machine: machine, settler: settler, tolerance: DefaultTimestampTolerance, clock: time.Now, whitelist: whitelist}
}

// allowedSender reports whether sender may submit receipts. An empty
// whitelist leaves the filter disabled.
func (ig *Ingestor) allowedSender(sender string) bool {
	if len(ig.whitelist) == 0 {
		return true
	}
	_, ok := ig.whitelist[strings.ToLower(strings.TrimSpace(sender))]
	return ok
}

// candidate pairs an Order with its originating Payout for matching.
type candidate struct {
	order  store.Order
	payout store.Payout
}

// findCandidates returns every PaymentClaimed order that has a stored
// Payout row, newest first; it does not filter on parsed. pickCandidate
// then applies the amount/bank/tail pre-filter and the expires_at
// tiebreak described in spec §4.8 step 4.
func (ig *Ingestor) findCandidates(ctx context.Context, parsed store.ParsedReceipt) ([]candidate, error) {
	var orders []store.Order
	if err := ig.db.WithContext(ctx).
		Where("status = ?", store.OrderPaymentClaimed).
		Order("created_at DESC").
		Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("receipt: load claimed orders: %w", err)
	}

	candidates := make([]candidate, 0, len(orders))
	for _, order := range orders {
		var payout store.Payout
		if err := ig.db.WithContext(ctx).First(&payout, "gate_id = ?", order.GateID).Error; err != nil {
			continue
		}
		candidates = append(candidates, candidate{order: order, payout: payout})
	}
	return candidates, nil
}

// pickCandidate applies the amount/bank/tail pre-filter described in
// spec §4.8 step 4, then resolves ties by preferring the earliest
// Payout.ExpiresAt, whether or not it has already passed; payouts with no
// ExpiresAt sort last. It returns the chosen candidate and the number of
// candidates that passed the pre-filter.
func pickCandidate(candidates []candidate, parsed store.ParsedReceipt) (*candidate, int) {
	filtered := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.payout.AmountFiat.Sub(parsed.Amount).Abs().GreaterThan(amountTolerance) {
			continue
		}
		if NormalizeBank(parsed.Bank) != strings.ToLower(strings.TrimSpace(c.payout.BankCode)) {
			continue
		}
		walletTail := tail4(c.payout.Wallet)
		if parsed.PhoneTail != walletTail && parsed.CardTail != walletTail {
			continue
		}
		filtered = append(filtered, c)
	}
	if len(filtered) == 0 {
		return nil, 0
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		ei, iok := expiresAt(filtered[i])
		ej, jok := expiresAt(filtered[j])
		if iok && jok {
			return ei.Before(ej)
		}
		return iok && !jok
	})
	return &filtered[0], len(filtered)
}

func expiresAt(c candidate) (time.Time, bool) {
	if c.payout.ExpiresAt == nil {
		return time.Time{}, false
	}
	return *c.payout.ExpiresAt, true
}

// Ingest matches parsed to a claimed Order, runs V1-V5, persists the
// Receipt, and — on a clean pass — advances the Order to PaymentReceived
// then Verified and invokes settlement. A failed match or failed
// validation persists the Receipt unbound or invalid and never mutates
// Order state; spec §4.8 reserves that for operator override.
func (ig *Ingestor) Ingest(ctx context.Context, mailID, sender, subject, extractedText string, parsed store.ParsedReceipt) (store.Receipt, error) {
	now := ig.clock()
	receipt := store.Receipt{
		ID:              uuid.New(),
		ExternalMailID:  mailID,
		Sender:          sender,
		Subject:         subject,
		ExtractedText:   extractedText,
		ParsedAmount:    parsed.Amount,
		ParsedBank:      parsed.Bank,
		ParsedPhoneTail: parsed.PhoneTail,
		ParsedCardTail:  parsed.CardTail,
		ParsedStatus:    parsed.Status,
		ParsedAt:        &now,
		CreatedAt:       now,
	}

	if !ig.allowedSender(sender) {
		receipt.IsValid = false
		receipt.ValidationErrs = marshalErrs([]string{"sender_not_whitelisted"})
		if err := ig.db.WithContext(ctx).Create(&receipt).Error; err != nil {
			return store.Receipt{}, fmt.Errorf("receipt: persist rejected sender: %w", err)
		}
		slog.Default().Warn("receipt: rejected sender not on whitelist",
			observability.MaskField("sender", sender), "mail_id", mailID)
		return receipt, nil
	}
	if len(strings.TrimSpace(extractedText)) < MinExtractedTextLength {
		receipt.IsValid = false
		receipt.ValidationErrs = marshalErrs([]string{"extract_failed"})
		if err := ig.db.WithContext(ctx).Create(&receipt).Error; err != nil {
			return store.Receipt{}, fmt.Errorf("receipt: persist extract_failed: %w", err)
		}
		slog.Default().Warn("receipt: extraction failed", "mail_id", mailID,
			"extracted_text", observability.RedactExtractedText(extractedText))
		return receipt, nil
	}

	candidates, err := ig.findCandidates(ctx, parsed)
	if err != nil {
		return store.Receipt{}, err
	}
	picked, matches := pickCandidate(candidates, parsed)
	if matches == 0 {
		receipt.IsValid = false
		receipt.ValidationErrs = marshalErrs([]string{"no_matching_order"})
		if err := ig.db.WithContext(ctx).Create(&receipt).Error; err != nil {
			return store.Receipt{}, fmt.Errorf("receipt: persist unmatched: %w", err)
		}
		return receipt, nil
	}

	result := validate(parsed, picked.order, picked.payout, now, ig.tolerance)
	receipt.OrderID = &picked.order.ID
	receipt.IsValid = result.ok()
	receipt.ValidationErrs = marshalErrs(result.failures)

	if err := ig.db.WithContext(ctx).Create(&receipt).Error; err != nil {
		return store.Receipt{}, fmt.Errorf("receipt: persist: %w", err)
	}
	if !result.ok() {
		slog.Default().Warn("receipt: validation failed", "order_id", picked.order.ID,
			"failures", result.failures,
			"phone_tail", observability.RedactTail(parsed.PhoneTail),
			"card_tail", observability.RedactTail(parsed.CardTail))
		return receipt, nil
	}

	details := fmt.Sprintf("receipt %s matched", receipt.ID)
	if matches > 1 {
		details = fmt.Sprintf("%s (tiebreak among %d candidates by nearest expires_at)", details, matches)
	}
	if _, err := ig.machine.Advance(ctx, picked.order.ID, store.OrderPaymentRecvd, details); err != nil {
		return receipt, fmt.Errorf("receipt: advance to payment_received: %w", err)
	}
	if _, err := ig.machine.Advance(ctx, picked.order.ID, store.OrderVerified, details); err != nil {
		return receipt, fmt.Errorf("receipt: advance to verified: %w", err)
	}
	if ig.settler != nil {
		if err := ig.settler.Settle(ctx, picked.order.ID); err != nil {
			return receipt, fmt.Errorf("receipt: trigger settlement: %w", err)
		}
	}
	return receipt, nil
}

func marshalErrs(reasons []string) []byte {
	if len(reasons) == 0 {
		return nil
	}
	b, err := json.Marshal(reasons)
	if err != nil {
		return nil
	}
	return b
}
