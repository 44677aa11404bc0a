package observability

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields.
const RedactedValue = "[REDACTED]"

// redactionAllowlist enumerates log keys that never carry venue
// credentials, bank receipt contents, or customer PII, so they may be
// emitted unmodified. Everything else (api keys, secrets, cookies, bank
// account/phone/card tails, extracted receipt text) is masked by default.
var redactionAllowlist = map[string]struct{}{
	"service":      {},
	"env":          {},
	"message":      {},
	"severity":     {},
	"timestamp":    {},
	"error":        {},
	"reason":       {},
	"component":    {},
	"order_id":     {},
	"gate_id":      {},
	"status":       {},
	"stage":        {},
	"venue":        {},
	"scenario":     {},
	"attempt":      {},
	"duration_ms":  {},
}

// IsAllowlisted reports whether key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns a sorted copy of the exempt log keys.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts value unless key is
// allowlisted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// RedactSecret masks a Gate/Bybit API key, API secret, or signed cookie
// jar in full — spec §9 forbids these from ever reaching a log line.
func RedactSecret(value string) string {
	return MaskValue(value)
}

// RedactTail masks a bank account, phone, or card tail (spec §4.8's
// last-4-digit matching fields). Even a four-digit tail narrows a real
// customer's payment instrument enough to count as PII under §9, so it
// is never emitted as-is.
func RedactTail(value string) string {
	return MaskValue(value)
}

// RedactExtractedText masks the body recovered from a bank notification
// email (spec §4.8), keeping only its length in bytes so an operator can
// still tell an extract_failed short-read apart from a masked long one
// without the underlying PII ever appearing in a log line.
func RedactExtractedText(text string) string {
	if text == "" {
		return text
	}
	return fmt.Sprintf("%s(%d bytes)", RedactedValue, len(text))
}
