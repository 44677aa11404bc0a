// Package confirm models the decision contract of the manual-mode
// confirmation gate (spec.md §4.11): every side-effecting transition in
// Ad Binding (§4.5), dialogue reqs-send (§4.7), Settlement (§4.9), and
// the Fund Keeper (§4.10) is gated behind an explicit affirmative when
// the operator runs in manual mode, and bypassed unconditionally in
// automatic mode. The actual CLI/REST prompt surface is a named
// Non-goal; this package only defines the Prompt/Decider contract that
// surface would implement.
package confirm

import (
	"context"
	"strings"
	"unicode"
)

// Mode selects whether Gateway consults a Decider or auto-approves.
type Mode string

const (
	// ModeManual requires an explicit Decider affirmative per action.
	ModeManual Mode = "manual"
	// ModeAutomatic bypasses every prompt with effect "yes".
	ModeAutomatic Mode = "automatic"
)

// Prompt summarizes one side-effecting action awaiting confirmation.
type Prompt struct {
	// Action names the gated operation, e.g. "bind_ad", "send_reqs",
	// "settle_order", "top_up_balance".
	Action string
	// Details carries the action's parameters for display (order id,
	// amount, account nickname, ...). Keys are stable across calls for
	// the same Action so a transport can render a consistent layout.
	Details map[string]string
}

// Decider is the operator-facing boundary: present prompt and return the
// operator's affirmative/negative decision. The line-oriented CLI
// surface described in spec §6 is one possible implementation; it is
// out of scope here.
type Decider interface {
	Confirm(ctx context.Context, prompt Prompt) (bool, error)
}

// Gateway gates side-effecting actions behind Decider in manual mode, or
// approves unconditionally in automatic mode.
type Gateway struct {
	mode    Mode
	decider Decider
}

// New constructs a Gateway. decider may be nil when mode is
// ModeAutomatic (no prompts are ever issued in that mode).
func New(mode Mode, decider Decider) *Gateway {
	if mode == "" {
		mode = ModeAutomatic
	}
	return &Gateway{mode: mode, decider: decider}
}

// Confirm returns the gate's decision for prompt. In automatic mode the
// decider is never consulted and the result is always true. A negative
// decision aborts only the gated action, never the underlying Order —
// callers must not treat false as an error.
func (g *Gateway) Confirm(ctx context.Context, prompt Prompt) (bool, error) {
	if g.mode == ModeAutomatic {
		return true, nil
	}
	return g.decider.Confirm(ctx, prompt)
}

// affirmativeTokens and negativeTokens mirror the §6 line-oriented
// convention ({yes, y, да} / {no, n, нет}) so a transport implementing
// Decider can reuse the same parsing rule the spec names rather than
// inventing its own.
var affirmativeTokens = map[string]bool{"yes": true, "y": true, "да": true}
var negativeTokens = map[string]bool{"no": true, "n": true, "нет": true}

// ParseAnswer classifies one operator reply line per spec §6's
// convention. ok is false when the line matches neither set, signaling
// the transport should re-prompt.
func ParseAnswer(line string) (affirmative bool, ok bool) {
	normalized := normalize(line)
	if affirmativeTokens[normalized] {
		return true, true
	}
	if negativeTokens[normalized] {
		return false, true
	}
	return false, false
}

func normalize(input string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(input) {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
