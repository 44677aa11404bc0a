package confirm

import (
	"context"
	"errors"
	"testing"
)

type scriptedDecider struct {
	answer bool
	err    error
	seen   []Prompt
}

func (d *scriptedDecider) Confirm(ctx context.Context, prompt Prompt) (bool, error) {
	d.seen = append(d.seen, prompt)
	return d.answer, d.err
}

func TestAutomaticModeNeverConsultsDecider(t *testing.T) {
	decider := &scriptedDecider{answer: false}
	gateway := New(ModeAutomatic, decider)

	ok, err := gateway.Confirm(context.Background(), Prompt{Action: "bind_ad"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !ok {
		t.Fatal("expected automatic mode to approve unconditionally")
	}
	if len(decider.seen) != 0 {
		t.Fatalf("expected decider not to be consulted in automatic mode, got %v", decider.seen)
	}
}

func TestManualModeDelegatesToDecider(t *testing.T) {
	decider := &scriptedDecider{answer: true}
	gateway := New(ModeManual, decider)

	ok, err := gateway.Confirm(context.Background(), Prompt{Action: "settle_order", Details: map[string]string{"order_id": "abc"}})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !ok {
		t.Fatal("expected manual mode to return the decider's affirmative")
	}
	if len(decider.seen) != 1 || decider.seen[0].Action != "settle_order" {
		t.Fatalf("expected the prompt to reach the decider, got %v", decider.seen)
	}
}

func TestManualModePropagatesDeciderError(t *testing.T) {
	decider := &scriptedDecider{err: errors.New("boom")}
	gateway := New(ModeManual, decider)

	if _, err := gateway.Confirm(context.Background(), Prompt{Action: "top_up_balance"}); err == nil {
		t.Fatal("expected decider error to propagate")
	}
}

func TestParseAnswerRecognizesBilingualTokensAndRejectsGarbage(t *testing.T) {
	cases := []struct {
		input      string
		wantOK     bool
		wantAffirm bool
	}{
		{"yes", true, true},
		{"Y", true, true},
		{"Да", true, true},
		{"no", true, false},
		{"N", true, false},
		{"Нет", true, false},
		{"maybe", false, false},
		{"", false, false},
	}
	for _, tc := range cases {
		affirm, ok := ParseAnswer(tc.input)
		if ok != tc.wantOK {
			t.Errorf("ParseAnswer(%q) ok = %v, want %v", tc.input, ok, tc.wantOK)
			continue
		}
		if ok && affirm != tc.wantAffirm {
			t.Errorf("ParseAnswer(%q) affirmative = %v, want %v", tc.input, affirm, tc.wantAffirm)
		}
	}
}
