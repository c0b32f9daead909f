package redact

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/kestrelmem/kestrel/pkg/types"
)

func intentWith(content string) types.MemoryIntent {
	return types.MemoryIntent{
		SessionID:      "s1",
		UserID:         "u1",
		SequenceNumber: 1,
		Role:           types.RoleUser,
		RawContent:     content,
		OccurredAt:     time.Now(),
	}
}

func TestRedactEmail(t *testing.T) {
	r := New()

	turn, err := r.Redact(intentWith("my email is a@b.com"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.Contains(turn.Content, "a@b.com") {
		t.Errorf("email survived redaction: %q", turn.Content)
	}
	if !strings.Contains(turn.Content, "[REDACTED_EMAIL]") {
		t.Errorf("expected email mask in %q", turn.Content)
	}
	if len(turn.RedactionTags) != 1 || turn.RedactionTags[0] != types.RedactionEmail {
		t.Errorf("expected tags [email], got %v", turn.RedactionTags)
	}
}

func TestRedactPhone(t *testing.T) {
	r := New()

	turn, err := r.Redact(intentWith("call me at +1 415-555-0172 tomorrow"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(turn.Content, "[REDACTED_PHONE]") {
		t.Errorf("expected phone mask in %q", turn.Content)
	}
}

func TestRedactCardBeforePhone(t *testing.T) {
	r := New()

	turn, err := r.Redact(intentWith("card: 4111 1111 1111 1111"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Card digit runs must be classified as cards, not phones.
	if !strings.Contains(turn.Content, "[REDACTED_CARD]") {
		t.Errorf("expected card mask in %q", turn.Content)
	}
	for _, tag := range turn.RedactionTags {
		if tag == types.RedactionPhone {
			t.Errorf("card number misclassified as phone: %q", turn.Content)
		}
	}
}

func TestRedactSecretSpan(t *testing.T) {
	r := New()

	turn, err := r.Redact(intentWith("the token is secret: hunter2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.Contains(turn.Content, "hunter2") {
		t.Errorf("secret survived redaction: %q", turn.Content)
	}
	if !strings.Contains(turn.Content, "[REDACTED_SECRET]") {
		t.Errorf("expected secret mask in %q", turn.Content)
	}
}

func TestCleanContentPassesThrough(t *testing.T) {
	r := New()
	in := "nothing sensitive here"

	turn, err := r.Redact(intentWith(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if turn.Content != in {
		t.Errorf("clean content was altered: %q", turn.Content)
	}
	if len(turn.RedactionTags) != 0 {
		t.Errorf("clean content should have no tags, got %v", turn.RedactionTags)
	}
}

func TestRedactDeterministic(t *testing.T) {
	r := New()
	in := intentWith("a@b.com and +1 415-555-0172")

	first, err := r.Redact(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := r.Redact(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Content != second.Content {
		t.Errorf("redaction not deterministic: %q vs %q", first.Content, second.Content)
	}
}

func TestRedactIdentityFieldsCarried(t *testing.T) {
	r := New()
	in := intentWith("hello")
	in.Role = types.RoleAssistant

	turn, err := r.Redact(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if turn.SessionID != in.SessionID || turn.UserID != in.UserID ||
		turn.SequenceNumber != in.SequenceNumber || turn.Role != in.Role {
		t.Error("identity fields not carried from intent to turn")
	}
}

// panicPattern is a regexp whose replacement path we sabotage via a rule with
// a nil pattern to exercise the fail-closed contract.
func TestFailClosedOnBrokenRule(t *testing.T) {
	broken := []Rule{
		{Tag: types.RedactionEmail, Pattern: nil, Mask: "[X]"},
	}
	r := NewWithRules(broken)

	_, err := r.Redact(intentWith("raw content with a@b.com"))
	if err == nil {
		t.Fatal("expected error from broken rule")
	}

	var redErr *types.RedactionError
	if !errors.As(err, &redErr) {
		t.Fatalf("expected *types.RedactionError, got %T", err)
	}
}

func TestCustomRuleset(t *testing.T) {
	rules := []Rule{
		{
			Tag:     types.RedactionSecret,
			Pattern: regexp.MustCompile(`xyzzy`),
			Mask:    "[PLUGH]",
		},
	}
	r := NewWithRules(rules)

	turn, err := r.Redact(intentWith("say xyzzy"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if turn.Content != "say [PLUGH]" {
		t.Errorf("custom rule not applied: %q", turn.Content)
	}
}
