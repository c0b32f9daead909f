// Package redact scrubs PII from conversational turns before they leave the
// trust boundary. Redaction is pure and deterministic for a fixed ruleset and
// fails closed: a rule that blows up rejects the turn rather than letting raw
// content through unredacted.
package redact

import (
	"fmt"
	"regexp"

	"github.com/kestrelmem/kestrel/pkg/types"
)

// Rule is one named redaction pattern. Matches are replaced with the
// rule's mask and recorded under its tag.
type Rule struct {
	// Tag is the category recorded when this rule matches.
	Tag types.RedactionTag

	// Pattern matches the spans to mask.
	Pattern *regexp.Regexp

	// Mask replaces every match.
	Mask string
}

// Rule evaluation order matters: cards run before phones so that card digit
// runs are not half-consumed as phone numbers.
var defaultRules = []Rule{
	{
		Tag:     types.RedactionEmail,
		Pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		Mask:    "[REDACTED_EMAIL]",
	},
	{
		Tag:     types.RedactionCard,
		Pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
		Mask:    "[REDACTED_CARD]",
	},
	{
		Tag:     types.RedactionPhone,
		Pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`),
		Mask:    "[REDACTED_PHONE]",
	},
	{
		Tag:     types.RedactionSecret,
		Pattern: regexp.MustCompile(`(?i)secret:\s*\S+`),
		Mask:    "[REDACTED_SECRET]",
	},
}

// Redactor applies a fixed ruleset to intents. The zero value is not usable;
// construct with New or NewWithRules.
type Redactor struct {
	rules []Rule
}

// New returns a redactor with the default ruleset: email addresses, phone
// numbers, payment-card digit runs, and "secret:"-flagged spans.
func New() *Redactor {
	return NewWithRules(defaultRules)
}

// NewWithRules returns a redactor with a custom ruleset. The exact PII
// pattern set is a policy parameter; tests and deployments may supply
// their own.
func NewWithRules(rules []Rule) *Redactor {
	return &Redactor{rules: rules}
}

// Redact scrubs the intent's raw content and returns the redacted turn.
// Unmatched content passes through unchanged. Any failure inside a rule is
// surfaced as *types.RedactionError and nothing is written downstream.
//
// The returned turn has no fingerprint; the orchestrator attaches it after
// keying the redacted content's source intent.
func (r *Redactor) Redact(intent types.MemoryIntent) (turn types.RedactedTurn, err error) {
	content := intent.RawContent
	var tags []types.RedactionTag

	for _, rule := range r.rules {
		masked, ruleErr := applyRule(rule, content)
		if ruleErr != nil {
			return types.RedactedTurn{}, &types.RedactionError{Rule: string(rule.Tag), Err: ruleErr}
		}
		if masked != content {
			tags = append(tags, rule.Tag)
			content = masked
		}
	}

	return types.RedactedTurn{
		SessionID:      intent.SessionID,
		UserID:         intent.UserID,
		SequenceNumber: intent.SequenceNumber,
		Role:           intent.Role,
		Content:        content,
		RedactionTags:  tags,
		OccurredAt:     intent.OccurredAt,
	}, nil
}

// applyRule runs one rule with panic containment. regexp replacement does not
// normally panic, but the ruleset is injectable and fail-closed is the
// contract.
func applyRule(rule Rule, content string) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rule panicked: %v", rec)
		}
	}()
	if rule.Pattern == nil {
		return "", fmt.Errorf("rule has no pattern")
	}
	return rule.Pattern.ReplaceAllString(content, rule.Mask), nil
}
