// Package redaction provides deterministic, ordered redaction of
// credentials, card numbers, and tokens before persistence, plus additive
// post-retrieval filters. Grounded directly on the teacher's
// pkg/masking/pattern.go — the closest one-to-one correspondence in this
// exercise: compile-once (name, pattern, replacement) tuples, resolved into
// an ordered slice applied in sequence.
package redaction

import "regexp"

// Pattern is the compiled (name, regex, replacement) tuple spec §9's
// "Regex risk" note calls for, mirroring tarsy's CompiledPattern.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPatterns are compiled once at package init, matching
// compileBuiltinPatterns's compile-once philosophy. Replacement placeholders
// preserve a length-class hint without revealing content, per spec §4.10.
var builtinPatterns = []Pattern{
	{
		Name:        "pan",
		Regex:       regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
		Replacement: "[REDACTED-PAN]",
		Description: "Primary account number (credit/debit card)",
	},
	{
		Name:        "ssn",
		Regex:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		Replacement: "[REDACTED-SSN]",
		Description: "Social-security-style identifier",
	},
	{
		Name:        "generic_secret_key",
		Regex:       regexp.MustCompile(`\bsk_[a-zA-Z0-9]{16,}\b`),
		Replacement: "[REDACTED-SECRET]",
		Description: `Well-known "sk_…" secret token prefix`,
	},
	{
		Name:        "bearer_token",
		Regex:       regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-_.]{10,}\b`),
		Replacement: "Bearer [REDACTED-TOKEN]",
		Description: "Authorization bearer token",
	},
	{
		Name:        "aws_access_key",
		Regex:       regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`),
		Replacement: "[REDACTED-AWS-KEY]",
		Description: "AWS-style cloud access key identifier",
	},
}

// emailPattern is opt-in per spec §4.10 ("Email redaction is opt-in").
var emailPattern = Pattern{
	Name:        "email",
	Regex:       regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
	Replacement: "[REDACTED-EMAIL]",
	Description: "Email address",
}

// Pipeline applies pre-persist and post-retrieval redaction.
type Pipeline struct {
	prePatterns  []Pattern
	postFilters  []Pattern
}

// New builds a pipeline from the builtin pattern set. includeEmail opts
// into email redaction at the pre-persist stage.
func New(includeEmail bool) *Pipeline {
	pats := make([]Pattern, len(builtinPatterns))
	copy(pats, builtinPatterns)
	if includeEmail {
		pats = append(pats, emailPattern)
	}
	return &Pipeline{prePatterns: pats}
}

// AddPostFilter registers an additive, composable post-retrieval filter
// (spec §4.10: "Post-hooks are additive and composable").
func (p *Pipeline) AddPostFilter(pat Pattern) {
	p.postFilters = append(p.postFilters, pat)
}

// Redact applies every pre-persist pattern in order and reports whether any
// pattern matched (used to set the message's redacted flag).
func (p *Pipeline) Redact(content string) (redacted string, wasRedacted bool) {
	redacted = content
	for _, pat := range p.prePatterns {
		if pat.Regex.MatchString(redacted) {
			wasRedacted = true
			redacted = pat.Regex.ReplaceAllString(redacted, pat.Replacement)
		}
	}
	return redacted, wasRedacted
}

// FilterForEgress applies post-retrieval filters on top of already-redacted
// content (defence in depth for content that bypassed pre-persist hooks).
func (p *Pipeline) FilterForEgress(content string) string {
	out := content
	for _, pat := range p.postFilters {
		out = pat.Regex.ReplaceAllString(out, pat.Replacement)
	}
	return out
}

// ContainsSecret verifies spec invariant 6: none of the configured
// patterns match the given content.
func (p *Pipeline) ContainsSecret(content string) bool {
	for _, pat := range p.prePatterns {
		if pat.Regex.MatchString(content) {
			return true
		}
	}
	return false
}
