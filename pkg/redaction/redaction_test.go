package redaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactsBearerToken(t *testing.T) {
	p := New(false)
	out, redacted := p.Redact("Authorization: Bearer abcdef1234567890xyz")
	assert.True(t, redacted)
	assert.NotContains(t, out, "abcdef1234567890xyz")
}

func TestRedactsSSN(t *testing.T) {
	p := New(false)
	out, redacted := p.Redact("SSN on file: 123-45-6789")
	assert.True(t, redacted)
	assert.Contains(t, out, "[REDACTED-SSN]")
}

func TestEmailOptIn(t *testing.T) {
	p := New(false)
	_, redacted := p.Redact("contact me at user@example.com")
	assert.False(t, redacted)

	p2 := New(true)
	out, redacted2 := p2.Redact("contact me at user@example.com")
	assert.True(t, redacted2)
	assert.Contains(t, out, "[REDACTED-EMAIL]")
}

func TestContainsSecretInvariant(t *testing.T) {
	p := New(false)
	clean, _ := p.Redact("token sk_live_1234567890abcdef")
	assert.False(t, p.ContainsSecret(clean))
}
