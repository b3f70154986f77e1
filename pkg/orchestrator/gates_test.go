package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTestResponse(t *testing.T) {
	cases := []struct {
		name     string
		response string
		wantPass bool
	}{
		{"explicit success", "All tests pass (12/12)", true},
		{"zero failed", "Ran 9 tests, 0 failed", true},
		{"failure keyword", "2 tests failed: test_login, test_logout", false},
		{"error keyword", "Error: could not import module", false},
		{"ambiguous defaults to pass", "Ran the suite, looks fine to me", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			pass, _ := classifyTestResponse(c.response)
			assert.Equal(t, c.wantPass, pass)
		})
	}
}

func TestHasSuffixAny(t *testing.T) {
	assert.True(t, hasSuffixAny("main.ts", ".js", ".ts"))
	assert.False(t, hasSuffixAny("main.go", ".js", ".ts"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
}
