package contextmgr

import (
	"strings"
	"testing"

	"github.com/weaver-run/weaver/internal/runstate"
)

func msg(role, content string) runstate.Message {
	return runstate.Message{Role: role, Content: content}
}

func longText(n int) string {
	return strings.Repeat("word ", n)
}

func TestTruncateNoopUnderBudget(t *testing.T) {
	m := New()
	msgs := []runstate.Message{msg("system", "sys"), msg("user", "hi")}
	out := m.Truncate(msgs, Options{MaxTokens: 1000})
	if len(out) != 2 {
		t.Fatalf("expected no truncation, got %d messages", len(out))
	}
}

func TestSmartKeepsSystemAndRecent(t *testing.T) {
	m := New()
	msgs := []runstate.Message{
		msg("system", "sys"),
		msg("user", longText(200)),
		msg("assistant", longText(200)),
		msg("user", longText(200)),
		msg("assistant", longText(200)),
		msg("user", "final question"),
	}
	out := m.Truncate(msgs, Options{Strategy: StrategySmart, MaxTokens: 150, KeepRecent: 2})

	if out[0].Role != "system" {
		t.Fatalf("expected system message to be kept first, got role %q", out[0].Role)
	}
	if out[len(out)-1].Content != "final question" {
		t.Fatalf("expected last user message preserved, got %q", out[len(out)-1].Content)
	}
}

func TestFIFODropsOldestNonPinned(t *testing.T) {
	m := New()
	msgs := []runstate.Message{
		msg("system", "sys"),
		msg("user", "oldest"),
		msg("assistant", longText(100)),
		msg("user", "final"),
	}
	out := m.Truncate(msgs, Options{Strategy: StrategyFIFO, MaxTokens: 20})

	for _, o := range out {
		if o.Content == "oldest" {
			t.Fatalf("expected oldest non-pinned message dropped")
		}
	}
	foundSys, foundFinal := false, false
	for _, o := range out {
		if o.Role == "system" {
			foundSys = true
		}
		if o.Content == "final" {
			foundFinal = true
		}
	}
	if !foundSys || !foundFinal {
		t.Fatalf("expected system and last user message always kept")
	}
}

func TestMiddleKeepsFirstAndLast(t *testing.T) {
	m := New()
	msgs := []runstate.Message{
		msg("system", "sys"),
		msg("user", "first"),
		msg("assistant", longText(300)),
		msg("assistant", longText(300)),
		msg("assistant", longText(300)),
		msg("user", "final"),
	}
	out := m.Truncate(msgs, Options{Strategy: StrategyMiddle, MaxTokens: 50, KeepFirst: 1, KeepLast: 1})

	if out[0].Content != "sys" {
		t.Fatalf("expected system message first, got %q", out[0].Content)
	}
	if out[len(out)-1].Content != "final" {
		t.Fatalf("expected final user message last, got %q", out[len(out)-1].Content)
	}
}

func TestLastUserMessageTruncatedWhenAloneOverBudget(t *testing.T) {
	m := New()
	msgs := []runstate.Message{
		msg("system", "sys"),
		msg("user", longText(5000)),
	}
	out := m.Truncate(msgs, Options{MaxTokens: 20})

	last := out[len(out)-1]
	if !strings.Contains(last.Content, "[truncated") {
		t.Fatalf("expected truncation note appended, got content of length %d", len(last.Content))
	}
	if last.Role != "user" {
		t.Fatalf("expected last message to remain role user")
	}
}
