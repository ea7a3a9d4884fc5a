// Package contextmgr implements ContextManager (spec.md §4.7): token
// counting and strategy-driven message truncation before LLM calls.
// Grounded on the teacher's internal/budget (token estimation, model context
// sizing) and internal/app/truncation.go (proportional trimming), adapted
// from a single excerpt-truncation pass into a general chat-message
// truncator with pluggable strategies.
package contextmgr

import (
	"strings"

	"github.com/weaver-run/weaver/internal/budget"
	"github.com/weaver-run/weaver/internal/runstate"
)

// Strategy selects which messages are dropped when over budget.
type Strategy string

const (
	StrategySmart  Strategy = "smart"
	StrategyFIFO   Strategy = "fifo"
	StrategyMiddle Strategy = "middle"
)

// Options configures a Truncate call.
type Options struct {
	Strategy Strategy
	// MaxTokens is the token budget for the returned message set. The system
	// message, the last user message and, for smart, the most recent
	// KeepRecent messages are kept even when the set then exceeds it.
	MaxTokens int
	// KeepRecent is the "most recent K messages" for the smart strategy.
	KeepRecent int
	// KeepFirst/KeepLast are M/N for the middle strategy.
	KeepFirst int
	KeepLast  int
	Model     string
}

func (o Options) strategy() Strategy {
	if o.Strategy == "" {
		return StrategySmart
	}
	return o.Strategy
}

func (o Options) keepRecent() int {
	if o.KeepRecent <= 0 {
		return 4
	}
	return o.KeepRecent
}

func (o Options) keepFirst() int {
	if o.KeepFirst <= 0 {
		return 2
	}
	return o.KeepFirst
}

func (o Options) keepLast() int {
	if o.KeepLast <= 0 {
		return 4
	}
	return o.KeepLast
}

// Manager counts tokens and truncates message lists to fit a model's
// context window.
type Manager struct{}

// New constructs a Manager. It holds no state; its methods are pure
// functions of their inputs plus the shared budget heuristics.
func New() *Manager { return &Manager{} }

// CountTokens estimates the token cost of a single message.
func (m *Manager) CountTokens(msg runstate.Message) int {
	return budget.EstimateTokens(msg.Content)
}

// CountAll sums the estimated token cost of a message list.
func (m *Manager) CountAll(msgs []runstate.Message) int {
	total := 0
	for _, msg := range msgs {
		total += m.CountTokens(msg)
	}
	return total
}

// Truncate reduces msgs to fit within opt.MaxTokens, applying opt.Strategy.
// It never discards the system message (role "system") or the last message
// with role "user". If the last user message alone exceeds the budget, it
// is truncated end-first and a truncation note is appended to its content.
func (m *Manager) Truncate(msgs []runstate.Message, opt Options) []runstate.Message {
	if opt.MaxTokens <= 0 || m.CountAll(msgs) <= opt.MaxTokens {
		return msgs
	}

	sysIdx, lastUserIdx := pinnedIndices(msgs)

	var reduced []runstate.Message
	switch opt.strategy() {
	case StrategyFIFO:
		reduced = dropOldestNonSystem(msgs, sysIdx, lastUserIdx, opt.MaxTokens, m)
	case StrategyMiddle:
		reduced = keepFirstAndLast(msgs, sysIdx, lastUserIdx, opt.keepFirst(), opt.keepLast())
	default:
		reduced = keepSystemAndRecent(msgs, sysIdx, lastUserIdx, opt.keepRecent(), opt.MaxTokens, m)
	}

	if lastUserIdx >= 0 && m.CountTokens(msgs[lastUserIdx]) > opt.MaxTokens {
		reduced = truncateLastUserMessage(reduced, opt.MaxTokens, m)
	}
	return reduced
}

// pinnedIndices locates the system message (if any) and the last user
// message; -1 indicates absence.
func pinnedIndices(msgs []runstate.Message) (sysIdx, lastUserIdx int) {
	sysIdx, lastUserIdx = -1, -1
	for i, msg := range msgs {
		if msg.Role == "system" && sysIdx == -1 {
			sysIdx = i
		}
		if msg.Role == "user" {
			lastUserIdx = i
		}
	}
	return sysIdx, lastUserIdx
}

// keepSystemAndRecent implements the smart strategy: the system message, the
// last user message and the last K messages are always kept; the other
// messages are dropped oldest-first until the set fits maxTokens.
func keepSystemAndRecent(msgs []runstate.Message, sysIdx, lastUserIdx, keepRecent, maxTokens int, m *Manager) []runstate.Message {
	recentStart := len(msgs) - keepRecent
	if recentStart < 0 {
		recentStart = 0
	}
	total := m.CountAll(msgs)
	var out []runstate.Message
	for i, msg := range msgs {
		if i < recentStart && i != sysIdx && i != lastUserIdx && total > maxTokens {
			total -= m.CountTokens(msg)
			continue
		}
		out = append(out, msg)
	}
	return out
}

// dropOldestNonSystem implements fifo: drop oldest non-pinned messages
// until under budget or only pinned messages remain.
func dropOldestNonSystem(msgs []runstate.Message, sysIdx, lastUserIdx, maxTokens int, m *Manager) []runstate.Message {
	out := append([]runstate.Message(nil), msgs...)
	for m.CountAll(out) > maxTokens {
		dropIdx := -1
		for i := range out {
			if i == sysIdx || i == lastUserIdx {
				continue
			}
			dropIdx = i
			break
		}
		if dropIdx == -1 {
			break
		}
		out = append(out[:dropIdx], out[dropIdx+1:]...)
		if dropIdx < sysIdx {
			sysIdx--
		}
		if dropIdx < lastUserIdx {
			lastUserIdx--
		}
	}
	return out
}

// keepFirstAndLast implements middle: keep first M and last N messages,
// always including the pinned system message and last user message.
func keepFirstAndLast(msgs []runstate.Message, sysIdx, lastUserIdx, keepFirst, keepLast int) []runstate.Message {
	n := len(msgs)
	if keepFirst+keepLast >= n {
		return msgs
	}
	keep := make(map[int]bool, keepFirst+keepLast+2)
	for i := 0; i < keepFirst && i < n; i++ {
		keep[i] = true
	}
	for i := n - keepLast; i < n; i++ {
		if i >= 0 {
			keep[i] = true
		}
	}
	if sysIdx >= 0 {
		keep[sysIdx] = true
	}
	if lastUserIdx >= 0 {
		keep[lastUserIdx] = true
	}
	out := make([]runstate.Message, 0, len(keep))
	for i := 0; i < n; i++ {
		if keep[i] {
			out = append(out, msgs[i])
		}
	}
	return out
}

// truncateLastUserMessage end-trims the last user message's content until
// the full message set fits, appending a truncation note.
func truncateLastUserMessage(msgs []runstate.Message, maxTokens int, m *Manager) []runstate.Message {
	out := append([]runstate.Message(nil), msgs...)
	lastUserIdx := -1
	for i, msg := range out {
		if msg.Role == "user" {
			lastUserIdx = i
		}
	}
	if lastUserIdx == -1 {
		return out
	}
	const note = "\n\n[truncated: exceeded context budget]"
	budgetWithoutLastUser := maxTokens - (m.CountAll(out) - m.CountTokens(out[lastUserIdx]))
	if budgetWithoutLastUser < 0 {
		budgetWithoutLastUser = 0
	}
	content := out[lastUserIdx].Content
	maxChars := budgetWithoutLastUser * 4
	if maxChars < len(note) {
		maxChars = len(note)
	}
	if len(content)+len(note) > maxChars {
		keepChars := maxChars - len(note)
		if keepChars < 0 {
			keepChars = 0
		}
		content = trimToRuneBoundary(content, keepChars) + note
	}
	out[lastUserIdx].Content = content
	return out
}

func trimToRuneBoundary(s string, maxBytes int) string {
	if maxBytes >= len(s) {
		return s
	}
	if maxBytes <= 0 {
		return ""
	}
	idx := 0
	for i := range s {
		if i > maxBytes {
			break
		}
		idx = i
	}
	return strings.TrimRight(s[:idx], " \t\n")
}
