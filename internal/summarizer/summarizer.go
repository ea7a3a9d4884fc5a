// Package summarizer implements the per-epoch distillation step of the
// deep-search loop (spec.md §4.10): reducing one epoch's chosen sources,
// given prior epoch summaries for continuity, into a short EpochSummary.
// Grounded on the teacher's internal/synth.Synthesizer JSON-free single-call
// contract and internal/cache.LLMCache caching, scaled down from a final
// report to an intermediate distillation used only to drive the
// deep-search gate and feed the final writer stage.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/weaver-run/weaver/internal/cache"
	"github.com/weaver-run/weaver/internal/llm"
	"github.com/weaver-run/weaver/internal/runstate"
)

// Summarizer calls an OpenAI-compatible endpoint to distill one epoch's
// sources into a short summary, satisfying deepsearch.Summarizer.
type Summarizer struct {
	Client llm.Client
	Model  string
	Cache  *cache.LLMCache
}

// Summarize produces the next EpochSummary. The epoch number is the count
// of prior summaries, matching the deep-search engine's zero-indexed epochs.
func (s *Summarizer) Summarize(ctx context.Context, topic string, chosen []runstate.Source, prior []runstate.EpochSummary) (runstate.EpochSummary, error) {
	epoch := len(prior)
	if s.Client == nil || strings.TrimSpace(s.Model) == "" {
		return runstate.EpochSummary{}, errors.New("summarizer not configured")
	}
	system := "You distill research excerpts into a short factual summary for an ongoing investigation. " +
		"Note open questions or gaps. Be terse. Output plain text, no Markdown headers."
	user := buildUserMessage(topic, chosen, prior)

	if s.Cache != nil {
		key := cache.KeyFrom(s.Model, system+"\n\n"+user)
		if raw, ok, _ := s.Cache.Get(ctx, key); ok {
			if text := strings.TrimSpace(string(raw)); text != "" {
				return runstate.EpochSummary{Epoch: epoch, Text: text}, nil
			}
		}
	}

	resp, err := s.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.2,
		N:           1,
	})
	if err != nil {
		return runstate.EpochSummary{}, fmt.Errorf("summarizer call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return runstate.EpochSummary{}, errors.New("no choices from model")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return runstate.EpochSummary{}, errors.New("empty summary output")
	}
	if s.Cache != nil {
		_ = s.Cache.Save(ctx, cache.KeyFrom(s.Model, system+"\n\n"+user), []byte(text))
	}
	return runstate.EpochSummary{Epoch: epoch, Text: text}, nil
}

func buildUserMessage(topic string, chosen []runstate.Source, prior []runstate.EpochSummary) string {
	var sb strings.Builder
	sb.WriteString("Topic: ")
	sb.WriteString(topic)

	if len(prior) > 0 {
		sb.WriteString("\n\nPrior summaries:\n")
		for _, p := range prior {
			sb.WriteString(fmt.Sprintf("Epoch %d: %s\n", p.Epoch, p.Text))
		}
	}

	sb.WriteString("\n\nThis epoch's sources:\n")
	for i, src := range chosen {
		sb.WriteString(fmt.Sprintf("%d. %s — %s\n", i+1, src.Title, src.URL))
		if strings.TrimSpace(src.Excerpt) != "" {
			sb.WriteString(src.Excerpt)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nSummarize what was learned this epoch and what remains unresolved.")
	return sb.String()
}
