// Package writer implements the report-writer stage of the deep-search loop
// (spec.md §4.9/§4.10's Compose step): turning accumulated epoch summaries
// and sources into a single cited Markdown report. Grounded on the teacher's
// internal/synth.Synthesizer (strict JSON-free Markdown contract, numeric
// bracket citations, LLM response caching), generalized from a one-shot
// outline+brief input into the epoch-summary model the deep-search engine
// accumulates.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/weaver-run/weaver/internal/cache"
	"github.com/weaver-run/weaver/internal/llm"
	"github.com/weaver-run/weaver/internal/runstate"
	"github.com/weaver-run/weaver/internal/template"
)

// Writer calls an OpenAI-compatible endpoint to compose the final Markdown
// report from an accumulated set of epoch summaries and sources, satisfying
// deepsearch.Writer. ReportProfile selects the section outline and framing
// (imrad/decision/literature/""); empty picks the general-purpose profile.
type Writer struct {
	Client        llm.Client
	Model         string
	Cache         *cache.LLMCache
	LanguageHint  string
	ReportProfile string
}

// Compose requests a single cohesive Markdown document citing sources with
// bracketed numeric indices that map to a numbered references list.
func (w *Writer) Compose(ctx context.Context, topic string, summaries []runstate.EpochSummary, sources []runstate.Source) (string, error) {
	if w.Client == nil || strings.TrimSpace(w.Model) == "" {
		return "", errors.New("writer not configured")
	}
	profile := template.GetProfile(w.ReportProfile).WithCounterEvidenceFraming()
	system := buildSystemMessage(profile)
	user := buildUserMessage(topic, summaries, sources, w.LanguageHint, profile)

	if w.Cache != nil {
		key := cache.KeyFrom(w.Model, system+"\n\n"+user)
		if raw, ok, _ := w.Cache.Get(ctx, key); ok {
			var out struct {
				Markdown string `json:"markdown"`
			}
			if err := json.Unmarshal(raw, &out); err == nil && strings.TrimSpace(out.Markdown) != "" {
				return out.Markdown + w.reproFooter(len(sources)), nil
			}
		}
	}

	resp, err := w.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: w.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.1,
		N:           1,
	})
	if err != nil {
		return "", fmt.Errorf("writer call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices from model")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", errors.New("empty writer output")
	}
	if w.Cache != nil {
		payload, _ := json.Marshal(map[string]string{"markdown": out})
		_ = w.Cache.Save(ctx, cache.KeyFrom(w.Model, system+"\n\n"+user), payload)
	}
	return out + w.reproFooter(len(sources)), nil
}

// reproFooter records the model, cache usage, and source count the report
// was generated with, mirroring the teacher's appendReproFooter.
func (w *Writer) reproFooter(sourceCount int) string {
	cacheState := "disabled"
	if w.Cache != nil {
		cacheState = "enabled"
	}
	return fmt.Sprintf("\n\n---\n_Generated with model `%s`, cache %s, %d source(s)._\n", w.Model, cacheState, sourceCount)
}

func buildSystemMessage(profile template.Profile) string {
	if profile.SystemPrompt != "" {
		return profile.SystemPrompt
	}
	return "You are a careful research writer. Use ONLY the provided source excerpts and summaries for facts. Cite precisely with bracketed numeric indices like [1] that map to the numbered references list. Do not invent sources or content. Keep style concise and factual."
}

func buildUserMessage(topic string, summaries []runstate.EpochSummary, sources []runstate.Source, languageHint string, profile template.Profile) string {
	var sb strings.Builder
	if len(profile.Outline) > 0 {
		sb.WriteString("Write a single cohesive Markdown document with this section outline, in order:")
		for _, section := range profile.Outline {
			sb.WriteString("\n- ")
			sb.WriteString(section)
		}
	} else {
		sb.WriteString("Write a single cohesive Markdown document with:")
		sb.WriteString("\n- A title on the first line")
		sb.WriteString("\n- An executive summary")
		sb.WriteString("\n- Body sections synthesizing the research below")
		sb.WriteString("\n- A 'Risks and limitations' section")
		sb.WriteString("\n- A 'References' section listing all sources as a numbered list with titles and full URLs")
	}
	if profile.UserPromptHint != "" {
		sb.WriteString("\n\n")
		sb.WriteString(profile.UserPromptHint)
	}
	if languageHint != "" {
		sb.WriteString("\nWrite in language: ")
		sb.WriteString(languageHint)
	}
	sb.WriteString("\n\nResearch topic: ")
	sb.WriteString(topic)

	if len(summaries) > 0 {
		sb.WriteString("\n\nEpoch summaries (most recent last):\n")
		for _, s := range summaries {
			sb.WriteString(fmt.Sprintf("Epoch %d: %s\n", s.Epoch, s.Text))
		}
	}

	sb.WriteString("\n\nSources (use only these; cite with [n]):\n")
	for i, src := range sources {
		sb.WriteString(fmt.Sprintf("%d. %s — %s\n", i+1, src.Title, src.URL))
		if strings.TrimSpace(src.Excerpt) != "" {
			sb.WriteString("Excerpt:\n\n")
			sb.WriteString(src.Excerpt)
			sb.WriteString("\n\n")
		}
	}
	sb.WriteString("\nOutput only the Markdown. Do not include any prose outside the document.")
	return sb.String()
}
