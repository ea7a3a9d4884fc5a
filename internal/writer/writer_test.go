package writer

import (
	"context"
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/weaver-run/weaver/internal/runstate"
	"github.com/weaver-run/weaver/internal/template"
)

type fakeChatClient struct {
	content string
	err     error
	calls   int
}

func (f *fakeChatClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.content}}},
	}, nil
}

func TestComposeReturnsModelMarkdown(t *testing.T) {
	client := &fakeChatClient{content: "# Report\n\nBody [1]."}
	w := &Writer{Client: client, Model: "gpt-test"}

	out, err := w.Compose(context.Background(), "quantum batteries", []runstate.EpochSummary{
		{Epoch: 0, Text: "initial findings"},
	}, []runstate.Source{
		{Title: "A Paper", URL: "https://example.com/a", Excerpt: "excerpt text"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Report") {
		t.Fatalf("expected model output in the composed report, got %q", out)
	}
	if client.calls != 1 {
		t.Fatalf("expected exactly one chat completion call, got %d", client.calls)
	}
}

func TestComposeRequiresConfiguration(t *testing.T) {
	w := &Writer{}
	if _, err := w.Compose(context.Background(), "topic", nil, nil); err == nil {
		t.Fatalf("expected an error when client/model are unset")
	}
}

func TestComposePropagatesCallError(t *testing.T) {
	client := &fakeChatClient{err: errors.New("rate limited")}
	w := &Writer{Client: client, Model: "gpt-test"}
	if _, err := w.Compose(context.Background(), "topic", nil, nil); err == nil {
		t.Fatalf("expected the call error to propagate")
	}
}

func TestComposeRejectsEmptyOutput(t *testing.T) {
	client := &fakeChatClient{content: "   "}
	w := &Writer{Client: client, Model: "gpt-test"}
	if _, err := w.Compose(context.Background(), "topic", nil, nil); err == nil {
		t.Fatalf("expected an error for blank model output")
	}
}

func TestBuildUserMessageIncludesSourcesAndSummaries(t *testing.T) {
	msg := buildUserMessage("topic", []runstate.EpochSummary{{Epoch: 1, Text: "summary text"}},
		[]runstate.Source{{Title: "Source One", URL: "https://example.com/1"}}, "French", template.GetProfile(""))
	if !strings.Contains(msg, "summary text") {
		t.Fatalf("expected epoch summary text in the prompt")
	}
	if !strings.Contains(msg, "Source One") || !strings.Contains(msg, "https://example.com/1") {
		t.Fatalf("expected source title and URL in the prompt")
	}
	if !strings.Contains(msg, "French") {
		t.Fatalf("expected language hint in the prompt")
	}
}

func TestBuildUserMessageHonorsReportProfile(t *testing.T) {
	msg := buildUserMessage("topic", nil, nil, "", template.GetProfile("imrad"))
	if !strings.Contains(msg, "Methods") || !strings.Contains(msg, "Discussion") {
		t.Fatalf("expected the IMRaD outline sections in the prompt, got %q", msg)
	}
}

func TestComposeAppendsReproducibilityFooter(t *testing.T) {
	client := &fakeChatClient{content: "# Report\n\nBody [1]."}
	w := &Writer{Client: client, Model: "gpt-test"}
	out, err := w.Compose(context.Background(), "topic", nil, []runstate.Source{{Title: "A", URL: "https://example.com/a"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "gpt-test") || !strings.Contains(out, "1 source") {
		t.Fatalf("expected a reproducibility footer naming the model and source count, got %q", out)
	}
}
