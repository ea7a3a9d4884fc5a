package llm

import (
    "context"
    "io"

    openai "github.com/sashabaranov/go-openai"
)

// Client is the minimal interface needed by core logic to call a chat model.
// It intentionally mirrors the CreateChatCompletion method used throughout the
// codebase so that any OpenAI-compatible or local backend can be adapted.
type Client interface {
    CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ModelLister is an optional capability that allows listing available models.
// Providers that do not support this can omit it; callers should use a type
// assertion to detect availability.
type ModelLister interface {
    ListModels(ctx context.Context) (openai.ModelsList, error)
}

// OpenAIProvider adapts *openai.Client to the Client/ModelLister interfaces.
type OpenAIProvider struct {
    Inner *openai.Client
}

func (p *OpenAIProvider) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
    return p.Inner.CreateChatCompletion(ctx, request)
}

func (p *OpenAIProvider) ListModels(ctx context.Context) (openai.ModelsList, error) {
    return p.Inner.ListModels(ctx)
}

// Delta is one chunk of a streamed chat completion (spec.md §6's
// chat(...) streaming contract: {delta, finish_reason?}).
type Delta struct {
    Content      string
    FinishReason string
}

// StreamingClient is the optional streaming capability; callers type-assert
// a Client to this before calling ChatStream.
type StreamingClient interface {
    ChatStream(ctx context.Context, request openai.ChatCompletionRequest, onDelta func(Delta) error) error
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, request openai.ChatCompletionRequest, onDelta func(Delta) error) error {
    request.Stream = true
    stream, err := p.Inner.CreateChatCompletionStream(ctx, request)
    if err != nil {
        return err
    }
    defer stream.Close()

    for {
        resp, err := stream.Recv()
        if err != nil {
            if err == io.EOF {
                return nil
            }
            return err
        }
        if len(resp.Choices) == 0 {
            continue
        }
        choice := resp.Choices[0]
        d := Delta{Content: choice.Delta.Content, FinishReason: string(choice.FinishReason)}
        if err := onDelta(d); err != nil {
            return err
        }
        if d.FinishReason != "" {
            return nil
        }
    }
}
