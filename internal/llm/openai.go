package llm

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI streams chat completions from any OpenAI-compatible endpoint.
type OpenAI struct {
	Model     string
	MaxTokens int
	client    openai.Client
}

// NewOpenAI creates an OpenAI-compatible generator.
func NewOpenAI(apiKey, baseURL, model string, maxTokens int) (*OpenAI, error) {
	// Local OpenAI-compatible servers often run without a key.
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("%w: openai api key missing", ErrNotConfigured)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: openai model is required", ErrNotConfigured)
	}
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{
		Model:     model,
		MaxTokens: maxTokens,
		client:    openai.NewClient(opts...),
	}, nil
}

// Stream implements Generator. StartWith is sent as a trailing assistant
// message; servers that ignore prefills still get it echoed locally.
func (o *OpenAI) Stream(ctx context.Context, req Request, cb Callbacks) error {
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.Instruction))
	if req.StartWith != "" {
		msgs = append(msgs, openai.ChatCompletionMessageParamOfAssistant(req.StartWith))
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.Model),
		Messages: msgs,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if len(req.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.StopSequences}
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	started := false
	begin := func() {
		if !started {
			started = true
			cb.start()
			cb.chunk(Chunk{Text: req.StartWith, FromStartWith: true})
		}
	}

	var finishReason string
	for stream.Next() {
		chunk := stream.Current()
		begin()
		if len(chunk.Choices) == 0 {
			continue
		}
		cb.chunk(Chunk{Text: chunk.Choices[0].Delta.Content})
		if r := chunk.Choices[0].FinishReason; r != "" {
			finishReason = string(r)
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrStreamError, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	begin()
	slog.Debug("openai stream finished", "model", o.Model, "finish_reason", finishReason)
	cb.finish()
	return nil
}
