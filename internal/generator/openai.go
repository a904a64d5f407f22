package generator

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Affilience/genpipe/pkg/logger"
	"github.com/Affilience/genpipe/pkg/storage"
	"go.uber.org/zap"
)

const systemPrompt = `You write exam questions for secondary-school mathematics and science papers.
Respond with a single JSON object and nothing else:
{"question": "...", "solution": "...", "mark_scheme": ["...", "..."]}
Multi-part questions label their parts (a), (b), (c) in the question text and
prefix the matching mark scheme lines with a), b), c).`

// OpenAIConfig configures the chat-completions backed generator.
type OpenAIConfig struct {
	Model   string
	APIKey  string
	BaseURL string
	Logger  logger.Logger
}

// OpenAIGenerator implements Generator over the official openai-go SDK.
type OpenAIGenerator struct {
	model  string
	opts   []option.RequestOption
	logger logger.Logger
}

var _ Generator = (*OpenAIGenerator)(nil)

func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key missing")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &OpenAIGenerator{model: cfg.Model, opts: opts, logger: log}, nil
}

func (o *OpenAIGenerator) Generate(ctx context.Context, req Request) (*storage.Artifact, error) {
	client := openai.NewClient(o.opts...)

	user := fmt.Sprintf(
		"Write one %s question on %q (%s) in the style of the %s board.",
		req.Difficulty, req.Topic, req.Subtopic, req.Board,
	)

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrMalformedOutput
	}

	artifact, err := ParseArtifact(resp.Choices[0].Message.Content, req)
	if err != nil {
		o.logger.WarnWithContext(ctx, "discarding unparseable completion",
			zap.String("model", o.model),
			zap.String("topic", req.Topic),
		)
		return nil, err
	}
	return artifact, nil
}
