// Package gradingsvc grades final answers against a rubric with a language model.
package gradingsvc

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"

	"github.com/trezcool/tathmini/core/rubric"
	"github.com/trezcool/tathmini/core/session"
)

const defaultMaxTokens = 2048

// MessagesClient is the subset of the Anthropic SDK used by the grader; *sdk.MessageService satisfies it.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

type anthropicGrader struct {
	msg       MessagesClient
	model     string
	maxTokens int
}

var _ session.Grader = (*anthropicGrader)(nil) // interface compliance check

func NewAnthropicGrader(msg MessagesClient, model string, maxTokens int) (session.Grader, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if model == "" {
		return nil, errors.New("grading model is required")
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &anthropicGrader{msg: msg, model: model, maxTokens: maxTokens}, nil
}

func NewAnthropicGraderFromAPIKey(apiKey, model string, maxTokens int) (session.Grader, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicGrader(&client.Messages, model, maxTokens)
}

// Grade returns the rubric feedback text of the model.
func (g *anthropicGrader) Grade(ctx context.Context, transcript, finalPrompt string, rb rubric.Rubric) (string, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(g.model),
		MaxTokens: int64(g.maxTokens),
		System:    []sdk.TextBlockParam{{Text: rb.SystemPrompt()}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(rb.GradingPrompt(transcript, finalPrompt))),
		},
	}
	msg, err := g.msg.New(ctx, params)
	if err != nil {
		return "", errors.Wrap(err, "anthropic messages.new")
	}
	if msg == nil {
		return "", errors.New("anthropic: empty response")
	}

	parts := make([]string, 0, len(msg.Content))
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	feedback := strings.TrimSpace(strings.Join(parts, "\n"))
	if feedback == "" {
		return "", errors.New("anthropic: response has no text")
	}
	return feedback, nil
}
