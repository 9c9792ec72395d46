package providers

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/llm"
	"github.com/flowbase/core/internal/llm/retry"
)

// Anthropic adapts github.com/anthropics/anthropic-sdk-go to llm.Client for
// the Claude Messages API (spec §4.5: POST /v1/messages, x-api-key,
// anthropic-version), following the teacher's features/model/anthropic
// adapter shape translated from the multimodal model.Client interface down
// to the flat text completion used by the agent loop.
type Anthropic struct {
	// MaxTokens bounds the completion when a request does not already imply
	// one; Anthropic's Messages API requires it on every call.
	MaxTokens int64
}

var _ llm.Client = Anthropic{}

func (a Anthropic) Infer(ctx context.Context, req llm.Request) (*llm.Response, error) {
	opts := []option.RequestOption{option.WithAPIKey(req.Auth.APIKey)}
	if req.Auth.APIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(req.Auth.APIBaseURL))
	}
	client := sdk.NewClient(opts...)

	var system string
	var messages []sdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case llm.RoleAssistant:
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	maxTokens := a.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return &llm.Response{OK: false, Error: translateAnthropicErr(err)}, nil
	}

	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if req.MaxOutputChars > 0 && len(content) > req.MaxOutputChars {
		content = content[:req.MaxOutputChars]
	}

	return &llm.Response{
		OK:      true,
		Content: content,
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func translateAnthropicErr(err error) *coreerr.Error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		code := coreerr.WithSuffix(coreerr.AnthropicRequestFailed, itoa(apiErr.StatusCode))
		return coreerr.Wrap(code, &retry.StatusError{StatusCode: apiErr.StatusCode, Message: err.Error()}, err.Error())
	}
	return coreerr.Wrap(coreerr.AnthropicRequestFailed, err, err.Error())
}
