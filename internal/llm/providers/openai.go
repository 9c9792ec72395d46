// Package providers implements llm.Client against each wire protocol named
// in spec §4.5, grounded on the teacher's provider-adapter shape (the base
// handler in features/model/gateway.Server calling cfg.provider.Complete)
// generalized from the multimodal model.Client interface to the flat
// completion Request/Response used by the agent loop.
package providers

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/llm"
	"github.com/flowbase/core/internal/llm/retry"
)

// OpenAI adapts github.com/openai/openai-go to llm.Client for OpenAI-
// compatible chat completion endpoints, honoring a custom Auth.APIBaseURL
// (spec §4.5 "Custom apiBaseUrl must be honored").
type OpenAI struct{}

var _ llm.Client = OpenAI{}

func (OpenAI) Infer(ctx context.Context, req llm.Request) (*llm.Response, error) {
	opts := []option.RequestOption{option.WithAPIKey(req.Auth.APIKey)}
	if req.Auth.APIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(req.Auth.APIBaseURL))
	}
	client := openai.NewClient(opts...)

	var messages []openai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	completion, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: messages,
	})
	if err != nil {
		return &llm.Response{OK: false, Error: translateErr(coreerr.OpenAIRequestFailed, err)}, nil
	}
	if len(completion.Choices) == 0 {
		return &llm.Response{OK: false, Error: coreerr.New(coreerr.OpenAIResponseInvalid, "no choices returned")}, nil
	}

	content := completion.Choices[0].Message.Content
	if req.MaxOutputChars > 0 && len(content) > req.MaxOutputChars {
		content = content[:req.MaxOutputChars]
	}
	return &llm.Response{
		OK:      true,
		Content: content,
		Usage: llm.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		},
	}, nil
}

// translateErr wraps a provider SDK error in a coreerr.Error, extracting an
// HTTP status code when the SDK surfaces one so the retry middleware can
// classify 429/5xx without depending on the SDK's error type directly.
func translateErr(code coreerr.Code, err error) *coreerr.Error {
	status := extractStatus(err)
	if status != 0 {
		code = coreerr.WithSuffix(code, itoa(status))
		return coreerr.Wrap(code, &retry.StatusError{StatusCode: status, Message: err.Error()}, err.Error())
	}
	return coreerr.Wrap(code, err, err.Error())
}

func extractStatus(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}
