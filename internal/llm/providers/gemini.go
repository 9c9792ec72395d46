package providers

import (
	"context"
	"errors"

	"google.golang.org/genai"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/llm"
)

// Gemini adapts google.golang.org/genai to llm.Client for the Gemini API
// backend (spec §4.5), following the same buildRequest/generate shape the
// pack's Gemini adapters use around Models.GenerateContent.
type Gemini struct{}

var _ llm.Client = Gemini{}

func (Gemini) Infer(ctx context.Context, req llm.Request) (*llm.Response, error) {
	cfg := &genai.ClientConfig{
		APIKey:  req.Auth.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if req.Auth.APIBaseURL != "" {
		cfg.HTTPOptions.BaseURL = req.Auth.APIBaseURL
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return &llm.Response{OK: false, Error: coreerr.Wrap(coreerr.GeminiRequestFailed, err, err.Error())}, nil
	}

	contents, system := buildGeminiContents(req.Messages)
	genConfig := &genai.GenerateContentConfig{}
	if system != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, genConfig)
	if err != nil {
		return &llm.Response{OK: false, Error: coreerr.Wrap(coreerr.GeminiRequestFailed, err, err.Error())}, nil
	}

	content, usage, err := parseGeminiResponse(resp)
	if err != nil {
		return &llm.Response{OK: false, Error: coreerr.Wrap(coreerr.GeminiResponseInvalid, err, err.Error())}, nil
	}
	if req.MaxOutputChars > 0 && len(content) > req.MaxOutputChars {
		content = content[:req.MaxOutputChars]
	}
	return &llm.Response{OK: true, Content: content, Usage: usage}, nil
}

// buildGeminiContents splits the conversation into a system instruction and
// the turn-by-turn Content list the genai SDK expects, since Gemini carries
// system text out of band rather than as a role in the message list.
func buildGeminiContents(messages []llm.Message) ([]*genai.Content, string) {
	var system string
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case llm.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, system
}

func parseGeminiResponse(resp *genai.GenerateContentResponse) (string, llm.Usage, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", llm.Usage{}, errors.New("gemini: no candidates returned")
	}
	var content string
	for _, part := range resp.Candidates[0].Content.Parts {
		content += part.Text
	}
	usage := llm.Usage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return content, usage, nil
}
