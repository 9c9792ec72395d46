package providers

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/genai"

	"github.com/flowbase/core/internal/coreerr"
	"github.com/flowbase/core/internal/llm"
)

// vertexScope is the OAuth2 scope Vertex AI's predict/generateContent
// endpoints require of the caller's service-account credentials.
const vertexScope = "https://www.googleapis.com/auth/cloud-platform"

// Vertex adapts google.golang.org/genai's Vertex AI backend to llm.Client,
// exchanging the org's service-account JSON for an access token via
// golang.org/x/oauth2/google the way the teacher's adapters build an
// authenticated transport per request rather than caching one globally.
type Vertex struct{}

var _ llm.Client = Vertex{}

func (Vertex) Infer(ctx context.Context, req llm.Request) (*llm.Response, error) {
	creds, err := google.CredentialsFromJSON(ctx, req.Auth.VertexOAuth.CredentialsJSON, vertexScope)
	if err != nil {
		return &llm.Response{OK: false, Error: coreerr.Wrap(coreerr.VertexTokenFailed, err, err.Error())}, nil
	}

	httpClient := &http.Client{Transport: &oauth2.Transport{Source: creds.TokenSource, Base: http.DefaultTransport}}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend:    genai.BackendVertexAI,
		Project:    req.Auth.VertexOAuth.ProjectID,
		Location:   req.Auth.VertexOAuth.Location,
		HTTPClient: httpClient,
	})
	if err != nil {
		return &llm.Response{OK: false, Error: coreerr.Wrap(coreerr.VertexRequestFailed, err, err.Error())}, nil
	}

	contents, system := buildGeminiContents(req.Messages)
	genConfig := &genai.GenerateContentConfig{}
	if system != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, genConfig)
	if err != nil {
		return &llm.Response{OK: false, Error: coreerr.Wrap(coreerr.VertexRequestFailed, err, err.Error())}, nil
	}

	content, usage, err := parseGeminiResponse(resp)
	if err != nil {
		return &llm.Response{OK: false, Error: coreerr.Wrap(coreerr.VertexResponseInvalid, err, err.Error())}, nil
	}
	if req.MaxOutputChars > 0 && len(content) > req.MaxOutputChars {
		content = content[:req.MaxOutputChars]
	}
	return &llm.Response{OK: true, Content: content, Usage: usage}, nil
}
