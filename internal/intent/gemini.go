package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiRemote classifies with Google's Gemini API.
type GeminiRemote struct {
	client  *genai.Client
	modelID string
}

func NewGeminiRemote(ctx context.Context, apiKey, modelID string, opts ...option.ClientOption) (*GeminiRemote, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("intent: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("intent: failed to create gemini client: %w", err)
	}
	return &GeminiRemote{client: client, modelID: modelID}, nil
}

func (g *GeminiRemote) Name() string { return "gemini:" + g.modelID }

func (g *GeminiRemote) Classify(ctx context.Context, utterance, _ string) (Intent, float64, error) {
	model := g.client.GenerativeModel(g.modelID)
	model.SetTemperature(0.1)
	model.SetMaxOutputTokens(10)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt(utterance)))
	if err != nil {
		return "", 0, fmt.Errorf("gemini classification failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", 0, errors.New("gemini returned no candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	in, confidence := parseLabel(text.String())
	return in, confidence, nil
}

func (g *GeminiRemote) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
