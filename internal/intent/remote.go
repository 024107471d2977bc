package intent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const labelConfidence = 0.9

func prompt(utterance string) string {
	return fmt.Sprintf(`Analiza este mensaje de WhatsApp de un paciente y determina su intención respecto a su cita médica.

Mensaje: %q

Responde SOLO con una de estas opciones:
- CONFIRM (confirma que asistirá a la cita)
- CANCEL (cancela la cita)
- RESCHEDULE (quiere cambiar la fecha u hora de la cita)
- UNKNOWN (no está claro)

Respuesta:`, utterance)
}

// parseLabel reads the model's one-word answer. RESCHEDULE is checked first
// because a reply may mention both.
func parseLabel(content string) (Intent, float64) {
	label := strings.ToUpper(strings.TrimSpace(content))
	switch {
	case strings.Contains(label, "RESCHEDULE"):
		return Reschedule, labelConfidence
	case strings.Contains(label, "CANCEL"):
		return Cancel, labelConfidence
	case strings.Contains(label, "CONFIRM"):
		return Confirm, labelConfidence
	}
	return Unknown, minRemoteConfidence
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// HTTPRemote talks to an OpenAI-compatible chat completions API such as Groq.
type HTTPRemote struct {
	client chatClient
	model  string
}

// NewHTTPRemote builds a remote for the API rooted at baseURL. A URL that
// already names the /chat/completions endpoint is accepted too.
func NewHTTPRemote(baseURL, apiKey, model string, httpClient *http.Client) *HTTPRemote {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/chat/completions")
	cfg.HTTPClient = httpClient
	return &HTTPRemote{client: openai.NewClientWithConfig(cfg), model: model}
}

func (r *HTTPRemote) Name() string { return "http:" + r.model }

func (r *HTTPRemote) Classify(ctx context.Context, utterance, _ string) (Intent, float64, error) {
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt(utterance)},
		},
		Temperature: 0.1,
		MaxTokens:   10,
	})
	if err != nil {
		return "", 0, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", 0, errors.New("chat completion returned no choices")
	}

	in, confidence := parseLabel(resp.Choices[0].Message.Content)
	return in, confidence, nil
}
