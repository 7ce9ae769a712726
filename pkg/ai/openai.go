package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to OpenAI or any OpenAI-compatible endpoint (vLLM,
// LiteLLM, LocalAI, OpenRouter). It embeds and generates with fixed models.
type OpenAIClient struct {
	client          *openai.Client
	embeddingModel  string
	generationModel string
	dimensions      int
}

// OpenAIConfig configures NewOpenAIClient. BaseURL should include the /v1
// prefix; APIKey may be empty for local servers.
type OpenAIConfig struct {
	BaseURL         string
	APIKey          string
	EmbeddingModel  string
	GenerationModel string
	Dimensions      int
	Timeout         time.Duration
}

// NewOpenAIClient builds a client from cfg.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAIClient{
		client:          openai.NewClientWithConfig(clientCfg),
		embeddingModel:  strings.TrimSpace(cfg.EmbeddingModel),
		generationModel: strings.TrimSpace(cfg.GenerationModel),
		dimensions:      cfg.Dimensions,
	}
}

// EmbedText implements Embedder. OpenAI has no task types.
func (c *OpenAIClient) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	vecs, err := c.EmbedTexts(ctx, []string{text}, taskType)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts implements BatchEmbedder.
func (c *OpenAIClient) EmbedTexts(ctx context.Context, texts []string, _ string) ([][]float32, error) {
	if c.embeddingModel == "" {
		return nil, fmt.Errorf("openai embedding model required")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.embeddingModel),
	}
	if c.dimensions > 0 {
		req.Dimensions = c.dimensions
	}
	resp, err := c.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai embeddings returned index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// GenerateText implements TextGenerator using chat completions.
func (c *OpenAIClient) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.generationModel == "" {
		return "", fmt.Errorf("openai generation model required")
	}
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userPrompt})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.generationModel,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai api")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from openai api")
	}
	return text, nil
}
