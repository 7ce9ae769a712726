package ai

import (
	"fmt"
	"strings"
	"time"
)

// Provider names accepted by NewEmbedder and NewGenerator.
const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// ProviderConfig selects and configures one provider.
type ProviderConfig struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

func (c ProviderConfig) provider() string {
	p := strings.ToLower(strings.TrimSpace(c.Provider))
	if p == "" {
		return ProviderGemini
	}
	return p
}

// NewEmbedder builds the embedder named by cfg.Provider.
func NewEmbedder(cfg ProviderConfig) (Embedder, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("embedding model required")
	}
	switch cfg.provider() {
	case ProviderOllama:
		if cfg.Dimensions <= 0 {
			return nil, fmt.Errorf("embedding dim required for ollama")
		}
		return NewOllamaEmbedder(NewOllamaClient(cfg.BaseURL, cfg.Timeout), cfg.Model, cfg.Dimensions), nil
	case ProviderGemini:
		gemini, err := NewGeminiClient(cfg.APIKey, WithGeminiBaseURL(cfg.BaseURL), WithGeminiTimeout(cfg.Timeout))
		if err != nil {
			return nil, err
		}
		return NewGeminiEmbedder(gemini, cfg.Model), nil
	case ProviderOpenAI:
		return NewOpenAIClient(OpenAIConfig{
			BaseURL:        cfg.BaseURL,
			APIKey:         cfg.APIKey,
			EmbeddingModel: cfg.Model,
			Dimensions:     cfg.Dimensions,
			Timeout:        cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// NewGenerator builds the text generator named by cfg.Provider.
func NewGenerator(cfg ProviderConfig) (TextGenerator, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("generation model required")
	}
	switch cfg.provider() {
	case ProviderOllama:
		return NewOllamaGenerator(NewOllamaClient(cfg.BaseURL, cfg.Timeout), cfg.Model), nil
	case ProviderGemini:
		gemini, err := NewGeminiClient(cfg.APIKey, WithGeminiBaseURL(cfg.BaseURL), WithGeminiTimeout(cfg.Timeout))
		if err != nil {
			return nil, err
		}
		return NewGeminiGenerator(gemini, cfg.Model), nil
	case ProviderOpenAI:
		return NewOpenAIClient(OpenAIConfig{
			BaseURL:         cfg.BaseURL,
			APIKey:          cfg.APIKey,
			GenerationModel: cfg.Model,
			Timeout:         cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", cfg.Provider)
	}
}
