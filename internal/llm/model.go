package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	"github.com/cloudwego/eino/components/model"
)

type Provider string

const (
	ProviderUnknown   Provider = ""
	ProviderOpenAI    Provider = "openai"
	ProviderDeepSeek  Provider = "deepseek"
	ProviderQwen      Provider = "qwen"
	ProviderARK       Provider = "ark"
	ProviderOllama    Provider = "ollama"
	ProviderAnthropic Provider = "anthropic"
)

func ParseProvider(s string) Provider {
	switch strings.ToLower(s) {
	case "openai", "gpt":
		return ProviderOpenAI
	case "deepseek":
		return ProviderDeepSeek
	case "qwen", "dashscope", "tongyi":
		return ProviderQwen
	case "ark", "doubao":
		return ProviderARK
	case "ollama":
		return ProviderOllama
	case "anthropic", "claude":
		return ProviderAnthropic
	}
	return ProviderUnknown
}

const (
	defaultDeepSeekURL = "https://api.deepseek.com"
	defaultQwenURL     = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	defaultMaxTokens   = 8 * 1024
)

// ModelConfig selects and configures an eino chat model.
type ModelConfig struct {
	Provider    Provider
	BaseURL     string
	APIKey      string
	Model       string
	Temperature *float32
	MaxTokens   int
	Timeout     time.Duration
}

// NewChatModel builds the eino chat model for cfg. Anthropic is served by
// the native streaming client instead and is rejected here.
func NewChatModel(ctx context.Context, cfg ModelConfig) (model.BaseChatModel, error) {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	switch cfg.Provider {
	case ProviderOpenAI, ProviderDeepSeek:
		baseURL := cfg.BaseURL
		if baseURL == "" && cfg.Provider == ProviderDeepSeek {
			baseURL = defaultDeepSeekURL
		}
		cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     baseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   &cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return cm, nil
	case ProviderQwen:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultQwenURL
		}
		cm, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
			BaseURL:     baseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   &cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return cm, nil
	case ProviderARK:
		cm, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   &cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		return cm, nil
	case ProviderOllama:
		cm, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
		if err != nil {
			return nil, err
		}
		return cm, nil
	case ProviderAnthropic:
		return nil, fmt.Errorf("provider %q uses the native anthropic client", cfg.Provider)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}
