package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"gigcrew/internal/config"
	"gigcrew/internal/logging"
)

const (
	ProviderGemini = "gemini"
	ProviderGroq   = "groq"
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
)

var (
	ErrProviderNotConfigured = errors.New("provider not configured")
	ErrMissingAPIKey         = errors.New("api key not configured")
)

// Source hands out chat models by provider and model name.
type Source interface {
	ChatModel(ctx context.Context, provider, modelName string) (model.ToolCallingChatModel, error)
}

// Factory builds eino chat models from the provider section of the config.
type Factory struct {
	providers       map[string]config.ProviderConfig
	defaultProvider string
	project         string
	logger          *zap.Logger
}

func NewFactory(cfg *config.Config, logger *zap.Logger) *Factory {
	providers := make(map[string]config.ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		providers[strings.ToLower(name)] = p
	}
	return &Factory{
		providers:       providers,
		defaultProvider: strings.ToLower(cfg.BasicConfig.DefaultProvider),
		project:         cfg.Credentials.GoogleCloudProject,
		logger:          logging.OrNop(logger),
	}
}

// Providers lists configured provider names in sorted order.
func (f *Factory) Providers() []string {
	names := make([]string, 0, len(f.providers))
	for name := range f.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *Factory) DefaultProvider() string {
	return f.defaultProvider
}

// DefaultModel reports the model used when a request leaves it empty.
func (f *Factory) DefaultModel(provider string) string {
	return f.providers[strings.ToLower(provider)].Model
}

// ChatModel constructs a tool-calling chat model. An empty provider selects the
// default provider and an empty model name selects the provider's configured model.
func (f *Factory) ChatModel(ctx context.Context, provider, modelName string) (model.ToolCallingChatModel, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = f.defaultProvider
	}
	provCfg, ok := f.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}
	if modelName == "" {
		modelName = provCfg.Model
	}
	if modelName == "" {
		return nil, fmt.Errorf("provider %s: model name required", provider)
	}
	useVertex := provider == ProviderGemini && provCfg.UseVertex && f.project != ""
	if provCfg.APIKey == "" && !useVertex {
		return nil, fmt.Errorf("%w: %s", ErrMissingAPIKey, provider)
	}

	var temperature *float32
	if provCfg.Temperature > 0 {
		t := provCfg.Temperature
		temperature = &t
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case ProviderOpenAI, ProviderGroq:
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     provCfg.BaseURL,
			Model:       modelName,
			APIKey:      provCfg.APIKey,
			Temperature: temperature,
		})
	case ProviderGemini:
		clientCfg := &genai.ClientConfig{APIKey: provCfg.APIKey}
		if useVertex {
			location := provCfg.Location
			if location == "" {
				location = "us-central1"
			}
			clientCfg = &genai.ClientConfig{
				Project:  f.project,
				Location: location,
				Backend:  genai.BackendVertexAI,
			}
		}
		client, cerr := genai.NewClient(ctx, clientCfg)
		if cerr != nil {
			return nil, fmt.Errorf("init gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       modelName,
			Temperature: temperature,
		})
	case ProviderClaude:
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		maxTokens := provCfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 3000
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:      provCfg.APIKey,
			Model:       modelName,
			BaseURL:     baseURLPtr,
			MaxTokens:   maxTokens,
			Temperature: temperature,
		})
	default:
		return nil, fmt.Errorf("%w: unsupported provider %s", ErrProviderNotConfigured, provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	f.logger.Debug("chat model ready", zap.String("provider", provider), zap.String("model", modelName))
	return chatModel, nil
}
