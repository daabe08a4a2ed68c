package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	geminix "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/gemini"
	openrouterx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/openrouter"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"
)

// Role selects the per-role model and temperature overrides.
type Role string

const (
	RoleIntent    Role = "intent"
	RoleExtractor Role = "extractor"
	RoleResponder Role = "responder"
)

type Config struct {
	Provider           string        `envconfig:"PROVIDER" split_words:"true" default:"openrouter"`
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	MaxRetries         int           `envconfig:"MAX_RETRIES" split_words:"true" default:"2"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`
	ThinkingBudget     int32         `envconfig:"THINKING_BUDGET" split_words:"true" default:"-1"`

	IntentModel          string  `envconfig:"INTENT_MODEL" split_words:"true"`
	ExtractorModel       string  `envconfig:"EXTRACTOR_MODEL" split_words:"true"`
	ResponderModel       string  `envconfig:"RESPONDER_MODEL" split_words:"true"`
	IntentTemperature    float32 `envconfig:"INTENT_TEMPERATURE" split_words:"true" default:"0"`
	ExtractorTemperature float32 `envconfig:"EXTRACTOR_TEMPERATURE" split_words:"true" default:"0"`
	ResponderTemperature float32 `envconfig:"RESPONDER_TEMPERATURE" split_words:"true" default:"-1"`
}

func (c Config) Validate() error {
	switch c.provider() {
	case ProviderOpenRouter, ProviderGemini:
	default:
		return fmt.Errorf("%w: unsupported llm provider %q", contractx.ErrValidation, c.Provider)
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: %s api key is required", contractx.ErrValidation, c.provider())
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	return nil
}

func (c Config) provider() string {
	p := strings.ToLower(strings.TrimSpace(c.Provider))
	if p == "" {
		return ProviderOpenRouter
	}
	return p
}

// UsesOpenRouter reports whether models are served through the OpenAI compatible endpoint.
func (c Config) UsesOpenRouter() bool {
	return c.provider() == ProviderOpenRouter
}

// ModelFor returns the model name and temperature for a role.
func (c Config) ModelFor(role Role) (string, float32) {
	modelName := strings.TrimSpace(c.Model)
	temp := c.Temperature

	var override string
	var roleTemp float32 = -1
	switch role {
	case RoleIntent:
		override, roleTemp = c.IntentModel, c.IntentTemperature
	case RoleExtractor:
		override, roleTemp = c.ExtractorModel, c.ExtractorTemperature
	case RoleResponder:
		override, roleTemp = c.ResponderModel, c.ResponderTemperature
	}
	if v := strings.TrimSpace(override); v != "" {
		modelName = v
	}
	if roleTemp >= 0 {
		temp = roleTemp
	}
	return modelName, temp
}

func (c Config) OpenRouterFor(role Role) openrouterx.Config {
	modelName, temp := c.ModelFor(role)
	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
		MaxRetries:         c.MaxRetries,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
		ExcludeReasoning:   role != RoleResponder,
	}
}

func (c Config) GeminiFor(role Role) geminix.Config {
	modelName, temp := c.ModelFor(role)
	return geminix.Config{
		APIKey:         strings.TrimSpace(c.APIKey),
		Model:          modelName,
		MaxTokens:      c.MaxCompletionToken,
		Temperature:    temp,
		ThinkingBudget: c.ThinkingBudget,
	}
}

// ChatModel builds the tool calling chat model for a role on the configured provider.
func (c Config) ChatModel(ctx context.Context, role Role) (model.ToolCallingChatModel, error) {
	var builder openrouterx.LLMBuilder
	if c.UsesOpenRouter() {
		cfg := c.OpenRouterFor(role)
		builder = &cfg
	} else {
		cfg := c.GeminiFor(role)
		builder = &cfg
	}
	m, err := builder.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s model: %v", contractx.ErrModelInvoke, role, err)
	}
	return m, nil
}
