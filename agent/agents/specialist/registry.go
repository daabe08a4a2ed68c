package specialist

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	llmx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/llm"
	"github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/observers"
	promptx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/prompt"
	openrouterx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/openrouter"
)

type registryImpl struct {
	classifier contractx.IntentClassifier
	extractor  contractx.ProductExtractor
	responder  contractx.Responder
}

func (r *registryImpl) Classifier() contractx.IntentClassifier {
	return r.classifier
}

func (r *registryImpl) Extractor() contractx.ProductExtractor {
	return r.extractor
}

func (r *registryImpl) Responder() contractx.Responder {
	return r.responder
}

// NewRegistry builds the classifier, extractor and responder on the configured provider.
// On OpenRouter the responder talks to the chat completions API directly.
func NewRegistry(ctx context.Context, cfg llmx.Config) (contractx.Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	prompts := promptx.LoadPromptSet()
	opts := []compose.Option{compose.WithCallbacks(observers.NewAllCallbacks())}

	intentModel, err := cfg.ChatModel(ctx, llmx.RoleIntent)
	if err != nil {
		return nil, err
	}
	classifier, err := newIntentClassifier(ctx, intentModel, prompts.Intent, opts...)
	if err != nil {
		return nil, err
	}

	extractorModel, err := cfg.ChatModel(ctx, llmx.RoleExtractor)
	if err != nil {
		return nil, err
	}
	extractor, err := newProductExtractor(ctx, extractorModel, prompts.Extractor, opts...)
	if err != nil {
		return nil, err
	}

	var responder contractx.Responder
	if cfg.UsesOpenRouter() {
		orCfg := cfg.OpenRouterFor(llmx.RoleResponder)
		client := openrouterx.NewClient(orCfg)
		if client == nil {
			return nil, fmt.Errorf("%w: openrouter client", contractx.ErrValidation)
		}
		responder, err = newCompletionResponder(client, orCfg.Model, orCfg.Temperature, cfg.MaxCompletionToken, prompts.Responder)
	} else {
		responderModel, mErr := cfg.ChatModel(ctx, llmx.RoleResponder)
		if mErr != nil {
			return nil, mErr
		}
		responder, err = newChatModelResponder(ctx, responderModel, prompts.Responder, opts...)
	}
	if err != nil {
		return nil, err
	}

	return &registryImpl{
		classifier: classifier,
		extractor:  extractor,
		responder:  responder,
	}, nil
}
