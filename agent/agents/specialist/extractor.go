package specialist

import (
	"context"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
)

type productExtractor struct {
	runner compose.Runnable[map[string]any, extractorLLMOutput]
	opts   []compose.Option
}

type extractorLLMOutput struct {
	ProductName string `json:"product_name"`
}

func newProductExtractor(ctx context.Context, chatModel einomodel.BaseChatModel, systemPrompt string, opts ...compose.Option) (*productExtractor, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: extractor prompt", contractx.ErrPromptMissing)
	}
	runner, err := compileExtractorGraph(ctx, chatModel, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: compile extractor graph: %v", contractx.ErrModelInvoke, err)
	}
	return &productExtractor{runner: runner, opts: opts}, nil
}

func (e *productExtractor) ExtractProductName(ctx context.Context, messages []*schema.Message) (string, error) {
	transcript := renderTranscript(conversationTurns(messages, maxExtractorTurns))
	if transcript == "" {
		return "", nil
	}

	out, err := e.runner.Invoke(ctx, map[string]any{"input": transcript}, e.opts...)
	if err != nil {
		return "", fmt.Errorf("%w: extractor invoke: %v", contractx.ErrModelInvoke, err)
	}
	return strings.TrimSpace(out.ProductName), nil
}
