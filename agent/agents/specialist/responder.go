package specialist

import (
	"context"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	openaisdk "github.com/openai/openai-go"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
)

// chatModelResponder generates replies through an eino chat model graph.
type chatModelResponder struct {
	runner compose.Runnable[map[string]any, *schema.Message]
	opts   []compose.Option
}

func newChatModelResponder(ctx context.Context, chatModel einomodel.BaseChatModel, systemPrompt string, opts ...compose.Option) (*chatModelResponder, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: responder prompt", contractx.ErrPromptMissing)
	}
	runner, err := compileResponderGraph(ctx, chatModel, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: compile responder graph: %v", contractx.ErrModelInvoke, err)
	}
	return &chatModelResponder{runner: runner, opts: opts}, nil
}

func (r *chatModelResponder) Respond(ctx context.Context, req contractx.ResponseRequest) (string, error) {
	msg, err := r.runner.Invoke(ctx, map[string]any{
		"instruction": orNone(req.Instruction),
		"history":     conversationTurns(req.History, maxResponderTurns),
		"input":       renderResponseInput(req),
	}, r.opts...)
	if err != nil {
		return "", fmt.Errorf("%w: responder invoke: %v", contractx.ErrModelInvoke, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", fmt.Errorf("%w: empty reply", contractx.ErrMalformedOutput)
	}
	return strings.TrimSpace(msg.Content), nil
}

// completionResponder calls an OpenAI compatible chat completions endpoint directly.
type completionResponder struct {
	client       *openaisdk.Client
	model        string
	temperature  float64
	maxTokens    int64
	systemPrompt string
}

func newCompletionResponder(client *openaisdk.Client, model string, temperature float32, maxTokens int, systemPrompt string) (*completionResponder, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: completion client is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("%w: responder model is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: responder prompt", contractx.ErrPromptMissing)
	}
	return &completionResponder{
		client:       client,
		model:        strings.TrimSpace(model),
		temperature:  float64(temperature),
		maxTokens:    int64(maxTokens),
		systemPrompt: systemPrompt,
	}, nil
}

func (r *completionResponder) Respond(ctx context.Context, req contractx.ResponseRequest) (string, error) {
	messages := []openaisdk.ChatCompletionMessageParamUnion{
		openaisdk.SystemMessage(r.systemPrompt),
		openaisdk.SystemMessage(orNone(req.Instruction)),
	}
	for _, m := range conversationTurns(req.History, maxResponderTurns) {
		if m.Role == schema.User {
			messages = append(messages, openaisdk.UserMessage(m.Content))
		} else {
			messages = append(messages, openaisdk.AssistantMessage(m.Content))
		}
	}
	messages = append(messages, openaisdk.UserMessage(renderResponseInput(req)))

	params := openaisdk.ChatCompletionNewParams{
		Model:       openaisdk.ChatModel(r.model),
		Messages:    messages,
		Temperature: openaisdk.Float(r.temperature),
	}
	if r.maxTokens > 0 {
		params.MaxCompletionTokens = openaisdk.Int(r.maxTokens)
	}

	resp, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: chat completion: %v", contractx.ErrModelInvoke, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: chat completion returned no choices", contractx.ErrMalformedOutput)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty reply", contractx.ErrMalformedOutput)
	}
	return text, nil
}
