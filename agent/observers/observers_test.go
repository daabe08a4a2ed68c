package observers

import (
	"context"
	"errors"
	"testing"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

func TestLastUserContent(t *testing.T) {
	t.Parallel()

	msgs := []*schema.Message{
		schema.SystemMessage("sys"),
		schema.UserMessage("first"),
		schema.AssistantMessage("reply", nil),
		schema.UserMessage("second"),
		schema.AssistantMessage("reply 2", nil),
	}
	if got := lastUserContent(msgs); got != "second" {
		t.Fatalf("lastUserContent() = %q, want second", got)
	}
	if got := lastUserContent(nil); got != "" {
		t.Fatalf("lastUserContent(nil) = %q", got)
	}
}

func TestRunName(t *testing.T) {
	t.Parallel()

	if got := runName(nil); got != "" {
		t.Fatalf("runName(nil) = %q", got)
	}
	if got := runName(&einocb.RunInfo{Name: "intent.model_graph"}); got != "intent.model_graph" {
		t.Fatalf("runName() = %q", got)
	}
}

func TestModelHandlerToleratesNilPayloads(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newModelHandler()
	info := &einocb.RunInfo{Name: "model"}

	if got := h.OnStart(ctx, info, nil); got != ctx {
		t.Fatal("OnStart() replaced context")
	}
	if got := h.OnEnd(ctx, info, &model.CallbackOutput{Message: schema.AssistantMessage("ok", nil), TokenUsage: &model.TokenUsage{PromptTokens: 3}}); got != ctx {
		t.Fatal("OnEnd() replaced context")
	}
	if got := h.OnError(ctx, info, errors.New("boom")); got != ctx {
		t.Fatal("OnError() replaced context")
	}
	if NewAllCallbacks() == nil {
		t.Fatal("NewAllCallbacks() = nil")
	}
}
