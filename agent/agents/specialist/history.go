package specialist

import (
	"strings"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
)

const (
	maxIntentTurns    = 12
	maxExtractorTurns = 6
	maxResponderTurns = 8
)

// conversationTurns keeps the last limit user and assistant text messages.
// Tool exchanges are dropped so the history can be sent to a model without tools bound.
func conversationTurns(msgs []*schema.Message, limit int) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || len(m.ToolCalls) > 0 {
			continue
		}
		if m.Role != schema.User && m.Role != schema.Assistant {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		out = append(out, &schema.Message{Role: m.Role, Content: content})
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func renderTranscript(msgs []*schema.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case schema.User:
			b.WriteString("customer: ")
		default:
			b.WriteString("agent: ")
		}
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

func renderResponseInput(req contractx.ResponseRequest) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(orNone(req.Task))
	b.WriteString("\nCustomer message: ")
	b.WriteString(orNone(req.UserMessage))
	if p := strings.TrimSpace(req.Product); p != "" {
		b.WriteString("\nProduct: ")
		b.WriteString(p)
	}
	b.WriteString("\nContext:\n")
	b.WriteString(orNone(req.Context))
	return b.String()
}

func orNone(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "none"
	}
	return s
}
