package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
)

const maxResponseSizeBytes = 2 << 20

type Config struct {
	StructuredURL   string        `envconfig:"STRUCTURED_URL" split_words:"true"`
	UnstructuredURL string        `envconfig:"UNSTRUCTURED_URL" split_words:"true"`
	Token           string        `envconfig:"TOKEN" split_words:"true"`
	Timeout         time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"15s"`
}

// client posts a JSON search request to one retrieval service.
type client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

type searchResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type unstructuredPayload struct {
	Query   string           `json:"query"`
	TopK    int              `json:"top_k"`
	History []historyMessage `json:"history,omitempty"`
}

func newClient(endpoint, token string, timeout time.Duration) (*client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("retrieval endpoint is required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid retrieval url: %w", err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &client{
		endpoint:   endpoint,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *client) search(ctx context.Context, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: marshal search request: %v", contractx.ErrValidation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: search request: %v", contractx.ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read search response: %v", contractx.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return "", fmt.Errorf("%w: search status=%d body=%s", contractx.ErrTransient, resp.StatusCode, strings.TrimSpace(string(raw)))
	case resp.StatusCode >= http.StatusBadRequest:
		return "", fmt.Errorf("search status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded searchResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode search response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("search error: %s", decoded.Error)
	}
	return strings.TrimSpace(decoded.Result), nil
}

// StructuredClient queries the order records service.
type StructuredClient struct {
	c *client
}

func NewStructuredClient(cfg Config) (*StructuredClient, error) {
	c, err := newClient(cfg.StructuredURL, cfg.Token, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("structured retrieval: %w", err)
	}
	return &StructuredClient{c: c}, nil
}

func (s *StructuredClient) Search(ctx context.Context, q contractx.StructuredQuery) (string, error) {
	if strings.TrimSpace(q.Query) == "" {
		return "", fmt.Errorf("%w: query is required", contractx.ErrValidation)
	}
	return s.c.search(ctx, q)
}

// UnstructuredClient queries the product documentation service.
type UnstructuredClient struct {
	c *client
}

func NewUnstructuredClient(cfg Config) (*UnstructuredClient, error) {
	c, err := newClient(cfg.UnstructuredURL, cfg.Token, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("unstructured retrieval: %w", err)
	}
	return &UnstructuredClient{c: c}, nil
}

func (u *UnstructuredClient) Search(ctx context.Context, q contractx.UnstructuredQuery) (string, error) {
	if strings.TrimSpace(q.Query) == "" {
		return "", fmt.Errorf("%w: query is required", contractx.ErrValidation)
	}
	return u.c.search(ctx, unstructuredPayload{
		Query:   q.Query,
		TopK:    q.TopK,
		History: flattenHistory(q.History),
	})
}

func flattenHistory(msgs []*schema.Message) []historyMessage {
	out := make([]historyMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || len(m.ToolCalls) > 0 || strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role != schema.User && m.Role != schema.Assistant {
			continue
		}
		out = append(out, historyMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

var (
	_ contractx.StructuredRetriever   = (*StructuredClient)(nil)
	_ contractx.UnstructuredRetriever = (*UnstructuredClient)(nil)
)
