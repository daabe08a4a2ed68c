package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultUpstashTTL     = 24 * time.Hour
	defaultUpstashTimeout = 10 * time.Second
	maxResponseSizeBytes  = 2 << 20
)

type UpstashRedisConfig struct {
	URL     string        `envconfig:"URL" split_words:"true" required:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

// UpstashOption customizes UpstashSessionCache.
type UpstashOption func(*UpstashSessionCache)

func WithKeyPrefix(prefix string) UpstashOption {
	return func(c *UpstashSessionCache) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			c.keyPrefix = trimmed
		}
	}
}

// WithTTL sets the idle expiry. Reads extend it; zero keeps sessions forever.
func WithTTL(ttl time.Duration) UpstashOption {
	return func(c *UpstashSessionCache) {
		c.ttl = ttl
	}
}

func WithHTTPClient(client *http.Client) UpstashOption {
	return func(c *UpstashSessionCache) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// UpstashSessionCache keeps sessions in Upstash Redis through its REST API,
// for deployments without a TCP route to Redis.
type UpstashSessionCache struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
	ttl        time.Duration
}

type upstashResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func NewUpstashSessionCache(cfg UpstashRedisConfig, opts ...UpstashOption) (*UpstashSessionCache, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid upstash redis url: %w", err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultUpstashTimeout
	}

	c := &UpstashSessionCache{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		keyPrefix:  defaultSessionKeyPrefix,
		ttl:        defaultUpstashTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}
	return c, nil
}

func (c *UpstashSessionCache) Get(ctx context.Context, sessionID string) (*Session, error) {
	key, err := c.redisKey(sessionID)
	if err != nil {
		return nil, err
	}

	cmd := []any{"GET", key}
	if c.ttl > 0 {
		cmd = []any{"GETEX", key, "EX", strconv.FormatInt(ttlSeconds(c.ttl), 10)}
	}
	resp, err := c.exec(ctx, cmd)
	if err != nil {
		return nil, err
	}

	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, ErrSessionNotFound
	}

	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, fmt.Errorf("decode session payload: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(encoded), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if err := validateSession(&sess); err != nil {
		return nil, fmt.Errorf("invalid session in cache: %w", err)
	}
	return &sess, nil
}

func (c *UpstashSessionCache) Put(ctx context.Context, sess *Session) error {
	if err := validateSession(sess); err != nil {
		return err
	}
	key, err := c.redisKey(sess.SessionID)
	if err != nil {
		return err
	}

	stored := *sess
	if stored.LastActiveAt.IsZero() {
		stored.LastActiveAt = time.Now().UTC()
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	cmd := []any{"SET", key, string(payload)}
	if c.ttl > 0 {
		cmd = append(cmd, "EX", ttlSeconds(c.ttl))
	}
	_, err = c.exec(ctx, cmd)
	return err
}

func (c *UpstashSessionCache) Delete(ctx context.Context, sessionID string) error {
	key, err := c.redisKey(sessionID)
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, []any{"DEL", key})
	return err
}

func (c *UpstashSessionCache) redisKey(sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", ErrInvalidSession
	}
	prefix := strings.TrimSpace(c.keyPrefix)
	if prefix == "" {
		prefix = defaultSessionKeyPrefix
	}
	return prefix + sessionID + ":session", nil
}

// exec posts one command. Network failures, 429 and 5xx wrap ErrCacheUnavailable.
func (c *UpstashSessionCache) exec(ctx context.Context, command []any) (*upstashResponse, error) {
	if c == nil || c.httpClient == nil {
		return nil, errors.New("upstash session cache is not initialised")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCacheUnavailable, command[0], err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrCacheUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: %s status=%d", ErrCacheUnavailable, command[0], resp.StatusCode)
	case resp.StatusCode >= http.StatusMultipleChoices:
		var parsed upstashResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
			return nil, fmt.Errorf("upstash %s: %s", command[0], parsed.Error)
		}
		return nil, fmt.Errorf("upstash %s status=%d body=%s", command[0], resp.StatusCode, string(raw))
	}

	var parsed upstashResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("upstash %s: %s", command[0], parsed.Error)
	}
	return &parsed, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}

var _ SessionCache = (*UpstashSessionCache)(nil)
