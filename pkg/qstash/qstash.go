package qstash

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const maxResponseSizeBytes = 1 << 20

var ErrInvalidSignature = errors.New("qstash: invalid signature")

type Config struct {
	URL               string        `split_words:"true" required:"true"`
	Token             string        `split_words:"true" required:"true"`
	CurrentSigningKey string        `split_words:"true" required:"true"`
	NextSigningKey    string        `split_words:"true" required:"true"`
	Timeout           time.Duration `split_words:"true" default:"10s"`
}

type Client struct {
	baseURL           string
	token             string
	currentSigningKey string
	nextSigningKey    string
	httpClient        *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" {
		return nil, errors.New("qstash url is required")
	}

	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		token:             strings.TrimSpace(cfg.Token),
		currentSigningKey: strings.TrimSpace(cfg.CurrentSigningKey),
		nextSigningKey:    strings.TrimSpace(cfg.NextSigningKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}

	return client, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

// Message is one delayed delivery to a destination URL.
type Message struct {
	Destination     string
	Body            []byte
	Delay           time.Duration
	DeduplicationID string
}

type publishResponse struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

// Publish enqueues msg and returns the QStash message id.
func (c *Client) Publish(ctx context.Context, msg Message) (string, error) {
	dest := strings.TrimSpace(msg.Destination)
	if _, err := url.ParseRequestURI(dest); err != nil {
		return "", fmt.Errorf("qstash: invalid destination: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/publish/"+dest, bytes.NewReader(msg.Body))
	if err != nil {
		return "", fmt.Errorf("qstash: build publish request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if msg.Delay > 0 {
		req.Header.Set("Upstash-Delay", strconv.FormatInt(int64(msg.Delay.Round(time.Second)/time.Second), 10)+"s")
	}
	if msg.DeduplicationID != "" {
		req.Header.Set("Upstash-Deduplication-Id", msg.DeduplicationID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("qstash: publish: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return "", fmt.Errorf("qstash: read publish response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("qstash: publish status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded publishResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("qstash: decode publish response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("qstash: publish error: %s", decoded.Error)
	}
	return decoded.MessageID, nil
}

type signatureClaims struct {
	jwt.RegisteredClaims
	Body string `json:"body"`
}

// Verify checks the Upstash-Signature of a delivered message against the
// current signing key, then the next one.
func (c *Client) Verify(signature string, body []byte, destination string) error {
	if strings.TrimSpace(signature) == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	err := verifyWithKey(c.currentSigningKey, signature, body, destination)
	if err == nil {
		return nil
	}
	if c.nextSigningKey == "" {
		return err
	}
	return verifyWithKey(c.nextSigningKey, signature, body, destination)
}

func verifyWithKey(key, signature string, body []byte, destination string) error {
	var claims signatureClaims
	_, err := jwt.ParseWithClaims(signature, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(key), nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !claims.VerifyIssuer("Upstash", true) {
		return fmt.Errorf("%w: issuer %q", ErrInvalidSignature, claims.Issuer)
	}
	if destination != "" && claims.Subject != destination {
		return fmt.Errorf("%w: subject %q", ErrInvalidSignature, claims.Subject)
	}
	sum := sha256.Sum256(body)
	want := strings.TrimRight(base64.URLEncoding.EncodeToString(sum[:]), "=")
	if strings.TrimRight(claims.Body, "=") != want {
		return fmt.Errorf("%w: body hash mismatch", ErrInvalidSignature)
	}
	return nil
}
