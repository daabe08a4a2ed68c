package qstash

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		URL:               baseURL,
		Token:             "qstash-token",
		CurrentSigningKey: "current-key",
		NextSigningKey:    "next-key",
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestPublish(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/publish/https://app.example.com/approvals/expire" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer qstash-token" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("Upstash-Delay"); got != "900s" {
			t.Errorf("delay = %q", got)
		}
		if got := r.Header.Get("Upstash-Deduplication-Id"); got != "call-1" {
			t.Errorf("dedup id = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"thread_id":"t-1"}` {
			t.Errorf("body = %s", body)
		}
		_, _ = w.Write([]byte(`{"messageId":"msg_123"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	id, err := c.Publish(context.Background(), Message{
		Destination:     "https://app.example.com/approvals/expire",
		Body:            []byte(`{"thread_id":"t-1"}`),
		Delay:           15 * time.Minute,
		DeduplicationID: "call-1",
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if id != "msg_123" {
		t.Fatalf("Publish() id = %q", id)
	}
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid token"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.Publish(context.Background(), Message{Destination: "https://app.example.com/x"}); err == nil || !strings.Contains(err.Error(), "status=401") {
		t.Fatalf("Publish() error = %v, want status=401", err)
	}
	if _, err := c.Publish(context.Background(), Message{Destination: "relative"}); err == nil {
		t.Fatal("Publish() invalid destination error = nil")
	}
}

func sign(t *testing.T, key, subject string, body []byte) string {
	t.Helper()
	sum := sha256.Sum256(body)
	claims := signatureClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "Upstash",
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Body: base64.URLEncoding.EncodeToString(sum[:]),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return token
}

func TestVerify(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "https://qstash.upstash.io")
	dest := "https://app.example.com/approvals/expire"
	body := []byte(`{"thread_id":"t-1","call_id":"call-1"}`)

	if err := c.Verify(sign(t, "current-key", dest, body), body, dest); err != nil {
		t.Fatalf("Verify(current) error = %v", err)
	}
	if err := c.Verify(sign(t, "next-key", dest, body), body, dest); err != nil {
		t.Fatalf("Verify(next) error = %v", err)
	}

	tests := map[string]string{
		"wrong key":     sign(t, "other-key", dest, body),
		"wrong subject": sign(t, "current-key", "https://evil.example.com", body),
		"tampered body": sign(t, "current-key", dest, []byte(`{}`)),
		"missing":       "",
	}
	for name, sig := range tests {
		if err := c.Verify(sig, body, dest); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("%s: Verify() error = %v, want ErrInvalidSignature", name, err)
		}
	}
}
