package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LeventeLantos/wa-bulk-sender/internal/template"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *WhatsAppClient {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return NewWhatsAppClient(Options{
		BaseURL:       srv.URL,
		APIVersion:    "v17.0",
		PhoneNumberID: "12345",
		Token:         "secret-token",
		Timeout:       2 * time.Second,
	})
}

func TestWhatsAppClient_Send_TemplateSuccess(t *testing.T) {
	t.Parallel()

	var (
		gotPath string
		gotAuth string
		gotCT   string
		gotBody []byte
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"input":"+15550001","wa_id":"15550001"}],"messages":[{"id":"wamid.abc"}]}`))
	})

	payload, err := template.BuildTemplatePayload("promo", "en_US", []string{"Alice"}, 1)
	if err != nil {
		t.Fatalf("BuildTemplatePayload() error: %v", err)
	}

	id, err := c.Send(context.Background(), Message{To: "+15550001", Template: &payload})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if id != "wamid.abc" {
		t.Fatalf("expected id %q, got %q", "wamid.abc", id)
	}
	if gotPath != "/v17.0/12345/messages" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected Authorization %q", gotAuth)
	}
	if gotCT != "application/json" {
		t.Fatalf("unexpected Content-Type %q", gotCT)
	}

	var req map[string]any
	if err := json.Unmarshal(gotBody, &req); err != nil {
		t.Fatalf("failed to decode request: %v body=%q", err, gotBody)
	}
	if req["messaging_product"] != "whatsapp" || req["to"] != "+15550001" || req["type"] != "template" {
		t.Fatalf("unexpected request envelope: %v", req)
	}
	tpl, ok := req["template"].(map[string]any)
	if !ok {
		t.Fatalf("expected template object, got %v", req["template"])
	}
	if tpl["name"] != "promo" {
		t.Fatalf("unexpected template name: %v", tpl["name"])
	}
	if lang, _ := tpl["language"].(map[string]any); lang["code"] != "en_US" {
		t.Fatalf("unexpected language: %v", tpl["language"])
	}
	if _, hasText := req["text"]; hasText {
		t.Fatalf("did not expect text body on template message")
	}
}

func TestWhatsAppClient_Send_Text(t *testing.T) {
	t.Parallel()

	var req sendRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&req)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.txt"}]}`))
	})

	if _, err := c.Send(context.Background(), Message{To: "+1", Text: "hello Bob"}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if req.Type != "text" || req.Text == nil || req.Text.Body != "hello Bob" {
		t.Fatalf("unexpected text request: %+v", req)
	}
}

func TestWhatsAppClient_Send_ClassifiesErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		header map[string]string
		want   ErrorKind
		retry  bool
	}{
		{"expired token", 401, `{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`, nil, KindAuth, false},
		{"permission code on 400", 400, `{"error":{"message":"no permission","code":10}}`, nil, KindAuth, false},
		{"throttled with hint", 429, `{"error":{"message":"too many","code":130429}}`, map[string]string{"Retry-After": "7"}, KindRateLimited, true},
		{"pair rate limit on 400", 400, `{"error":{"message":"pair rate limit","code":131056}}`, nil, KindRateLimited, true},
		{"not on whatsapp", 400, `{"error":{"message":"undeliverable","code":131026}}`, nil, KindInvalidRecipient, false},
		{"server error", 503, `oops`, nil, KindTransient, true},
		{"provider internal", 500, `{"error":{"message":"something went wrong","code":131000}}`, nil, KindTransient, true},
		{"unknown 400", 400, `{"error":{"message":"weird","code":100}}`, nil, KindUnknown, true},
		{"empty 400", 400, ``, nil, KindUnknown, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			_, err := c.Send(context.Background(), Message{To: "+1", Text: "x"})
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ProviderError, got %T %v", err, err)
			}
			if pe.Kind != tc.want {
				t.Fatalf("expected kind %s, got %s (%v)", tc.want, pe.Kind, pe)
			}
			if pe.Retryable() != tc.retry {
				t.Fatalf("expected retryable=%v, got %v", tc.retry, pe.Retryable())
			}
			if pe.StatusCode != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, pe.StatusCode)
			}
			if tc.header["Retry-After"] == "7" && pe.RetryAfter != 7*time.Second {
				t.Fatalf("expected RetryAfter 7s, got %v", pe.RetryAfter)
			}
		})
	}
}

func TestWhatsAppClient_Send_MissingIDIsUnknown(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[]}`))
	})

	_, err := c.Send(context.Background(), Message{To: "+1", Text: "x"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindUnknown {
		t.Fatalf("expected UNKNOWN provider error, got %v", err)
	}
	if !strings.Contains(pe.Error(), "missing message id") {
		t.Fatalf("expected error to mention missing id, got %q", pe.Error())
	}
}

func TestWhatsAppClient_Send_TimeoutIsTransient(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c := NewWhatsAppClient(Options{
		BaseURL:       srv.URL,
		PhoneNumberID: "1",
		Token:         "t",
		Timeout:       50 * time.Millisecond,
	})

	start := time.Now()
	_, err := c.Send(context.Background(), Message{To: "+1", Text: "x"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindTransient {
		t.Fatalf("expected TRANSIENT provider error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected request timeout to bound the call, took %v", elapsed)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	h := http.Header{}
	if got := parseRetryAfter(h, now); got != 0 {
		t.Fatalf("expected 0 without header, got %v", got)
	}

	h.Set("Retry-After", "3")
	if got := parseRetryAfter(h, now); got != 3*time.Second {
		t.Fatalf("expected 3s, got %v", got)
	}

	h.Set("Retry-After", now.Add(90*time.Second).Format(http.TimeFormat))
	if got := parseRetryAfter(h, now); got != 90*time.Second {
		t.Fatalf("expected 90s, got %v", got)
	}

	h.Set("Retry-After", "garbage")
	if got := parseRetryAfter(h, now); got != 0 {
		t.Fatalf("expected 0 for garbage, got %v", got)
	}
}
