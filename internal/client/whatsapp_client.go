package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/LeventeLantos/wa-bulk-sender/internal/template"
)

type Options struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	Token         string
	// Timeout bounds every request. Zero falls back to 15s.
	Timeout time.Duration
	// RatePerSec caps outbound requests per second. Zero disables the limit.
	RatePerSec int
}

// Message is one outbound message. Exactly one of Template and Text is set.
type Message struct {
	To       string
	Template *template.Payload
	Text     string
}

// WhatsAppClient sends messages through the WhatsApp Cloud API.
type WhatsAppClient struct {
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

func NewWhatsAppClient(opts Options) *WhatsAppClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://graph.facebook.com"
	}
	version := opts.APIVersion
	if version == "" {
		version = "v17.0"
	}

	c := &WhatsAppClient{
		url:   fmt.Sprintf("%s/%s/%s/messages", base, version, opts.PhoneNumberID),
		token: opts.Token,
		client: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
	if opts.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	}
	return c
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type sendRequest struct {
	MessagingProduct string            `json:"messaging_product"`
	RecipientType    string            `json:"recipient_type"`
	To               string            `json:"to"`
	Type             string            `json:"type"`
	Template         *template.Payload `json:"template,omitempty"`
	Text             *textBody         `json:"text,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		ErrorData    struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"error"`
}

// Send performs one POST and returns the provider message id. Failures are
// always *ProviderError.
func (c *WhatsAppClient) Send(ctx context.Context, msg Message) (string, error) {
	req := sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.To,
	}
	if msg.Template != nil {
		req.Type = "template"
		req.Template = msg.Template
	} else {
		req.Type = "text"
		req.Text = &textBody{Body: msg.Text}
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return "", &ProviderError{Kind: KindUnknown, Err: err}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", &ProviderError{Kind: KindTransient, Err: err}
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", &ProviderError{Kind: KindUnknown, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", &ProviderError{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &ProviderError{Kind: KindTransient, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", c.errorFromResponse(resp, body)
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", &ProviderError{
			Kind:       KindUnknown,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to decode json: %w body=%q", err, string(body)),
		}
	}
	if len(sr.Messages) == 0 || sr.Messages[0].ID == "" {
		return "", &ProviderError{
			Kind:       KindUnknown,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("missing message id in response body=%q", string(body)),
		}
	}
	return sr.Messages[0].ID, nil
}

func (c *WhatsAppClient) errorFromResponse(resp *http.Response, body []byte) *ProviderError {
	pe := &ProviderError{StatusCode: resp.StatusCode}

	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && (er.Error.Message != "" || er.Error.Code != 0) {
		pe.Code = er.Error.Code
		pe.Message = er.Error.Message
		if d := er.Error.ErrorData.Details; d != "" {
			pe.Message += " (" + d + ")"
		}
	} else {
		pe.Err = errors.New("unexpected response body: " + strings.TrimSpace(string(body)))
	}

	pe.Kind = classify(resp.StatusCode, pe.Code)
	if pe.Kind == KindRateLimited {
		pe.RetryAfter = parseRetryAfter(resp.Header, c.now())
	}
	return pe
}
