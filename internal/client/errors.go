package client

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

type ErrorKind string

const (
	KindRateLimited      ErrorKind = "RATE_LIMITED"
	KindTransient        ErrorKind = "TRANSIENT"
	KindInvalidRecipient ErrorKind = "INVALID_RECIPIENT"
	KindAuth             ErrorKind = "AUTH"
	KindUnknown          ErrorKind = "UNKNOWN"
)

// ProviderError is a classified failure of one send call.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Code       int
	Message    string
	// RetryAfter is the provider's hint, zero when none was given.
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString("provider error ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " code=%d", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTransient, KindUnknown:
		return true
	}
	return false
}

// Graph API error codes, see the WhatsApp Cloud API error code reference.
var (
	authCodes = []int{3, 10, 190}

	rateLimitCodes = []int{4, 80007, 130429, 131048, 131056}

	transientCodes = []int{1, 2, 131000, 131016}

	invalidRecipientCodes = []int{
		131021, // recipient cannot be sender
		131026, // message undeliverable, number not on WhatsApp
		131030, // recipient not in allowed list
		131050, // user stopped marketing messages
	}
)

// classify maps an HTTP status and Graph API error code to an ErrorKind.
func classify(status, code int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case slices.Contains(authCodes, code), code >= 200 && code <= 299:
		return KindAuth
	case status == http.StatusTooManyRequests || slices.Contains(rateLimitCodes, code):
		return KindRateLimited
	case slices.Contains(invalidRecipientCodes, code):
		return KindInvalidRecipient
	case status >= 500 || slices.Contains(transientCodes, code):
		return KindTransient
	}
	return KindUnknown
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
