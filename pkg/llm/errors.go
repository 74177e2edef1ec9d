package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIError is a non-200 response that is neither throttling nor a context
// overflow.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, orDefault(e.Message, "unknown API error"))
}

// ContextLengthExceededError reports a conversation too long for the model.
type ContextLengthExceededError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *ContextLengthExceededError) Error() string {
	return fmt.Sprintf("context length exceeded (%d): %s", e.StatusCode, orDefault(e.Message, "prompt too long"))
}

// RateLimitError reports provider throttling.
type RateLimitError struct {
	StatusCode int
	Message    string
	Body       string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	msg := orDefault(e.Message, "rate limit exceeded")
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, msg)
}

// ClassifyAPIError turns an error response into one of the typed errors.
func ClassifyAPIError(statusCode int, body string, retryAfter time.Duration) error {
	body = strings.TrimSpace(body)
	message := orDefault(errorMessage(body), body)

	switch {
	case containsAny(message, contextLengthHints):
		return &ContextLengthExceededError{StatusCode: statusCode, Message: message, Body: body}
	case statusCode == http.StatusTooManyRequests || containsAny(message, rateLimitHints):
		return &RateLimitError{StatusCode: statusCode, Message: message, Body: body, RetryAfter: retryAfter}
	}
	return &APIError{StatusCode: statusCode, Message: message, Body: body}
}

// IsRateLimit reports whether err is provider throttling.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// RetryAfter returns the delay suggested by a rate-limit error.
func RetryAfter(err error) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter
	}
	return 0
}

var contextLengthHints = []string{
	"context length",
	"context window",
	"maximum context",
	"context_length_exceeded",
	"too many tokens",
	"prompt is too long",
}

var rateLimitHints = []string{
	"rate limit",
	"too many requests",
	"quota exceeded",
	"throttl",
}

// errorMessage extracts the message of an OpenAI-style error body.
func errorMessage(body string) string {
	var decoded struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	if body == "" || json.Unmarshal([]byte(body), &decoded) != nil {
		return ""
	}
	if len(decoded.Error) > 0 {
		var s string
		if json.Unmarshal(decoded.Error, &s) == nil {
			return strings.TrimSpace(s)
		}
		var obj struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		}
		if json.Unmarshal(decoded.Error, &obj) == nil {
			return strings.TrimSpace(orDefault(obj.Message, obj.Type))
		}
	}
	return strings.TrimSpace(orDefault(decoded.Message, decoded.Detail))
}

func containsAny(s string, needles []string) bool {
	s = strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
