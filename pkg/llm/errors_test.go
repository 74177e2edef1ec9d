package llm

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyAPIError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "context length",
			status: 400,
			body:   `{"error":{"message":"This model's maximum context length is 128000 tokens."}}`,
			check: func(t *testing.T, err error) {
				var target *ContextLengthExceededError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, 400, target.StatusCode)
			},
		},
		{
			name:   "rate limit by status",
			status: 429,
			body:   `{"error":"slow down"}`,
			check: func(t *testing.T, err error) {
				assert.True(t, IsRateLimit(err))
				assert.Equal(t, 3*time.Second, RetryAfter(err))
				assert.Contains(t, err.Error(), "slow down")
			},
		},
		{
			name:   "generic",
			status: 401,
			body:   `{"error":{"message":"invalid auth token"}}`,
			check: func(t *testing.T, err error) {
				var target *APIError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, "invalid auth token", target.Message)
				assert.False(t, IsRateLimit(err))
			},
		},
		{
			name:   "plain text body",
			status: 502,
			body:   "bad gateway",
			check: func(t *testing.T, err error) {
				assert.EqualError(t, err, "API error (502): bad gateway")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, ClassifyAPIError(tt.status, tt.body, 3*time.Second))
		})
	}
}

func TestRateLimitWrapped(t *testing.T) {
	err := fmt.Errorf("turn: %w", &RateLimitError{StatusCode: 429})
	assert.True(t, IsRateLimit(err))
	assert.False(t, IsRateLimit(errors.New("rate limit")))
}
