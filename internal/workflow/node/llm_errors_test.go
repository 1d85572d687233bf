package node

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyLLMError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorRetryable},
		{"rate limited", errors.New("error, status code: 429, message: slow down"), ErrorRetryable},
		{"server error", errors.New("error, status code: 503, message: overloaded"), ErrorRetryable},
		{"bad request", errors.New("error, status code: 400, message: bad"), ErrorFatal},
		{"unauthorized", errors.New("error, status code: 401, message: no"), ErrorFatal},
		{"context length", errors.New("context_length_exceeded: too long"), ErrorFatal},
		{"content policy", errors.New("blocked by content_policy"), ErrorFatal},
		{"unknown", errors.New("connection reset by peer"), ErrorRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyLLMError(tc.err))
		})
	}
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, 429, StatusCode(errors.New("error, status code: 429, message: x")))
	assert.Equal(t, 0, StatusCode(errors.New("nothing here")))
	assert.Equal(t, 0, StatusCode(nil))
}
