// Package provider talks to an OpenAI-compatible chat-completion endpoint.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	Temperature = 0.7
	MaxTokens   = 1000

	unknownError = "Unknown error"
)

// ErrTimeout is returned when the endpoint does not answer within the
// client's timeout.
var ErrTimeout = errors.New("provider request timed out")

// Credentials locate and authorize one provider endpoint.
type Credentials struct {
	Key   string
	URL   string
	Model string
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return "OpenAI API Error: " + e.Message
}

type Client struct {
	http    *resty.Client
	timeout time.Duration
}

// NewClient returns a client whose calls are bounded by timeout. A zero
// timeout leaves calls bounded only by the caller's context.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		timeout: timeout,
	}
}

// Complete sends one chat-completion request and returns the first choice's
// message content.
func (c *Client) Complete(ctx context.Context, creds Credentials, messages []ChatMessage) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(creds.Key).
		SetBody(chatRequest{
			Model:       creds.Model,
			Messages:    messages,
			Temperature: Temperature,
			MaxTokens:   MaxTokens,
		}).
		Post(creds.URL)
	if err != nil {
		if isTimeout(ctx, err) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return "", fmt.Errorf("calling provider: %w", err)
	}

	if resp.IsError() {
		var body errorResponse
		msg := unknownError
		if json.Unmarshal(resp.Body(), &body) == nil && body.Error.Message != "" {
			msg = body.Error.Message
		}
		return "", &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}

	var out chatResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decoding provider response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("provider returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
