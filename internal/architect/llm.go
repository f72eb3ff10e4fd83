package architect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Per-attempt budget for a single model call. Retries are handled above the
// completer.
const completionTimeout = 30 * time.Second

const defaultModel = string(anthropic.ModelClaudeSonnet4_5)

const maxCompletionTokens = 2048

// systemPrompt pins the model to the diagnosis JSON contract.
const systemPrompt = `You are a data reliability engineer diagnosing warehouse anomalies.
Respond with a single JSON object and nothing else, using exactly these fields:
{"root_cause": string, "root_cause_table": string, "blast_radius": [string],
"severity": "low"|"medium"|"high"|"critical", "confidence": number between 0 and 1,
"recommendations": [{"action": string, "description": string, "sql": string?, "priority": int}]}`

// RateLimitError signals a throttled API call, optionally carrying the
// server-suggested wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Completer is the narrow model interface the architect depends on. Tests
// substitute fakes; production wires the Anthropic adapter.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// AnthropicCompleter calls the Anthropic Messages API.
type AnthropicCompleter struct {
	client anthropic.Client
	model  string
}

// NewAnthropicCompleter builds the production completer. Model may be empty
// to use the default.
func NewAnthropicCompleter(apiKey, model string) *AnthropicCompleter {
	if model == "" {
		model = defaultModel
	}

	return &AnthropicCompleter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete sends one prompt and returns the concatenated text content.
// Rate-limit responses surface as *RateLimitError so the retry loop can
// honor the server's hint.
func (c *AnthropicCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxCompletionTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if rateLimited := asRateLimit(err); rateLimited != nil {
			return "", rateLimited
		}

		return "", fmt.Errorf("model call failed: %w", err)
	}

	var parts []string

	for i := range message.Content {
		block := &message.Content[i]
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}

	return strings.Join(parts, ""), nil
}

// asRateLimit maps a 429 API error to RateLimitError, reading the
// Retry-After header when the response carries one.
func asRateLimit(err error) *RateLimitError {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 429 {
		return nil
	}

	rateLimited := &RateLimitError{}

	if apiErr.Response != nil {
		if header := apiErr.Response.Header.Get("Retry-After"); header != "" {
			if seconds, parseErr := strconv.Atoi(header); parseErr == nil && seconds > 0 {
				rateLimited.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
	}

	return rateLimited
}
