// Package anthropic implements the advisory classifier on the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"sentinel/internal/advisory"
)

var errAPIKeyRequired = errors.New("API key required")

const promptTemplate = `You review text conversations between a home-services business and its customers.
Decide whether the business still owes the customer a human reply.

Answer "needs_followup": false only when the customer's last messages clearly require nothing further
(for example a thank-you, a confirmation of something already settled, or an automated notice).
When in doubt, answer true.

Only answer false when your confidence is at least {{.Threshold}}.

Respond with a single JSON object and nothing else:
{"needs_followup": true|false, "confidence": <number between 0 and 1>, "reason": "<short reason>"}

Conversation (oldest first, contact details redacted):
{{.Transcript}}`

// Classifier asks a Claude model whether a conversation needs follow-up.
type Classifier struct {
	client     anthropic.Client
	model      anthropic.Model
	prompt     *template.Template
	maxRetries uint64
}

// NewClassifier creates a Classifier for the given model.
func NewClassifier(apiKey, model string) (*Classifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY", errAPIKeyRequired)
	}
	tmpl, err := template.New("advisory").Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	log.Info().Str("model", model).Msg("Advisory classifier configured")
	return &Classifier{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0)),
		model:      anthropic.Model(model),
		prompt:     tmpl,
		maxRetries: 2,
	}, nil
}

// Classify implements advisory.Classifier.
func (c *Classifier) Classify(ctx context.Context, transcript string, threshold float64) (advisory.Verdict, error) {
	var buf strings.Builder
	if err := c.prompt.Execute(&buf, struct {
		Threshold  float64
		Transcript string
	}{threshold, transcript}); err != nil {
		return advisory.Verdict{}, fmt.Errorf("failed to render prompt: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buf.String())),
		},
	}

	var text string
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), c.maxRetries), ctx)
	err := backoff.Retry(func() error {
		message, err := c.client.Messages.New(ctx, params)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(message.Content) == 0 || message.Content[0].Type != "text" {
			return backoff.Permanent(errors.New("unexpected response format: no text block"))
		}
		text = message.Content[0].Text
		return nil
	}, policy)
	if err != nil {
		return advisory.Verdict{}, fmt.Errorf("advisory classification failed: %w", err)
	}

	return ParseVerdict(text)
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 4 * time.Second
	return b
}

// ParseVerdict extracts the JSON verdict from a model reply.
func ParseVerdict(text string) (advisory.Verdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return advisory.Verdict{}, fmt.Errorf("no JSON object in reply %q", truncate(text, 80))
	}

	var raw struct {
		NeedsFollowup *bool    `json:"needs_followup"`
		Confidence    *float64 `json:"confidence"`
		Reason        string   `json:"reason"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return advisory.Verdict{}, fmt.Errorf("unreadable verdict: %w", err)
	}
	if raw.NeedsFollowup == nil || raw.Confidence == nil {
		return advisory.Verdict{}, errors.New("verdict is missing needs_followup or confidence")
	}
	return advisory.Verdict{NeedsFollowup: *raw.NeedsFollowup, Confidence: *raw.Confidence, Reason: raw.Reason}, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
