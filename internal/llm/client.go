package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/gate"
	"github.com/proposal-insights/backend/internal/metrics"
	"github.com/proposal-insights/backend/pkg/logger"
	"github.com/proposal-insights/backend/pkg/retry"
)

type Config struct {
	Model              string
	PrimaryAPIKey      string
	BackupAPIKey       string
	BaseURL            string
	Temperature        float32
	MaxTokens          int
	Timeout            time.Duration
	MaxAttempts        int
	CorrectionAttempts int
}

// Client classifies questions with two interchangeable API credentials,
// failing over between them on rate limits. Every call passes through the
// concurrency gate.
type Client struct {
	creds              *credentialPool
	gate               *gate.Gate
	model              string
	temperature        float32
	maxTokens          int
	maxAttempts        int
	correctionAttempts int

	rateLimitBackoff retry.Config
	transientBackoff retry.Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config, g *gate.Gate) (*Client, error) {
	if cfg.PrimaryAPIKey == "" {
		return nil, errors.New("llm: primary API key is required")
	}
	if g == nil {
		return nil, errors.New("llm: concurrency gate is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	creds := []*credential{{name: "primary", client: newOpenAIClient(cfg.PrimaryAPIKey, cfg)}}
	if cfg.BackupAPIKey != "" {
		creds = append(creds, &credential{name: "backup", client: newOpenAIClient(cfg.BackupAPIKey, cfg)})
	}

	c := newClient(cfg, g, creds...)

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.Int("credentials", len(creds)),
		zap.Int("max_attempts", c.maxAttempts),
	)

	return c, nil
}

func newOpenAIClient(apiKey string, cfg Config) *openai.Client {
	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = newHTTPClient(cfg.Timeout)
	return openai.NewClientWithConfig(oc)
}

func newClient(cfg Config, g *gate.Gate, creds ...*credential) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.CorrectionAttempts <= 0 {
		cfg.CorrectionAttempts = 2
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	c := &Client{
		gate:               g,
		model:              cfg.Model,
		temperature:        cfg.Temperature,
		maxTokens:          cfg.MaxTokens,
		maxAttempts:        cfg.MaxAttempts,
		correctionAttempts: cfg.CorrectionAttempts,
		rateLimitBackoff: retry.Config{
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Strategy:     retry.Exponential,
		},
		transientBackoff: retry.Config{
			InitialDelay: time.Second,
			MaxDelay:     3 * time.Second,
			Strategy:     retry.Linear,
		},
		now:   time.Now,
		sleep: retry.Sleep,
	}
	c.creds = newCredentialPool(func() time.Time { return c.now() }, creds...)
	return c
}

// Today is the date the prompts are anchored to.
func (c *Client) Today() time.Time {
	return c.now()
}

func (c *Client) CredentialStatus() []CredentialStatus {
	return c.creds.status()
}

// Classify never returns an error: failures come back in Classification.Error.
func (c *Client) Classify(ctx context.Context, req ClassificationRequest) Classification {
	msgs := buildClassificationMessages(c.now(), req)

	out, err := c.complete(ctx, c.maxAttempts, msgs, validateClassification)
	if err != nil {
		cls := failedClassification(err)
		cls.Attempts = out.attempts
		logger.Warn("Classification failed",
			zap.String("question", req.Question),
			zap.String("error_kind", string(cls.Error)),
			zap.Error(err),
		)
		return cls
	}

	cls, _ := parseClassification(out.content)
	cls.Credential = out.credential
	cls.Attempts = out.attempts

	logger.Info("Question classified",
		zap.String("question", req.Question),
		zap.String("function", cls.FunctionName),
		zap.Int("arguments", len(cls.Arguments)),
		zap.Int("attempts", out.attempts),
	)
	return cls
}

// Chat follows the same failover policy as Classify but returns the raw
// completion text and reports final failure as an error.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	out, err := c.complete(ctx, c.maxAttempts, msgs, func(content string) error {
		if strings.TrimSpace(content) == "" {
			return fmt.Errorf("%w: empty response", ErrMalformedResponse)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to complete chat: %w", err)
	}
	return out.content, nil
}

func validateClassification(content string) error {
	_, err := parseClassification(content)
	return err
}

func failedClassification(err error) Classification {
	cls := Classification{
		FunctionName: catalog.NoneFunction,
		Arguments:    map[string]any{},
		Message:      err.Error(),
	}
	var rl *RateLimitError
	switch {
	case errors.As(err, &rl):
		cls.Error = ErrorRateLimit
		cls.RetryAfter = rl.RetryAfter.Seconds()
	case errors.Is(err, ErrMalformedResponse):
		cls.Error = ErrorParse
	default:
		cls.Error = ErrorOther
	}
	return cls
}

type completion struct {
	content    string
	credential string
	attempts   int
}

// complete runs the per-attempt state machine: pick a credential, call
// through the gate, then fail over, back off or give up depending on the
// error. validate turns unusable content into ErrMalformedResponse.
func (c *Client) complete(ctx context.Context, maxAttempts int, msgs []openai.ChatCompletionMessage, validate func(string) error) (completion, error) {
	tried := make(map[int]bool, 2)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return completion{attempts: attempt - 1}, err
		}

		idx := c.creds.pick()
		cred := c.creds.get(idx)
		tried[idx] = true

		content, retryAfter, err := c.call(ctx, cred, msgs)
		if err == nil {
			if verr := validate(content); verr != nil {
				err = verr
			}
		}
		if err == nil {
			c.creds.recover(idx)
			metrics.LLMAttempts.WithLabelValues(cred.name, "success").Inc()
			return completion{content: content, credential: cred.name, attempts: attempt}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return completion{attempts: attempt}, ctxErr
		}

		lastErr = err
		final := attempt == maxAttempts

		switch {
		case isRateLimit(err):
			block := retryAfter
			if block <= 0 {
				block = retry.Backoff(c.rateLimitBackoff, attempt)
			}
			c.creds.block(idx, block)
			lastErr = &RateLimitError{RetryAfter: block, Err: err}
			metrics.LLMAttempts.WithLabelValues(cred.name, "rate_limited").Inc()

			if final {
				lastErr = &RateLimitError{RetryAfter: c.creds.shortestBlock(), Err: err}
				break
			}

			if other := c.creds.other(idx); other >= 0 && !tried[other] && c.creds.available(other) {
				metrics.LLMFailovers.Inc()
				logger.Warn("Rate limited, failing over",
					zap.String("from", cred.name),
					zap.String("to", c.creds.get(other).name),
					zap.Int("attempt", attempt),
					zap.Duration("blocked_for", block),
				)
				continue
			}

			wait := c.creds.shortestBlock()
			if wait < 0 || wait > block {
				wait = block
			}
			logger.Warn("Rate limited, backing off",
				zap.String("credential", cred.name),
				zap.Int("attempt", attempt),
				zap.Duration("delay", wait),
			)
			if err := c.sleep(ctx, wait); err != nil {
				return completion{attempts: attempt}, err
			}

		case errors.Is(err, ErrMalformedResponse):
			metrics.LLMAttempts.WithLabelValues(cred.name, "malformed").Inc()
			logger.Warn("Malformed completion, retrying",
				zap.String("credential", cred.name),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)

		case isTransient(err):
			metrics.LLMAttempts.WithLabelValues(cred.name, "transient").Inc()
			if final {
				break
			}
			delay := retry.Backoff(c.transientBackoff, attempt)
			logger.Warn("Transient LLM error, retrying",
				zap.String("credential", cred.name),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return completion{attempts: attempt}, err
			}

		default:
			metrics.LLMAttempts.WithLabelValues(cred.name, "error").Inc()
			logger.Error("LLM request failed",
				zap.String("credential", cred.name),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return completion{attempts: attempt}, err
		}
	}

	return completion{attempts: maxAttempts}, lastErr
}

// call performs one completion through the gate and reports any Retry-After
// the server sent.
func (c *Client) call(ctx context.Context, cred *credential, msgs []openai.ChatCompletionMessage) (string, time.Duration, error) {
	callCtx, hint := withRetryAfterHint(ctx)

	resp, err := gate.Run(callCtx, c.gate, func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		return cred.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    msgs,
			Temperature: c.temperature,
			MaxTokens:   c.maxTokens,
		})
	})
	if err != nil {
		return "", hint.get(), err
	}

	metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

	if len(resp.Choices) == 0 {
		return "", 0, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}

	logger.Debug("LLM completion generated",
		zap.String("credential", cred.name),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return resp.Choices[0].Message.Content, 0, nil
}
