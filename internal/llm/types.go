package llm

import (
	"errors"
	"fmt"
	"time"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/rag"
)

var ErrMalformedResponse = errors.New("malformed completion response")

type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

type ErrorKind string

const (
	ErrorRateLimit ErrorKind = "rate_limit"
	ErrorParse     ErrorKind = "parse_error"
	ErrorOther     ErrorKind = "other"
)

// Classification is the outcome of one classify call. Failures are carried
// in Error rather than returned, so callers always get a value back.
type Classification struct {
	FunctionName string         `json:"function_name"`
	Arguments    map[string]any `json:"arguments"`
	Error        ErrorKind      `json:"error,omitempty"`
	Message      string         `json:"message,omitempty"`
	// RetryAfter is in seconds.
	RetryAfter float64 `json:"retry_after,omitempty"`
	Credential string  `json:"credential,omitempty"`
	Attempts   int     `json:"attempts,omitempty"`
}

func (c Classification) Failed() bool {
	return c.Error != ""
}

func (c Classification) IsNone() bool {
	return c.FunctionName == "" || c.FunctionName == catalog.NoneFunction
}

// Clone copies the argument map so a corrected classification never aliases
// the one it was derived from.
func (c Classification) Clone() Classification {
	out := c
	out.Arguments = make(map[string]any, len(c.Arguments))
	for k, v := range c.Arguments {
		out.Arguments[k] = v
	}
	return out
}

type ClassificationRequest struct {
	Question  string
	Functions []catalog.FunctionSpec
	Examples  []catalog.Example
	Context   *rag.RAGContext
	// Hints are pre-resolved facts such as parsed date ranges.
	Hints []string
}

type FeedbackType string

const (
	FeedbackNoResults           FeedbackType = "no_results"
	FeedbackSQLError            FeedbackType = "sql_error"
	FeedbackClassificationError FeedbackType = "classification_error"
)

type ErrorFeedback struct {
	PreviousFunction string              `json:"previous_function"`
	PreviousArgs     map[string]any      `json:"previous_args"`
	ErrorType        FeedbackType        `json:"error_type"`
	ErrorMessage     string              `json:"error_message"`
	DatabaseHints    map[string][]string `json:"database_hints,omitempty"`
}

func (e ErrorFeedback) String() string {
	return fmt.Sprintf("%s on %s (%d args): %s", e.ErrorType, e.PreviousFunction, len(e.PreviousArgs), e.ErrorMessage)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CredentialStatus struct {
	Name             string    `json:"name"`
	Active           bool      `json:"active"`
	RateLimited      bool      `json:"rate_limited"`
	RateLimitedUntil time.Time `json:"rate_limited_until,omitempty"`
}
