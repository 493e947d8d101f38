package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/metrics"
	"github.com/proposal-insights/backend/pkg/logger"
)

// compactDescription bounds each function description in correction prompts.
const compactDescription = 120

// ReclassifyWithFeedback asks for one corrected classification after fb
// reported a downstream failure, then enforces the relaxation policy on the
// answer. Like Classify it reports failures in the returned value.
func (c *Client) ReclassifyWithFeedback(ctx context.Context, question string, functions []catalog.FunctionSpec, fb ErrorFeedback) Classification {
	compact := make([]catalog.FunctionSpec, len(functions))
	for i, f := range functions {
		compact[i] = f.Compact(compactDescription)
	}

	msgs := buildCorrectionMessages(c.now(), question, compact, fb)

	out, err := c.complete(ctx, c.correctionAttempts, msgs, validateClassification)
	if err != nil {
		cls := failedClassification(err)
		cls.Message = fmt.Sprintf("self-correction exhausted after %d attempts: %v", out.attempts, err)
		cls.Attempts = out.attempts
		metrics.Corrections.WithLabelValues(string(fb.ErrorType), "exhausted").Inc()
		logger.Warn("Self-correction failed",
			zap.String("question", question),
			zap.String("error_type", string(fb.ErrorType)),
			zap.Error(err),
		)
		return cls
	}

	cls, _ := parseClassification(out.content)
	cls.Credential = out.credential
	cls.Attempts = out.attempts

	guarded := PreserveIntent(c.now(), question, functions, fb, cls)

	metrics.Corrections.WithLabelValues(string(fb.ErrorType), "corrected").Inc()
	logger.Info("Classification corrected",
		zap.String("question", question),
		zap.String("error_type", string(fb.ErrorType)),
		zap.String("previous_function", fb.PreviousFunction),
		zap.String("function", guarded.FunctionName),
		zap.Int("arguments", len(guarded.Arguments)),
	)
	return guarded
}
