// Package contextcheck validates that a chat request's estimated token
// count fits a model's context window before dispatch. Grounded on
// original_source's services/context_validation.py; the CJK-aware
// character-per-token heuristic is carried over verbatim as a monotone
// upper bound.
package contextcheck

import (
	gwerrors "github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/errors"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/models"
)

// EstimateTokens approximates a token count for text: ~4 characters per
// token for English/code, ~2 characters per token once more than 30% of
// the characters are CJK.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	runes := []rune(text)
	var cjk int
	for _, r := range runes {
		if (r >= 0x4e00 && r <= 0x9fff) || (r >= 0x3040 && r <= 0x30ff) {
			cjk++
		}
	}
	cjkRatio := float64(cjk) / float64(len(runes))

	charsPerToken := 4.0
	if cjkRatio > 0.3 {
		charsPerToken = 2.0
	}
	return int(float64(len(runes)) / charsPerToken)
}

// Result carries the estimate so callers can log or report near-limit
// warnings without recomputing it.
type Result struct {
	EstimatedInputTokens int
	RequestedOutput      int
	TotalTokens          int
	NearLimit            bool // crossed 80% of the context window
}

// Validate checks estimatedInputTokens + requestedMaxOutput against the
// model's context window and max_output_tokens ceiling.
func Validate(estimatedInputTokens int, requestedMaxOutput *int, model *models.Model) (*Result, *gwerrors.Error) {
	output := model.MaxOutputTokens
	if requestedMaxOutput != nil && *requestedMaxOutput > 0 {
		output = *requestedMaxOutput
	}

	if output > model.MaxOutputTokens {
		return nil, gwerrors.ContextTooLarge("max_output_exceeded", "requested max_tokens exceeds the model's max_output_tokens")
	}

	total := estimatedInputTokens + output
	if total > model.ContextWindow {
		return nil, gwerrors.ContextTooLarge("context_length_exceeded", "Request exceeds model context window")
	}

	return &Result{
		EstimatedInputTokens: estimatedInputTokens,
		RequestedOutput:      output,
		TotalTokens:          total,
		NearLimit:            float64(total) > float64(model.ContextWindow)*0.8,
	}, nil
}
