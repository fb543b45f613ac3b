package contextcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/models"
)

func TestEstimateTokensEmpty(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
}

func TestEstimateTokensEnglishUsesFourCharsPerToken(t *testing.T) {
	text := "12345678" // 8 chars
	assert.Equal(t, 2, EstimateTokens(text))
}

func TestEstimateTokensCJKUsesTwoCharsPerToken(t *testing.T) {
	text := "こんにちは世界ありがとう" // entirely CJK, ratio > 0.3
	got := EstimateTokens(text)
	runeLen := len([]rune(text))
	assert.Equal(t, runeLen/2, got)
}

func testModel() *models.Model {
	return &models.Model{
		ID:              "test-model",
		ContextWindow:   1000,
		MaxOutputTokens: 200,
	}
}

func TestValidateWithinWindow(t *testing.T) {
	model := testModel()
	result, gerr := Validate(100, nil, model)
	require.Nil(t, gerr)
	assert.Equal(t, 100, result.EstimatedInputTokens)
	assert.Equal(t, model.MaxOutputTokens, result.RequestedOutput)
	assert.False(t, result.NearLimit)
}

func TestValidateExceedsContextWindow(t *testing.T) {
	model := testModel()
	_, gerr := Validate(900, nil, model)
	require.NotNil(t, gerr)
	assert.Equal(t, "context_length_exceeded", gerr.Code)
}

func TestValidateRequestedOutputExceedsMax(t *testing.T) {
	model := testModel()
	requested := 500
	_, gerr := Validate(10, &requested, model)
	require.NotNil(t, gerr)
	assert.Equal(t, "max_output_exceeded", gerr.Code)
}

func TestValidateNearLimit(t *testing.T) {
	model := testModel()
	result, gerr := Validate(750, nil, model)
	require.Nil(t, gerr)
	assert.True(t, result.NearLimit)
}
