package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/normanking/taskengine/internal/capabilities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIEmbedderUnavailableWithoutAPIKey(t *testing.T) {
	e := NewOpenAIEmbedder(&OpenAIEmbedderConfig{})
	e.apiKey = ""
	e.available = false
	assert.False(t, e.Available())

	_, err := e.Embed(context.Background(), "x", capabilities.TaskRetrievalDocument)
	assert.Error(t, err)
}

func TestOpenAIEmbedderUnavailableAfterQuotaExceeded(t *testing.T) {
	e := NewOpenAIEmbedder(&OpenAIEmbedderConfig{APIKey: "k"})
	require.True(t, e.Available())

	e.setQuotaExceeded(time.Hour)
	assert.False(t, e.Available())

	_, err := e.Embed(context.Background(), "x", capabilities.TaskRetrievalDocument)
	assert.Error(t, err)
}

func TestOpenAIEmbedderModelDimensions(t *testing.T) {
	small := NewOpenAIEmbedder(&OpenAIEmbedderConfig{APIKey: "k", Model: OpenAIEmbeddingModelSmall})
	assert.Equal(t, openAISmallDimension, small.Dimension())

	large := NewOpenAIEmbedder(&OpenAIEmbedderConfig{APIKey: "k", Model: OpenAIEmbeddingModelLarge})
	assert.Equal(t, openAILargeDimension, large.Dimension())
}
