package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitReplyShort(t *testing.T) {
	parts := splitReply("hello", 2000)
	require.Len(t, parts, 1)
	assert.Equal(t, "hello", parts[0])
}

func TestSplitReplyChunksLongText(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("lorem ipsum dolor ", 200))
	parts := splitReply(long, 2000)

	require.Greater(t, len(parts), 1)
	for _, p := range parts {
		assert.NotEmpty(t, p)
		assert.LessOrEqual(t, len(p), 2000)
	}

	// No words are lost across the cuts.
	assert.Equal(t, strings.Fields(long), strings.Fields(strings.Join(parts, " ")))
}

func TestSplitReplyPrefersWordBoundaries(t *testing.T) {
	text := strings.Repeat("a", 90) + " " + strings.Repeat("b", 90)
	parts := splitReply(text, 100)

	require.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("a", 90), parts[0])
	assert.Equal(t, strings.Repeat("b", 90), parts[1])
}

func TestGroqModelFallsBack(t *testing.T) {
	orig := GlobalConfig
	defer func() { GlobalConfig = orig }()

	GlobalConfig = nil
	assert.Equal(t, groqDefaultModel, groqModel())

	GlobalConfig = &Config{GroqModel: "llama-3.1-8b-instant"}
	assert.Equal(t, "llama-3.1-8b-instant", groqModel())
}
