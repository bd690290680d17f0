package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "exactly", Truncate("exactly", 7))
	assert.Equal(t, "hell...", Truncate("hello world", 7))
	assert.Equal(t, "hel", Truncate("hello", 3))
}

func TestTruncateCenter(t *testing.T) {
	assert.Equal(t, "short", TruncateCenter("short", 10))
	// 11 chars down to 9 keeps 3 from each side.
	assert.Equal(t, "hel...rld", TruncateCenter("hello world", 9))
	assert.Equal(t, "he", TruncateCenter("hello", 2))
}

func TestContainsLower(t *testing.T) {
	assert.True(t, ContainsLower("Blinding Lights", "blinding"))
	assert.True(t, ContainsLower("the weeknd", "The Weeknd"))
	assert.False(t, ContainsLower("daft punk", "weeknd"))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "∞", FormatDuration(0))
	assert.Equal(t, "45s", FormatDuration(45*time.Second))
	assert.Equal(t, "2m 5s", FormatDuration(125*time.Second))
	assert.Equal(t, "1h 30m", FormatDuration(90*time.Minute))
}

func TestFormatClock(t *testing.T) {
	assert.Equal(t, "?:??", FormatClock(0))
	assert.Equal(t, "0:45", FormatClock(45*time.Second))
	assert.Equal(t, "3:05", FormatClock(185*time.Second))
	assert.Equal(t, "1:02:03", FormatClock(time.Hour+2*time.Minute+3*time.Second))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d)

	d, err = ParseDuration("30")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = ParseDuration("10m")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, d)

	d, err = ParseDuration("2H")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, d)

	_, err = ParseDuration("tomorrow")
	assert.Error(t, err)
}

func TestRandomIntRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		v := RandomIntRange(5, 10)
		assert.GreaterOrEqual(t, v, 5)
		assert.LessOrEqual(t, v, 10)
	}
	assert.Equal(t, 7, RandomIntRange(7, 7))
	// Swapped bounds still produce a value in range.
	v := RandomIntRange(10, 5)
	assert.GreaterOrEqual(t, v, 5)
	assert.LessOrEqual(t, v, 10)
}

func TestMinMaxAtoi(t *testing.T) {
	assert.Equal(t, 2, Min(2, 5))
	assert.Equal(t, 5, Max(2, 5))
	assert.Equal(t, 42, Atoi("42"))
	assert.Equal(t, 0, Atoi("nope"))
}
