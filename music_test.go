package main

import (
	"container/heap"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDurationColon(t *testing.T) {
	assert.Equal(t, 3*time.Minute+25*time.Second, parseDurationColon("3:25"))
	assert.Equal(t, time.Hour+2*time.Minute+3*time.Second, parseDurationColon("1:02:03"))
	assert.Equal(t, time.Duration(0), parseDurationColon("212"))
	assert.Equal(t, time.Duration(0), parseDurationColon("1:2:3:4"))
	assert.Equal(t, time.Duration(0), parseDurationColon("a:b"))
}

func TestIsYouTubeURL(t *testing.T) {
	assert.True(t, isYouTubeURL("https://www.youtube.com/watch?v=dQw4w9WgXcQ"))
	assert.True(t, isYouTubeURL("https://youtu.be/dQw4w9WgXcQ"))
	assert.True(t, isYouTubeURL("https://music.youtube.com/watch?v=abc"))
	assert.False(t, isYouTubeURL("https://soundcloud.com/some/track"))
}

func TestParseYtdlpLinesLiveStatus(t *testing.T) {
	out := "https://youtu.be/a1\tSong One\tChannel\t212\tnot_live\n" +
		"https://youtu.be/a2\tOngoing Stream\tChannel\t0\tis_live\n" +
		"https://youtu.be/a3\tOld Upload\tChannel\t180\tNA\n"

	rs := parseYtdlpLines(out)
	require.Len(t, rs, 3)
	assert.False(t, rs[0].Live)
	assert.True(t, rs[1].Live)
	assert.False(t, rs[2].Live, "NA live_status means a plain upload")
}

func TestPickSearchResult(t *testing.T) {
	results := []ytdlpSearchResult{
		{URL: "u1", Title: "Blinding Lights (Live at Coachella)", Uploader: "Random Reuploads", Duration: 40 * time.Minute},
		{URL: "u2", Title: "Blinding Lights (Official Audio)", Uploader: "The Weeknd", Duration: 3*time.Minute + 20*time.Second},
		{URL: "u3", Title: "Some Other Song", Uploader: "The Weeknd", Duration: 3 * time.Minute},
	}

	best := pickSearchResult(results, "Blinding Lights", "The Weeknd")
	assert.Equal(t, "u2", best.URL, "matching title, uploader and sane duration wins")
}

func TestPickSearchResultEmpty(t *testing.T) {
	assert.Equal(t, ytdlpSearchResult{}, pickSearchResult(nil, "x", "y"))
}

func TestPickSearchResultFirstWhenNoSignal(t *testing.T) {
	results := []ytdlpSearchResult{
		{URL: "u1", Title: "Alpha", Uploader: "A"},
		{URL: "u2", Title: "Beta", Uploader: "B"},
	}
	best := pickSearchResult(results, "", "")
	assert.Equal(t, "u1", best.URL)
}

func TestDownloadPriorityQueueOrder(t *testing.T) {
	pq := &PriorityQueue{}
	heap.Init(pq)

	queued := NewTrack("https://www.youtube.com/watch?v=aaa")
	queued.Priority = 1
	prefetch := NewTrack("https://www.youtube.com/watch?v=bbb")
	prefetch.Priority = 0
	urgent := NewTrack("https://www.youtube.com/watch?v=ccc")
	urgent.Priority = 2

	heap.Push(pq, queued)
	heap.Push(pq, prefetch)
	heap.Push(pq, urgent)

	require.Equal(t, 3, pq.Len())
	assert.Same(t, urgent, heap.Pop(pq).(*Track))
	assert.Same(t, queued, heap.Pop(pq).(*Track))
	assert.Same(t, prefetch, heap.Pop(pq).(*Track))
}

func TestNewTrackNeedsResolution(t *testing.T) {
	byURL := NewTrack("https://www.youtube.com/watch?v=abc")
	assert.False(t, byURL.NeedsResolution)

	byQuery := NewTrack("blinding lights")
	assert.True(t, byQuery.NeedsResolution)
}

func TestTrackStatusFormat(t *testing.T) {
	status := trackStatus("▶️ ", "Blinding Lights", "The Weeknd")
	assert.Equal(t, "▶️ Blinding Lights · The Weeknd", status)

	// The NA channel placeholder from yt-dlp is dropped.
	assert.Equal(t, "▶️ Song", trackStatus("▶️ ", "Song", "NA"))

	long := trackStatus("▶️ ", strings.Repeat("x", 300), "Someone")
	assert.LessOrEqual(t, len([]rune(long)), 128)
}
