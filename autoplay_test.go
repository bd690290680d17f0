package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "song x", normalizeText("Song X (Official Audio)"))
	assert.Equal(t, "song x", normalizeText("Song X [HD] {Remastered}"))
	assert.Equal(t, "artist topic", normalizeText("Artist - Topic"))
	assert.Equal(t, "a b c", normalizeText("  a,,b..c  "))
	assert.Equal(t, "", normalizeText("(everything bracketed)"))
}

func TestNormalizeTextNestedBrackets(t *testing.T) {
	// Stripping loops until stable, unmatched closers fold to spaces.
	assert.Equal(t, "song nesting", normalizeText("Song ([weird) nesting]"))
}

func TestCoreTitleCollapsesVariants(t *testing.T) {
	variants := []string{
		"Song X (Official Audio)",
		"Song X - Official Video",
		"Song X [Lyric Video] HD",
		"SONG X (Live) (Sped Up)",
	}
	for _, v := range variants {
		assert.Equal(t, "song x", coreTitle(v), "variant: %s", v)
	}
}

func TestCoreTitleShortTokens(t *testing.T) {
	// Short tokens in the title proper are identity; initials left dangling
	// behind a stripped descriptor are credit noise.
	assert.Equal(t, "song x", coreTitle("Song X"))
	assert.Equal(t, "night drive", coreTitle("Night Drive ft. A"))
	assert.Equal(t, "night drive cole", coreTitle("Night Drive feat. J Cole"))
}

func TestCoreTitleCapsLength(t *testing.T) {
	long := ""
	for range 40 {
		long += "token "
	}
	core := coreTitle(long)
	assert.LessOrEqual(t, len([]rune(core)), 120)
}

func TestTrackFingerprint(t *testing.T) {
	fp := trackFingerprint("Song X (Official Audio)", "Some Uploader")
	assert.Equal(t, "song x::some uploader", fp)

	// Same normalized inputs collide on purpose.
	assert.Equal(t, fp, trackFingerprint("song x", "SOME UPLOADER!"))

	long := ""
	for range 30 {
		long += "abcdefghij"
	}
	capped := trackFingerprint(long, long)
	assert.Equal(t, fingerprintTitleLen+len("::")+fingerprintUploaderLen, len([]rune(capped)))
}

func TestExtractVideoID(t *testing.T) {
	assert.Equal(t, "dQw4w9WgXcQ", extractVideoID("https://www.youtube.com/watch?v=dQw4w9WgXcQ"))
	assert.Equal(t, "dQw4w9WgXcQ", extractVideoID("https://www.youtube.com/watch?list=RD123&v=dQw4w9WgXcQ"))
	assert.Equal(t, "dQw4w9WgXcQ", extractVideoID("https://youtu.be/dQw4w9WgXcQ?t=30"))
	assert.Equal(t, "abc123", extractVideoID("https://www.youtube.com/shorts/abc123"))
	assert.Equal(t, "xyz", extractVideoID("https://example.com/track?id=xyz"))

	// Unrecognized URLs hash to a stable synthetic ID.
	a := extractVideoID("https://example.com/some/audio.mp3")
	b := extractVideoID("https://example.com/some/audio.mp3")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, extractVideoID("https://example.com/other.mp3"))
}

func TestEditRatio(t *testing.T) {
	assert.Equal(t, 1.0, editRatio("same", "same"))
	assert.Equal(t, 0.0, editRatio("", "anything"))
	assert.InDelta(t, 0.8, editRatio("abcde", "abcdx"), 0.001)
	assert.Greater(t, editRatio("blinding lights", "blinding light"), autoplayDupRatio)
	assert.Less(t, editRatio("blinding lights", "save your tears"), autoplayDupRatio)
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, jaccard("a b c", "c b a"))
	assert.Equal(t, 0.0, jaccard("", "a b"))
	assert.InDelta(t, 0.4, jaccard("a b c", "a b d e"), 0.001)
	assert.GreaterOrEqual(t, jaccard("blinding lights remix", "blinding lights"), 0.5)
}

func TestHistoryBounded(t *testing.T) {
	e := NewAutoplayEngine()
	for i := range 400 {
		e.RegisterNowPlaying(fmt.Sprintf("vid%03d", i), fmt.Sprintf("Title %d", i), "Uploader")
	}
	assert.Equal(t, autoplayHistoryMax, e.HistoryLen())
	assert.False(t, e.InHistory("vid000"), "oldest entry should be evicted")
	assert.False(t, e.InHistory("vid149"))
	assert.True(t, e.InHistory("vid150"), "newest 250 entries should remain")
	assert.True(t, e.InHistory("vid399"))
}

func TestRegisterNowPlayingIdempotent(t *testing.T) {
	e := NewAutoplayEngine()
	e.RegisterNowPlaying("abc", "Some Song", "Artist")
	e.RegisterNowPlaying("abc", "Some Song", "Artist")
	e.RegisterNowPlaying("abc", "Some Song", "Artist")
	assert.Equal(t, 1, e.HistoryLen())

	// A looped track re-registers with the same ID every cycle.
	e.RegisterNowPlaying("def", "Other Song", "Artist")
	e.RegisterNowPlaying("def", "Other Song", "Artist")
	assert.Equal(t, 2, e.HistoryLen())
}

func TestIsNearDuplicate(t *testing.T) {
	e := NewAutoplayEngine()
	e.RegisterNowPlaying("seed1", "Blinding Lights (Official Audio)", "The Weeknd")

	assert.True(t, e.IsNearDuplicate("Blinding Lights (Official Audio)", "The Weeknd"), "exact fingerprint")
	assert.True(t, e.IsNearDuplicate("Blinding Lights - Lyric Video", "The Weeknd"), "same core, same uploader")
	assert.True(t, e.IsNearDuplicate("Blinding Lights (Remix)", "Someone Else"), "same core, different uploader")
	assert.True(t, e.IsNearDuplicate("Blinding Light", "Reupload Channel"), "near-identical core by edit distance")
	assert.False(t, e.IsNearDuplicate("Save Your Tears", "The Weeknd"), "different song")
}

func TestIsNearDuplicateCrossUploaderOutlivesRecentRing(t *testing.T) {
	e := NewAutoplayEngine()
	e.RegisterNowPlaying("seed1", "Song X (Official Audio)", "Channel A")

	// Push the seed's core title out of the recent ring entirely.
	for i := range autoplayRecentMax + 5 {
		e.RegisterNowPlaying(fmt.Sprintf("fill%02d", i), fmt.Sprintf("Filler Track Number %02d", i), "Filler Channel")
	}

	// A re-upload by another channel still collides on the core title.
	assert.True(t, e.IsNearDuplicate("Song X (Official Video)", "Channel B"))
}

func TestIsNearDuplicateShortCoreBypass(t *testing.T) {
	e := NewAutoplayEngine()
	e.RegisterNowPlaying("seed1", "OK", "X")
	// Cores below the minimum length carry too little signal to judge.
	assert.False(t, e.IsNearDuplicate("OK", "X"))
	assert.False(t, e.IsNearDuplicate("Go!", "Y"))
}

func fakeSearchers(e *AutoplayEngine, radio []AutoplayCandidate, radioErr error, text []AutoplayCandidate, textErr error) {
	e.radioSearch = func(ctx context.Context, videoID string) ([]AutoplayCandidate, error) {
		return radio, radioErr
	}
	e.textSearch = func(ctx context.Context, query string, limit int) ([]AutoplayCandidate, error) {
		return text, textErr
	}
}

func TestNextTrackSelection(t *testing.T) {
	e := NewAutoplayEngine()
	e.RegisterNowPlaying("seed1", "Blinding Lights", "The Weeknd")
	e.RegisterNowPlaying("old1", "Starboy", "The Weeknd")
	e.nowID, e.nowTitle, e.nowUploader = "seed1", "Blinding Lights", "The Weeknd"
	e.lastRun = time.Time{}

	fakeSearchers(e, []AutoplayCandidate{
		{ID: "seed1", Title: "Blinding Lights", Uploader: "The Weeknd", Duration: 3 * time.Minute},
		{ID: "short1", Title: "Blinding Lights Clip", Uploader: "Clips", Duration: 30 * time.Second},
		{ID: "long1", Title: "Blinding Lights 1 Hour Loop", Uploader: "Loops", Duration: 60 * time.Minute},
		{ID: "old1", Title: "Starboy", Uploader: "The Weeknd", Duration: 4 * time.Minute},
		{ID: "dup1", Title: "Blinding Lights (Lyrics)", Uploader: "The Weeknd", Duration: 3 * time.Minute},
		{ID: "ok1", Title: "Save Your Tears", Uploader: "The Weeknd", Duration: 3 * time.Minute},
		{ID: "ok2", Title: "City Lights Blinding Tonight", Uploader: "Other Artist", Duration: 4 * time.Minute},
		{ID: "noise1", Title: "Unrelated Podcast Episode", Uploader: "Talk Show", Duration: 5 * time.Minute},
	}, nil, nil, nil)

	best, err := e.NextTrack(context.Background())
	require.NoError(t, err)
	require.NotNil(t, best)

	// ok1 overlaps on its uploader tokens, ok2 on two title tokens. Both
	// score 2, and ties go to the first-seen candidate.
	assert.Equal(t, "ok1", best.ID)
	assert.True(t, e.InHistory("ok1"), "winner must be claimed immediately")
	assert.True(t, e.IsNearDuplicate(best.Title, best.Uploader), "claimed winner must count as a duplicate from now on")
}

func TestNextTrackUploaderMatchWithoutOverlap(t *testing.T) {
	e := NewAutoplayEngine()
	e.RegisterNowPlaying("seed1", "Blinding Lights", "Weeknd")
	e.lastRun = time.Time{}

	// cand1 shares only one token with the seed, below the overlap minimum,
	// but the uploader-containment exception lets it through.
	fakeSearchers(e, []AutoplayCandidate{
		{ID: "cand1", Title: "Save Your Tears", Uploader: "Weeknd VEVO", Duration: 3 * time.Minute},
		{ID: "cand2", Title: "Totally Different Song", Uploader: "Nobody", Duration: 3 * time.Minute},
	}, nil, nil, nil)

	best, err := e.NextTrack(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cand1", best.ID)
}

func TestNextTrackSameArtistScoresUploaderTokens(t *testing.T) {
	e := NewAutoplayEngine()
	e.RegisterNowPlaying("seed1", "Blinding Lights", "The Weeknd")
	e.nowID, e.nowTitle, e.nowUploader = "seed1", "Blinding Lights", "The Weeknd"
	e.lastRun = time.Time{}

	// The same-artist candidate scores 2 on uploader tokens alone and is
	// seen first, so a later candidate with an equal title-token score
	// cannot displace it.
	fakeSearchers(e, []AutoplayCandidate{
		{ID: "artist1", Title: "Save Your Tears", Uploader: "The Weeknd", Duration: 3 * time.Minute},
		{ID: "title1", Title: "Blinding Lights Extended Cut", Uploader: "Edits Channel", Duration: 4 * time.Minute},
	}, nil, nil, nil)

	best, err := e.NextTrack(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "artist1", best.ID)
}

func TestNextTrackCooldown(t *testing.T) {
	e := NewAutoplayEngine()
	e.lastRun = time.Now()
	fakeSearchers(e, nil, nil, nil, nil)

	_, err := e.NextTrack(context.Background())
	assert.ErrorIs(t, err, ErrAutoplayCooldown)
}

func TestNextTrackBusy(t *testing.T) {
	e := NewAutoplayEngine()
	e.runMu.Lock()
	defer e.runMu.Unlock()

	_, err := e.NextTrack(context.Background())
	assert.ErrorIs(t, err, ErrAutoplayBusy)
}

func TestNextTrackTextFallback(t *testing.T) {
	e := NewAutoplayEngine()
	e.RegisterNowPlaying("seed1", "Blinding Lights", "The Weeknd")
	e.lastRun = time.Time{}

	var queries []string
	e.radioSearch = func(ctx context.Context, videoID string) ([]AutoplayCandidate, error) {
		return nil, errors.New("radio unavailable")
	}
	e.textSearch = func(ctx context.Context, query string, limit int) ([]AutoplayCandidate, error) {
		queries = append(queries, query)
		return []AutoplayCandidate{
			{ID: "txt1", Title: "Blinding Lights Slowed Down Mix", Uploader: "Mixes", Duration: 4 * time.Minute},
		}, nil
	}

	best, err := e.NextTrack(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "txt1", best.ID)
	require.Len(t, queries, 1)
	assert.Equal(t, "blinding lights the weeknd audio", queries[0])

	// The fallback alternates query shapes between runs.
	e.lastRun = time.Time{}
	e.textSearch = func(ctx context.Context, query string, limit int) ([]AutoplayCandidate, error) {
		queries = append(queries, query)
		return nil, nil
	}
	_, _ = e.NextTrack(context.Background())
	require.Len(t, queries, 2)
	assert.Equal(t, "the weeknd mix", queries[1])
}

func TestNextTrackSearchFailed(t *testing.T) {
	e := NewAutoplayEngine()
	e.RegisterNowPlaying("seed1", "Blinding Lights", "The Weeknd")
	e.lastRun = time.Time{}

	fakeSearchers(e, nil, errors.New("radio down"), nil, errors.New("text down"))

	_, err := e.NextTrack(context.Background())
	assert.ErrorIs(t, err, ErrSearchFailed)
}

func TestNextTrackNoCandidate(t *testing.T) {
	e := NewAutoplayEngine()
	e.RegisterNowPlaying("seed1", "Blinding Lights", "The Weeknd")
	e.lastRun = time.Time{}

	// Searches run fine but nothing survives the filters.
	fakeSearchers(e, []AutoplayCandidate{
		{ID: "seed1", Title: "Blinding Lights", Uploader: "The Weeknd", Duration: 3 * time.Minute},
		{ID: "live1", Title: "Blinding Lights Radio", Uploader: "The Weeknd", Duration: 3 * time.Minute, Live: true},
		{ID: "short1", Title: "Blinding Lights Short", Uploader: "The Weeknd", Duration: 10 * time.Second},
	}, nil, nil, nil)

	_, err := e.NextTrack(context.Background())
	assert.ErrorIs(t, err, ErrNoCandidate)
}

func TestUsableDuration(t *testing.T) {
	assert.False(t, AutoplayCandidate{Duration: 0}.usableDuration())
	assert.False(t, AutoplayCandidate{Duration: 59 * time.Second}.usableDuration())
	assert.True(t, AutoplayCandidate{Duration: 60 * time.Second}.usableDuration())
	assert.True(t, AutoplayCandidate{Duration: 12 * time.Minute}.usableDuration())
	assert.False(t, AutoplayCandidate{Duration: 12*time.Minute + time.Second}.usableDuration())
	assert.False(t, AutoplayCandidate{Duration: 3 * time.Minute, Live: true}.usableDuration())
}
