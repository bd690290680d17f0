package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Tuning knobs for the recommendation engine. Durations outside the gate are
// almost always compilations, loops or shorts.
const (
	autoplayCooldown   = 2 * time.Second
	autoplayHistoryMax = 250
	autoplayRecentMax  = 30
	autoplayMinDur     = 60 * time.Second
	autoplayMaxDur     = 12 * time.Minute
	autoplayMinOverlap = 2
	autoplayDupRatio   = 0.88
	autoplayDupJaccard = 0.70
	autoplayMinCoreLen = 4
	autoplayRadioLimit = 20
	autoplayTextLimit  = 12

	fingerprintTitleLen    = 90
	fingerprintUploaderLen = 50
)

var (
	ErrAutoplayCooldown = errors.New("autoplay: attempted too soon after the previous attempt")
	ErrAutoplayBusy     = errors.New("autoplay: a search is already in progress for this session")
	ErrSearchFailed     = errors.New("autoplay: all candidate searches failed")
	ErrNoCandidate      = errors.New("autoplay: no usable candidate found")
)

var (
	bracketedRegex = regexp.MustCompile(`[\(\[\{][^\)\]\}]*[\)\]\}]`)
	nonAlnumRegex  = regexp.MustCompile(`[^a-z0-9\s]`)
	spaceRegex     = regexp.MustCompile(`\s+`)

	videoIDRegex = regexp.MustCompile(`(?:\?|&)v=([^&]+)`)
	rawIDRegex   = regexp.MustCompile(`(?:\?|&)id=([^&]+)`)
)

// Decoration words carry no identity: the same song reuploaded as a lyric
// video, sped-up edit or live cut must reduce to the same core title.
var decorationTokens = map[string]struct{}{
	"remix": {}, "edit": {}, "live": {}, "sped": {}, "slowed": {},
	"up": {}, "instrumental": {}, "karaoke": {}, "official": {},
	"audio": {}, "video": {}, "lyric": {}, "lyrics": {}, "hd": {},
	"hq": {}, "mv": {}, "visualizer": {}, "cover": {}, "version": {},
	"ft": {}, "feat": {},
}

// --- Text Normalization ---

// normalizeText lowercases, strips bracketed segments, folds everything
// non-alphanumeric to spaces and collapses runs of whitespace.
func normalizeText(s string) string {
	s = strings.ToLower(s)
	for {
		stripped := bracketedRegex.ReplaceAllString(s, " ")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = nonAlnumRegex.ReplaceAllString(s, " ")
	s = spaceRegex.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// coreTitle reduces a raw title to the tokens that identify the song itself.
// Single-character tokens are kept when they belong to the title proper
// ("Song X" keeps its "x"), but dropped when a stripped descriptor leaves
// them dangling (the initial in "ft. A" is credit noise, not identity).
func coreTitle(title string) string {
	norm := normalizeText(title)
	var kept []string
	afterDescriptor := false
	for _, tok := range strings.Fields(norm) {
		if _, drop := decorationTokens[tok]; drop {
			afterDescriptor = true
			continue
		}
		if len(tok) <= 1 && afterDescriptor {
			continue
		}
		afterDescriptor = false
		kept = append(kept, tok)
	}
	core := strings.Join(kept, " ")
	if r := []rune(core); len(r) > 120 {
		core = string(r[:120])
	}
	return core
}

// trackFingerprint builds a stable identity key from a title/uploader pair.
func trackFingerprint(title, uploader string) string {
	t := []rune(normalizeText(title))
	if len(t) > fingerprintTitleLen {
		t = t[:fingerprintTitleLen]
	}
	u := []rune(normalizeText(uploader))
	if len(u) > fingerprintUploaderLen {
		u = u[:fingerprintUploaderLen]
	}
	return string(t) + "::" + string(u)
}

// extractVideoID pulls a YouTube video ID out of the URL shapes yt-dlp
// produces. Unrecognized URLs hash to a synthetic ID so dedup still works.
func extractVideoID(rawURL string) string {
	if m := videoIDRegex.FindStringSubmatch(rawURL); len(m) > 1 && len(m[1]) <= 50 {
		return m[1]
	}
	if m := rawIDRegex.FindStringSubmatch(rawURL); len(m) > 1 && len(m[1]) <= 50 {
		return m[1]
	}
	for _, prefix := range []string{"youtu.be/", "shorts/"} {
		if idx := strings.Index(rawURL, prefix); idx >= 0 {
			id := rawURL[idx+len(prefix):]
			if q := strings.IndexAny(id, "?&/"); q >= 0 {
				id = id[:q]
			}
			if id != "" && len(id) <= 50 {
				return id
			}
		}
	}
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:16]
}

// --- Similarity ---

// editRatio returns a normalized similarity in [0, 1] based on edit distance.
func editRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = Min(Min(curr[j-1]+1, prev[j]+1), prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	maxLen := Max(len(ra), len(rb))
	return 1 - float64(prev[len(rb)])/float64(maxLen)
}

// jaccard returns the token-set overlap ratio of two normalized strings.
func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}

// --- Candidates ---

type AutoplayCandidate struct {
	ID       string
	URL      string
	Title    string
	Uploader string
	Duration time.Duration
	Live     bool
}

// usableDuration gates out shorts, loops, full albums and live streams.
func (c AutoplayCandidate) usableDuration() bool {
	if c.Live || c.Duration <= 0 {
		return false
	}
	return c.Duration >= autoplayMinDur && c.Duration <= autoplayMaxDur
}

// --- Engine ---

// AutoplayEngine tracks what a voice session has played and recommends the
// next track when the queue runs dry. One engine per session.
type AutoplayEngine struct {
	runMu   sync.Mutex
	lastRun time.Time

	memMu            sync.Mutex
	history          []string
	historySet       map[string]struct{}
	fingerprints     map[string]struct{}
	coreFingerprints map[string]struct{}
	recentCores      []string

	nowID       string
	nowTitle    string
	nowUploader string

	flip bool

	// Injected search backends, swapped out in tests.
	radioSearch func(ctx context.Context, videoID string) ([]AutoplayCandidate, error)
	textSearch  func(ctx context.Context, query string, limit int) ([]AutoplayCandidate, error)
}

func NewAutoplayEngine() *AutoplayEngine {
	e := &AutoplayEngine{
		historySet:       make(map[string]struct{}),
		fingerprints:     make(map[string]struct{}),
		coreFingerprints: make(map[string]struct{}),
	}
	e.radioSearch = fetchRadioCandidates
	e.textSearch = fetchTextCandidates
	return e
}

// RegisterNowPlaying records a track transition. Safe to call on every
// transition including repeats of the same track.
func (e *AutoplayEngine) RegisterNowPlaying(id, title, uploader string) {
	e.memMu.Lock()
	defer e.memMu.Unlock()

	if id != "" && id == e.nowID {
		return
	}
	e.nowID = id
	e.nowTitle = title
	e.nowUploader = uploader
	e.remember(id, title, uploader)
	LogAutoplay(MsgAutoplayRegistered, title)
}

// remember inserts a track into the bounded memory. Caller holds memMu.
func (e *AutoplayEngine) remember(id, title, uploader string) {
	if id != "" {
		if _, seen := e.historySet[id]; !seen {
			e.history = append(e.history, id)
			e.historySet[id] = struct{}{}
			if len(e.history) > autoplayHistoryMax {
				evicted := e.history[0]
				e.history = e.history[1:]
				delete(e.historySet, evicted)
			}
		}
	}

	e.fingerprints[trackFingerprint(title, uploader)] = struct{}{}
	core := coreTitle(title)
	// Keyed by core title alone so re-uploads of the same song by a
	// different channel still collide.
	e.coreFingerprints[core] = struct{}{}

	e.recentCores = append(e.recentCores, core)
	if len(e.recentCores) > autoplayRecentMax {
		e.recentCores = e.recentCores[1:]
	}
}

// InHistory reports whether a video ID was played recently.
func (e *AutoplayEngine) InHistory(id string) bool {
	e.memMu.Lock()
	defer e.memMu.Unlock()
	_, ok := e.historySet[id]
	return ok
}

// HistoryLen returns the current size of the ID history.
func (e *AutoplayEngine) HistoryLen() int {
	e.memMu.Lock()
	defer e.memMu.Unlock()
	return len(e.history)
}

// IsNearDuplicate classifies a candidate against everything played so far.
func (e *AutoplayEngine) IsNearDuplicate(title, uploader string) bool {
	core := coreTitle(title)
	if len(core) < autoplayMinCoreLen {
		// Too little signal to judge. Let it through.
		return false
	}

	e.memMu.Lock()
	defer e.memMu.Unlock()

	if _, ok := e.fingerprints[trackFingerprint(title, uploader)]; ok {
		return true
	}
	if _, ok := e.coreFingerprints[core]; ok {
		return true
	}
	for _, recent := range e.recentCores {
		if len(recent) < autoplayMinCoreLen {
			continue
		}
		if editRatio(core, recent) >= autoplayDupRatio {
			return true
		}
		if jaccard(core, recent) >= autoplayDupJaccard {
			return true
		}
	}
	return false
}

// NextTrack finds and claims the next track to play after the current one.
// Returns ErrAutoplayCooldown or ErrAutoplayBusy when a caller should simply
// back off, ErrSearchFailed when every search errored, and ErrNoCandidate
// when searches ran but nothing survived filtering.
func (e *AutoplayEngine) NextTrack(ctx context.Context) (*AutoplayCandidate, error) {
	if !e.runMu.TryLock() {
		LogAutoplay(MsgAutoplayBusy)
		return nil, ErrAutoplayBusy
	}
	defer e.runMu.Unlock()

	if time.Since(e.lastRun) < autoplayCooldown {
		LogAutoplay(MsgAutoplayOnCooldown)
		return nil, ErrAutoplayCooldown
	}
	e.lastRun = time.Now()

	e.memMu.Lock()
	seedID, seedTitle, seedUploader := e.nowID, e.nowTitle, e.nowUploader
	e.memMu.Unlock()

	LogAutoplay(MsgAutoplaySearching, seedTitle)

	candidates, err := e.findCandidates(ctx, seedID, seedTitle, seedUploader)
	if err != nil {
		return nil, err
	}

	best := e.selectBest(candidates, seedID, seedTitle, seedUploader)
	if best == nil {
		LogAutoplay(MsgAutoplayNoCandidate, seedTitle)
		return nil, ErrNoCandidate
	}

	// Claim immediately so a concurrent transition cannot pick it twice.
	e.memMu.Lock()
	e.remember(best.ID, best.Title, best.Uploader)
	e.memMu.Unlock()

	return best, nil
}

// findCandidates runs the two search phases: related-playlist expansion
// first, plain text search only when that yields nothing.
func (e *AutoplayEngine) findCandidates(ctx context.Context, seedID, seedTitle, seedUploader string) ([]AutoplayCandidate, error) {
	var (
		phaseAErr error
		pool      []AutoplayCandidate
	)

	if seedID != "" {
		pool, phaseAErr = e.radioSearch(ctx, seedID)
	}
	if len(pool) > 0 {
		return pool, nil
	}

	query := e.nextTextQuery(seedTitle, seedUploader)
	pool, phaseBErr := e.textSearch(ctx, query, autoplayTextLimit)
	if len(pool) > 0 {
		return pool, nil
	}

	if phaseAErr != nil && phaseBErr != nil {
		LogAutoplay(MsgAutoplaySearchFailed, seedTitle)
		return nil, fmt.Errorf("%w: radio: %v, text: %v", ErrSearchFailed, phaseAErr, phaseBErr)
	}
	return nil, nil
}

// nextTextQuery alternates between two query shapes so repeated fallbacks
// do not keep hitting the same result page.
func (e *AutoplayEngine) nextTextQuery(seedTitle, seedUploader string) string {
	e.memMu.Lock()
	flip := e.flip
	e.flip = !e.flip
	e.memMu.Unlock()

	if flip {
		return fmt.Sprintf("%s mix", normalizeText(seedUploader))
	}
	return fmt.Sprintf("%s %s audio", coreTitle(seedTitle), normalizeText(seedUploader))
}

// selectBest filters and scores candidates, returning the strongest or nil.
// Overlap counts shared tokens across title and uploader together, so a
// same-artist candidate scores even when the titles share nothing.
func (e *AutoplayEngine) selectBest(candidates []AutoplayCandidate, seedID, seedTitle, seedUploader string) *AutoplayCandidate {
	seedUploaderNorm := normalizeText(seedUploader)
	seedTokens := tokenSet(coreTitle(seedTitle) + " " + seedUploaderNorm)

	var best *AutoplayCandidate
	bestOverlap := -1

	for i := range candidates {
		c := &candidates[i]
		if c.ID == "" {
			c.ID = extractVideoID(c.URL)
		}
		if c.ID == seedID {
			continue
		}
		if !c.usableDuration() {
			continue
		}
		if e.InHistory(c.ID) {
			continue
		}
		if e.IsNearDuplicate(c.Title, c.Uploader) {
			LogAutoplay(MsgAutoplaySkippedDup, c.Title)
			continue
		}

		candUploader := normalizeText(c.Uploader)
		overlap := 0
		for tok := range tokenSet(coreTitle(c.Title) + " " + candUploader) {
			if _, ok := seedTokens[tok]; ok {
				overlap++
			}
		}

		uploaderMatch := seedUploaderNorm != "" && candUploader != "" &&
			(strings.Contains(candUploader, seedUploaderNorm) || strings.Contains(seedUploaderNorm, candUploader))

		if overlap < autoplayMinOverlap && !uploaderMatch {
			continue
		}

		if overlap > bestOverlap {
			bestOverlap = overlap
			best = c
		}
	}

	if best != nil {
		LogAutoplay(MsgAutoplaySelected, best.Title, best.Uploader, bestOverlap)
	}
	return best
}
