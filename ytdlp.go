package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

var (
	cachedJSArgs []string
	jsOnce       sync.Once
)

// ytdlpSearchResult represents a single result from a yt-dlp search
type ytdlpSearchResult struct {
	URL, Title, Uploader string
	Duration             time.Duration
	Live                 bool
}

// ytdlpIsLive reports whether a live_status print field marks an entry that
// is not a finished upload (running, scheduled or still being processed).
func ytdlpIsLive(status string) bool {
	return status == "is_live" || status == "is_upcoming" || status == "post_live"
}

// CachedMetadata represents cached metadata for a track
type CachedMetadata struct {
	Title, Channel string
	Duration       time.Duration
}

func youtubeProxy() string {
	if GlobalConfig != nil && GlobalConfig.YoutubeProxy != "" {
		return GlobalConfig.YoutubeProxy
	}
	return os.Getenv("YOUTUBE_PROXY")
}

func getYoutubePrefix() string {
	if GlobalConfig != nil && GlobalConfig.YoutubePrefix != "" {
		return GlobalConfig.YoutubePrefix
	}
	return "[YT]"
}

func getYTMusicPrefix() string {
	if GlobalConfig != nil && GlobalConfig.YTMusicPrefix != "" {
		return GlobalConfig.YTMusicPrefix
	}
	return "[YTM]"
}

func newYtdlp() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if proxy := youtubeProxy(); proxy != "" {
		cmd.Proxy(proxy)
	}

	return cmd
}

// buildYtdlpArgs returns common args for yt-dlp commands
func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
		"--retries", "20",
		"--fragment-retries", "20",
	)
	return args
}

func parseYtdlpLines(stdout string) []ytdlpSearchResult {
	ls := strings.Split(strings.TrimSpace(stdout), "\n")
	rs := make([]ytdlpSearchResult, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		u := ps[0]
		if u == "" || u == "NA" || ps[1] == "" || ps[1] == "NA" {
			continue
		}
		live := len(ps) > 4 && ytdlpIsLive(ps[4])
		rs = append(rs, ytdlpSearchResult{URL: u, Title: ps[1], Uploader: ps[2], Duration: d, Live: live})
	}
	return rs
}

func ytdlpSearch(ctx context.Context, q string, m int) ([]ytdlpSearchResult, error) {
	args := buildYtdlpArgs()
	res, err := newYtdlp().
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(live_status)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		PreferFreeFormats().
		Run(ctx, append(args, fmt.Sprintf("ytsearch%d:%s", m, q))...)

	if err != nil {
		return nil, err
	}
	return parseYtdlpLines(res.Stdout), nil
}

func ytdlpSearchYTM(ctx context.Context, q string, m int) ([]ytdlpSearchResult, error) {
	args := buildYtdlpArgs()
	res, err := newYtdlp().
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(live_status)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, fmt.Sprintf("ytmsearch%d:%s", m, q))...)

	if err != nil {
		return nil, err
	}
	return parseYtdlpLines(res.Stdout), nil
}

// ytdlpRadio expands a watch URL with a radio playlist into its entries.
// Needs --yes-playlist since the common args force --no-playlist.
func ytdlpRadio(ctx context.Context, u string, m int) ([]ytdlpSearchResult, error) {
	args := buildYtdlpArgs()
	res, err := newYtdlp().
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(id)s\t%(live_status)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, u, "--yes-playlist")...)

	if err != nil {
		return nil, err
	}

	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	rs := make([]ytdlpSearchResult, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 5 {
			continue
		}
		if ps[1] == "" || ps[1] == "NA" {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		url := ps[0]
		if id := ps[4]; id != "" && id != "NA" {
			url = "https://www.youtube.com/watch?v=" + id
		}
		live := len(ps) > 5 && ytdlpIsLive(ps[5])
		rs = append(rs, ytdlpSearchResult{URL: url, Title: ps[1], Uploader: ps[2], Duration: d, Live: live})
	}
	return rs, nil
}

func ytdlpResolveMetadata(ctx context.Context, u string) (string, string, string, time.Duration, error) {
	args := append(buildYtdlpArgs(), "--skip-download")
	res, err := newYtdlp().
		Print("%(title)s\t%(uploader)s\t%(duration)s\t%(id)s").
		NoSimulate().
		IgnoreConfig().
		NoWarnings().
		Run(ctx, append(args, u)...)

	if err != nil {
		return "", "", "", 0, err
	}
	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		d, _ := time.ParseDuration(ps[2] + "s")
		return ps[0], ps[1], ps[3], d, nil
	}
	return "", "", "", 0, errors.New("failed to resolve metadata")
}

// ytdlpDownload streams the best audio format for a URL into the writer.
func ytdlpDownload(ctx context.Context, u string, out io.Writer) error {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	proxy := youtubeProxy()

	args := append(buildYtdlpArgs(), "--ignore-config")
	execCmd := newYtdlp().
		Format("bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best").
		Output("-").
		NoSimulate().
		NoPart().
		NoPlaylist().
		NoCheckCertificates().
		BuildCommand(ctx, append(args, u)...)

	execCmd.Stdout = out
	execCmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	if proxy != "" {
		execCmd.Env = append(execCmd.Env, "http_proxy="+proxy, "https_proxy="+proxy, "all_proxy="+proxy)
	}
	execCmd.WaitDelay = 0

	var stderr strings.Builder
	execCmd.Stderr = &stderr

	if err := execCmd.Run(); err != nil {
		msg := strings.ToLower(err.Error() + stderr.String())
		if strings.Contains(msg, "broken pipe") || strings.Contains(msg, "signal: killed") {
			return nil
		}
		LogMusic("yt-dlp download failed: %v, stderr: %s", err, stderr.String())
		return err
	}
	return nil
}

// --- Autoplay Candidate Backends ---

// fetchRadioCandidates expands both radio playlist shapes for a video in
// parallel and merges them, deduplicated by video ID.
func fetchRadioCandidates(ctx context.Context, videoID string) ([]AutoplayCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	urls := []string{
		"https://music.youtube.com/watch?v=" + videoID + "&list=RDAMVM" + videoID,
		"https://www.youtube.com/watch?v=" + videoID + "&list=RD" + videoID,
	}

	var mu sync.Mutex
	var pool []ytdlpSearchResult
	errs := make([]error, len(urls))

	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			rs, err := ytdlpRadio(ctx, u, autoplayRadioLimit)
			if err != nil {
				errs[i] = err
				return
			}
			mu.Lock()
			pool = append(pool, rs...)
			mu.Unlock()
		}(i, u)
	}
	wg.Wait()

	if len(pool) == 0 {
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	return searchResultsToCandidates(pool), nil
}

// fetchTextCandidates runs a plain search, YouTube Music first with a
// YouTube fallback.
func fetchTextCandidates(ctx context.Context, query string, limit int) ([]AutoplayCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	results, ytmErr := ytdlpSearchYTM(ctx, query, limit)
	if len(results) == 0 {
		var ytErr error
		results, ytErr = ytdlpSearch(ctx, query, limit)
		if len(results) == 0 && ytmErr != nil && ytErr != nil {
			return nil, fmt.Errorf("ytm: %v, yt: %v", ytmErr, ytErr)
		}
	}
	return searchResultsToCandidates(results), nil
}

func searchResultsToCandidates(results []ytdlpSearchResult) []AutoplayCandidate {
	seen := make(map[string]bool, len(results))
	cs := make([]AutoplayCandidate, 0, len(results))
	for _, r := range results {
		id := extractVideoID(r.URL)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		cs = append(cs, AutoplayCandidate{
			ID:       id,
			URL:      r.URL,
			Title:    r.Title,
			Uploader: r.Uploader,
			Duration: r.Duration,
			Live:     r.Live,
		})
	}
	return cs
}

// --- Native Library Search (Autocomplete) ---

// Search runs YouTube Music and YouTube searches in parallel using native
// Go clients. Results are cached for an hour, keyed by query.
func (ms *MusicSystem) Search(q string) ([]SearchResult, error) {
	ms.cache.RLock()
	if item, ok := ms.cache.items[q]; ok {
		if time.Now().Before(item.expiresAt) {
			ms.cache.RUnlock()
			return item.results, nil
		}
	}
	ms.cache.RUnlock()

	src, query := "ytmusic", q
	ytp, ytmp := getYoutubePrefix(), getYTMusicPrefix()
	if strings.HasPrefix(strings.ToUpper(q), strings.ToUpper(ytp)) {
		src, query = "youtube", strings.TrimSpace(q[len(ytp):])
	} else if strings.HasPrefix(strings.ToUpper(q), strings.ToUpper(ytmp)) {
		query = strings.TrimSpace(q[len(ytmp):])
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()
	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(query)
		r, _ := s.Next()
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = " - " + v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{URL: "https://music.youtube.com/watch?v=" + v.VideoID, Title: Truncate("[YTM] "+v.Title+art, 100)})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, _ := c.Search(ctx, query)
		for _, v := range r.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{URL: "https://www.youtube.com/watch?v=" + v.VideoID, Title: Truncate("[YT] "+v.Title, 100)})
			}
			resMu.Unlock()
		}
	}()
	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}
	resMu.Lock()
	defer resMu.Unlock()
	var fin []SearchResult
	if src == "youtube" {
		fin = append(yt, ytm...)
	} else {
		fin = append(ytm, yt...)
	}
	if len(fin) > 25 {
		fin = fin[:25]
	}

	if len(fin) > 0 {
		ms.cache.Lock()
		ms.cache.items[q] = cachedItem{results: fin, expiresAt: time.Now().Add(1 * time.Hour)}
		ms.cache.Unlock()
	}

	return fin, nil
}

// fastResolveMetadata resolves title/channel/duration via the native search
// client before falling back to a yt-dlp process.
func fastResolveMetadata(ctx context.Context, id string) (string, string, time.Duration, error) {
	c := ytsearch.NewClient(nil)
	res, err := c.Search(ctx, id)
	if err != nil {
		return "", "", 0, err
	}
	for _, r := range res.Results {
		if r.VideoID == id {
			return r.Title, r.Channel, parseDurationColon(r.Duration), nil
		}
	}
	return "", "", 0, errors.New("not found")
}

// parseDurationColon parses duration strings like "3:20" or "1:05:20"
func parseDurationColon(s string) time.Duration {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0
	}
	var secs int
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0
		}
		secs = secs*60 + n
	}
	return time.Duration(secs) * time.Second
}

func isYouTubeURL(u string) bool {
	return strings.Contains(u, "youtube.com") || strings.Contains(u, "youtu.be")
}

// --- Metadata Cache ---

func metadataCachePath(videoID string) string {
	return filepath.Join(AudioCacheDir, videoID+".meta")
}

func readMetadataCache(videoID string) *CachedMetadata {
	data, err := os.ReadFile(metadataCachePath(videoID))
	if err != nil {
		return nil
	}
	var cm CachedMetadata
	if err := json.Unmarshal(data, &cm); err != nil {
		return nil
	}
	return &cm
}

func writeMetadataCache(videoID, title, channel string, d time.Duration) {
	data, err := json.Marshal(CachedMetadata{Title: title, Channel: channel, Duration: d})
	if err != nil {
		return
	}
	_ = os.WriteFile(metadataCachePath(videoID), data, 0644)
}
