package main

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Command Registration
// ===========================

func init() {
	// 1. Cleanup old cache on startup
	if err := os.RemoveAll(AudioCacheDir); err != nil {
		fmt.Printf("Failed to clean audio cache: %v\n", err)
	}
	// 2. Ensure cache directory exists
	if err := os.MkdirAll(AudioCacheDir, 0755); err != nil {
		fmt.Printf("Failed to create audio cache dir: %v\n", err)
	}

	OnClientReady(func(ctx context.Context, client *bot.Client) {
		RegisterDaemon(LogMusic, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {}, func() {
				if MusicManager != nil {
					LogMusic("Shutting down music manager...")
					MusicManager.Shutdown(context.Background())
				}
			}
		})

		ms := GetMusicManager()
		RegisterVoiceStateUpdateHandler(ms.onVoiceStateUpdate)
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music playback",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a song by name or URL",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
					discord.ApplicationCommandOptionString{
						Name:         "queue",
						Description:  "Playback mode (now, next, or a number)",
						Required:     false,
						Autocomplete: true,
					},
					discord.ApplicationCommandOptionBool{
						Name:        "autoplay",
						Description: "Keep playing related tracks when the queue runs out",
						Required:    false,
					},
					discord.ApplicationCommandOptionBool{
						Name:        "loop",
						Description: "Loop the playback",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback and leave",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "volume",
				Description: "Adjust the volume of the current session",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "set",
						Description: "Volume percentage (0-200)",
						Required:    true,
						MinValue:    intPtr(0),
						MaxValue:    intPtr(200),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "loop",
				Description: "Toggle looping of the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "autoplay",
				Description: "Toggle autoplay of related tracks",
			},
		},
	}, handleMusic)

	RegisterAutocompleteHandler("music", handleMusicAutocomplete)
}

// ===========================
// Constants & Variables
// ===========================

const AudioCacheDir = ".tracks"

var (
	// System
	MusicManager *MusicSystem
	onceMusic    sync.Once

	// Audio
	OpusSilence     = []byte{0xf8, 0xff, 0xfe}
	SilenceDuration = 1 * time.Second

	// Download Configuration
	downloadTimeout = 90 * time.Second
)

// ===========================
// Structs
// ===========================

// MusicSystem manages all music sessions across guilds
type MusicSystem struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*MusicSession
	cache    *QueryCache
}

type QueryCache struct {
	sync.RWMutex
	items map[string]cachedItem
}

type cachedItem struct {
	results   []SearchResult
	expiresAt time.Time
}

// SearchResult represents an autocomplete search result
type SearchResult struct{ Title, URL string }

// MusicSession represents an active voice connection for a guild
type MusicSession struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	channelMu sync.RWMutex
	Conn      voice.Conn
	client    *bot.Client

	queue       []*Track
	queueMu     sync.Mutex
	queueUpdate chan struct{}

	joined       bool
	joinedMu     sync.Mutex
	joinedChan   chan struct{}
	joinedChanMu sync.Mutex

	downloadMu       sync.Mutex
	downloadCond     *sync.Cond
	pendingDownloads *PriorityQueue
	activeDownloads  int

	cancelCtx  context.Context
	cancelFunc context.CancelFunc

	Autoplay bool
	Looping  bool
	engine   *AutoplayEngine

	streamCancel  context.CancelFunc
	provider      *StreamProvider
	currentTrack  *Track
	autoplayTrack *Track
	skipLoop      bool
	nearingEnd    bool
	transcoder    *OpusTranscoder

	pauseChan chan struct{}
	pauseMu   sync.RWMutex

	statusChan chan string
	statusMu   sync.Mutex
	lastStatus string

	goroutineWg sync.WaitGroup
	Volume      atomic.Int32
}

// Track represents a music track in the queue
type Track struct {
	URL, Path, Title, Channel string
	Duration                  time.Duration
	Downloaded                bool
	Error                     error
	NeedsResolution           bool
	done                      chan struct{}
	MetadataReady             chan struct{}
	PlaybackStarted           chan struct{}
	onceStart                 sync.Once
	onceMeta                  sync.Once
	mu                        sync.Mutex
	cancel                    context.CancelFunc
	Started                   bool
	Priority                  int
	index                     int
}

// StreamProvider provides a stream of opus frames to the voice connection
type StreamProvider struct {
	frames        chan []byte
	OnFinish      func()
	once          sync.Once
	sess          *MusicSession
	ctx           context.Context
	draining      bool
	silenceFrames int
}

// ===========================
// Command Handlers
// ===========================

func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "play":
		handleMusicPlay(event, data)
	case "skip":
		handleMusicSkip(event)
	case "stop":
		handleMusicStop(event)
	case "queue":
		handleMusicQueue(event)
	case "pause":
		handleMusicPause(event, true)
	case "resume":
		handleMusicPause(event, false)
	case "volume":
		handleMusicVolume(event, data)
	case "loop":
		handleMusicLoop(event)
	case "autoplay":
		handleMusicAutoplay(event)
	}
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	q, m, p, a, l := parsePlayArguments(data)

	_ = event.DeferCreateMessage(false)
	if err := startPlayback(event, q, m, a, l, p); err != nil {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Failed: "+err.Error())))
	}
}

// parsePlayArguments parses the arguments for the play command.
func parsePlayArguments(data discord.SlashCommandInteractionData) (q, m string, p int, a, l bool) {
	q, _ = data.OptString("query")
	qv, _ := data.OptString("queue")
	a, _ = data.OptBool("autoplay")
	l, _ = data.OptBool("loop")

	if qv == "now" {
		m = "now"
	} else if qv == "next" {
		m = "next"
	} else if qv != "" {
		p, _ = strconv.Atoi(qv)
	}
	return
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(false)

	guildID := event.GuildID()
	if guildID == nil {
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.MessageUpdate{Content: strPtr("Not in a guild.")})
		return
	}
	s := GetMusicManager().GetSession(*guildID)
	if s == nil {
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.MessageUpdate{Content: strPtr(MsgMusicErrNothingQueued)})
		return
	}

	title, err := s.Skip()
	if err != nil {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("Failed to skip: %v", err))))
		return
	}
	LogMusic("User %s (%s) skipped: %s", event.User().Username, event.User().ID, title)
	_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("⏭️ Skipped: %s", title))))
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	LogMusic("User %s (%s) stopped playback in guild %s", event.User().Username, event.User().ID, *event.GuildID())
	GetMusicManager().Leave(context.Background(), *event.GuildID())
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("🛑 Stopped and disconnected.")), false)
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(true)

	s := GetMusicManager().GetSession(*event.GuildID())
	if s == nil {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicErrNothingQueued)))
		return
	}

	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	var components []interface{}

	if s.currentTrack != nil {
		s.currentTrack.mu.Lock()
		title, url, channel, dur := s.currentTrack.Title, s.currentTrack.URL, s.currentTrack.Channel, s.currentTrack.Duration
		s.currentTrack.mu.Unlock()

		components = append(components, NewTextDisplay("**Now Playing:**"))
		components = append(components, NewTextDisplay(fmt.Sprintf("[%s](%s) · %s `[%s]`", title, url, channel, FormatClock(dur))))
		if isYouTubeURL(url) {
			components = append(components, NewMediaGallery("https://i.ytimg.com/vi/"+extractVideoID(url)+"/hqdefault.jpg"))
		}
		components = append(components, NewSeparator(true))
	}

	components = append(components, NewTextDisplay("**Queue:**"))
	if len(s.queue) == 0 {
		if s.Autoplay && s.autoplayTrack != nil {
			components = append(components, NewTextDisplay("_Empty (Autoplay Ready)_"))
		} else {
			components = append(components, NewTextDisplay("_Empty_"))
		}
	} else {
		var qList strings.Builder
		for i, t := range s.queue {
			if i >= 10 {
				qList.WriteString(fmt.Sprintf("\n*...and %d more*", len(s.queue)-10))
				break
			}
			qList.WriteString(fmt.Sprintf("`%d.` [%s](%s)\n", i+1, t.Title, t.URL))
		}
		components = append(components, NewTextDisplay(qList.String()))
	}

	if s.Autoplay {
		components = append(components, NewSeparator(true))
		if s.autoplayTrack != nil {
			s.autoplayTrack.mu.Lock()
			atitle, aurl, achannel := s.autoplayTrack.Title, s.autoplayTrack.URL, s.autoplayTrack.Channel
			s.autoplayTrack.mu.Unlock()

			components = append(components, NewTextDisplay("**Autoplay:** Enabled (Ready)"))
			components = append(components, NewTextDisplay(fmt.Sprintf("**Next Up:** [%s](%s) · %s", atitle, aurl, achannel)))
		} else {
			components = append(components, NewTextDisplay("**Autoplay:** Enabled"))
		}
	}

	if err := EditInteractionV2(*event.Client(), event, NewV2Container(components...)); err != nil {
		LogMusic("Failed to display queue: %v", err)
	}
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate, pause bool) {
	s := GetMusicManager().GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicErrNothingQueued)), true)
		return
	}

	changed := s.setPaused(pause)
	msg := "▶️ Resumed."
	if pause {
		msg = "⏸️ Paused."
	}
	if !changed {
		msg = "Already paused."
		if !pause {
			msg = "Already playing."
		}
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(msg)), false)
}

func handleMusicVolume(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	vol := data.Int("set")
	s := GetMusicManager().GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicErrNothingQueued)), true)
		return
	}

	s.Volume.Store(int32(vol))
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("Volume set to **%d%%**.", vol))), false)
}

func handleMusicLoop(event *events.ApplicationCommandInteractionCreate) {
	s := GetMusicManager().GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicErrNothingQueued)), true)
		return
	}

	s.queueMu.Lock()
	s.Looping = !s.Looping
	on := s.Looping
	s.queueMu.Unlock()

	state := "disabled"
	if on {
		state = "enabled"
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("🔁 Looping "+state+".")), false)
}

func handleMusicAutoplay(event *events.ApplicationCommandInteractionCreate) {
	s := GetMusicManager().GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgMusicErrNothingQueued)), true)
		return
	}

	s.queueMu.Lock()
	s.Autoplay = !s.Autoplay
	on := s.Autoplay
	s.queueMu.Unlock()

	state := "disabled"
	if on {
		state = "enabled"
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("♾️ Autoplay "+state+".")), false)
}

// handleMusicAutocomplete handles autocomplete for the play subcommand.
func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name == "queue" {
		v, cs := f.String(), []discord.AutocompleteChoice{discord.AutocompleteChoiceString{Name: "Play Now", Value: "now"}, discord.AutocompleteChoiceString{Name: "Play Next", Value: "next"}}
		if v != "" {
			if _, err := strconv.Atoi(v); err == nil {
				cs = append([]discord.AutocompleteChoice{discord.AutocompleteChoiceString{Name: "Position: " + v, Value: v}}, cs...)
			}
		}
		_ = event.AutocompleteResult(cs)
		return
	}
	if f.Name != "query" {
		return
	}
	q := f.String()
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}
	rs, err := GetMusicManager().Search(q)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}
	var cs []discord.AutocompleteChoice
	for i, r := range rs {
		if i >= 25 {
			break
		}
		n := r.Title
		if len(n) > 100 {
			n = n[:97] + "..."
		}
		v := r.URL
		if len(v) > 100 {
			v = Truncate(r.Title, 100)
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: n, Value: v})
	}
	_ = event.AutocompleteResult(cs)
}

// startPlayback joins the caller's voice channel and queues their request
func startPlayback(ev *events.ApplicationCommandInteractionCreate, q, m string, a, l bool, p int) error {
	LogMusic("User %s (%s) requested playback: %s", ev.User().Username, ev.User().ID, q)
	vs, ok := ev.Client().Caches.VoiceState(*ev.GuildID(), ev.User().ID)
	if !ok || vs.ChannelID == nil {
		return errors.New(MsgMusicErrNotInVoice)
	}
	ms := GetMusicManager()
	s := ms.Prepare(ev.Client(), *ev.GuildID(), *vs.ChannelID)
	s.queueMu.Lock()
	if a {
		s.Autoplay = true
	}
	if l {
		s.Looping = true
	}
	s.queueMu.Unlock()
	je := make(chan error, 1)
	go func() { je <- ms.Join(context.Background(), ev.Client(), *ev.GuildID(), *vs.ChannelID) }()
	t, count, err := ms.Play(context.Background(), *ev.GuildID(), q, m, p)
	if err != nil {
		return err
	}
	if err := <-je; err != nil {
		return err
	}
	// Wait for the track to be ready (with a timeout to prevent deadlocking the interaction)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer waitCancel()

	if err := t.Wait(waitCtx); err != nil {
		return fmt.Errorf("failed to wait for track to be ready: %w", err)
	}

	select {
	case <-t.MetadataReady:
	case <-time.After(5 * time.Second):
	}

	return finishPlaybackResponse(ev, t, m, a, l, p, count)
}

// finishPlaybackResponse sends the final response message after playback starts
func finishPlaybackResponse(ev *events.ApplicationCommandInteractionCreate, t *Track, m string, a, l bool, p int, count int) error {
	t.mu.Lock()
	title := t.Title
	url := t.URL
	channel := t.Channel
	t.mu.Unlock()

	if title == "" || strings.HasPrefix(title, "http") {
		if id := extractVideoID(url); id != "" {
			title = "YouTube Track (" + id + ")"
		} else {
			title = "Music Track"
		}
	}

	pr := "Added to queue:"
	if count > 1 {
		pr = fmt.Sprintf("📂 Added **%d** tracks from playlist to queue:", count)
		switch m {
		case "now":
			pr = fmt.Sprintf("▶️ Playing Now (Cleared queue and added **%d** tracks from playlist):", count)
		case "next":
			pr = fmt.Sprintf("⏭️ Added **%d** tracks to play next:", count)
		}
	} else {
		switch m {
		case "next":
			pr = "⏭️ Next up:"
		case "now":
			pr = "▶️ Playing Now (Skipped Current):"
		}
		if p > 0 {
			pr = "Added to queue at position " + strconv.Itoa(p) + ":"
		}
	}
	var ss []string
	if a {
		ss = append(ss, "Autoplay")
	}
	if l {
		ss = append(ss, "Looping")
	}
	suffix := ""
	if len(ss) > 0 {
		suffix = " (" + strings.Join(ss, ", ") + ": Enabled)"
	}
	c := pr + " [" + title + "](" + url + ")"
	if channel != "" && channel != "NA" {
		c += " · " + channel
	}
	c += suffix

	return EditInteractionV2(*ev.Client(), ev, NewV2Container(NewTextDisplay(c)))
}

func strPtr(s string) *string {
	return &s
}

// ===========================
// Music Manager
// ===========================

// GetMusicManager returns the singleton MusicSystem instance
func GetMusicManager() *MusicSystem {
	onceMusic.Do(func() {
		MusicManager = &MusicSystem{
			sessions: make(map[snowflake.ID]*MusicSession),
			cache: &QueryCache{
				items: make(map[string]cachedItem),
			},
		}
		go MusicManager.startCacheGC()
	})
	return MusicManager
}

func (ms *MusicSystem) startCacheGC() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		<-ticker.C
		ms.cache.Lock()
		now := time.Now()
		for q, item := range ms.cache.items {
			if now.After(item.expiresAt) {
				delete(ms.cache.items, q)
			}
		}
		ms.cache.Unlock()
	}
}

// GetSession retrieves the music session for a guild
func (ms *MusicSystem) GetSession(guildID snowflake.ID) *MusicSession {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.sessions[guildID]
}

// Prepare creates or retrieves a music session for a guild
func (ms *MusicSystem) Prepare(client *bot.Client, guildID, channelID snowflake.ID) *MusicSession {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if sess, ok := ms.sessions[guildID]; ok {
		// If session is dead (canceled), discard it and create a new one
		if sess.cancelCtx.Err() != nil {
			delete(ms.sessions, guildID)
		} else {
			sess.channelMu.Lock()
			oldChannelID := sess.ChannelID
			if oldChannelID != channelID {
				sess.ChannelID = channelID
				sess.channelMu.Unlock()
				// Clear status off-thread to avoid holding ms.mu on a REST call
				go func(cid snowflake.ID) {
					route := rest.NewEndpoint(http.MethodPut, "/channels/"+cid.String()+"/voice-status")
					_ = client.Rest.Do(route.Compile(nil), map[string]string{"status": ""}, nil)
				}(oldChannelID)
			} else {
				sess.channelMu.Unlock()
			}
			return sess
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &MusicSession{
		GuildID:          guildID,
		ChannelID:        channelID,
		Conn:             client.VoiceManager.CreateConn(guildID),
		cancelCtx:        ctx,
		cancelFunc:       cancel,
		queue:            make([]*Track, 0),
		client:           client,
		engine:           NewAutoplayEngine(),
		statusChan:       make(chan string, 10),
		queueUpdate:      make(chan struct{}, 1),
		joinedChan:       make(chan struct{}),
		pauseChan:        make(chan struct{}),
		pendingDownloads: &PriorityQueue{},
	}
	sess.Volume.Store(100)
	sess.downloadCond = sync.NewCond(&sess.downloadMu)
	heap.Init(sess.pendingDownloads)

	close(sess.pauseChan)
	sess.goroutineWg.Add(2)
	go func() {
		defer sess.goroutineWg.Done()
		sess.statusManager()
	}()
	go func() {
		defer sess.goroutineWg.Done()
		sess.downloadLoop()
	}()
	ms.sessions[guildID] = sess
	return sess
}

// Join connects the bot to a voice channel
func (ms *MusicSystem) Join(ctx context.Context, client *bot.Client, guildID, channelID snowflake.ID) error {
	sess := ms.Prepare(client, guildID, channelID)

	sess.joinedMu.Lock()
	if sess.joined && sess.ChannelID == channelID {
		sess.joinedMu.Unlock()
		return nil
	}
	sess.joinedMu.Unlock()

	LogMusic(MsgMusicJoinedChannel, channelID, guildID)

	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 1000 * time.Millisecond
			LogMusic("Retrying voice connection in %v (Attempt %d/5)", backoff, i+1)
			time.Sleep(backoff)
		}
		if err := sess.Conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		LogMusic("Failed to connect to voice in guild %s after 5 attempts: %v", guildID, lastErr)
		sess.Conn.Close(ctx)
		return errors.New(MsgMusicErrJoinFailed)
	}

	sess.joinedMu.Lock()
	if !sess.joined {
		sess.joined = true
		sess.joinedChanMu.Lock()
		select {
		case <-sess.joinedChan:
		default:
			close(sess.joinedChan)
		}
		sess.joinedChanMu.Unlock()
		sess.goroutineWg.Add(2)
		go func() {
			defer sess.goroutineWg.Done()
			sess.processQueue()
		}()
		go sess.monitorConnection()
	}
	sess.joinedMu.Unlock()
	return nil
}

// Leave disconnects the bot from a voice channel
func (ms *MusicSystem) Leave(ctx context.Context, guildID snowflake.ID) {
	ms.mu.Lock()
	sess, ok := ms.sessions[guildID]
	if !ok {
		ms.mu.Unlock()
		return
	}
	delete(ms.sessions, guildID)
	ms.mu.Unlock()

	sess.channelMu.RLock()
	channelID := sess.ChannelID
	sess.channelMu.RUnlock()

	route := rest.NewEndpoint(http.MethodPut, "/channels/"+channelID.String()+"/voice-status")
	_ = sess.client.Rest.Do(route.Compile(nil), map[string]string{"status": ""}, nil)

	sess.Stop()
	sess.joinedMu.Lock()
	sess.joined = false
	sess.joinedMu.Unlock()
	if sess.Conn != nil {
		sess.Conn.Close(ctx)
	}
	LogMusic(MsgMusicLeftChannel, guildID)
}

// Shutdown gracefully stops all music sessions and clears their status
func (ms *MusicSystem) Shutdown(ctx context.Context) {
	ms.mu.Lock()
	sessions := make([]*MusicSession, 0, len(ms.sessions))
	for id, sess := range ms.sessions {
		sessions = append(sessions, sess)
		delete(ms.sessions, id)
	}
	ms.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *MusicSession) {
			defer wg.Done()
			s.channelMu.RLock()
			channelID := s.ChannelID
			s.channelMu.RUnlock()

			route := rest.NewEndpoint(http.MethodPut, "/channels/"+channelID.String()+"/voice-status")
			_ = s.client.Rest.Do(route.Compile(nil), map[string]string{"status": ""}, nil)
			s.Stop()
		}(sess)
	}
	wg.Wait()
}

// Play adds one or more tracks to the queue and schedules the first download
func (ms *MusicSystem) Play(ctx context.Context, guildID snowflake.ID, url, mode string, pos int) (*Track, int, error) {
	s := ms.GetSession(guildID)
	if s == nil {
		return nil, 0, errors.New("not connected to voice")
	}

	tracks, _ := ms.resolvePlaylist(ctx, url)
	if len(tracks) == 0 {
		tracks = []*Track{NewTrack(url)}
	}

	firstTrack := tracks[0]
	LogMusic("Queuing %d track(s) in guild %s: %s", len(tracks), guildID, url)

	s.queueTracks(tracks, mode, pos)

	firstTrack.Priority = 1
	s.scheduleDownload(firstTrack)

	return firstTrack, len(tracks), nil
}

func (ms *MusicSystem) resolvePlaylist(ctx context.Context, url string) ([]*Track, error) {
	if !strings.Contains(url, "list=") {
		return nil, nil
	}
	entries, err := ytdlpRadio(ctx, url, 100)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	tracks := make([]*Track, 0, len(entries))
	for _, e := range entries {
		nt := NewTrack(e.URL)
		nt.Title = e.Title
		nt.Channel = e.Uploader
		nt.Duration = e.Duration
		tracks = append(tracks, nt)
	}
	return tracks, nil
}

// onVoiceStateUpdate handles voice state changes and auto-pausing
func (ms *MusicSystem) onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	ms.mu.Lock()
	s, ok := ms.sessions[event.VoiceState.GuildID]
	ms.mu.Unlock()

	if event.VoiceState.UserID == event.Client().ID() {
		ms.handleBotVoiceStateUpdate(event, s, ok)
		return
	}

	if ok {
		ms.updateAutoPauseState(event, s)
	}
}

func (ms *MusicSystem) handleBotVoiceStateUpdate(event *events.GuildVoiceStateUpdate, s *MusicSession, ok bool) {
	if event.VoiceState.ChannelID == nil {
		if ok {
			LogMusic("Bot disconnected by external event in guild %s", event.VoiceState.GuildID)
			ms.Leave(context.Background(), event.VoiceState.GuildID)
		}
		return
	}

	if !ok {
		return
	}

	s.channelMu.RLock()
	currentChannelID := s.ChannelID
	s.channelMu.RUnlock()

	if currentChannelID == 0 || *event.VoiceState.ChannelID != currentChannelID {
		oldChannelID := currentChannelID
		LogMusic("Bot moved from %s to %s in guild %s", oldChannelID, *event.VoiceState.ChannelID, event.VoiceState.GuildID)

		if oldChannelID != 0 {
			route := rest.NewEndpoint(http.MethodPut, "/channels/"+oldChannelID.String()+"/voice-status")
			_ = event.Client().Rest.Do(route.Compile(nil), map[string]string{"status": ""}, nil)
		}

		s.channelMu.Lock()
		s.ChannelID = *event.VoiceState.ChannelID
		s.channelMu.Unlock()
		s.statusMu.Lock()
		status := s.lastStatus
		s.statusMu.Unlock()
		s.setVoiceStatus(status)
	}
}

func (ms *MusicSystem) updateAutoPauseState(event *events.GuildVoiceStateUpdate, s *MusicSession) {
	s.channelMu.RLock()
	currentChannelID := s.ChannelID
	s.channelMu.RUnlock()

	if currentChannelID == 0 {
		return
	}
	humanCount := 0
	for state := range event.Client().Caches.VoiceStates(event.VoiceState.GuildID) {
		if state.ChannelID != nil && *state.ChannelID == currentChannelID && state.UserID != event.Client().ID() {
			if state.SelfDeaf {
				continue
			}
			if m, ok := event.Client().Caches.Member(event.VoiceState.GuildID, state.UserID); !ok || !m.User.Bot {
				humanCount++
			}
		}
	}

	paused := s.isPaused()
	if humanCount == 0 && !paused {
		LogMusic(MsgMusicAutoPaused)
		s.setPaused(true)
	} else if humanCount > 0 && paused {
		LogMusic(MsgMusicAutoResumed)
		s.setPaused(false)
	}
}

// ===========================
// Music Session
// ===========================

func (s *MusicSession) Reconnect(ctx context.Context) error {
	s.channelMu.RLock()
	cid := s.ChannelID
	s.channelMu.RUnlock()
	return GetMusicManager().Join(ctx, s.client, s.GuildID, cid)
}

func (s *MusicSession) monitorConnection() {
	defer func() {
		if r := recover(); r != nil {
			LogMusic("CRITICAL: monitorConnection panic recovered: %v", r)
		}
	}()
	defer s.goroutineWg.Done()
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case <-ticker.C:
			s.joinedMu.Lock()
			joined := s.joined
			s.joinedMu.Unlock()
			if !joined {
				_ = s.Reconnect(s.cancelCtx)
			}
		}
	}
}

func (s *MusicSession) queueTracks(tracks []*Track, mode string, pos int) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if mode == "now" {
		cleaned := len(s.queue)
		for _, qt := range s.queue {
			qt.Cleanup()
		}
		if cleaned > 0 {
			LogMusic(MsgMusicQueueCleaned, cleaned)
		}
		s.queue = append([]*Track(nil), tracks...)
		s.skipLoop = true
		if s.currentTrack != nil {
			s.currentTrack.Cleanup()
		}
		s.currentTrack = nil
		if s.autoplayTrack != nil {
			s.autoplayTrack.Cleanup()
		}
		s.autoplayTrack = nil
		if s.streamCancel != nil {
			s.streamCancel()
		}
	} else if mode == "next" {
		s.queue = append(append([]*Track(nil), tracks...), s.queue...)
	} else if pos > 0 {
		idx := pos - 1
		if idx >= len(s.queue) {
			s.queue = append(s.queue, tracks...)
		} else {
			newQueue := make([]*Track, 0, len(s.queue)+len(tracks))
			newQueue = append(newQueue, s.queue[:idx]...)
			newQueue = append(newQueue, tracks...)
			newQueue = append(newQueue, s.queue[idx:]...)
			s.queue = newQueue
		}
	} else {
		s.queue = append(s.queue, tracks...)
	}

	select {
	case s.queueUpdate <- struct{}{}:
	default:
	}
}

// Skip skips the currently playing track
func (s *MusicSession) Skip() (string, error) {
	s.queueMu.Lock()
	if s.transcoder == nil && s.currentTrack == nil {
		s.queueMu.Unlock()
		return "", errors.New("nothing playing")
	}
	// Prevent looping for this specific track if it was going to loop
	s.skipLoop = true

	title := "Track"
	if s.currentTrack != nil {
		title = s.currentTrack.Title
		if title == "" {
			title = s.currentTrack.URL
		}
	}

	cancel := s.streamCancel
	s.queueMu.Unlock()

	if cancel != nil {
		cancel()
	}

	return title, nil
}

// WaitJoined waits for the bot to join the voice channel
func (s *MusicSession) WaitJoined(ctx context.Context) error {
	select {
	case <-s.joinedChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.cancelCtx.Done():
		return errors.New("session closed")
	}
}

// Stop stops playback and clears the queue
func (s *MusicSession) Stop() {
	s.skipLoop = true
	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	s.queueMu.Lock()
	if s.streamCancel != nil {
		s.streamCancel()
	}
	s.queueMu.Unlock()

	if s.Conn != nil {
		s.setOpusFrameProviderSafe(nil)
		s.setSpeakingSafe(0)
	}
	s.queueMu.Lock()
	for _, t := range s.queue {
		t.Cleanup()
	}
	s.queue = nil
	if s.currentTrack != nil {
		s.currentTrack.Cleanup()
	}
	s.currentTrack = nil
	if s.autoplayTrack != nil {
		s.autoplayTrack.Cleanup()
	}
	s.autoplayTrack = nil

	select {
	case s.queueUpdate <- struct{}{}:
	default:
	}
	s.queueMu.Unlock()

	s.setVoiceStatus("")
}

// WaitForCleanup waits for all session goroutines to exit
func (s *MusicSession) WaitForCleanup() {
	s.goroutineWg.Wait()
}

func (s *MusicSession) isPaused() bool {
	s.pauseMu.RLock()
	defer s.pauseMu.RUnlock()
	select {
	case <-s.pauseChan:
		return false
	default:
		return true
	}
}

// setPaused toggles the pause gate. Returns false if already in that state.
func (s *MusicSession) setPaused(pause bool) bool {
	s.pauseMu.Lock()
	closed := false
	select {
	case <-s.pauseChan:
		closed = true
	default:
	}
	if pause && closed {
		s.pauseChan = make(chan struct{})
	} else if !pause && !closed {
		close(s.pauseChan)
	} else {
		s.pauseMu.Unlock()
		return false
	}
	s.pauseMu.Unlock()

	s.statusMu.Lock()
	status := s.lastStatus
	s.statusMu.Unlock()
	if pause {
		if status == "" {
			status = "▶️ Paused"
		} else {
			status = "▶️ " + strings.TrimPrefix(status, "⏸️ ")
		}
	} else if status == "" {
		status = "Resuming..."
	}
	s.setVoiceStatus(status)
	return true
}

// setVoiceStatus updates the voice channel status message
func (s *MusicSession) setVoiceStatus(status string) {
	select {
	case s.statusChan <- status:
	default:
	}
}

// statusManager manages the voice channel status updates
func (s *MusicSession) statusManager() {
	defer func() {
		if r := recover(); r != nil {
			LogMusic("CRITICAL: statusManager panic recovered: %v", r)
		}
	}()
	var cur string
	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case n := <-s.statusChan:
		drain:
			for {
				select {
				case m := <-s.statusChan:
					n = m
				default:
					break drain
				}
			}

			if n == cur {
				continue
			}

			s.statusMu.Lock()
			target := n
			if len([]rune(target)) > 128 {
				target = TruncateCenter(target, 128)
			}
			if target != "" && !strings.HasPrefix(target, "▶️") {
				s.lastStatus = target
			}
			s.channelMu.RLock()
			channelID := s.ChannelID
			s.channelMu.RUnlock()

			// Fire and forget (log error if any)
			go func(cid snowflake.ID, status string) {
				err := s.client.Rest.Do(rest.NewEndpoint(http.MethodPut, "/channels/"+cid.String()+"/voice-status").Compile(nil), map[string]string{"status": status}, nil)
				if err != nil {
					LogMusic("Failed to update status for %s: %v", cid, err)
				}
			}(channelID, target)

			cur = target
			s.statusMu.Unlock()
		}
	}
}

func trackStatus(prefix, title, channel string) string {
	st := prefix + title
	if channel != "" && channel != "NA" {
		st += " · " + channel
	}
	return TruncateCenter(st, 128)
}

func (s *MusicSession) updateNextTrackStatus(t *Track) {
	s.queueMu.Lock()
	isCurrent := s.currentTrack == t
	isNext := false
	if len(s.queue) > 0 && s.queue[0] == t {
		isNext = true
	} else if s.Autoplay && s.autoplayTrack == t {
		isNext = true
	}
	nearing := s.nearingEnd
	looping := s.Looping
	s.queueMu.Unlock()

	if (isCurrent || isNext) && !looping && t.Title != "" {
		if isCurrent || (isNext && nearing) {
			prefix := "⏩ "
			if isCurrent {
				prefix = "⏸️ "
			}
			s.setVoiceStatus(trackStatus(prefix, t.Title, t.Channel))
		}
	}
}

// setOpusFrameProviderSafe sets the opus frame provider, retrying around
// transient gateway state and recovering from conn panics
func (s *MusicSession) setOpusFrameProviderSafe(provider voice.OpusFrameProvider) {
	if s.cancelCtx.Err() != nil || s.Conn == nil {
		return
	}

	for i := range 3 {
		if s.trySetOpusFrameProvider(provider) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-s.cancelCtx.Done():
				return
			}
		}
		if s.cancelCtx.Err() != nil {
			return
		}
	}
	LogMusic("Exhausted retries for SetOpusFrameProvider in guild %s", s.GuildID)
}

func (s *MusicSession) trySetOpusFrameProvider(provider voice.OpusFrameProvider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	s.Conn.SetOpusFrameProvider(provider)
	return true
}

func (s *MusicSession) setSpeakingSafe(flags voice.SpeakingFlags) {
	if s.cancelCtx.Err() != nil || s.Conn == nil {
		return
	}

	for i := range 3 {
		if s.trySetSpeaking(flags) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-s.cancelCtx.Done():
				return
			}
		}
		if s.cancelCtx.Err() != nil {
			return
		}
	}
	LogMusic("Exhausted retries for SetSpeaking in guild %s", s.GuildID)
}

func (s *MusicSession) trySetSpeaking(flags voice.SpeakingFlags) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	s.Conn.SetSpeaking(s.cancelCtx, flags)
	return true
}

// processQueue processes tracks from the queue and handles playback
func (s *MusicSession) processQueue() {
	defer func() {
		if r := recover(); r != nil {
			LogMusic("CRITICAL: processQueue panic recovered: %v", r)
		}
	}()
	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.queueMu.Unlock()
			select {
			case <-s.queueUpdate:
				continue
			case <-s.cancelCtx.Done():
				return
			}
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		s.currentTrack = t
		s.nearingEnd = false
		if s.autoplayTrack != nil && s.autoplayTrack != t {
			s.autoplayTrack.Cleanup()
			s.autoplayTrack = nil
		}
		s.queueMu.Unlock()

		t.Priority = 1
		s.scheduleDownload(t)

		t.mu.Lock()
		downloaded := t.Downloaded
		t.mu.Unlock()
		if !downloaded {
			s.updateNextTrackStatus(t)
		}

		if err := t.Wait(s.cancelCtx); err != nil {
			LogMusic("Skipping track %s due to error: %v", t.URL, err)
			continue
		}

		s.queueMu.Lock()
		if len(s.queue) > 0 {
			s.queue[0].Priority = 1
			s.scheduleDownload(s.queue[0])
		}
		s.queueMu.Unlock()
		if err := s.WaitJoined(s.cancelCtx); err != nil {
			LogMusic("Skipping track %s: failed to wait for join: %v", t.URL, err)
			continue
		}

		ctx, cancel := context.WithCancel(s.cancelCtx)
		t.cancel = cancel

		go func() {
			select {
			case <-t.MetadataReady:
			case <-ctx.Done():
			case <-s.cancelCtx.Done():
			case <-time.After(15 * time.Second):
			}

			t.mu.Lock()
			title, channel, url := t.Title, t.Channel, t.URL
			t.mu.Unlock()
			select {
			case <-t.PlaybackStarted:
				if title == "" || strings.HasPrefix(title, "http") {
					if id := extractVideoID(url); id != "" {
						title = "YouTube Track (" + id + ")"
					} else {
						title = "Music Track"
					}
				}
				LogMusic(MsgMusicNowPlaying, title, channel)
				s.setVoiceStatus(trackStatus("⏸️ ", title, channel))
				s.engine.RegisterNowPlaying(extractVideoID(url), title, channel)
			case <-ctx.Done():
				LogMusic("Track skipped/finished: %s", url)
			}
		}()

		s.queueMu.Lock()
		autoplay := s.Autoplay
		s.queueMu.Unlock()
		if autoplay {
			go s.prefetchAutoplay(t)
		}

		s.streamTrack(t)

		s.setVoiceStatus("")

		s.queueMu.Lock()
		loop := s.Looping && !s.skipLoop
		s.skipLoop = false
		if loop {
			s.queue = append([]*Track{t}, s.queue...)
			s.queueMu.Unlock()
			continue
		}
		s.queueMu.Unlock()
		t.Cleanup()

		s.queueMu.Lock()
		if len(s.queue) == 0 && s.Autoplay {
			if s.autoplayTrack != nil {
				next := s.autoplayTrack
				s.autoplayTrack = nil
				s.queue = append(s.queue, next)
				select {
				case s.queueUpdate <- struct{}{}:
				default:
				}
				s.queueMu.Unlock()
				continue
			}
			s.queueMu.Unlock()
			s.continueAutoplay()
			continue
		}
		if len(s.queue) == 0 {
			s.currentTrack = nil
			s.autoplayTrack = nil
		}
		s.queueMu.Unlock()
	}
}

// prefetchAutoplay asks the engine for the follow-up track while the current
// one is still playing, so the transition is gapless.
func (s *MusicSession) prefetchAutoplay(t *Track) {
	select {
	case <-t.MetadataReady:
	case <-s.cancelCtx.Done():
		return
	case <-time.After(10 * time.Second):
	}

	cand, err := s.engine.NextTrack(s.cancelCtx)
	if err != nil {
		if !errors.Is(err, ErrAutoplayCooldown) && !errors.Is(err, ErrAutoplayBusy) {
			LogMusic("Autoplay pre-fetch failed for %s: %v", t.URL, err)
		}
		return
	}

	nt := NewTrack(cand.URL)
	nt.Title = cand.Title
	nt.Channel = cand.Uploader
	nt.Duration = cand.Duration

	shouldDownload := false
	s.queueMu.Lock()
	if s.Autoplay && s.currentTrack == t {
		if s.autoplayTrack != nil {
			s.autoplayTrack.Cleanup()
		}
		s.autoplayTrack = nt
		shouldDownload = true
	}
	s.queueMu.Unlock()
	if shouldDownload {
		nt.Priority = 0
		s.scheduleDownload(nt)
	}
}

// continueAutoplay fetches the next track synchronously when the queue ran
// dry without a prefetched candidate.
func (s *MusicSession) continueAutoplay() {
	cand, err := s.engine.NextTrack(s.cancelCtx)
	if err != nil {
		if !errors.Is(err, ErrAutoplayCooldown) && !errors.Is(err, ErrAutoplayBusy) {
			LogMusic("Autoplay fetch failed: %v", err)
		}
		return
	}

	nt := NewTrack(cand.URL)
	nt.Title = cand.Title
	nt.Channel = cand.Uploader
	nt.Duration = cand.Duration

	s.queueTracks([]*Track{nt}, "", 0)
	nt.Priority = 1
	s.scheduleDownload(nt)
}

// streamTrack plays a downloaded track file over the voice connection
func (s *MusicSession) streamTrack(track *Track) {
	track.mu.Lock()
	url, path := track.URL, track.Path
	track.mu.Unlock()

	s.queueMu.Lock()
	if s.streamCancel != nil {
		s.streamCancel()
	}
	p := NewStreamProvider(s)
	s.provider = p
	done := make(chan struct{})
	p.OnFinish = func() {
		close(done)
	}
	ctx, cancel := context.WithCancel(s.cancelCtx)
	s.streamCancel = cancel
	p.SetContext(ctx)
	s.queueMu.Unlock()

	defer cancel()
	go func() {
		defer p.PushFrame(nil)
		t := NewOpusTranscoder()
		t.volume = &s.Volume
		defer func() {
			s.queueMu.Lock()
			if s.transcoder == t {
				s.transcoder = nil
			}
			s.queueMu.Unlock()
		}()
		defer t.Close()
		if err := t.OpenInput(path); err != nil {
			LogMusic("Transcoder OpenInput failed: %v", err)
			return
		}

		s.queueMu.Lock()
		s.transcoder = t
		s.queueMu.Unlock()

		if err := t.SetupDecoder(); err != nil {
			LogMusic("Transcoder SetupDecoder failed: %v", err)
			return
		}
		if err := t.SetupEncoder(); err != nil {
			LogMusic("Transcoder SetupEncoder failed: %v", err)
			return
		}

		t.OnNearingEnd = func() {
			s.queueMu.Lock()
			s.nearingEnd = true
			var next *Track
			if len(s.queue) > 0 {
				next = s.queue[0]
			} else if s.Autoplay {
				next = s.autoplayTrack
			}
			s.queueMu.Unlock()

			if next != nil {
				s.updateNextTrackStatus(next)
			}
		}

		if err := t.Transcode(ctx, p.PushFrame); err != nil {
			LogMusic(MsgMusicStreamFail, url, err)
		}
	}()

	getMsg := func() string {
		s.queueMu.Lock()
		defer s.queueMu.Unlock()
		if s.currentTrack != nil && (s.currentTrack.Title != "" || s.currentTrack.Channel != "") {
			return fmt.Sprintf("%s · %s", s.currentTrack.Title, s.currentTrack.Channel)
		}
		return url
	}

	if s.Conn != nil {
		s.setOpusFrameProviderSafe(p)
		s.setSpeakingSafe(voice.SpeakingFlagMicrophone)

		s.queueMu.Lock()
		if s.currentTrack != nil {
			s.currentTrack.onceStart.Do(func() {
				close(s.currentTrack.PlaybackStarted)
			})
		}
		s.queueMu.Unlock()
	}
	select {
	case <-done:
		LogMusic(MsgMusicStreamEnded, getMsg())
	case <-ctx.Done():
		LogMusic("Playback stopped: %s", getMsg())
	case <-s.cancelCtx.Done():
		LogMusic("Global session canceled for: %s", getMsg())
		cancel()
	}
	if s.provider == p {
		s.setVoiceStatus("")
		if s.Conn != nil {
			s.setOpusFrameProviderSafe(nil)
			s.setSpeakingSafe(0)
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-s.cancelCtx.Done():
		}
	}
}

// ===========================
// Track Resolution & Download
// ===========================

// resolveTrack turns a plain text query into a concrete video URL
func (s *MusicSession) resolveTrack(ctx context.Context, t *Track) error {
	if !t.NeedsResolution {
		return nil
	}

	q := t.URL
	ytp, ytmp := getYoutubePrefix(), getYTMusicPrefix()
	if strings.HasPrefix(strings.ToUpper(q), strings.ToUpper(ytp)) {
		q = strings.TrimSpace(q[len(ytp):])
	} else if strings.HasPrefix(strings.ToUpper(q), strings.ToUpper(ytmp)) {
		q = strings.TrimSpace(q[len(ytmp):])
	}

	var ytmRes, ytRes []ytdlpSearchResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ytmRes, _ = ytdlpSearchYTM(ctx, q, 5)
	}()
	go func() {
		defer wg.Done()
		ytRes, _ = ytdlpSearch(ctx, q, 5)
	}()
	wg.Wait()

	combined := append(ytmRes, ytRes...)
	if len(combined) == 0 {
		return errors.New(MsgMusicErrSearchFailed)
	}

	best := pickSearchResult(combined, t.Title, t.Channel)
	if !strings.HasPrefix(best.URL, "http") {
		return errors.New(MsgMusicErrSearchFailed)
	}

	t.mu.Lock()
	t.URL, t.Title, t.Channel, t.Duration = best.URL, best.Title, best.Uploader, best.Duration
	t.mu.Unlock()
	s.updateNextTrackStatus(t)
	return nil
}

// pickSearchResult scores search results against the wanted title/channel.
// Core-title overlap dominates, uploader match breaks ties, sane durations
// get a nudge so topic reuploads lose to the original.
func pickSearchResult(results []ytdlpSearchResult, wantTitle, wantChannel string) ytdlpSearchResult {
	if len(results) == 0 {
		return ytdlpSearchResult{}
	}
	wantCore := coreTitle(wantTitle)
	wantUp := normalizeText(wantChannel)

	best := results[0]
	bestScore := -1.0
	for _, r := range results {
		score := 0.0
		if wantCore != "" {
			score += 50 * jaccard(coreTitle(r.Title), wantCore)
		}
		up := normalizeText(r.Uploader)
		if wantUp != "" && up != "" {
			if up == wantUp {
				score += 30
			} else if strings.Contains(up, wantUp) || strings.Contains(wantUp, up) {
				score += 10
			}
		}
		if r.Duration >= autoplayMinDur && r.Duration <= autoplayMaxDur {
			score += 5
		}
		if score > bestScore {
			bestScore = score
			best = r
		}
	}
	return best
}

// processTrack resolves metadata and ensures the audio file is on disk
func (s *MusicSession) processTrack(ctx context.Context, t *Track) {
	videoID := extractVideoID(t.URL)
	filename := filepath.Join(AudioCacheDir, videoID+".webm")

	if t.Title == "" {
		if cm := readMetadataCache(videoID); cm != nil {
			t.mu.Lock()
			t.Title, t.Channel, t.Duration = cm.Title, cm.Channel, cm.Duration
			t.mu.Unlock()
			t.markMetadataReady()
			s.updateNextTrackStatus(t)
		}
	}

	if t.Title == "" {
		go func() {
			// 1. Fast Path: Native Go Library
			title, uploader, dur, err := fastResolveMetadata(ctx, videoID)

			// 2. Slow Path: yt-dlp process
			if err != nil {
				title, uploader, _, dur, err = ytdlpResolveMetadata(ctx, t.URL)
			}

			if err == nil {
				t.mu.Lock()
				t.Title = title
				t.Channel = uploader
				t.Duration = dur
				t.mu.Unlock()
				writeMetadataCache(videoID, title, uploader, dur)
				t.markMetadataReady()
				s.updateNextTrackStatus(t)
			} else {
				LogMusic("Background metadata fetch failed for %s: %v", t.URL, err)
				t.markMetadataReady()
			}
		}()
	} else {
		t.markMetadataReady()
		go writeMetadataCache(videoID, t.Title, t.Channel, t.Duration)
	}

	if _, err := os.Stat(filename); err == nil {
		t.MarkReady(filename, t.Title, t.Channel, t.Duration)
		return
	}

	s.downloadTrack(ctx, t, filename)
}

// downloadTrack fetches the full audio file before marking the track ready
func (s *MusicSession) downloadTrack(ctx context.Context, t *Track, filename string) {
	LogMusic(MsgMusicDownloadStart, t.URL)

	partFilename := filename + ".part"
	cacheFile, err := os.Create(partFilename)
	if err != nil {
		t.MarkError(fmt.Errorf("failed to create cache file: %w", err))
		return
	}

	dctx, dcancel := context.WithTimeout(ctx, downloadTimeout)
	defer dcancel()

	err = ytdlpDownload(dctx, t.URL, cacheFile)
	cacheFile.Close()

	if err != nil {
		os.Remove(partFilename)
		LogMusic(MsgMusicDownloadFail, t.URL, err)
		t.MarkError(err)
		return
	}

	if err := os.Rename(partFilename, filename); err != nil {
		os.Remove(partFilename)
		t.MarkError(fmt.Errorf("failed to finalize cache file: %w", err))
		return
	}

	size := int64(0)
	if st, err := os.Stat(filename); err == nil {
		size = st.Size()
	}
	if size == 0 {
		os.Remove(filename)
		t.MarkError(errors.New("downloaded file is empty"))
		return
	}
	LogMusic(MsgMusicDownloadDone, filename, float64(size)/1e6)

	t.MarkReady(filename, t.Title, t.Channel, t.Duration)
}

// ===========================
// Track
// ===========================

// NewTrack creates a new track for a URL or plain search query
func NewTrack(url string) *Track {
	t := &Track{
		URL:             url,
		done:            make(chan struct{}),
		MetadataReady:   make(chan struct{}),
		PlaybackStarted: make(chan struct{}),
	}
	if !strings.HasPrefix(url, "http") {
		t.NeedsResolution = true
	}
	return t
}

// Wait waits for the track to be ready or error
func (t *Track) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkReady marks the track as ready for playback
func (t *Track) MarkReady(path, title, channel string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Downloaded || t.Error != nil {
		return
	}
	t.Path, t.Title, t.Channel, t.Duration, t.Downloaded = path, title, channel, d, true
	close(t.done)
}

// MarkError marks the track as failed with an error
func (t *Track) MarkError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Downloaded || t.Error != nil {
		return
	}
	t.Error = err
	close(t.done)
}

func (t *Track) markMetadataReady() {
	t.onceMeta.Do(func() {
		close(t.MetadataReady)
	})
}

func (t *Track) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Track) Cleanup() {
	t.Cancel()
	if t.Path != "" {
		err := os.Remove(t.Path)
		if err != nil && !os.IsNotExist(err) {
			LogMusic("Failed to remove track file %s: %v", t.Path, err)
		}
		if ext := filepath.Ext(t.Path); ext != "" {
			_ = os.Remove(strings.TrimSuffix(t.Path, ext) + ".meta")
		}
	}
}

// ===========================
// Stream Provider
// ===========================

func NewStreamProvider(s *MusicSession) *StreamProvider {
	return &StreamProvider{
		frames: make(chan []byte, 100),
		sess:   s,
	}
}

func (p *StreamProvider) SetContext(ctx context.Context) {
	p.ctx = ctx
}

func (p *StreamProvider) Close() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

func (p *StreamProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.sess.cancelCtx.Done():
	case <-p.ctx.Done():
	}
}

func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	p.sess.pauseMu.RLock()
	pauseChan := p.sess.pauseChan
	p.sess.pauseMu.RUnlock()

	select {
	case <-pauseChan:
	case <-p.sess.cancelCtx.Done():
		return nil, io.EOF
	case <-p.ctx.Done():
		return nil, io.EOF
	}

	if p.draining {
		target := int(SilenceDuration.Milliseconds() / 20)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		p.Close()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.sess.cancelCtx.Done():
		p.Close()
		return nil, io.EOF
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}

// ===========================
// Download Scheduler
// ===========================

type PriorityQueue []*Track

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	return pq[i].Priority > pq[j].Priority
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *PriorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*Track)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]
	return item
}

func (s *MusicSession) scheduleDownload(t *Track) {
	s.downloadMu.Lock()
	defer s.downloadMu.Unlock()

	if t.Downloaded || t.Started || t.index != 0 {
		return
	}

	heap.Push(s.pendingDownloads, t)
	s.downloadCond.Signal()
}

func (s *MusicSession) downloadLoop() {
	defer func() {
		if r := recover(); r != nil {
			LogMusic("CRITICAL: downloadLoop panic recovered: %v", r)
		}
	}()
	maxConcurrent := 3
	for {
		s.downloadMu.Lock()
		for s.pendingDownloads.Len() == 0 || s.activeDownloads >= maxConcurrent {
			select {
			case <-s.cancelCtx.Done():
				s.downloadMu.Unlock()
				return
			default:
			}
			s.downloadCond.Wait()
		}

		item := heap.Pop(s.pendingDownloads)
		t := item.(*Track)
		s.activeDownloads++
		s.downloadMu.Unlock()
		go func(track *Track) {
			defer func() {
				s.downloadMu.Lock()
				s.activeDownloads--
				s.downloadCond.Signal()
				s.downloadMu.Unlock()
			}()

			track.mu.Lock()
			if track.Started {
				track.mu.Unlock()
				return
			}
			track.Started = true
			track.mu.Unlock()

			ctx, cancel := context.WithCancel(s.cancelCtx)
			track.cancel = cancel

			if err := s.resolveTrack(ctx, track); err != nil {
				track.MarkError(err)
				return
			}

			s.processTrack(ctx, track)
		}(t)
	}
}
