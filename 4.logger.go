package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// --- Globals & Styles ---

var (
	// Level colors
	infoColor  = color.New()
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
	fatalColor = color.New(color.FgRed, color.Bold)

	// Component colors
	databaseColor = color.New()
	musicColor    = color.New(color.FgMagenta)
	autoplayColor = color.New(color.FgMagenta)
	economyColor  = color.New(color.FgGreen)
	casinoColor   = color.New(color.FgGreen)
	modColor      = color.New(color.FgYellow)
	chatColor     = color.New(color.FgBlue)

	// Global state
	DefaultTimeFormat = "15:04:05"
	IsSilent          = false
	LogToFile         = false
	Logger            *slog.Logger

	// Internal state
	logMu sync.Mutex
)

// --- Initialization ---

func init() {
	InitLogger(false, false)
}

// InitLogger initializes the global structured logger
func InitLogger(silent bool, saveToFile bool) {
	logMu.Lock()
	defer logMu.Unlock()

	IsSilent = silent
	LogToFile = saveToFile
	level := slog.LevelInfo
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = slog.LevelDebug
	}

	var writer io.Writer = os.Stdout

	if LogToFile {
		exePath, exeErr := os.Executable()
		logName := GetProjectName() + ".log"
		if exeErr == nil {
			logName = filepath.Base(exePath) + ".log"
		}

		file, err := os.OpenFile(logName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", logName, err)
		} else {
			writer = io.MultiWriter(os.Stdout, NewStripANSIWriter(file))
		}
	}

	color.NoColor = false

	handler := NewBotLogHandler(writer, &BotLogHandlerOptions{
		Silent: IsSilent,
		Level:  level,
	})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func SetSilentMode(silent bool) {
	InitLogger(silent, LogToFile)
}

// --- Public Logging API ---

func LogInfo(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func LogWarn(format string, v ...any) {
	slog.Warn(fmt.Sprintf(format, v...))
}

func LogError(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...))
}

func LogFatal(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	slog.Log(context.Background(), slog.LevelError+4, msg)
	panic(msg)
}

func LogDebug(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...))
}

// Component Loggers

func LogDatabase(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "database"))
}

func LogMusic(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "music"))
}

func LogAutoplay(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "autoplay"))
}

func LogEconomy(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "economy"))
}

func LogCasino(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "casino"))
}

func LogMod(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "mod"))
}

func LogChat(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "chat"))
}

func LogCustom(tag string, tagColor *color.Color, format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", tag))
}

// --- Log Handler Implementation ---

type BotLogHandlerOptions struct {
	Silent bool
	Level  slog.Leveler
}

type BotLogHandler struct {
	w    io.Writer
	opts *BotLogHandlerOptions
	mu   *sync.Mutex
}

func NewBotLogHandler(w io.Writer, opts *BotLogHandlerOptions) *BotLogHandler {
	if opts == nil {
		opts = &BotLogHandlerOptions{Level: slog.LevelInfo}
	}
	return &BotLogHandler{
		w:    w,
		opts: opts,
		mu:   &sync.Mutex{},
	}
}

func (h *BotLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.opts.Silent {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *BotLogHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.Silent {
		return nil
	}

	timeStr := time.Now().Format(DefaultTimeFormat)
	var levelStr string
	var levelColor *color.Color

	switch {
	case r.Level >= slog.LevelError+4:
		levelStr = "FATAL"
		levelColor = fatalColor
	case r.Level >= slog.LevelError:
		levelStr = "ERROR"
		levelColor = errorColor
	case r.Level >= slog.LevelWarn:
		levelStr = "WARN"
		levelColor = warnColor
	case r.Level >= slog.LevelInfo:
		levelStr = "INFO"
		levelColor = infoColor
	}

	component := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToUpper(a.Value.String())
			return false
		}
		return true
	})

	fmt.Fprintf(h.w, "%s", timeStr)

	if component != "" {
		if levelStr != "INFO" {
			fmt.Fprintf(h.w, " %s", levelColor.Sprintf("[%s]", levelStr))
		}
		compColor := getComponentColor(component)
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(compColor, fmt.Sprintf("[%s] %s", component, r.Message)))
	} else {
		displayMsg := fmt.Sprintf("[%s] %s", levelStr, r.Message)
		if levelStr == "INFO" && strings.HasPrefix(r.Message, "[") {
			if idx := strings.Index(r.Message, "]"); idx > 0 && idx < 20 {
				displayMsg = r.Message
			}
		}
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(levelColor, displayMsg))
	}

	return nil
}

func (h *BotLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *BotLogHandler) WithGroup(name string) slog.Handler       { return h }

// --- Formatting Helpers ---

func getComponentColor(name string) *color.Color {
	switch name {
	case "DATABASE":
		return databaseColor
	case "MUSIC":
		return musicColor
	case "AUTOPLAY":
		return autoplayColor
	case "ECONOMY":
		return economyColor
	case "CASINO":
		return casinoColor
	case "MOD":
		return modColor
	case "CHAT":
		return chatColor
	default:
		return color.New(color.FgCyan)
	}
}

func colorizeWithResets(c *color.Color, text string) string {
	if !strings.Contains(text, "\x1b[0m") {
		return c.Sprint(text)
	}

	marker := "@@@MSG@@@"
	wrapped := c.Sprint(marker)
	idx := strings.Index(wrapped, marker)
	if idx <= 0 {
		return text
	}
	startSeq := wrapped[:idx]

	modifiedText := strings.ReplaceAll(text, "\x1b[0m", "\x1b[0m"+startSeq)
	return c.Sprint(modifiedText)
}

// --- ANSI Stripper ---

type StripANSIWriter struct {
	w  io.Writer
	re *regexp.Regexp
}

func NewStripANSIWriter(w io.Writer) *StripANSIWriter {
	return &StripANSIWriter{
		w:  w,
		re: regexp.MustCompile(`\x1b\[[0-9;]*m`),
	}
}

func (s *StripANSIWriter) Write(p []byte) (n int, err error) {
	clean := s.re.ReplaceAll(p, []byte(""))
	_, err = s.w.Write(clean)
	return len(p), err
}

// --- Message Constants ---

const (
	// --- Infrastructure & Lifecycle ---
	MsgConfigFailedToLoad  = "Failed to load config: %v"
	MsgConfigMissingToken  = "DISCORD_TOKEN is not set in .env file"
	MsgDatabaseInitSuccess = "Database initialized successfully"
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"
	MsgDaemonStarting      = "Starting..."
	MsgBotStarting         = "Starting %s..."
	MsgBotReady            = "%s is ready! (ID: %s) (PID: %d) (Took: %dms)"
	MsgBotShutdown         = "Shutting down %s..."
	MsgBotKillingOld       = "Killing running instance... (PID: %d)"
	MsgBotOldTerminated    = "Old instance terminated."
	MsgBotRegisterFail     = "Command registration failed: %v"
	MsgBotAPIStatusError   = "discord API returned status %d"
	MsgGenericError        = "%v"

	// --- Command Loader & Registry ---
	MsgLoaderSyncCommands       = "Syncing %s commands..."
	MsgLoaderTransition         = "[TRANSITION] Switching from %s to %s mode."
	MsgLoaderCleanup            = "[CLEANUP] Removing commands from previous dev guild: %s"
	MsgLoaderDevStarting        = "[DEV] Registering commands to guild: %s"
	MsgLoaderDevRegistered      = "[DEV] Registered: %s"
	MsgLoaderDevFail            = "[DEV] Registration failed: %v"
	MsgLoaderDevGlobalClear     = "[DEV] Verifying global commands are cleared..."
	MsgLoaderDevGlobalClearFail = "[DEV] Global clear skipped (likely rate limited): %v"
	MsgLoaderProdStarting       = "[PROD] Registering commands globally..."
	MsgLoaderProdRegistered     = "[PROD] Registered: %s"
	MsgLoaderProdFail           = "[PROD] Global registration failed: %w"
	MsgLoaderScanStarting       = "[SCAN] Checking all guilds for ghost commands..."
	MsgLoaderScanCleared        = "[SCAN] Cleared ghost commands from: %s (%s)"
	MsgLoaderPanicRecovered     = "Panic recovered in handler: %v"

	// --- Music System ---
	MsgMusicJoinedChannel    = "Joined voice channel %s in guild %s"
	MsgMusicLeftChannel      = "Left voice channel in guild %s"
	MsgMusicNowPlaying       = "Now playing: %s (%s)"
	MsgMusicDownloadStart    = "Downloading: %s"
	MsgMusicDownloadDone     = "Download complete: %s (%.1f MB)"
	MsgMusicDownloadFail     = "Download failed for %s: %v"
	MsgMusicStreamEnded      = "Stream ended: %s"
	MsgMusicStreamFail       = "Stream error for %s: %v"
	MsgMusicAutoPaused       = "Auto-paused: no listeners in channel"
	MsgMusicAutoResumed      = "Auto-resumed: listener rejoined"
	MsgMusicQueueCleaned     = "Cleaned up %d queued track(s)"
	MsgMusicErrNotInVoice    = "You need to be in a voice channel to use this."
	MsgMusicErrNothingQueued = "Nothing is playing right now."
	MsgMusicErrQueueEmpty    = "The queue is empty."
	MsgMusicErrSearchFailed  = "No results found for your search."
	MsgMusicErrBadVolume     = "Volume must be between 0 and 200."
	MsgMusicErrJoinFailed    = "Failed to join your voice channel."

	// --- Autoplay Engine ---
	MsgAutoplaySearching    = "Looking for a related track to: %s"
	MsgAutoplaySelected     = "Selected: %s by %s (overlap: %d)"
	MsgAutoplayNoCandidate  = "No suitable related track found for: %s"
	MsgAutoplaySearchFailed = "All candidate searches failed for: %s"
	MsgAutoplayRegistered   = "Registered now playing: %s"
	MsgAutoplaySkippedDup   = "Skipped near-duplicate candidate: %s"
	MsgAutoplayOnCooldown   = "Autoplay request discarded (cooldown)"
	MsgAutoplayBusy         = "Autoplay request discarded (already running)"

	// --- Economy System ---
	MsgEconomyDailyClaimed   = "User %s claimed daily reward (%d coins)"
	MsgEconomyWorkDone       = "User %s worked for %d coins"
	MsgEconomyCrimeResult    = "User %s committed crime: %+d coins"
	MsgEconomyTransfer       = "User %s paid %d coins to %s"
	MsgEconomyErrBroke       = "You don't have enough coins for that."
	MsgEconomyErrSelfPay     = "You can't pay yourself."
	MsgEconomyErrBadAmount   = "Amount must be a positive number."
	MsgEconomyErrOnCooldown  = "You need to wait **%s** before doing that again."
	MsgEconomyBalanceDisplay = "**%s's balance**\n> %d coins"

	// --- Casino System ---
	MsgCasinoRouletteSpin = "User %s bet %d on %s: %s"
	MsgCasinoSlotsSpin    = "User %s spun slots for %d: %s"
	MsgCasinoDuelStart    = "Duel started: %s vs anyone for %d coins"
	MsgCasinoDuelResolved = "Duel resolved: %s beat %s for %d coins"
	MsgCasinoBlackjack    = "Blackjack: user %s %s (bet %d)"
	MsgCasinoChessWager   = "Chess wager started: %s vs %s for %d coins"
	MsgCasinoErrMinBet    = "The minimum bet is %d coins."
	MsgCasinoErrInGame    = "You already have an active game. Finish it first."

	// --- Moderation System ---
	MsgModCleared         = "Cleared %d message(s) in #%s by %s"
	MsgModTimeout         = "User %s timed out %s for %s"
	MsgModKick            = "User %s kicked %s"
	MsgModBan             = "User %s banned %s"
	MsgModWarn            = "User %s warned %s (warn #%d)"
	MsgModErrBadDuration  = "Could not parse that duration. Try '10m', '2 hours' or 'tomorrow'."
	MsgModErrHierarchy    = "You can't moderate this member."
	MsgModErrNoPermission = "You don't have permission to use this command."

	// --- Chat System ---
	MsgChatRequest        = "Chat request from %s (%d chars)"
	MsgChatResponse       = "Chat response delivered to %s (%d chars)"
	MsgChatAPIFail        = "Chat completion failed: %v"
	MsgChatHistoryReset   = "Chat history reset for user %s"
	MsgChatErrNoAPIKey    = "The chat feature is not configured on this bot."
	MsgChatErrUnreachable = "The chat service is currently unavailable. Try again later."

	// --- Session System ---
	MsgSessionRebootCommanded   = "Reboot commanded by user %s (%s)"
	MsgSessionShutdownCommanded = "Shutdown commanded by user %s (%s)"
	MsgSessionRebooting         = "**Rebooting...**"
	MsgSessionShuttingDown      = "**Shutting down...**"
	MsgSessionStatsLoading      = "Loading stats..."
)
