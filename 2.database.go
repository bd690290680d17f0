package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"
	"github.com/mattn/go-sqlite3"
)

// --- Phase 1: Configuration & Environment ---

type Config struct {
	Token         string
	GuildID       string
	DatabasePath  string
	OwnerIDs      []string
	Silent        bool
	GroqAPIKey    string
	GroqModel     string
	YoutubeProxy  string
	YoutubePrefix string
	YTMusicPrefix string
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv("DISCORD_TOKEN")
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	silent, _ := strconv.ParseBool(os.Getenv("SILENT"))

	groqModel := os.Getenv("GROQ_MODEL")
	if groqModel == "" {
		groqModel = "llama-3.3-70b-versatile"
	}

	ytPrefix := os.Getenv("VOICE_YT_PREFIX")
	if ytPrefix == "" {
		ytPrefix = "[YT]"
	}

	ytmPrefix := os.Getenv("VOICE_YTM_PREFIX")
	if ytmPrefix == "" {
		ytmPrefix = "[YTM]"
	}

	ownerIDsStr := os.Getenv("OWNER_IDS")
	var ownerIDs []string
	if ownerIDsStr != "" {
		ownerIDs = strings.Split(ownerIDsStr, ",")
		for i := range ownerIDs {
			ownerIDs[i] = strings.TrimSpace(ownerIDs[i])
		}
	}

	cfg := &Config{
		Token:         token,
		GuildID:       os.Getenv("GUILD_ID"),
		DatabasePath:  dbPath,
		OwnerIDs:      ownerIDs,
		Silent:        silent,
		GroqAPIKey:    os.Getenv("GROQ_API_KEY"),
		GroqModel:     groqModel,
		YoutubeProxy:  os.Getenv("YOUTUBE_PROXY"),
		YoutubePrefix: ytPrefix,
		YTMusicPrefix: ytmPrefix,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf("invalid GUILD_ID: must be a valid Snowflake")
	}
	return nil
}

func (c *Config) IsOwner(id snowflake.ID) bool {
	for _, owner := range c.OwnerIDs {
		if owner == id.String() {
			return true
		}
	}
	return false
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}

// --- Phase 2: Database Connection & Lifecycle ---

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	// Explicitly reference sqlite3 driver to avoid blank identifier
	// The driver registers itself via its init() function
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			balance INTEGER NOT NULL DEFAULT 0,
			xp INTEGER NOT NULL DEFAULT 0,
			level INTEGER NOT NULL DEFAULT 0,
			messages INTEGER NOT NULL DEFAULT 0,
			last_daily DATETIME,
			last_work DATETIME,
			last_crime DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS warns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			moderator_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS chat_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	migrations := []string{
		"ALTER TABLE users ADD COLUMN messages INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE users ADD COLUMN last_crime DATETIME",
	}

	for _, m := range migrations {
		if _, err := DB.ExecContext(initCtx, m); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// --- Phase 3: Infrastructure & Bot Persistence ---

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// --- Phase 4: Application Logic (User Accounts) ---

type UserAccount struct {
	UserID    snowflake.ID
	Balance   int64
	XP        int64
	Level     int
	Messages  int64
	LastDaily sql.NullTime
	LastWork  sql.NullTime
	LastCrime sql.NullTime
}

// GetUserAccount returns the account row for a user, creating it on first contact.
func GetUserAccount(ctx context.Context, userID snowflake.ID) (*UserAccount, error) {
	_, err := DB.ExecContext(ctx, "INSERT OR IGNORE INTO users (user_id) VALUES (?)", userID.String())
	if err != nil {
		return nil, err
	}

	row := DB.QueryRowContext(ctx, `
		SELECT user_id, balance, xp, level, messages, last_daily, last_work, last_crime
		FROM users WHERE user_id = ?
	`, userID.String())

	acc := &UserAccount{}
	var uid string
	if err := row.Scan(&uid, &acc.Balance, &acc.XP, &acc.Level, &acc.Messages, &acc.LastDaily, &acc.LastWork, &acc.LastCrime); err != nil {
		return nil, err
	}
	acc.UserID, err = snowflake.Parse(uid)
	if err != nil {
		return nil, fmt.Errorf("failed to parse user ID '%s': %w", uid, err)
	}
	return acc, nil
}

// AdjustBalance applies a signed delta to a user's balance. A debit that would
// take the balance below zero affects no rows and returns false.
func AdjustBalance(ctx context.Context, userID snowflake.ID, delta int64) (bool, error) {
	if _, err := DB.ExecContext(ctx, "INSERT OR IGNORE INTO users (user_id) VALUES (?)", userID.String()); err != nil {
		return false, err
	}
	result, err := DB.ExecContext(ctx, `
		UPDATE users SET balance = balance + ? WHERE user_id = ? AND balance + ? >= 0
	`, delta, userID.String(), delta)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// TransferBalance moves coins between two users atomically.
func TransferBalance(ctx context.Context, from, to snowflake.ID, amount int64) (bool, error) {
	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	for _, id := range []snowflake.ID{from, to} {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO users (user_id) VALUES (?)", id.String()); err != nil {
			return false, err
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE users SET balance = balance - ? WHERE user_id = ? AND balance >= ?
	`, amount, from.String(), amount)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, "UPDATE users SET balance = balance + ? WHERE user_id = ?", amount, to.String()); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// SetUserCooldown stamps one of the cooldown columns with the given time.
func SetUserCooldown(ctx context.Context, userID snowflake.ID, column string, t time.Time) error {
	switch column {
	case "last_daily", "last_work", "last_crime":
	default:
		return fmt.Errorf("unknown cooldown column: %s", column)
	}
	_, err := DB.ExecContext(ctx,
		fmt.Sprintf("UPDATE users SET %s = ? WHERE user_id = ?", column),
		t.UTC(), userID.String())
	return err
}

// AddUserXP adds experience and a message count, returning the new totals.
// The level is recomputed from the updated XP.
func AddUserXP(ctx context.Context, userID snowflake.ID, xp int64) (newXP int64, newLevel int, leveled bool, err error) {
	if _, err = DB.ExecContext(ctx, "INSERT OR IGNORE INTO users (user_id) VALUES (?)", userID.String()); err != nil {
		return 0, 0, false, err
	}

	var oldLevel int
	row := DB.QueryRowContext(ctx, `
		UPDATE users SET xp = xp + ?, messages = messages + 1 WHERE user_id = ?
		RETURNING xp, level
	`, xp, userID.String())
	if err = row.Scan(&newXP, &oldLevel); err != nil {
		return 0, 0, false, err
	}

	newLevel = LevelForXP(newXP)
	if newLevel != oldLevel {
		if _, err = DB.ExecContext(ctx, "UPDATE users SET level = ? WHERE user_id = ?", newLevel, userID.String()); err != nil {
			return 0, 0, false, err
		}
	}
	return newXP, newLevel, newLevel > oldLevel, nil
}

func GetTopBalances(ctx context.Context, limit int) ([]*UserAccount, error) {
	return queryAccounts(ctx, "ORDER BY balance DESC", limit)
}

func GetTopXP(ctx context.Context, limit int) ([]*UserAccount, error) {
	return queryAccounts(ctx, "ORDER BY xp DESC", limit)
}

func queryAccounts(ctx context.Context, order string, limit int) ([]*UserAccount, error) {
	rows, err := DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT user_id, balance, xp, level, messages, last_daily, last_work, last_crime
		FROM users %s LIMIT ?
	`, order), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*UserAccount
	for rows.Next() {
		acc := &UserAccount{}
		var uid string
		if err := rows.Scan(&uid, &acc.Balance, &acc.XP, &acc.Level, &acc.Messages, &acc.LastDaily, &acc.LastWork, &acc.LastCrime); err != nil {
			return nil, err
		}
		acc.UserID, err = snowflake.Parse(uid)
		if err != nil {
			return nil, fmt.Errorf("failed to parse user ID '%s': %w", uid, err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// --- Phase 5: Application Logic (Warns) ---

type Warn struct {
	ID          int64
	GuildID     snowflake.ID
	UserID      snowflake.ID
	ModeratorID snowflake.ID
	Reason      string
	CreatedAt   time.Time
}

func AddWarn(ctx context.Context, w *Warn) (int, error) {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO warns (guild_id, user_id, moderator_id, reason)
		VALUES (?, ?, ?, ?)
	`, w.GuildID.String(), w.UserID.String(), w.ModeratorID.String(), w.Reason)
	if err != nil {
		return 0, err
	}

	var count int
	err = DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM warns WHERE guild_id = ? AND user_id = ?",
		w.GuildID.String(), w.UserID.String()).Scan(&count)
	return count, err
}

func GetWarnsForUser(ctx context.Context, guildID, userID snowflake.ID) ([]*Warn, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT id, guild_id, user_id, moderator_id, reason, created_at
		FROM warns WHERE guild_id = ? AND user_id = ? ORDER BY created_at ASC
	`, guildID.String(), userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var warns []*Warn
	for rows.Next() {
		w := &Warn{}
		var gid, uid, mid string
		if err := rows.Scan(&w.ID, &gid, &uid, &mid, &w.Reason, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.GuildID, err = snowflake.Parse(gid)
		if err != nil {
			return nil, fmt.Errorf("failed to parse guild ID '%s' for warn %d: %w", gid, w.ID, err)
		}
		w.UserID, err = snowflake.Parse(uid)
		if err != nil {
			return nil, fmt.Errorf("failed to parse user ID '%s' for warn %d: %w", uid, w.ID, err)
		}
		w.ModeratorID, err = snowflake.Parse(mid)
		if err != nil {
			return nil, fmt.Errorf("failed to parse moderator ID '%s' for warn %d: %w", mid, w.ID, err)
		}
		warns = append(warns, w)
	}
	return warns, nil
}

func DeleteWarn(ctx context.Context, guildID snowflake.ID, warnID int64) (bool, error) {
	result, err := DB.ExecContext(ctx, "DELETE FROM warns WHERE id = ? AND guild_id = ?", warnID, guildID.String())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// --- Phase 6: Application Logic (Chat History) ---

type ChatMessage struct {
	ID      int64
	UserID  snowflake.ID
	Role    string
	Content string
}

func AppendChatMessage(ctx context.Context, userID snowflake.ID, role, content string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO chat_history (user_id, role, content) VALUES (?, ?, ?)
	`, userID.String(), role, content)
	return err
}

// GetRecentChatMessages returns up to limit messages for the user in
// chronological order.
func GetRecentChatMessages(ctx context.Context, userID snowflake.ID, limit int) ([]*ChatMessage, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT id, user_id, role, content FROM (
			SELECT id, user_id, role, content FROM chat_history
			WHERE user_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, userID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		m := &ChatMessage{}
		var uid string
		if err := rows.Scan(&m.ID, &uid, &m.Role, &m.Content); err != nil {
			return nil, err
		}
		m.UserID, err = snowflake.Parse(uid)
		if err != nil {
			return nil, fmt.Errorf("failed to parse user ID '%s' for chat message %d: %w", uid, m.ID, err)
		}
		messages = append(messages, m)
	}
	return messages, nil
}

func ClearChatHistory(ctx context.Context, userID snowflake.ID) (int64, error) {
	result, err := DB.ExecContext(ctx, "DELETE FROM chat_history WHERE user_id = ?", userID.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// TrimChatHistory deletes everything older than the newest keep rows for a user.
func TrimChatHistory(ctx context.Context, userID snowflake.ID, keep int) error {
	_, err := DB.ExecContext(ctx, `
		DELETE FROM chat_history WHERE user_id = ? AND id NOT IN (
			SELECT id FROM chat_history WHERE user_id = ? ORDER BY id DESC LIMIT ?
		)
	`, userID.String(), userID.String(), keep)
	return err
}
