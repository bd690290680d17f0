package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) context.Context {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, InitDatabase(ctx, filepath.Join(t.TempDir(), "grooveos.db")))
	t.Cleanup(CloseDatabase)
	return ctx
}

func TestGetUserAccountCreatesRow(t *testing.T) {
	ctx := setupTestDB(t)
	id := snowflake.ID(1001)

	acc, err := GetUserAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, acc.UserID)
	assert.Equal(t, int64(0), acc.Balance)
	assert.Equal(t, 0, acc.Level)
	assert.False(t, acc.LastDaily.Valid)

	// Second fetch hits the same row.
	again, err := GetUserAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, acc.UserID, again.UserID)
}

func TestAdjustBalanceGuardsAgainstOverdraft(t *testing.T) {
	ctx := setupTestDB(t)
	id := snowflake.ID(1002)

	ok, err := AdjustBalance(ctx, id, 100)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = AdjustBalance(ctx, id, -150)
	require.NoError(t, err)
	assert.False(t, ok, "debit below zero must affect no rows")

	acc, err := GetUserAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)

	ok, err = AdjustBalance(ctx, id, -100)
	require.NoError(t, err)
	assert.True(t, ok)

	acc, err = GetUserAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.Balance)
}

func TestTransferBalance(t *testing.T) {
	ctx := setupTestDB(t)
	from, to := snowflake.ID(1003), snowflake.ID(1004)

	ok, err := TransferBalance(ctx, from, to, 50)
	require.NoError(t, err)
	assert.False(t, ok, "transfer without funds must fail")

	_, err = AdjustBalance(ctx, from, 200)
	require.NoError(t, err)

	ok, err = TransferBalance(ctx, from, to, 50)
	require.NoError(t, err)
	assert.True(t, ok)

	fromAcc, err := GetUserAccount(ctx, from)
	require.NoError(t, err)
	toAcc, err := GetUserAccount(ctx, to)
	require.NoError(t, err)
	assert.Equal(t, int64(150), fromAcc.Balance)
	assert.Equal(t, int64(50), toAcc.Balance)
}

func TestSetUserCooldown(t *testing.T) {
	ctx := setupTestDB(t)
	id := snowflake.ID(1005)

	_, err := GetUserAccount(ctx, id)
	require.NoError(t, err)

	assert.Error(t, SetUserCooldown(ctx, id, "balance", time.Now()), "non-cooldown columns must be rejected")

	stamp := time.Now()
	require.NoError(t, SetUserCooldown(ctx, id, "last_daily", stamp))

	acc, err := GetUserAccount(ctx, id)
	require.NoError(t, err)
	require.True(t, acc.LastDaily.Valid)
	assert.WithinDuration(t, stamp.UTC(), acc.LastDaily.Time, 2*time.Second)
	assert.False(t, acc.LastWork.Valid)
}

func TestAddUserXPLevelsUp(t *testing.T) {
	ctx := setupTestDB(t)
	id := snowflake.ID(1006)

	newXP, newLevel, leveled, err := AddUserXP(ctx, id, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), newXP)
	assert.Equal(t, 0, newLevel)
	assert.False(t, leveled)

	// Level 1 starts at 100 XP.
	newXP, newLevel, leveled, err = AddUserXP(ctx, id, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(100), newXP)
	assert.Equal(t, 1, newLevel)
	assert.True(t, leveled)

	acc, err := GetUserAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, acc.Level)
	assert.Equal(t, int64(2), acc.Messages)
}

func TestLevelForXP(t *testing.T) {
	assert.Equal(t, 0, LevelForXP(0))
	assert.Equal(t, 0, LevelForXP(99))
	assert.Equal(t, 1, LevelForXP(100))
	assert.Equal(t, 1, LevelForXP(399))
	assert.Equal(t, 2, LevelForXP(400))
	assert.Equal(t, 10, LevelForXP(10000))

	assert.Equal(t, int64(0), XPForLevel(0))
	assert.Equal(t, int64(100), XPForLevel(1))
	assert.Equal(t, int64(400), XPForLevel(2))
}

func TestWarnLifecycle(t *testing.T) {
	ctx := setupTestDB(t)
	guild, user, mod := snowflake.ID(2001), snowflake.ID(1007), snowflake.ID(1008)

	count, err := AddWarn(ctx, &Warn{GuildID: guild, UserID: user, ModeratorID: mod, Reason: "spam"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = AddWarn(ctx, &Warn{GuildID: guild, UserID: user, ModeratorID: mod, Reason: "more spam"})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	warns, err := GetWarnsForUser(ctx, guild, user)
	require.NoError(t, err)
	require.Len(t, warns, 2)
	assert.Equal(t, "spam", warns[0].Reason)
	assert.Equal(t, mod, warns[0].ModeratorID)

	// Deleting from the wrong guild must not touch the warn.
	ok, err := DeleteWarn(ctx, snowflake.ID(9999), warns[0].ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = DeleteWarn(ctx, guild, warns[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)

	warns, err = GetWarnsForUser(ctx, guild, user)
	require.NoError(t, err)
	require.Len(t, warns, 1)
	assert.Equal(t, "more spam", warns[0].Reason)
}

func TestChatHistoryWindow(t *testing.T) {
	ctx := setupTestDB(t)
	id := snowflake.ID(1009)

	for i := 0; i < 15; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		require.NoError(t, AppendChatMessage(ctx, id, role, string(rune('a'+i))))
	}

	recent, err := GetRecentChatMessages(ctx, id, 12)
	require.NoError(t, err)
	require.Len(t, recent, 12)
	assert.Equal(t, "d", recent[0].Content, "window starts at the 4th message")
	assert.Equal(t, "o", recent[11].Content)

	require.NoError(t, TrimChatHistory(ctx, id, 12))
	all, err := GetRecentChatMessages(ctx, id, 100)
	require.NoError(t, err)
	assert.Len(t, all, 12)

	deleted, err := ClearChatHistory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(12), deleted)
}

func TestBotConfigRoundtrip(t *testing.T) {
	ctx := setupTestDB(t)

	val, err := GetBotConfig(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, "", val)

	require.NoError(t, SetBotConfig(ctx, "mode", "dev"))
	require.NoError(t, SetBotConfig(ctx, "mode", "prod"))

	val, err = GetBotConfig(ctx, "mode")
	require.NoError(t, err)
	assert.Equal(t, "prod", val)
}
