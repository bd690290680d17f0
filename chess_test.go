package main

import (
	"testing"

	"github.com/corentings/chess/v2"
	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedChessMatch(t *testing.T, gameID string, match *chessMatch) {
	t.Helper()
	chessMu.Lock()
	chessMatches[gameID] = match
	chessMu.Unlock()
	t.Cleanup(func() {
		chessMu.Lock()
		delete(chessMatches, gameID)
		chessMu.Unlock()
	})
}

func TestExpireChessChallengeRefundsPending(t *testing.T) {
	starter := snowflake.ID(101)
	seedChessMatch(t, "pending", &chessMatch{
		game:       chess.NewGame(),
		starterID:  starter,
		opponentID: 102,
		bet:        50,
	})
	require.True(t, chessPlayerBusy(starter))

	expired, ok := expireChessChallenge("pending")
	require.True(t, ok)
	assert.Equal(t, starter, expired.starterID)
	assert.Equal(t, int64(50), expired.bet)

	// The expiry frees the starter for new challenges and cannot fire twice.
	assert.False(t, chessPlayerBusy(starter))
	_, ok = expireChessChallenge("pending")
	assert.False(t, ok)
}

func TestExpireChessChallengeLeavesRunningMatches(t *testing.T) {
	seedChessMatch(t, "running", &chessMatch{
		game:       chess.NewGame(),
		starterID:  201,
		opponentID: 202,
		whiteID:    201,
		blackID:    202,
		bet:        25,
		accepted:   true,
	})

	_, ok := expireChessChallenge("running")
	assert.False(t, ok)
	assert.True(t, chessPlayerBusy(snowflake.ID(201)))
	assert.True(t, chessPlayerBusy(snowflake.ID(202)))
}
