package main

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/corentings/chess/v2"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Command Registration
// ===========================

func init() {
	RegisterCommand(discord.SlashCommandCreate{
		Name:        "chess",
		Description: "Challenge someone to a chess match for coins",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionUser{
				Name:        "opponent",
				Description: "Who to challenge",
				Required:    true,
			},
			discord.ApplicationCommandOptionInt{
				Name:        "bet",
				Description: "How many coins each side wagers",
				Required:    true,
				MinValue:    intPtr(casinoMinBet),
			},
		},
	}, handleChess)

	RegisterComponentHandler("chess:", handleChessComponent)
}

// ===========================
// Constants & Variables
// ===========================

const (
	chessWhiteSquare = "◻️"
	chessBlackSquare = "◼️"
	chessMarkedCell  = "🟩"

	chessStatusTurn    = "**<@%s>'s turn** (%s)"
	chessStatusMate    = "**<@%s> checkmated <@%s> and takes the pot of %d coins! 🎉**"
	chessStatusDraw    = "**Draw. Both wagers were returned.**"
	chessStatusForfeit = "**<@%s> forfeited. <@%s> takes the pot of %d coins! 🎉**"
)

var chessPieceIcons = map[chess.Piece]string{
	chess.WhiteKing: "🤴", chess.WhiteQueen: "👸", chess.WhiteRook: "🏰",
	chess.WhiteBishop: "🙏", chess.WhiteKnight: "🐴", chess.WhitePawn: "👊",
	chess.BlackKing: "🤴🏿", chess.BlackQueen: "👸🏿", chess.BlackRook: "🏯",
	chess.BlackBishop: "🙏🏿", chess.BlackKnight: "🦓", chess.BlackPawn: "👊🏿",
}

type chessMatch struct {
	game       *chess.Game
	starterID  snowflake.ID
	opponentID snowflake.ID
	whiteID    snowflake.ID
	blackID    snowflake.ID
	bet        int64
	accepted   bool
	over       bool
	selected   *chess.Square
	lastMove   *chess.Move
}

var (
	chessMu      sync.Mutex
	chessMatches = map[string]*chessMatch{}
)

// chessPlayerBusy reports whether a member has an open challenge or match.
func chessPlayerBusy(userID snowflake.ID) bool {
	chessMu.Lock()
	defer chessMu.Unlock()
	for _, m := range chessMatches {
		if m.over {
			continue
		}
		if m.starterID == userID || (m.accepted && m.opponentID == userID) {
			return true
		}
	}
	return false
}

// ===========================
// Interaction Handlers
// ===========================

func handleChess(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()

	opponent, _ := data.OptUser("opponent")
	bet := int64(data.Int("bet"))

	if opponent.Bot {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Bots don't gamble.")), true)
		return
	}
	if opponent.ID == event.User().ID {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("You can't challenge yourself.")), true)
		return
	}

	if chessPlayerBusy(event.User().ID) {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgCasinoErrInGame)), true)
		return
	}

	if !takeBet(event, bet) {
		return
	}

	match := &chessMatch{
		game:       chess.NewGame(),
		starterID:  event.User().ID,
		opponentID: opponent.ID,
		bet:        bet,
	}
	gameID := fmt.Sprintf("%d_%d", event.Channel().ID(), time.Now().UnixNano())

	chessMu.Lock()
	chessMatches[gameID] = match
	chessMu.Unlock()

	LogCasino(MsgCasinoChessWager, event.User().Username, opponent.Username, bet)

	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(
			discord.NewTextDisplay(fmt.Sprintf("♟️ %s challenges %s to chess for **%d** coins a side.", event.User().Mention(), opponent.Mention(), bet)),
			discord.NewContainer(
				discord.NewActionRow(
					discord.NewButton(discord.ButtonStyleSuccess, "Accept", fmt.Sprintf("chess:%s:accept", gameID), "", 0),
					discord.NewButton(discord.ButtonStyleDanger, "Decline", fmt.Sprintf("chess:%s:decline", gameID), "", 0),
				),
			),
		).
		Build())

	// Refund if the challenge is never answered.
	client := event.Client()
	appID := event.ApplicationID()
	token := event.Token()
	safeGo(func() {
		time.Sleep(duelTimeout)

		expired, ok := expireChessChallenge(gameID)
		if !ok {
			return
		}
		payout(expired.starterID, expired.bet)
		_, _ = client.Rest.UpdateInteractionResponse(appID, token, discord.NewMessageUpdateBuilder().
			SetIsComponentsV2(true).
			SetComponents(discord.NewTextDisplay(fmt.Sprintf("♟️ <@%s> never answered. <@%s> got the **%d** coin wager back.", expired.opponentID, expired.starterID, expired.bet))).
			Build())
	})
}

// expireChessChallenge closes an unanswered challenge, reporting whether the
// caller owes the starter a refund. Accepted or settled matches are left
// alone.
func expireChessChallenge(gameID string) (*chessMatch, bool) {
	chessMu.Lock()
	defer chessMu.Unlock()

	match, exists := chessMatches[gameID]
	if !exists || match.accepted || match.over {
		return nil, false
	}
	match.over = true
	delete(chessMatches, gameID)
	return match, true
}

func handleChessComponent(event *events.ComponentInteractionCreate) {
	parts := strings.Split(event.Data.CustomID(), ":")
	if len(parts) < 3 {
		_ = event.DeferUpdateMessage()
		return
	}
	gameID, action := parts[1], parts[2]

	chessMu.Lock()
	defer chessMu.Unlock()

	match, exists := chessMatches[gameID]
	if !exists || match.over {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().
			SetContent("This match is no longer active.").SetEphemeral(true).Build())
		return
	}

	userID := event.User().ID

	if !match.accepted {
		handleChessChallenge(event, gameID, match, action)
		return
	}

	if userID != match.whiteID && userID != match.blackID {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().
			SetContent("You are not part of this match.").SetEphemeral(true).Build())
		return
	}

	isWhite := userID == match.whiteID
	whiteTurn := match.game.Position().Turn() == chess.White
	if isWhite != whiteTurn && action != "forfeit" {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().
			SetContent("It's not your turn.").SetEphemeral(true).Build())
		return
	}

	status := ""
	switch action {
	case "select":
		values := event.StringSelectMenuInteractionData().Values
		if len(values) > 0 {
			sqVal, _ := strconv.Atoi(values[0])
			sq := chess.Square(sqVal)
			match.selected = &sq
		}

	case "move":
		values := event.StringSelectMenuInteractionData().Values
		if len(values) > 0 && match.selected != nil {
			toVal, _ := strconv.Atoi(values[0])
			to := chess.Square(toVal)

			var move *chess.Move
			for _, m := range match.game.ValidMoves() {
				if m.S1() == *match.selected && m.S2() == to {
					// Under-promotions are not offered, queens only.
					if m.Promo() != chess.NoPieceType && m.Promo() != chess.Queen {
						continue
					}
					move = &m
					break
				}
			}
			if move != nil {
				_ = match.game.PushNotationMove(chess.UCINotation{}.Encode(match.game.Position(), move), chess.UCINotation{}, nil)
				match.lastMove = move
				match.selected = nil
				status = resolveChessOutcome(gameID, match)
			}
		}

	case "forfeit":
		match.over = true
		winnerID := match.whiteID
		loserID := match.blackID
		if isWhite {
			winnerID, loserID = match.blackID, match.whiteID
		}
		payout(winnerID, match.bet*2)
		LogCasino(MsgCasinoDuelResolved, winnerID, loserID, match.bet)
		status = fmt.Sprintf(chessStatusForfeit, loserID, winnerID, match.bet*2)
		delete(chessMatches, gameID)
	}

	components := chessBuildComponents(match, gameID, status)
	_ = event.UpdateMessage(discord.NewMessageUpdateBuilder().
		SetIsComponentsV2(true).
		SetComponents(components...).
		Build())
}

// handleChessChallenge resolves the accept/decline buttons. The starter can
// use decline to withdraw their own pending challenge. Caller holds chessMu.
func handleChessChallenge(event *events.ComponentInteractionCreate, gameID string, match *chessMatch, action string) {
	if action == "decline" && event.User().ID == match.starterID {
		match.over = true
		delete(chessMatches, gameID)
		payout(match.starterID, match.bet)

		_ = event.UpdateMessage(discord.NewMessageUpdateBuilder().
			SetIsComponentsV2(true).
			SetComponents(discord.NewTextDisplay(fmt.Sprintf("♟️ <@%s> withdrew the challenge. The wager was refunded.", match.starterID))).
			Build())
		return
	}

	if event.User().ID != match.opponentID {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().
			SetContent("This challenge isn't for you.").SetEphemeral(true).Build())
		return
	}

	if action == "decline" {
		match.over = true
		delete(chessMatches, gameID)
		payout(match.starterID, match.bet)

		_ = event.UpdateMessage(discord.NewMessageUpdateBuilder().
			SetIsComponentsV2(true).
			SetComponents(discord.NewTextDisplay(fmt.Sprintf("♟️ <@%s> declined. The wager was refunded.", match.opponentID))).
			Build())
		return
	}
	if action != "accept" {
		_ = event.DeferUpdateMessage()
		return
	}

	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()
	ok, err := AdjustBalance(ctx, match.opponentID, -match.bet)
	if err != nil || !ok {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().
			SetContent(MsgEconomyErrBroke).SetEphemeral(true).Build())
		return
	}

	match.accepted = true
	match.whiteID = match.starterID
	match.blackID = match.opponentID
	if rand.Intn(2) == 0 {
		match.whiteID, match.blackID = match.blackID, match.whiteID
	}

	components := chessBuildComponents(match, gameID, "")
	_ = event.UpdateMessage(discord.NewMessageUpdateBuilder().
		SetIsComponentsV2(true).
		SetComponents(components...).
		Build())
}

// resolveChessOutcome settles the pot once the game reaches a terminal
// position. Caller holds chessMu. Returns a status line, empty while the
// game continues.
func resolveChessOutcome(gameID string, match *chessMatch) string {
	outcome := match.game.Outcome()
	if outcome == chess.NoOutcome {
		return ""
	}
	match.over = true
	delete(chessMatches, gameID)

	switch outcome {
	case chess.WhiteWon:
		payout(match.whiteID, match.bet*2)
		LogCasino(MsgCasinoDuelResolved, match.whiteID, match.blackID, match.bet)
		return fmt.Sprintf(chessStatusMate, match.whiteID, match.blackID, match.bet*2)
	case chess.BlackWon:
		payout(match.blackID, match.bet*2)
		LogCasino(MsgCasinoDuelResolved, match.blackID, match.whiteID, match.bet)
		return fmt.Sprintf(chessStatusMate, match.blackID, match.whiteID, match.bet*2)
	default:
		payout(match.whiteID, match.bet)
		payout(match.blackID, match.bet)
		return chessStatusDraw
	}
}

// ===========================
// Rendering
// ===========================

func chessSquareName(sq chess.Square) string {
	return fmt.Sprintf("%c%d", 'A'+sq.File(), int(sq.Rank())+1)
}

func chessBoardText(match *chessMatch) string {
	board := match.game.Position().Board()

	marked := map[chess.Square]bool{}
	if match.selected != nil {
		marked[*match.selected] = true
		for _, m := range match.game.ValidMoves() {
			if m.S1() == *match.selected {
				marked[m.S2()] = true
			}
		}
	}
	if match.lastMove != nil {
		marked[match.lastMove.S1()] = true
		marked[match.lastMove.S2()] = true
	}

	var sb strings.Builder
	for r := 7; r >= 0; r-- {
		for c := 0; c < 8; c++ {
			sq := chess.Square(r*8 + c)

			cell := chessWhiteSquare
			if (r+c)%2 == 0 {
				cell = chessBlackSquare
			}
			if marked[sq] {
				cell = chessMarkedCell
			}
			if icon, ok := chessPieceIcons[board.Piece(sq)]; ok {
				cell = icon
			}
			sb.WriteString(cell)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func chessBuildComponents(match *chessMatch, gameID, status string) []discord.LayoutComponent {
	if status == "" && !match.over {
		turnID := match.whiteID
		side := "white"
		if match.game.Position().Turn() == chess.Black {
			turnID = match.blackID
			side = "black"
		}
		status = fmt.Sprintf(chessStatusTurn, turnID, side)
		if match.lastMove != nil && match.lastMove.HasTag(chess.Check) {
			status += " **CHECK**"
		}
	}

	components := []discord.LayoutComponent{
		discord.NewTextDisplay(status),
		discord.NewTextDisplay(chessBoardText(match)),
		discord.NewTextDisplay(fmt.Sprintf("-# Pot: **%d** coins", match.bet*2)),
	}
	if match.over {
		return components
	}

	board := match.game.Position().Board()
	moves := match.game.ValidMoves()

	var pieceOpts []discord.StringSelectMenuOption
	seen := map[chess.Square]bool{}
	for _, m := range moves {
		s1 := m.S1()
		if seen[s1] {
			continue
		}
		seen[s1] = true
		label := fmt.Sprintf("%s %s", chessPieceIcons[board.Piece(s1)], chessSquareName(s1))
		pieceOpts = append(pieceOpts, discord.NewStringSelectMenuOption(label, strconv.Itoa(int(s1))))
	}
	sort.Slice(pieceOpts, func(i, j int) bool { return pieceOpts[i].Label < pieceOpts[j].Label })
	if len(pieceOpts) > 25 {
		pieceOpts = pieceOpts[:25]
	}

	placeholder := "Select piece..."
	if match.selected != nil {
		placeholder = "Selected: " + chessSquareName(*match.selected)
	}
	if len(pieceOpts) > 0 {
		components = append(components, discord.NewActionRow(
			discord.NewStringSelectMenu(fmt.Sprintf("chess:%s:select", gameID), placeholder, pieceOpts...),
		))
	}

	if match.selected != nil {
		var destOpts []discord.StringSelectMenuOption
		for _, m := range moves {
			if m.S1() != *match.selected {
				continue
			}
			if m.Promo() != chess.NoPieceType && m.Promo() != chess.Queen {
				continue
			}
			label := "To " + chessSquareName(m.S2())
			if m.HasTag(chess.Capture) {
				label += " (capture)"
			}
			destOpts = append(destOpts, discord.NewStringSelectMenuOption(label, strconv.Itoa(int(m.S2()))))
		}
		if len(destOpts) > 25 {
			destOpts = destOpts[:25]
		}
		if len(destOpts) > 0 {
			components = append(components, discord.NewActionRow(
				discord.NewStringSelectMenu(fmt.Sprintf("chess:%s:move", gameID), "Select destination...", destOpts...),
			))
		}
	}

	components = append(components, discord.NewActionRow(
		discord.NewButton(discord.ButtonStyleDanger, "Forfeit", fmt.Sprintf("chess:%s:forfeit", gameID), "", 0),
	))
	return components
}
