package main

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Command Registration
// ===========================

func init() {
	RegisterCommand(discord.SlashCommandCreate{
		Name:        "casino",
		Description: "Games of chance",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "roulette",
				Description: "Bet on a roulette color",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "color",
						Description: "The color to bet on",
						Required:    true,
						Choices: []discord.ApplicationCommandOptionChoiceString{
							{Name: "🔴 Rojo (x2)", Value: "rojo"},
							{Name: "⚫ Negro (x2)", Value: "negro"},
							{Name: "🟢 Verde (x14)", Value: "verde"},
						},
					},
					discord.ApplicationCommandOptionInt{
						Name:        "bet",
						Description: "How many coins to bet",
						Required:    true,
						MinValue:    intPtr(casinoMinBet),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "slots",
				Description: "Spin the slot machine",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "bet",
						Description: "How many coins to bet",
						Required:    true,
						MinValue:    intPtr(casinoMinBet),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "duel",
				Description: "Challenge anyone to a coin-flip duel",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "bet",
						Description: "How many coins each side wagers",
						Required:    true,
						MinValue:    intPtr(casinoMinBet),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "blackjack",
				Description: "Play a hand of blackjack against the house",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "bet",
						Description: "How many coins to bet",
						Required:    true,
						MinValue:    intPtr(casinoMinBet),
					},
				},
			},
		},
	}, handleCasino)

	RegisterComponentHandler("duel:", handleDuelComponent)
	RegisterComponentHandler("bj:", handleBlackjackComponent)
}

// ===========================
// Constants & Variables
// ===========================

const (
	casinoMinBet = 10

	duelTimeout = 5 * time.Minute
)

var slotReel = []string{"🍒", "🍋", "🍇", "🔔", "⭐", "💎"}

// Red pockets on a European wheel. Zero is the single green pocket.
var rouletteReds = map[int]bool{
	1: true, 3: true, 5: true, 7: true, 9: true, 12: true, 14: true, 16: true,
	18: true, 19: true, 21: true, 23: true, 25: true, 27: true, 30: true,
	32: true, 34: true, 36: true,
}

type duelGame struct {
	starterID snowflake.ID
	bet       int64
	resolved  bool
}

type blackjackGame struct {
	userID     snowflake.ID
	bet        int64
	deck       []card
	player     []card
	dealer     []card
	finished   bool
	lastAction time.Time
}

var (
	duelsMu sync.Mutex
	duels   = map[string]*duelGame{}

	blackjackMu sync.Mutex
	blackjacks  = map[string]*blackjackGame{}
)

// ===========================
// Command Handlers
// ===========================

func handleCasino(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "roulette":
		handleCasinoRoulette(event, data)
	case "slots":
		handleCasinoSlots(event, data)
	case "duel":
		handleCasinoDuel(event, data)
	case "blackjack":
		handleCasinoBlackjack(event, data)
	}
}

// takeBet debits the stake up front. Returns false (with a reply already
// sent) when the bet is invalid or the user cannot cover it.
func takeBet(event *events.ApplicationCommandInteractionCreate, bet int64) bool {
	if bet < casinoMinBet {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf(MsgCasinoErrMinBet, casinoMinBet))), true)
		return false
	}

	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	ok, err := AdjustBalance(ctx, event.User().ID, -bet)
	if err != nil {
		LogCasino(MsgGenericError, err)
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Something went wrong. Try again later.")), true)
		return false
	}
	if !ok {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgEconomyErrBroke)), true)
		return false
	}
	return true
}

func payout(userID snowflake.ID, amount int64) {
	if amount <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()
	if _, err := AdjustBalance(ctx, userID, amount); err != nil {
		LogCasino(MsgGenericError, err)
	}
}

func handleCasinoRoulette(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	color := data.String("color")
	bet := int64(data.Int("bet"))

	if !takeBet(event, bet) {
		return
	}

	pocket := rand.Intn(37)
	landed := "verde"
	emoji := "🟢"
	if pocket != 0 {
		if rouletteReds[pocket] {
			landed = "rojo"
			emoji = "🔴"
		} else {
			landed = "negro"
			emoji = "⚫"
		}
	}

	var won int64
	if landed == color {
		if color == "verde" {
			won = bet * 14
		} else {
			won = bet * 2
		}
		payout(event.User().ID, won)
	}

	outcome := fmt.Sprintf("%s **%d %s**", emoji, pocket, landed)
	LogCasino(MsgCasinoRouletteSpin, event.User().Username, bet, color, outcome)

	body := fmt.Sprintf("🎰 The ball lands on %s", outcome)
	if won > 0 {
		body += fmt.Sprintf("\nYou bet on **%s** and won **%d** coins!", color, won)
	} else {
		body += fmt.Sprintf("\nYou bet on **%s** and lost **%d** coins.", color, bet)
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(body)), false)
}

func handleCasinoSlots(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	bet := int64(data.Int("bet"))
	if !takeBet(event, bet) {
		return
	}

	a := slotReel[rand.Intn(len(slotReel))]
	b := slotReel[rand.Intn(len(slotReel))]
	c := slotReel[rand.Intn(len(slotReel))]
	spin := fmt.Sprintf("%s | %s | %s", a, b, c)

	var won int64
	switch {
	case a == b && b == c:
		won = bet * 10
	case a == b || b == c || a == c:
		won = bet * 2
	}
	payout(event.User().ID, won)

	LogCasino(MsgCasinoSlotsSpin, event.User().Username, bet, spin)

	body := fmt.Sprintf("🎰 %s", spin)
	if won > 0 {
		body += fmt.Sprintf("\nYou won **%d** coins!", won)
	} else {
		body += fmt.Sprintf("\nYou lost **%d** coins.", bet)
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(body)), false)
}

// ===========================
// Duel
// ===========================

func handleCasinoDuel(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	bet := int64(data.Int("bet"))
	if !takeBet(event, bet) {
		return
	}

	gameID := fmt.Sprintf("%d_%d", event.Channel().ID(), time.Now().UnixNano())
	game := &duelGame{starterID: event.User().ID, bet: bet}

	duelsMu.Lock()
	duels[gameID] = game
	duelsMu.Unlock()

	LogCasino(MsgCasinoDuelStart, event.User().Username, bet)

	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(
			discord.NewTextDisplay(fmt.Sprintf("⚔️ %s wagers **%d** coins on a coin flip. Anyone dare?", event.User().Mention(), bet)),
			discord.NewContainer(
				discord.NewActionRow(
					discord.NewButton(discord.ButtonStyleSuccess, "Accept", fmt.Sprintf("duel:%s:accept", gameID), "", 0),
					discord.NewButton(discord.ButtonStyleDanger, "Cancel", fmt.Sprintf("duel:%s:cancel", gameID), "", 0),
				),
			),
		).
		Build())

	// Refund if nobody takes the duel.
	client := event.Client()
	appID := event.ApplicationID()
	token := event.Token()
	safeGo(func() {
		time.Sleep(duelTimeout)

		duelsMu.Lock()
		g, exists := duels[gameID]
		if !exists || g.resolved {
			duelsMu.Unlock()
			return
		}
		g.resolved = true
		delete(duels, gameID)
		duelsMu.Unlock()

		payout(g.starterID, g.bet)
		_, _ = client.Rest.UpdateInteractionResponse(appID, token, discord.NewMessageUpdateBuilder().
			SetIsComponentsV2(true).
			SetComponents(discord.NewTextDisplay(fmt.Sprintf("⚔️ Nobody accepted. <@%s> got the **%d** coin wager back.", g.starterID, g.bet))).
			Build())
	})
}

func handleDuelComponent(event *events.ComponentInteractionCreate) {
	parts := strings.Split(event.Data.CustomID(), ":")
	if len(parts) < 3 {
		_ = event.DeferUpdateMessage()
		return
	}
	gameID, action := parts[1], parts[2]

	duelsMu.Lock()
	game, exists := duels[gameID]
	if !exists || game.resolved {
		duelsMu.Unlock()
		_ = event.DeferUpdateMessage()
		return
	}

	switch action {
	case "cancel":
		if event.User().ID != game.starterID {
			duelsMu.Unlock()
			_ = event.CreateMessage(discord.NewMessageCreateBuilder().
				SetContent("Only the challenger can cancel.").SetEphemeral(true).Build())
			return
		}
		game.resolved = true
		delete(duels, gameID)
		duelsMu.Unlock()

		payout(game.starterID, game.bet)
		_ = event.UpdateMessage(discord.NewMessageUpdateBuilder().
			SetIsComponentsV2(true).
			SetComponents(discord.NewTextDisplay("⚔️ Duel cancelled, wager refunded.")).
			Build())
		return

	case "accept":
		if event.User().ID == game.starterID {
			duelsMu.Unlock()
			_ = event.CreateMessage(discord.NewMessageCreateBuilder().
				SetContent("You can't duel yourself.").SetEphemeral(true).Build())
			return
		}
		game.resolved = true
		delete(duels, gameID)
		duelsMu.Unlock()

		ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
		defer cancel()

		ok, err := AdjustBalance(ctx, event.User().ID, -game.bet)
		if err != nil || !ok {
			// Accepter can't cover the wager, the duel stays open.
			duelsMu.Lock()
			game.resolved = false
			duels[gameID] = game
			duelsMu.Unlock()
			_ = event.CreateMessage(discord.NewMessageCreateBuilder().
				SetContent(MsgEconomyErrBroke).SetEphemeral(true).Build())
			return
		}

		winnerID, loserID := game.starterID, event.User().ID
		if rand.Intn(2) == 0 {
			winnerID, loserID = loserID, winnerID
		}
		payout(winnerID, game.bet*2)

		LogCasino(MsgCasinoDuelResolved, winnerID, loserID, game.bet)
		_ = event.UpdateMessage(discord.NewMessageUpdateBuilder().
			SetIsComponentsV2(true).
			SetComponents(discord.NewTextDisplay(fmt.Sprintf("⚔️ <@%s> wins the flip and takes **%d** coins from <@%s>!", winnerID, game.bet*2, loserID))).
			Build())
		return
	}

	duelsMu.Unlock()
	_ = event.DeferUpdateMessage()
}

// ===========================
// Blackjack
// ===========================

type card struct {
	rank string
	suit string
}

func (c card) String() string {
	return c.rank + c.suit
}

func newDeck() []card {
	ranks := []string{"A", "2", "3", "4", "5", "6", "7", "8", "9", "10", "J", "Q", "K"}
	suits := []string{"♠", "♥", "♦", "♣"}
	deck := make([]card, 0, 52)
	for _, s := range suits {
		for _, r := range ranks {
			deck = append(deck, card{rank: r, suit: s})
		}
	}
	rand.Shuffle(len(deck), func(i, j int) {
		deck[i], deck[j] = deck[j], deck[i]
	})
	return deck
}

// handValue scores a blackjack hand. Aces count 11 and drop to 1 while the
// hand would bust.
func handValue(hand []card) int {
	total, aces := 0, 0
	for _, c := range hand {
		switch c.rank {
		case "A":
			total += 11
			aces++
		case "J", "Q", "K", "10":
			total += 10
		default:
			total += int(c.rank[0] - '0')
		}
	}
	for total > 21 && aces > 0 {
		total -= 10
		aces--
	}
	return total
}

func handString(hand []card) string {
	parts := make([]string, len(hand))
	for i, c := range hand {
		parts[i] = "`" + c.String() + "`"
	}
	return strings.Join(parts, " ")
}

func (g *blackjackGame) draw() card {
	c := g.deck[0]
	g.deck = g.deck[1:]
	return c
}

func blackjackBody(g *blackjackGame, hideDealer bool) string {
	dealer := handString(g.dealer)
	dealerVal := fmt.Sprintf("%d", handValue(g.dealer))
	if hideDealer {
		dealer = "`" + g.dealer[0].String() + "` `??`"
		dealerVal = "?"
	}
	return fmt.Sprintf(
		"🃏 **Blackjack** (bet: %d)\n"+
			"> Dealer: %s (%s)\n"+
			"> You: %s (%d)",
		g.bet, dealer, dealerVal, handString(g.player), handValue(g.player))
}

func blackjackButtons(gameID string, disabled bool) discord.ContainerSubComponent {
	hit := discord.NewButton(discord.ButtonStylePrimary, "Hit", fmt.Sprintf("bj:%s:hit", gameID), "", 0)
	stand := discord.NewButton(discord.ButtonStyleSecondary, "Stand", fmt.Sprintf("bj:%s:stand", gameID), "", 0)
	if disabled {
		hit = hit.WithDisabled(true)
		stand = stand.WithDisabled(true)
	}
	return discord.NewActionRow(hit, stand)
}

func handleCasinoBlackjack(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	bet := int64(data.Int("bet"))

	blackjackMu.Lock()
	for id, g := range blackjacks {
		// Abandoned hands fold after 10 minutes, forfeiting the stake.
		if g.finished || time.Since(g.lastAction) > 10*time.Minute {
			delete(blackjacks, id)
			continue
		}
		if g.userID == event.User().ID {
			blackjackMu.Unlock()
			_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgCasinoErrInGame)), true)
			return
		}
	}
	blackjackMu.Unlock()

	if !takeBet(event, bet) {
		return
	}

	game := &blackjackGame{
		userID:     event.User().ID,
		bet:        bet,
		deck:       newDeck(),
		lastAction: time.Now(),
	}
	game.player = []card{game.draw(), game.draw()}
	game.dealer = []card{game.draw(), game.draw()}

	gameID := fmt.Sprintf("%d_%d", event.Channel().ID(), time.Now().UnixNano())

	// Natural blackjack pays 3:2 on top of the returned stake.
	if handValue(game.player) == 21 {
		game.finished = true
		won := bet + bet*3/2
		payout(game.userID, won)
		LogCasino(MsgCasinoBlackjack, event.User().Username, "hit a natural", bet)
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().
			SetIsComponentsV2(true).
			AddComponents(discord.NewTextDisplay(blackjackBody(game, false) + fmt.Sprintf("\n\n✨ **Blackjack!** You win **%d** coins.", won))).
			Build())
		return
	}

	blackjackMu.Lock()
	blackjacks[gameID] = game
	blackjackMu.Unlock()

	LogCasino(MsgCasinoBlackjack, event.User().Username, "started a hand", bet)
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(
			discord.NewTextDisplay(blackjackBody(game, true)),
			discord.NewContainer(blackjackButtons(gameID, false)),
		).
		Build())
}

func handleBlackjackComponent(event *events.ComponentInteractionCreate) {
	parts := strings.Split(event.Data.CustomID(), ":")
	if len(parts) < 3 {
		_ = event.DeferUpdateMessage()
		return
	}
	gameID, action := parts[1], parts[2]

	blackjackMu.Lock()
	game, exists := blackjacks[gameID]
	if !exists || game.finished {
		blackjackMu.Unlock()
		_ = event.DeferUpdateMessage()
		return
	}
	if event.User().ID != game.userID {
		blackjackMu.Unlock()
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().
			SetContent("This isn't your hand.").SetEphemeral(true).Build())
		return
	}
	game.lastAction = time.Now()

	switch action {
	case "hit":
		game.player = append(game.player, game.draw())
		if handValue(game.player) > 21 {
			game.finished = true
			delete(blackjacks, gameID)
			blackjackMu.Unlock()

			LogCasino(MsgCasinoBlackjack, event.User().Username, "busted", game.bet)
			_ = event.UpdateMessage(discord.NewMessageUpdateBuilder().
				SetIsComponentsV2(true).
				SetComponents(discord.NewTextDisplay(blackjackBody(game, false) + fmt.Sprintf("\n\n💥 **Bust!** You lose **%d** coins.", game.bet))).
				Build())
			return
		}
		body := blackjackBody(game, true)
		blackjackMu.Unlock()

		_ = event.UpdateMessage(discord.NewMessageUpdateBuilder().
			SetIsComponentsV2(true).
			SetComponents(
				discord.NewTextDisplay(body),
				discord.NewContainer(blackjackButtons(gameID, false)),
			).
			Build())
		return

	case "stand":
		for handValue(game.dealer) < 17 {
			game.dealer = append(game.dealer, game.draw())
		}
		game.finished = true
		delete(blackjacks, gameID)

		playerVal := handValue(game.player)
		dealerVal := handValue(game.dealer)
		body := blackjackBody(game, false)
		bet := game.bet
		userID := game.userID
		blackjackMu.Unlock()

		var result string
		switch {
		case dealerVal > 21 || playerVal > dealerVal:
			payout(userID, bet*2)
			result = fmt.Sprintf("🏆 **You win %d coins!**", bet*2)
			LogCasino(MsgCasinoBlackjack, event.User().Username, "won", bet)
		case playerVal == dealerVal:
			payout(userID, bet)
			result = "🤝 **Push.** Your bet was returned."
			LogCasino(MsgCasinoBlackjack, event.User().Username, "pushed", bet)
		default:
			result = fmt.Sprintf("🏚️ **The house wins.** You lose **%d** coins.", bet)
			LogCasino(MsgCasinoBlackjack, event.User().Username, "lost", bet)
		}

		_ = event.UpdateMessage(discord.NewMessageUpdateBuilder().
			SetIsComponentsV2(true).
			SetComponents(discord.NewTextDisplay(body + "\n\n" + result)).
			Build())
		return
	}

	blackjackMu.Unlock()
	_ = event.DeferUpdateMessage()
}
