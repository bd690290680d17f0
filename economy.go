package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"
)

// ===========================
// Command Registration
// ===========================

func init() {
	RegisterCommand(discord.SlashCommandCreate{
		Name:        "economy",
		Description: "Coins and rewards",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "daily",
				Description: "Claim your daily reward",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "work",
				Description: "Work an honest shift for coins",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "crime",
				Description: "Risk coins on a crime",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "balance",
				Description: "Show a coin balance",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Whose balance to show (defaults to you)",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pay",
				Description: "Send coins to another user",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Who to pay",
						Required:    true,
					},
					discord.ApplicationCommandOptionInt{
						Name:        "amount",
						Description: "How many coins to send",
						Required:    true,
						MinValue:    intPtr(1),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "top",
				Description: "Show the richest users",
			},
		},
	}, handleEconomy)

	RegisterMessageCreateHandler(handleMessageEarnings)
}

// ===========================
// Constants & Variables
// ===========================

const (
	dailyReward   = 500
	dailyCooldown = 24 * time.Hour

	workRewardMin = 100
	workRewardMax = 300
	workCooldown  = 1 * time.Hour

	crimeRewardMin = 200
	crimeRewardMax = 500
	crimeFineMin   = 100
	crimeFineMax   = 250
	crimeCooldown  = 2 * time.Hour

	messageCoinMin = 1
	messageCoinMax = 5
)

// Per-user limiter for passive message earnings. A small burst lets normal
// conversation pay out, then refills one credit per minute.
var (
	earnMu       sync.Mutex
	earnLimiters = map[snowflake.ID]*rate.Limiter{}
)

func earnLimiter(userID snowflake.ID) *rate.Limiter {
	earnMu.Lock()
	defer earnMu.Unlock()

	if len(earnLimiters) > 10000 {
		earnLimiters = map[snowflake.ID]*rate.Limiter{}
	}
	l, ok := earnLimiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute), 3)
		earnLimiters[userID] = l
	}
	return l
}

// ===========================
// Passive Earnings
// ===========================

// handleMessageEarnings pays out coins and XP for regular chat activity.
// Bot authors are already filtered by the dispatcher.
func handleMessageEarnings(event *events.MessageCreate) {
	if event.GuildID == nil || event.Message.Content == "" {
		return
	}
	if !earnLimiter(event.Message.Author.ID).Allow() {
		return
	}

	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	coins := int64(RandomIntRange(messageCoinMin, messageCoinMax))
	if _, err := AdjustBalance(ctx, event.Message.Author.ID, coins); err != nil {
		LogEconomy(MsgGenericError, err)
		return
	}

	GrantMessageXP(ctx, event)
}

// ===========================
// Command Handlers
// ===========================

func handleEconomy(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "daily":
		handleEconomyDaily(event)
	case "work":
		handleEconomyWork(event)
	case "crime":
		handleEconomyCrime(event)
	case "balance":
		handleEconomyBalance(event, data)
	case "pay":
		handleEconomyPay(event, data)
	case "top":
		handleEconomyTop(event)
	}
}

// cooldownRemaining reports the remaining wait for a stamped cooldown, zero
// when the action is available again.
func cooldownRemaining(stamp time.Time, valid bool, cooldown time.Duration) time.Duration {
	if !valid {
		return 0
	}
	remaining := cooldown - time.Since(stamp)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func handleEconomyDaily(event *events.ApplicationCommandInteractionCreate) {
	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	userID := event.User().ID
	acc, err := GetUserAccount(ctx, userID)
	if err != nil {
		respondEconomyError(event, err)
		return
	}
	if remaining := cooldownRemaining(acc.LastDaily.Time, acc.LastDaily.Valid, dailyCooldown); remaining > 0 {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf(MsgEconomyErrOnCooldown, FormatDuration(remaining)))), true)
		return
	}

	if _, err := AdjustBalance(ctx, userID, dailyReward); err != nil {
		respondEconomyError(event, err)
		return
	}
	if err := SetUserCooldown(ctx, userID, "last_daily", time.Now()); err != nil {
		respondEconomyError(event, err)
		return
	}

	LogEconomy(MsgEconomyDailyClaimed, event.User().Username, dailyReward)
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("🪙 Daily claimed: **%d** coins. Come back in 24h.", dailyReward))), false)
}

func handleEconomyWork(event *events.ApplicationCommandInteractionCreate) {
	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	userID := event.User().ID
	acc, err := GetUserAccount(ctx, userID)
	if err != nil {
		respondEconomyError(event, err)
		return
	}
	if remaining := cooldownRemaining(acc.LastWork.Time, acc.LastWork.Valid, workCooldown); remaining > 0 {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf(MsgEconomyErrOnCooldown, FormatDuration(remaining)))), true)
		return
	}

	earned := int64(RandomIntRange(workRewardMin, workRewardMax))
	if _, err := AdjustBalance(ctx, userID, earned); err != nil {
		respondEconomyError(event, err)
		return
	}
	if err := SetUserCooldown(ctx, userID, "last_work", time.Now()); err != nil {
		respondEconomyError(event, err)
		return
	}

	LogEconomy(MsgEconomyWorkDone, event.User().Username, earned)
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("💼 You worked a shift and earned **%d** coins.", earned))), false)
}

func handleEconomyCrime(event *events.ApplicationCommandInteractionCreate) {
	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	userID := event.User().ID
	acc, err := GetUserAccount(ctx, userID)
	if err != nil {
		respondEconomyError(event, err)
		return
	}
	if remaining := cooldownRemaining(acc.LastCrime.Time, acc.LastCrime.Valid, crimeCooldown); remaining > 0 {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf(MsgEconomyErrOnCooldown, FormatDuration(remaining)))), true)
		return
	}

	delta := int64(RandomIntRange(crimeRewardMin, crimeRewardMax))
	if RandomIntRange(0, 1) == 0 {
		delta = -int64(RandomIntRange(crimeFineMin, crimeFineMax))
	}

	ok, err := AdjustBalance(ctx, userID, delta)
	if err != nil {
		respondEconomyError(event, err)
		return
	}
	if !ok {
		// Too broke to pay the fine. The attempt still burns the cooldown.
		delta = -acc.Balance
		_, _ = AdjustBalance(ctx, userID, delta)
	}
	if err := SetUserCooldown(ctx, userID, "last_crime", time.Now()); err != nil {
		respondEconomyError(event, err)
		return
	}

	LogEconomy(MsgEconomyCrimeResult, event.User().Username, delta)
	if delta > 0 {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("🕶️ The heist paid off: **+%d** coins.", delta))), false)
	} else {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("🚨 You got caught and paid **%d** coins in fines.", -delta))), false)
	}
}

func handleEconomyBalance(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	target := event.User()
	if u, ok := data.OptUser("user"); ok {
		target = u
	}

	acc, err := GetUserAccount(ctx, target.ID)
	if err != nil {
		respondEconomyError(event, err)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf(MsgEconomyBalanceDisplay, target.Username, acc.Balance))), false)
}

func handleEconomyPay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	target, _ := data.OptUser("user")
	amount := int64(data.Int("amount"))

	if amount <= 0 {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgEconomyErrBadAmount)), true)
		return
	}
	if target.ID == event.User().ID {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgEconomyErrSelfPay)), true)
		return
	}
	if target.Bot {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgEconomyErrBadAmount)), true)
		return
	}

	ok, err := TransferBalance(ctx, event.User().ID, target.ID, amount)
	if err != nil {
		respondEconomyError(event, err)
		return
	}
	if !ok {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgEconomyErrBroke)), true)
		return
	}

	LogEconomy(MsgEconomyTransfer, event.User().Username, amount, target.Username)
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("💸 Sent **%d** coins to %s.", amount, target.Mention()))), false)
}

func handleEconomyTop(event *events.ApplicationCommandInteractionCreate) {
	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	accounts, err := GetTopBalances(ctx, 10)
	if err != nil {
		respondEconomyError(event, err)
		return
	}
	if len(accounts) == 0 {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Nobody has any coins yet.")), true)
		return
	}

	list := "**Richest users**"
	for i, acc := range accounts {
		list += fmt.Sprintf("\n`%2d.` <@%s> · %d coins", i+1, acc.UserID, acc.Balance)
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(list)), false)
}

func respondEconomyError(event *events.ApplicationCommandInteractionCreate, err error) {
	LogEconomy(MsgGenericError, err)
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Something went wrong. Try again later.")), true)
}
