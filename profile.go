package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
)

// ===========================
// Command Registration
// ===========================

func init() {
	RegisterCommand(discord.SlashCommandCreate{
		Name:        "profile",
		Description: "Levels and activity",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "view",
				Description: "Show a user profile",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Whose profile to show (defaults to you)",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "top",
				Description: "Show the most active users",
			},
		},
	}, handleProfile)
}

// ===========================
// Leveling
// ===========================

const (
	messageXPMin = 15
	messageXPMax = 25
)

// LevelForXP maps accumulated XP to a level. The curve is quadratic in
// XP-per-level: level n starts at (10n)^2 XP.
func LevelForXP(xp int64) int {
	if xp <= 0 {
		return 0
	}
	return int(0.1 * math.Sqrt(float64(xp)))
}

// XPForLevel is the inverse bound: the XP where the given level starts.
func XPForLevel(level int) int64 {
	if level <= 0 {
		return 0
	}
	return int64(level*10) * int64(level*10)
}

// GrantMessageXP awards XP for a chat message and announces level-ups in the
// channel the message was sent to.
func GrantMessageXP(ctx context.Context, event *events.MessageCreate) {
	xp := int64(RandomIntRange(messageXPMin, messageXPMax))
	_, newLevel, leveled, err := AddUserXP(ctx, event.Message.Author.ID, xp)
	if err != nil {
		LogEconomy(MsgGenericError, err)
		return
	}
	if !leveled {
		return
	}

	LogEconomy("User %s reached level %d", event.Message.Author.Username, newLevel)
	_, _ = SendMessageV2(*event.Client(),
		event.ChannelID,
		NewV2Container(NewTextDisplay(fmt.Sprintf("🎉 %s reached **level %d**!", event.Message.Author.Mention(), newLevel))),
		nil)
}

// ===========================
// Command Handlers
// ===========================

func handleProfile(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "view":
		handleProfileView(event, data)
	case "top":
		handleProfileTop(event)
	}
}

func handleProfileView(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	target := event.User()
	if u, ok := data.OptUser("user"); ok {
		target = u
	}

	acc, err := GetUserAccount(ctx, target.ID)
	if err != nil {
		LogEconomy(MsgGenericError, err)
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Something went wrong. Try again later.")), true)
		return
	}

	nextAt := XPForLevel(acc.Level + 1)
	body := fmt.Sprintf(
		"**%s**\n"+
			"> Level: %d\n"+
			"> XP: %d / %d\n"+
			"> Messages: %d\n"+
			"> Coins: %d",
		target.Username, acc.Level, acc.XP, nextAt, acc.Messages, acc.Balance)

	// Avatar rides alongside the stats as a section accessory.
	var card interface{} = NewTextDisplay(body)
	if avatar := target.EffectiveAvatarURL(); avatar != "" {
		card = NewSection(body, NewThumbnail(avatar))
	}

	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(card), false)
}

func handleProfileTop(event *events.ApplicationCommandInteractionCreate) {
	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	accounts, err := GetTopXP(ctx, 10)
	if err != nil {
		LogEconomy(MsgGenericError, err)
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Something went wrong. Try again later.")), true)
		return
	}
	if len(accounts) == 0 {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Nobody has any XP yet.")), true)
		return
	}

	list := "**Most active users**"
	for i, acc := range accounts {
		list += fmt.Sprintf("\n`%2d.` <@%s> · level %d (%d XP)", i+1, acc.UserID, acc.Level, acc.XP)
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(list)), false)
}
