package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"github.com/sho0pi/naturaltime"
)

// ===========================
// Command Registration
// ===========================

func init() {
	var err error
	modTimeParser, err = naturaltime.New()
	if err != nil {
		LogFatal("Failed to initialize naturaltime parser: %v", err)
	}

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "mod",
		Description: "Moderation tools",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "clear",
				Description: "Bulk delete recent messages in this channel",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "amount",
						Description: "How many messages to delete (1-100)",
						Required:    true,
						MinValue:    intPtr(1),
						MaxValue:    intPtr(100),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "timeout",
				Description: "Time a member out",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Who to time out",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "duration",
						Description: "How long, e.g. '10m', '2 hours' or 'tomorrow'",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "reason",
						Description: "Why",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "untimeout",
				Description: "Lift a member's timeout",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Whose timeout to lift",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "kick",
				Description: "Kick a member",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Who to kick",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "reason",
						Description: "Why",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "ban",
				Description: "Ban a user",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Who to ban",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "reason",
						Description: "Why",
						Required:    false,
					},
					discord.ApplicationCommandOptionInt{
						Name:        "delete_days",
						Description: "Days of message history to delete (0-7)",
						Required:    false,
						MinValue:    intPtr(0),
						MaxValue:    intPtr(7),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "unban",
				Description: "Lift a ban",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Whose ban to lift",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "warn",
				Description: "Warn a member",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Who to warn",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "reason",
						Description: "Why",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "warns",
				Description: "List a member's warns",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Whose warns to list",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "unwarn",
				Description: "Delete a warn by its ID",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "id",
						Description: "The warn ID (see /mod warns)",
						Required:    true,
					},
				},
			},
		},
	}, handleMod)
}

var modTimeParser *naturaltime.Parser

// ===========================
// Command Handlers
// ===========================

func handleMod(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	if event.GuildID() == nil {
		return
	}

	var needed discord.Permissions
	switch *data.SubCommandName {
	case "clear":
		needed = discord.PermissionManageMessages
	case "kick":
		needed = discord.PermissionKickMembers
	case "ban", "unban":
		needed = discord.PermissionBanMembers
	default:
		needed = discord.PermissionModerateMembers
	}
	member := event.Member()
	if member == nil || !member.Permissions.Has(needed) {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgModErrNoPermission)), true)
		return
	}

	switch *data.SubCommandName {
	case "clear":
		handleModClear(event, data)
	case "timeout":
		handleModTimeout(event, data)
	case "untimeout":
		handleModUntimeout(event, data)
	case "kick":
		handleModKick(event, data)
	case "ban":
		handleModBan(event, data)
	case "unban":
		handleModUnban(event, data)
	case "warn":
		handleModWarn(event, data)
	case "warns":
		handleModWarns(event, data)
	case "unwarn":
		handleModUnwarn(event, data)
	}
}

// parseModDuration accepts both Go-style durations and natural language.
func parseModDuration(input string) (time.Duration, error) {
	if d, err := ParseDuration(input); err == nil && d > 0 {
		return d, nil
	}

	now := time.Now()
	at, err := modTimeParser.ParseDate(input, now)
	if err != nil || at == nil || !at.After(now) {
		return 0, fmt.Errorf("unparseable duration: %q", input)
	}
	return at.Sub(now), nil
}

// patchMemberTimeout sets communication_disabled_until on a member, nil
// lifts the timeout.
func patchMemberTimeout(event *events.ApplicationCommandInteractionCreate, userID snowflake.ID, until *time.Time) error {
	route := rest.NewEndpoint(http.MethodPatch, "/guilds/{guild.id}/members/{user.id}")

	var untilStr *string
	if until != nil {
		s := until.UTC().Format(time.RFC3339)
		untilStr = &s
	}
	body := struct {
		CommunicationDisabledUntil *string `json:"communication_disabled_until"`
	}{untilStr}

	return event.Client().Rest.Do(route.Compile(nil, event.GuildID().String(), userID.String()), body, nil)
}

func handleModClear(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	amount := data.Int("amount")
	channelID := event.Channel().ID()

	_ = event.DeferCreateMessage(true)

	messages, err := event.Client().Rest.GetMessages(channelID, 0, 0, 0, amount)
	if err != nil {
		LogMod(MsgGenericError, err)
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("That didn't work. Check my permissions and try again.")))
		return
	}

	// Bulk delete rejects messages older than two weeks.
	cutoff := time.Now().Add(-14 * 24 * time.Hour)
	var ids []snowflake.ID
	for _, m := range messages {
		if m.ID.Time().After(cutoff) {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Nothing recent enough to delete.")))
		return
	}

	if len(ids) == 1 {
		err = event.Client().Rest.DeleteMessage(channelID, ids[0])
	} else {
		err = event.Client().Rest.BulkDeleteMessages(channelID, ids)
	}
	if err != nil {
		LogMod(MsgGenericError, err)
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("That didn't work. Check my permissions and try again.")))
		return
	}

	LogMod(MsgModCleared, len(ids), channelID, event.User().Username)
	_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("🧹 Deleted **%d** message(s).", len(ids)))))
}

func handleModTimeout(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	target, _ := data.OptUser("user")
	durationStr := data.String("duration")
	reason, _ := data.OptString("reason")

	duration, err := parseModDuration(durationStr)
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgModErrBadDuration)), true)
		return
	}
	// Discord caps timeouts at 28 days.
	if duration > 28*24*time.Hour {
		duration = 28 * 24 * time.Hour
	}
	if target.ID == event.User().ID || target.Bot {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgModErrHierarchy)), true)
		return
	}

	until := time.Now().Add(duration)
	if err := patchMemberTimeout(event, target.ID, &until); err != nil {
		respondModError(event, err)
		return
	}

	LogMod(MsgModTimeout, event.User().Username, target.Username, FormatDuration(duration))
	body := fmt.Sprintf("🔇 %s is timed out until <t:%d:f>.", target.Mention(), until.Unix())
	if reason != "" {
		body += "\n> " + reason
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(body)), false)
}

func handleModUntimeout(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	target, _ := data.OptUser("user")

	if err := patchMemberTimeout(event, target.ID, nil); err != nil {
		respondModError(event, err)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("🔊 Timeout lifted for %s.", target.Mention()))), false)
}

func handleModKick(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	target, _ := data.OptUser("user")
	reason, _ := data.OptString("reason")

	if target.ID == event.User().ID {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgModErrHierarchy)), true)
		return
	}

	opts := []rest.RequestOpt{}
	if reason != "" {
		opts = append(opts, rest.WithReason(reason))
	}
	if err := event.Client().Rest.RemoveMember(*event.GuildID(), target.ID, opts...); err != nil {
		respondModError(event, err)
		return
	}

	LogMod(MsgModKick, event.User().Username, target.Username)
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("👢 Kicked %s.", target.Mention()))), false)
}

func handleModBan(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	target, _ := data.OptUser("user")
	reason, _ := data.OptString("reason")
	deleteDays, _ := data.OptInt("delete_days")

	if target.ID == event.User().ID {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgModErrHierarchy)), true)
		return
	}

	opts := []rest.RequestOpt{}
	if reason != "" {
		opts = append(opts, rest.WithReason(reason))
	}
	if err := event.Client().Rest.AddBan(*event.GuildID(), target.ID, time.Duration(deleteDays)*24*time.Hour, opts...); err != nil {
		respondModError(event, err)
		return
	}

	LogMod(MsgModBan, event.User().Username, target.Username)
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("🔨 Banned %s.", target.Mention()))), false)
}

func handleModUnban(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	target, _ := data.OptUser("user")

	if err := event.Client().Rest.DeleteBan(*event.GuildID(), target.ID); err != nil {
		respondModError(event, err)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("🕊️ Unbanned %s.", target.Mention()))), false)
}

func handleModWarn(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	target, _ := data.OptUser("user")
	reason := data.String("reason")

	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	count, err := AddWarn(ctx, &Warn{
		GuildID:     *event.GuildID(),
		UserID:      target.ID,
		ModeratorID: event.User().ID,
		Reason:      reason,
	})
	if err != nil {
		respondModError(event, err)
		return
	}

	LogMod(MsgModWarn, event.User().Username, target.Username, count)
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(
		fmt.Sprintf("⚠️ Warned %s (warn #%d).\n> %s", target.Mention(), count, reason))), false)
}

func handleModWarns(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	target, _ := data.OptUser("user")

	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	warns, err := GetWarnsForUser(ctx, *event.GuildID(), target.ID)
	if err != nil {
		respondModError(event, err)
		return
	}
	if len(warns) == 0 {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("%s has no warns.", target.Username))), true)
		return
	}

	list := fmt.Sprintf("**Warns for %s**", target.Username)
	for _, w := range warns {
		list += fmt.Sprintf("\n`#%d` <t:%d:d> by <@%s> · %s", w.ID, w.CreatedAt.Unix(), w.ModeratorID, Truncate(w.Reason, 80))
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(list)), true)
}

func handleModUnwarn(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	warnID := int64(data.Int("id"))

	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	ok, err := DeleteWarn(ctx, *event.GuildID(), warnID)
	if err != nil {
		respondModError(event, err)
		return
	}
	if !ok {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("No warn with ID %d in this server.", warnID))), true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("✅ Deleted warn #%d.", warnID))), true)
}

func respondModError(event *events.ApplicationCommandInteractionCreate, err error) {
	LogMod(MsgGenericError, err)
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("That didn't work. Check my permissions and try again.")), true)
}
