package main

import (
	"fmt"
	"os"
	"runtime"
	"syscall"
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
		Name:        "bot",
		Description: "Bot lifecycle and diagnostics",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "reboot",
				Description: "Restart the bot process",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "shutdown",
				Description: "Stop the bot process",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stats",
				Description: "Show live runtime statistics",
			},
		},
	}, handleBot)
}

func handleBot(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}

	if !GlobalConfig.IsOwner(event.User().ID) {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgModErrNoPermission)), true)
		return
	}

	switch *data.SubCommandName {
	case "reboot":
		handleBotReboot(event)
	case "shutdown":
		handleBotShutdown(event)
	case "stats":
		handleBotStats(event)
	}
}

func handleBotReboot(event *events.ApplicationCommandInteractionCreate) {
	LogWarn(MsgSessionRebootCommanded, event.User().Username, event.User().ID)

	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgSessionRebooting)), true)

	RestartRequested = true

	// Give the acknowledgement time to reach Discord before the gateway drops.
	time.Sleep(1500 * time.Millisecond)
	_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
}

func handleBotShutdown(event *events.ApplicationCommandInteractionCreate) {
	LogWarn(MsgSessionShutdownCommanded, event.User().Username, event.User().ID)

	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgSessionShuttingDown)), true)

	RestartRequested = false

	time.Sleep(1 * time.Second)
	_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
}

// handleBotStats posts a self-refreshing runtime panel. The panel updates
// every 10 seconds and retires itself after 5 minutes.
func handleBotStats(event *events.ApplicationCommandInteractionCreate) {
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgSessionStatsLoading)), true)

	client := *event.Client()
	sentAt := snowflake.ID(event.ID()).Time()

	safeGo(func() {
		roundtrip := time.Since(sentAt).Milliseconds()

		render := func() string {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)

			return fmt.Sprintf(
				"**%s runtime**\n"+
					"> Uptime: %s\n"+
					"> Gateway: %dms\n"+
					"> Roundtrip: %dms\n"+
					"> Goroutines: %d\n"+
					"> Heap: %.1f MB",
				GetProjectName(),
				FormatDuration(time.Since(StartupTime)),
				client.Gateway.Latency().Milliseconds(),
				roundtrip,
				runtime.NumGoroutine(),
				float64(mem.HeapAlloc)/1e6,
			)
		}

		update := func() error {
			return EditInteractionV2(client, event, NewV2Container(NewTextDisplay(render())))
		}

		if err := update(); err != nil {
			LogError(MsgGenericError, err)
			return
		}

		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		deadline := time.After(5 * time.Minute)

		failCount := 0
		for {
			select {
			case <-AppContext.Done():
				return
			case <-deadline:
				return
			case <-ticker.C:
				if err := update(); err != nil {
					failCount++
					if failCount > 3 {
						return
					}
					continue
				}
				failCount = 0
			}
		}
	})
}
