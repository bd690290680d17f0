package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
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
		Name:        "chat",
		Description: "Talk to the bot",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "ask",
				Description: "Ask the bot something",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "prompt",
						Description: "What to ask",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "reset",
				Description: "Forget your conversation history",
			},
		},
	}, handleChat)

	RegisterMessageCreateHandler(handleChatMention)
}

// ===========================
// Constants & Variables
// ===========================

const (
	groqEndpoint     = "https://api.groq.com/openai/v1/chat/completions"
	groqDefaultModel = "llama-3.3-70b-versatile"

	// 6 exchanges, one user and one assistant row each.
	chatHistoryRows = 12

	chatReplyChunk = 2000
)

const chatSystemPrompt = "You are GrooveOS, a music bot hanging out in a Discord server. " +
	"Keep replies short, casual and helpful. Plain text only, no markdown headers."

var (
	groqHTTP = &http.Client{Timeout: 60 * time.Second}

	// Global guard against hammering the completion API.
	groqLimiter = rate.NewLimiter(rate.Limit(4), 10)
)

type groqMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type groqRequest struct {
	Model       string        `json:"model"`
	Messages    []groqMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type groqResponse struct {
	Choices []struct {
		Message groqMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ===========================
// Completion
// ===========================

func groqModel() string {
	if GlobalConfig != nil && GlobalConfig.GroqModel != "" {
		return GlobalConfig.GroqModel
	}
	return groqDefaultModel
}

// groqComplete runs one exchange for a user, persisting both sides of the
// conversation.
func groqComplete(ctx context.Context, userID snowflake.ID, prompt string) (string, error) {
	if GlobalConfig == nil || GlobalConfig.GroqAPIKey == "" {
		return "", fmt.Errorf("groq api key is not configured")
	}
	if !groqLimiter.Allow() {
		return "", fmt.Errorf("completion rate limit reached")
	}

	messages := []groqMessage{{Role: "system", Content: chatSystemPrompt}}
	history, err := GetRecentChatMessages(ctx, userID, chatHistoryRows)
	if err != nil {
		return "", err
	}
	for _, m := range history {
		messages = append(messages, groqMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, groqMessage{Role: "user", Content: prompt})

	payload, err := json.Marshal(groqRequest{
		Model:       groqModel(),
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   1024,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, groqEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+GlobalConfig.GroqAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := groqHTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var parsed groqResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("bad completion response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("completion api: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK || len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion api returned status %d", resp.StatusCode)
	}

	reply := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("empty completion")
	}

	if err := AppendChatMessage(ctx, userID, "user", prompt); err != nil {
		return "", err
	}
	if err := AppendChatMessage(ctx, userID, "assistant", reply); err != nil {
		return "", err
	}
	if err := TrimChatHistory(ctx, userID, chatHistoryRows); err != nil {
		LogChat(MsgGenericError, err)
	}
	return reply, nil
}

// splitReply chunks a long reply so each piece fits in one message.
func splitReply(s string, chunk int) []string {
	if len(s) <= chunk {
		return []string{s}
	}
	var parts []string
	for len(s) > chunk {
		cut := chunk
		// Prefer breaking on a newline or space near the limit.
		if i := strings.LastIndexAny(s[:chunk], "\n "); i > chunk/2 {
			cut = i
		}
		parts = append(parts, strings.TrimSpace(s[:cut]))
		s = strings.TrimSpace(s[cut:])
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}

// ===========================
// Handlers
// ===========================

func handleChat(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "ask":
		handleChatAsk(event, data)
	case "reset":
		handleChatReset(event)
	}
}

func handleChatAsk(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	prompt := data.String("prompt")

	if GlobalConfig == nil || GlobalConfig.GroqAPIKey == "" {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgChatErrNoAPIKey)), true)
		return
	}

	_ = event.DeferCreateMessage(false)
	LogChat(MsgChatRequest, event.User().Username, len(prompt))

	safeGo(func() {
		ctx, cancel := context.WithTimeout(AppContext, 90*time.Second)
		defer cancel()

		reply, err := groqComplete(ctx, event.User().ID, prompt)
		if err != nil {
			LogChat(MsgChatAPIFail, err)
			_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgChatErrUnreachable)))
			return
		}

		parts := splitReply(reply, chatReplyChunk)
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(parts[0])))
		for _, part := range parts[1:] {
			_, _ = SendMessageV2(*event.Client(), event.Channel().ID(), NewV2Container(NewTextDisplay(part)), nil)
		}
		LogChat(MsgChatResponse, event.User().Username, len(reply))
	})
}

func handleChatReset(event *events.ApplicationCommandInteractionCreate) {
	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	if _, err := ClearChatHistory(ctx, event.User().ID); err != nil {
		LogChat(MsgGenericError, err)
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Something went wrong. Try again later.")), true)
		return
	}
	LogChat(MsgChatHistoryReset, event.User().Username)
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("🧠 Forgotten. Clean slate.")), true)
}

// handleChatMention answers when someone pings the bot or replies to one of
// its messages, mirroring the slash command without the ceremony.
func handleChatMention(event *events.MessageCreate) {
	if GlobalConfig == nil || GlobalConfig.GroqAPIKey == "" {
		return
	}
	if event.GuildID == nil || event.Message.Content == "" {
		return
	}

	botID := event.Client().ID()
	mentioned := false
	for _, user := range event.Message.Mentions {
		if user.ID == botID {
			mentioned = true
			break
		}
	}
	if !mentioned && (event.Message.ReferencedMessage == nil || event.Message.ReferencedMessage.Author.ID != botID) {
		return
	}

	prompt := strings.TrimSpace(strings.ReplaceAll(event.Message.Content, fmt.Sprintf("<@%s>", botID), ""))
	if prompt == "" {
		return
	}

	safeGo(func() {
		_ = event.Client().Rest.SendTyping(event.ChannelID)

		ctx, cancel := context.WithTimeout(AppContext, 90*time.Second)
		defer cancel()

		reply, err := groqComplete(ctx, event.Message.Author.ID, prompt)
		if err != nil {
			LogChat(MsgChatAPIFail, err)
			return
		}

		ref := &discord.MessageReference{MessageID: &event.MessageID, ChannelID: &event.ChannelID}
		for i, part := range splitReply(reply, chatReplyChunk) {
			if i > 0 {
				ref = nil
			}
			if _, err := SendMessageV2(*event.Client(), event.ChannelID, NewV2Container(NewTextDisplay(part)), ref); err != nil {
				LogChat(MsgGenericError, err)
				return
			}
		}
		LogChat(MsgChatResponse, event.Message.Author.Username, len(reply))
	})
}
