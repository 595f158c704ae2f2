// Package discord connects the relay to Discord via the Bot API gateway
// and implements transport.ChatTransport on top of discordgo.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/coderelay/internal/config"
	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

// Channel is the Discord transport. Inbound messages are delivered to the
// OnInbound callback; outbound traffic goes through the ChatTransport methods.
type Channel struct {
	session        *discordgo.Session
	cfg            config.DiscordConfig
	botUserID      string // populated on Start
	requireMention bool   // require @bot mention in guild channels (default true)

	// OnInbound receives every accepted user message. Set before Start.
	OnInbound func(transport.Inbound)
}

// New creates the Discord channel from config. The gateway connection is not
// opened until Start.
func New(cfg config.DiscordConfig) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token not set (CODERELAY_DISCORD_TOKEN)")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		session:        session,
		cfg:            cfg,
		requireMention: requireMention,
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	return c.session.Close()
}

// SendMessage posts a new message and returns its ID.
func (c *Channel) SendMessage(_ context.Context, channelID, content string) (string, error) {
	if channelID == "" {
		return "", fmt.Errorf("empty channel ID for discord send")
	}
	msg, err := c.session.ChannelMessageSend(channelID, content)
	if err != nil {
		return "", fmt.Errorf("send discord message: %w", err)
	}
	return msg.ID, nil
}

// EditMessage replaces the content of an existing message.
func (c *Channel) EditMessage(_ context.Context, channelID, messageID, content string) error {
	if _, err := c.session.ChannelMessageEdit(channelID, messageID, content); err != nil {
		return fmt.Errorf("edit discord message: %w", err)
	}
	return nil
}

// ReplyToMessage posts a message as an inline reply to replyToID.
func (c *Channel) ReplyToMessage(_ context.Context, channelID, replyToID, content string) (string, error) {
	msg, err := c.session.ChannelMessageSendReply(channelID, content, &discordgo.MessageReference{
		MessageID: replyToID,
		ChannelID: channelID,
	})
	if err != nil {
		return "", fmt.Errorf("reply discord message: %w", err)
	}
	return msg.ID, nil
}

// FetchChannelMessage returns the text content of a message by ID.
func (c *Channel) FetchChannelMessage(_ context.Context, channelID, messageID string) (string, error) {
	msg, err := c.session.ChannelMessage(channelID, messageID)
	if err != nil {
		return "", fmt.Errorf("fetch discord message: %w", err)
	}
	return msg.Content, nil
}

// SendFile uploads a file attachment with an optional comment.
func (c *Channel) SendFile(_ context.Context, channelID string, file transport.FileAttachment, comment string) error {
	_, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: comment,
		Files: []*discordgo.File{{
			Name:   file.Name,
			Reader: bytes.NewReader(file.Data),
		}},
	})
	if err != nil {
		return fmt.Errorf("send discord file %s: %w", file.Name, err)
	}
	return nil
}

// Typing triggers the typing indicator. Discord expires it after ~10s, so
// the progress reporter re-triggers while a run is active.
func (c *Channel) Typing(_ context.Context, channelID string) error {
	return c.session.ChannelTyping(channelID)
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore the bot's own messages and other bots
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	content := m.Content

	// Mention gating: in guild channels, only respond when the bot is
	// @mentioned (default true). DMs always pass.
	if !isDM && c.requireMention {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
		content = stripMention(content, c.botUserID)
	}

	content = strings.TrimSpace(content)
	if content == "" && len(m.Attachments) == 0 {
		return
	}

	in := transport.Inbound{
		ConvKey:    c.convKey(m, isDM),
		ChannelID:  m.ChannelID,
		GuildID:    m.GuildID,
		MessageID:  m.ID,
		SenderID:   m.Author.ID,
		SenderName: resolveDisplayName(m),
		Content:    content,
		IsDM:       isDM,
	}
	for _, att := range m.Attachments {
		in.Attachments = append(in.Attachments, transport.InboundAttachment{
			Filename:    att.Filename,
			URL:         att.URL,
			Size:        int64(att.Size),
			ContentType: att.ContentType,
		})
	}

	slog.Debug("discord message received",
		"conv_key", in.ConvKey,
		"sender_id", in.SenderID,
		"is_dm", isDM,
		"attachments", len(in.Attachments),
	)

	if c.OnInbound != nil {
		c.OnInbound(in)
	}
}

// convKey derives the conversation key. DMs key on the user so the session
// survives DM-channel churn; guild messages key on the channel or thread.
func (c *Channel) convKey(m *discordgo.MessageCreate, isDM bool) string {
	if isDM {
		return "dm:" + m.Author.ID
	}
	if ch, err := c.session.State.Channel(m.ChannelID); err == nil && ch.IsThread() {
		return fmt.Sprintf("discord:%s:thread:%s", m.GuildID, m.ChannelID)
	}
	return fmt.Sprintf("discord:%s:channel:%s", m.GuildID, m.ChannelID)
}

// stripMention removes the bot mention token from the message text.
func stripMention(content, botID string) string {
	for _, tok := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		content = strings.ReplaceAll(content, tok, "")
	}
	return content
}

// resolveDisplayName returns the best available display name for an author.
// Priority: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
