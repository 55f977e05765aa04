// Package discord implements the chat gateway on Discord using discordgo.
//
// Features:
//   - Message events converted to the engine's platform-neutral form
//   - Reply-chain and background-window history reads
//   - Impersonation delivery via channel webhooks
//   - Emoji reactions
//   - Slash-command admin surface (see commands.go)
//   - Manager/persona role provisioning
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/troupebot/troupe/pkg/troupe/gateway"
)

// Config holds the Discord gateway configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string

	// GuildID restricts slash-command registration to one guild.
	// Empty registers commands globally.
	GuildID string

	// ManagerRole is the role name required for admin commands. Created
	// on ready when missing.
	ManagerRole string

	// DeliveryName is the display name for created webhooks.
	DeliveryName string
}

// DeliveryChecker recognizes our own cached delivery identities so their
// posts are not fed back into the engine.
type DeliveryChecker interface {
	IsOwnDelivery(ctx context.Context, channelID, webhookID string) (bool, error)
}

// MessageHandler receives each inbound message that survives self-filtering.
type MessageHandler func(ctx context.Context, msg *gateway.Message)

// Gateway implements gateway.History and gateway.Delivery on Discord.
type Gateway struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	checker DeliveryChecker
	handler MessageHandler
	admin   Admin

	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Discord gateway. Bind must be called before Connect.
func New(cfg Config, checker DeliveryChecker, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:     cfg,
		checker: checker,
		logger:  logger.With("component", "discord"),
	}
}

// Bind attaches the engine's admin surface and message handler. The gateway
// is created first because the engine consumes it as its history and
// delivery implementation.
func (g *Gateway) Bind(admin Admin, handler MessageHandler) {
	g.admin = admin
	g.handler = handler
}

// Connect opens the Discord gateway WebSocket connection.
func (g *Gateway) Connect(ctx context.Context) error {
	if g.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	if g.admin == nil || g.handler == nil {
		return fmt.Errorf("discord: Bind must be called before Connect")
	}

	g.ctx, g.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + g.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent

	session.AddHandler(g.onReady)
	session.AddHandler(g.onMessageCreate)
	session.AddHandler(g.onInteractionCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	g.session = session
	g.connected.Store(true)

	user := session.State.User
	g.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Close closes the Discord gateway connection.
func (g *Gateway) Close() error {
	if g.cancel != nil {
		g.cancel()
	}
	if g.session != nil {
		g.session.Close()
	}
	g.connected.Store(false)
	g.logger.Info("discord: disconnected")
	return nil
}

// IsConnected reports whether the gateway session is open.
func (g *Gateway) IsConnected() bool { return g.connected.Load() }

// ---------- Event Handlers ----------

// onReady provisions the manager role and registers slash commands.
func (g *Gateway) onReady(s *discordgo.Session, r *discordgo.Ready) {
	for _, guild := range r.Guilds {
		if err := g.ensureManagerRole(guild.ID); err != nil {
			g.logger.Error("failed ensuring manager role", "guild_id", guild.ID, "error", err)
		}
	}
	if err := g.registerCommands(); err != nil {
		g.logger.Error("failed to register commands", "error", err)
	}
}

// onMessageCreate converts inbound messages and hands them to the engine.
// Our own messages (bot user or cached delivery identity) are dropped here.
func (g *Gateway) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID {
		return
	}
	if m.WebhookID != "" {
		own, err := g.checker.IsOwnDelivery(g.ctx, m.ChannelID, m.WebhookID)
		if err != nil {
			g.logger.Warn("delivery identity check failed", "error", err)
		}
		if own {
			return
		}
	}

	msg := g.toMessage(m.Message)

	// Handlers must not block discordgo's event loop; every message gets
	// its own goroutine so one slow completion cannot stall the rest.
	go g.handler(g.ctx, msg)
}

// ---------- gateway.History ----------

// Message fetches a single message by ID.
func (g *Gateway) Message(ctx context.Context, channelID, messageID string) (*gateway.Message, error) {
	if g.session == nil {
		return nil, gateway.ErrNotConnected
	}
	m, err := g.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord: fetching message %s: %w", messageID, err)
	}
	return g.toMessage(m), nil
}

// Window returns channel messages inside (after, before), oldest first.
func (g *Gateway) Window(ctx context.Context, channelID string, after, before time.Time, limit int) ([]*gateway.Message, error) {
	if g.session == nil {
		return nil, gateway.ErrNotConnected
	}
	if limit > 100 {
		limit = 100 // Discord's per-request maximum.
	}
	raw, err := g.session.ChannelMessages(channelID, limit,
		snowflakeForTime(before), "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord: fetching channel window: %w", err)
	}

	// Discord returns newest first; filter to the window and reverse.
	var out []*gateway.Message
	for i := len(raw) - 1; i >= 0; i-- {
		m := raw[i]
		if m.Timestamp.Before(after) || !m.Timestamp.Before(before) {
			continue
		}
		out = append(out, g.toMessage(m))
	}
	return out, nil
}

// ---------- gateway.Delivery ----------

// CreateDeliveryIdentity provisions a webhook in the channel.
func (g *Gateway) CreateDeliveryIdentity(ctx context.Context, channelID string) (string, string, error) {
	if g.session == nil {
		return "", "", gateway.ErrNotConnected
	}
	hook, err := g.session.WebhookCreate(channelID, g.cfg.DeliveryName, "", discordgo.WithContext(ctx))
	if err != nil {
		return "", "", fmt.Errorf("discord: creating webhook: %w", err)
	}
	return hook.ID, hook.Token, nil
}

// webhookExecuteParams extends the webhook payload with message_reference,
// which discordgo's WebhookParams does not carry.
type webhookExecuteParams struct {
	discordgo.WebhookParams
	MessageReference *discordgo.MessageReference `json:"message_reference,omitempty"`
}

// PostAs executes the webhook with the persona's identity and waits for the
// delivered message so its ID can be linked. The first chunk is addressed
// as a reply to the triggering message; long content is chunked and the
// first chunk's ID is returned.
func (g *Gateway) PostAs(ctx context.Context, post *gateway.ImpersonationPost) (string, error) {
	if g.session == nil {
		return "", gateway.ErrNotConnected
	}

	var firstID string
	for i, chunk := range splitMessage(post.Content, 2000) {
		var ref *discordgo.MessageReference
		if i == 0 && post.ReplyToID != "" {
			ref = &discordgo.MessageReference{MessageID: post.ReplyToID, ChannelID: post.ChannelID}
		}
		delivered, err := g.executeDelivery(ctx, post, chunk, ref)
		if err != nil {
			if i == 0 {
				return "", fmt.Errorf("discord: webhook post: %w", err)
			}
			g.logger.Warn("discord: webhook continuation chunk failed", "error", err)
			break
		}
		if i == 0 && delivered != nil {
			firstID = delivered.ID
		}
	}
	if firstID == "" {
		return "", gateway.ErrDeliveryRejected
	}
	return firstID, nil
}

// executeDelivery posts one chunk through the webhook with wait=true so the
// delivered message comes back synchronously. A raw request is used because
// the message_reference field has no seat in discordgo's webhook API.
func (g *Gateway) executeDelivery(ctx context.Context, post *gateway.ImpersonationPost, content string, ref *discordgo.MessageReference) (*discordgo.Message, error) {
	endpoint := discordgo.EndpointWebhookToken(post.DeliveryID, post.DeliverySecret)
	body, err := g.session.RequestWithBucketID("POST", endpoint+"?wait=true",
		webhookExecuteParams{
			WebhookParams: discordgo.WebhookParams{
				Content:   content,
				Username:  post.Username,
				AvatarURL: post.AvatarURL,
			},
			MessageReference: ref,
		}, endpoint, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	var delivered discordgo.Message
	if err := json.Unmarshal(body, &delivered); err != nil {
		return nil, fmt.Errorf("decoding delivered message: %w", err)
	}
	return &delivered, nil
}

// Reply sends a plain reply from the bot's own identity.
func (g *Gateway) Reply(ctx context.Context, channelID, replyToID, content string) (string, error) {
	if g.session == nil {
		return "", gateway.ErrNotConnected
	}
	var firstID string
	for i, chunk := range splitMessage(content, 2000) {
		var ref *discordgo.MessageReference
		if i == 0 && replyToID != "" {
			ref = &discordgo.MessageReference{MessageID: replyToID, ChannelID: channelID}
		}
		sent, err := g.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content:   chunk,
			Reference: ref,
		}, discordgo.WithContext(ctx))
		if err != nil {
			if i == 0 {
				return "", fmt.Errorf("discord: sending reply: %w", err)
			}
			break
		}
		if i == 0 {
			firstID = sent.ID
		}
	}
	return firstID, nil
}

// React adds an emoji reaction to a message.
func (g *Gateway) React(ctx context.Context, channelID, messageID, emoji string) error {
	if g.session == nil {
		return gateway.ErrNotConnected
	}
	return g.session.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx))
}

// ---------- Helpers ----------

// toMessage converts a discordgo message to the engine's neutral form.
func (g *Gateway) toMessage(m *discordgo.Message) *gateway.Message {
	msg := &gateway.Message{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		AuthorID:   m.Author.ID,
		AuthorName: displayName(m),
		Content:    m.Content,
		Bot:        m.Author.Bot,
		Delivery:   m.WebhookID != "",
		Timestamp:  m.Timestamp,
	}
	if m.MessageReference != nil {
		msg.ReplyToID = m.MessageReference.MessageID
	}
	for _, roleID := range m.MentionRoles {
		msg.GroupMentions = append(msg.GroupMentions, gateway.GroupMention{
			ID:   roleID,
			Name: g.roleName(m.GuildID, roleID),
		})
	}
	return msg
}

// displayName prefers the guild nickname, then the global name, then the
// account username.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// roleName resolves a role name from the state cache; empty when unknown.
func (g *Gateway) roleName(guildID, roleID string) string {
	if g.session == nil || guildID == "" {
		return ""
	}
	role, err := g.session.State.Role(guildID, roleID)
	if err != nil {
		return ""
	}
	return role.Name
}

// ensureManagerRole finds or creates the manager role in a guild.
func (g *Gateway) ensureManagerRole(guildID string) error {
	roles, err := g.session.GuildRoles(guildID)
	if err != nil {
		return fmt.Errorf("listing roles: %w", err)
	}
	for _, role := range roles {
		if role.Name == g.cfg.ManagerRole {
			return nil
		}
	}
	g.logger.Info("creating manager role", "guild_id", guildID, "role", g.cfg.ManagerRole)
	_, err = g.session.GuildRoleCreate(guildID, &discordgo.RoleParams{Name: g.cfg.ManagerRole})
	if err != nil {
		return fmt.Errorf("creating role: %w", err)
	}
	return nil
}

// ensurePersonaRole finds or creates the mentionable role bound to a
// persona, returning its ID as the persona's group identifier.
func (g *Gateway) ensurePersonaRole(guildID, name string) (string, error) {
	roles, err := g.session.GuildRoles(guildID)
	if err != nil {
		return "", fmt.Errorf("listing roles: %w", err)
	}
	for _, role := range roles {
		if role.Name == name {
			return role.ID, nil
		}
	}
	mentionable := true
	role, err := g.session.GuildRoleCreate(guildID, &discordgo.RoleParams{
		Name:        name,
		Mentionable: &mentionable,
	})
	if err != nil {
		return "", fmt.Errorf("creating persona role: %w", err)
	}
	return role.ID, nil
}

// snowflakeForTime builds a Discord snowflake whose timestamp field encodes
// t, usable as a pagination cursor.
func snowflakeForTime(t time.Time) string {
	const discordEpochMs = 1420070400000
	ms := t.UnixMilli() - discordEpochMs
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatUint(uint64(ms)<<22, 10)
}

// splitMessage splits content into chunks respecting Discord's 2000
// character limit, preferring newline boundaries.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// Compile-time interface verification.
var (
	_ gateway.History  = (*Gateway)(nil)
	_ gateway.Delivery = (*Gateway)(nil)
)
