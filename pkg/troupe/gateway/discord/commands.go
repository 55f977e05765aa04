// Slash-command admin surface: persona registration, updates, deletion,
// ownership transfer, listing, and configuration display. All commands are
// manager-gated and answer ephemerally.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/troupebot/troupe/pkg/troupe/actor"
	"github.com/troupebot/troupe/pkg/troupe/store"
)

// Admin is the engine's persona administration surface as the command
// handlers consume it.
type Admin interface {
	Register(ctx context.Context, caller actor.Caller, in actor.PersonaInput) (*store.Persona, error)
	Update(ctx context.Context, caller actor.Caller, name string, u store.PersonaUpdate) error
	Delete(ctx context.Context, caller actor.Caller, name string) error
	Transfer(ctx context.Context, caller actor.Caller, name, newOwnerID string) error
	List(ctx context.Context, caller actor.Caller) ([]*store.Persona, error)
	Info(ctx context.Context, caller actor.Caller, name string) (*store.Persona, error)
}

// option builds a string command option.
func option(name, description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        name,
		Description: description,
		Required:    required,
	}
}

// commandDefinitions returns the slash commands registered on ready.
func commandDefinitions() []*discordgo.ApplicationCommand {
	personaFields := []*discordgo.ApplicationCommandOption{
		option("trigger_words", "Optional trigger words (space-separated).", false),
		option("extended_context", "Optional extended context block.", false),
		option("emoji_trigger_words", "Optional emoji trigger words (space-separated).", false),
		option("emoji_context", "Optional emoji context block.", false),
		option("avatar_url", "Optional image URL for the actor avatar.", false),
		{
			Type:        discordgo.ApplicationCommandOptionAttachment,
			Name:        "avatar",
			Description: "Optional image attachment for the actor avatar.",
		},
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        "actor-register",
			Description: "Register a new actor.",
			Options: append([]*discordgo.ApplicationCommandOption{
				option("name", "Actor name (mentionable).", true),
				option("context", "Actor context block.", true),
			}, personaFields...),
		},
		{
			Name:        "actor-update",
			Description: "Update an actor's configuration.",
			Options: append([]*discordgo.ApplicationCommandOption{
				option("name", "Actor name.", true),
				option("context", "New context block.", false),
			}, personaFields...),
		},
		{
			Name:        "actor-delete",
			Description: "Delete an actor.",
			Options: []*discordgo.ApplicationCommandOption{
				option("name", "Actor name.", true),
			},
		},
		{
			Name:        "actor-migrate",
			Description: "Transfer actor ownership.",
			Options: []*discordgo.ApplicationCommandOption{
				option("name", "Actor name.", true),
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "owner",
					Description: "New owner.",
					Required:    true,
				},
			},
		},
		{
			Name:        "actor-list",
			Description: "List registered actors.",
		},
		{
			Name:        "actor-info",
			Description: "Show an actor's full configuration.",
			Options: []*discordgo.ApplicationCommandOption{
				option("name", "Actor name.", true),
			},
		},
	}
}

// registerCommands registers the slash commands, guild-scoped when a guild
// id is configured.
func (g *Gateway) registerCommands() error {
	appID := g.session.State.User.ID
	for _, cmd := range commandDefinitions() {
		if _, err := g.session.ApplicationCommandCreate(appID, g.cfg.GuildID, cmd); err != nil {
			return fmt.Errorf("registering %s: %w", cmd.Name, err)
		}
	}
	g.logger.Info("slash commands registered", "guild_id", g.cfg.GuildID)
	return nil
}

// onInteractionCreate dispatches slash commands to their handlers.
func (g *Gateway) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if i.Member == nil || i.Member.User == nil {
		g.respondEphemeral(i, "This command must be used in a server.")
		return
	}

	caller := actor.Caller{
		ID:      i.Member.User.ID,
		Manager: g.isManager(i.GuildID, i.Member),
	}

	data := i.ApplicationCommandData()
	switch data.Name {
	case "actor-register":
		g.handleRegister(i, caller, data)
	case "actor-update":
		g.handleUpdate(i, caller, data)
	case "actor-delete":
		g.handleDelete(i, caller, data)
	case "actor-migrate":
		g.handleMigrate(i, caller, data)
	case "actor-list":
		g.handleList(i, caller)
	case "actor-info":
		g.handleInfo(i, caller, data)
	}
}

// ---------- Handlers ----------

func (g *Gateway) handleRegister(i *discordgo.InteractionCreate, caller actor.Caller, data discordgo.ApplicationCommandInteractionData) {
	opts := collectOptions(data)

	groupID, err := g.ensurePersonaRole(i.GuildID, opts["name"])
	if err != nil {
		g.logger.Error("persona role provisioning failed", "error", err)
		g.respondEphemeral(i, "Unable to create the actor role.")
		return
	}

	_, err = g.admin.Register(g.ctx, caller, actor.PersonaInput{
		Name:              opts["name"],
		GroupID:           groupID,
		Context:           opts["context"],
		ExtendedContext:   opts["extended_context"],
		TriggerWords:      opts["trigger_words"],
		EmojiTriggerWords: opts["emoji_trigger_words"],
		EmojiContext:      opts["emoji_context"],
		AvatarURL:         resolveAvatar(data, opts),
	})
	g.respondEphemeral(i, adminResultText(err, "Actor registered."))
}

func (g *Gateway) handleUpdate(i *discordgo.InteractionCreate, caller actor.Caller, data discordgo.ApplicationCommandInteractionData) {
	opts := collectOptions(data)

	var u store.PersonaUpdate
	set := func(dst **string, key string) {
		if v, ok := opts[key]; ok {
			*dst = &v
		}
	}
	set(&u.Context, "context")
	set(&u.ExtendedContext, "extended_context")
	set(&u.TriggerWords, "trigger_words")
	set(&u.EmojiTriggerWords, "emoji_trigger_words")
	set(&u.EmojiContext, "emoji_context")
	if avatar := resolveAvatar(data, opts); avatar != "" {
		u.AvatarURL = &avatar
	}

	err := g.admin.Update(g.ctx, caller, opts["name"], u)
	g.respondEphemeral(i, adminResultText(err, "Actor updated."))
}

func (g *Gateway) handleDelete(i *discordgo.InteractionCreate, caller actor.Caller, data discordgo.ApplicationCommandInteractionData) {
	opts := collectOptions(data)
	err := g.admin.Delete(g.ctx, caller, opts["name"])
	g.respondEphemeral(i, adminResultText(err, "Actor deleted."))
}

func (g *Gateway) handleMigrate(i *discordgo.InteractionCreate, caller actor.Caller, data discordgo.ApplicationCommandInteractionData) {
	opts := collectOptions(data)
	ownerID := ""
	for _, opt := range data.Options {
		if opt.Name == "owner" {
			ownerID = opt.UserValue(nil).ID
		}
	}
	err := g.admin.Transfer(g.ctx, caller, opts["name"], ownerID)
	g.respondEphemeral(i, adminResultText(err, "Actor ownership updated."))
}

func (g *Gateway) handleList(i *discordgo.InteractionCreate, caller actor.Caller) {
	personas, err := g.admin.List(g.ctx, caller)
	if err != nil {
		g.respondEphemeral(i, adminResultText(err, ""))
		return
	}
	if len(personas) == 0 {
		g.respondEphemeral(i, "No actors registered.")
		return
	}

	var b strings.Builder
	b.WriteString("**Actors**\n")
	for _, p := range personas {
		avatar := p.AvatarURL
		if avatar == "" {
			avatar = "none"
		}
		fmt.Fprintf(&b, "**%s** • role <@&%s> • avatar %s\n", p.Name, p.GroupID, avatar)
	}
	g.respondChunkedEphemeral(i, b.String())
}

func (g *Gateway) handleInfo(i *discordgo.InteractionCreate, caller actor.Caller, data discordgo.ApplicationCommandInteractionData) {
	opts := collectOptions(data)
	p, err := g.admin.Info(g.ctx, caller, opts["name"])
	if err != nil {
		g.respondEphemeral(i, adminResultText(err, ""))
		return
	}

	owner := "none"
	if p.OwnerID != "" {
		owner = "<@" + p.OwnerID + ">"
	}
	header := strings.Join([]string{
		"**Name:** " + p.Name,
		"**Role:** <@&" + p.GroupID + ">",
		"**Avatar:** " + orNone(p.AvatarURL),
		"**Trigger words:** " + orNone(p.TriggerWords),
		"**Emoji trigger words:** " + orNone(p.EmojiTriggerWords),
		"**Owner:** " + owner,
	}, "\n")

	body := p.Context
	if p.ExtendedContext != "" {
		body += "\n\nExtended context:\n" + p.ExtendedContext
	}
	text := header + "\n**Context:**\n```\n" + body + "\n```"
	if p.EmojiContext != "" {
		text += "\n**Emoji context:**\n```\n" + p.EmojiContext + "\n```"
	}
	g.respondChunkedEphemeral(i, text)
}

// ---------- Interaction helpers ----------

// adminResultText maps engine errors to the user-facing command responses.
func adminResultText(err error, success string) string {
	switch {
	case err == nil:
		return success
	case errors.Is(err, actor.ErrNotManager):
		return "Missing manager role."
	case errors.Is(err, actor.ErrNotOwner):
		return "Only the owner can modify this actor."
	case errors.Is(err, store.ErrPersonaExists):
		return "Actor already exists."
	case errors.Is(err, store.ErrPersonaNotFound):
		return "Actor not found."
	case errors.Is(err, store.ErrNoUpdates):
		return "No updates provided."
	default:
		return "Error: " + err.Error()
	}
}

// orNone substitutes "none" for empty optional fields in info output.
func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// collectOptions flattens string command options into a map.
func collectOptions(data discordgo.ApplicationCommandInteractionData) map[string]string {
	opts := make(map[string]string)
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			opts[opt.Name] = opt.StringValue()
		}
	}
	return opts
}

// resolveAvatar prefers an uploaded attachment over the avatar_url option.
func resolveAvatar(data discordgo.ApplicationCommandInteractionData, opts map[string]string) string {
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionAttachment {
			id, ok := opt.Value.(string)
			if !ok {
				continue
			}
			if att, ok := data.Resolved.Attachments[id]; ok {
				return att.URL
			}
		}
	}
	return opts["avatar_url"]
}

// isManager reports whether the member holds the configured manager role.
func (g *Gateway) isManager(guildID string, member *discordgo.Member) bool {
	roles, err := g.session.GuildRoles(guildID)
	if err != nil {
		g.logger.Warn("failed listing guild roles", "guild_id", guildID, "error", err)
		return false
	}
	var managerID string
	for _, role := range roles {
		if role.Name == g.cfg.ManagerRole {
			managerID = role.ID
			break
		}
	}
	if managerID == "" {
		return false
	}
	for _, id := range member.Roles {
		if id == managerID {
			return true
		}
	}
	return false
}

// respondEphemeral answers an interaction with a single ephemeral message.
func (g *Gateway) respondEphemeral(i *discordgo.InteractionCreate, content string) {
	err := g.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		g.logger.Warn("interaction response failed", "error", err)
	}
}

// respondChunkedEphemeral answers with the first chunk and sends the rest as
// ephemeral follow-ups, staying under Discord's message limit.
func (g *Gateway) respondChunkedEphemeral(i *discordgo.InteractionCreate, content string) {
	chunks := splitMessage(content, 1900)
	g.respondEphemeral(i, chunks[0])
	for _, chunk := range chunks[1:] {
		_, err := g.session.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
			Content: chunk,
			Flags:   discordgo.MessageFlagsEphemeral,
		})
		if err != nil {
			g.logger.Warn("follow-up message failed", "error", err)
			return
		}
	}
}
