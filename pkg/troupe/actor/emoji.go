package actor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/troupebot/troupe/pkg/troupe/gateway"
	"github.com/troupebot/troupe/pkg/troupe/llm"
	"github.com/troupebot/troupe/pkg/troupe/store"
)

// Reactor drives emoji reactions for personas whose emoji trigger words
// matched a message. Reaction failures are logged and swallowed; they never
// affect text responses.
type Reactor struct {
	completer Completer
	delivery  gateway.Delivery
	cfg       *Config
	logger    *slog.Logger
}

// NewReactor creates a reactor with its injected collaborators.
func NewReactor(completer Completer, delivery gateway.Delivery, cfg *Config, logger *slog.Logger) *Reactor {
	return &Reactor{
		completer: completer,
		delivery:  delivery,
		cfg:       cfg,
		logger:    logger.With("component", "reactor"),
	}
}

// React selects and applies emoji reactions for one persona on one message.
func (r *Reactor) React(ctx context.Context, p *store.Persona, msg *gateway.Message) {
	if p.EmojiContext == "" {
		return
	}

	emojis, err := r.selectEmojis(ctx, p.EmojiContext, msg)
	if err != nil {
		if !errors.Is(err, llm.ErrQuotaExhausted) {
			r.logger.Error("emoji selection failed",
				"persona", p.Name,
				"channel_id", msg.ChannelID,
				"error", err,
			)
		}
		return
	}

	applied := 0
	for _, emoji := range emojis {
		if err := r.delivery.React(ctx, msg.ChannelID, msg.ID, emoji); err != nil {
			r.logger.Warn("failed to add reaction",
				"persona", p.Name,
				"emoji", emoji,
				"error", err,
			)
			continue
		}
		applied++
	}
	if applied > 0 {
		r.logger.Debug("reactions applied",
			"persona", p.Name,
			"count", applied,
		)
	}
}

// selectEmojis asks the completion engine for reactions and parses its
// JSON-only answer.
func (r *Reactor) selectEmojis(ctx context.Context, emojiContext string, msg *gateway.Message) ([]string, error) {
	content := flattenGroupMentions(msg.Content, msg.GroupMentions)
	response, err := r.completer.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: buildEmojiPrompt(emojiContext)},
		{Role: llm.RoleUser, Content: "Message from " + msg.AuthorName + ":\n" + content},
	})
	if err != nil {
		return nil, err
	}
	return parseEmojiReactions(response, r.cfg.Reactions.MaxPerMessage), nil
}

// parseEmojiReactions extracts up to limit distinct emojis from the model's
// JSON payload. Anything malformed yields an empty list, never an error.
func parseEmojiReactions(payload string, limit int) []string {
	var items []struct {
		Emoji  string `json:"emoji"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var emojis []string
	for _, item := range items {
		emoji := strings.TrimSpace(item.Emoji)
		if emoji == "" {
			continue
		}
		if _, dup := seen[emoji]; dup {
			continue
		}
		seen[emoji] = struct{}{}
		emojis = append(emojis, emoji)
		if len(emojis) >= limit {
			break
		}
	}
	return emojis
}
