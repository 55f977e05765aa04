package actor

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/troupebot/troupe/pkg/troupe/gateway"
	"github.com/troupebot/troupe/pkg/troupe/store"
)

// Resolution is the outcome of resolving an inbound message: the personas
// that should answer with text, and the independent set whose emoji triggers
// matched (used for reactions only).
type Resolution struct {
	// Respond lists persona ids that should produce a text response,
	// ordered by resolution precedence, de-duplicated.
	Respond []int64

	// React lists persona ids whose emoji trigger words matched.
	React []int64
}

// Resolver determines which personas an inbound message addresses.
//
// Precedence for the respond list:
//  1. a direct reply to a message we delivered resolves to that persona
//     only, even when other groups are mentioned;
//  2. otherwise, addressed-group mentions on the message (falling back to
//     the reply chain's root message when the message has none) resolve
//     each distinct group to its bound persona;
//  3. otherwise trigger words, matched case-insensitively as substrings.
//
// The react list is computed independently for every message.
type Resolver struct {
	store   *store.Store
	history gateway.History
	cfg     *Config
	logger  *slog.Logger
}

// NewResolver creates a resolver with its injected collaborators.
func NewResolver(st *store.Store, history gateway.History, cfg *Config, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:   st,
		history: history,
		cfg:     cfg,
		logger:  logger.With("component", "resolver"),
	}
}

// Resolve returns the resolution for one inbound message. Store read errors
// are returned; history fetch failures only truncate the root walk.
func (r *Resolver) Resolve(ctx context.Context, msg *gateway.Message) (*Resolution, error) {
	res := &Resolution{}

	personas, err := r.store.All(ctx)
	if err != nil {
		return nil, err
	}

	lowered := strings.ToLower(msg.Content)

	// Emoji triggers are independent of the addressing decision.
	for _, p := range personas {
		if matchTriggerWords(lowered, p.EmojiTriggerWords) {
			res.React = append(res.React, p.ID)
		}
	}

	// 1. Reply to one of our delivered messages.
	if msg.ReplyToID != "" {
		personaID, err := r.store.ResponseLink(ctx, msg.ReplyToID)
		if err != nil {
			return nil, err
		}
		if personaID != 0 {
			res.Respond = appendUnique(res.Respond, personaID)
			return res, nil
		}
	}

	// Automated authors never trigger mention or trigger-word resolution,
	// though a tracked reply above still re-addresses its persona.
	if msg.Bot {
		return res, nil
	}

	// 2. Addressed-group mentions, falling back to the root message's.
	mentions := msg.GroupMentions
	if len(mentions) == 0 && msg.ReplyToID != "" {
		root := r.walkToRoot(ctx, msg)
		if root != nil {
			mentions = root.GroupMentions
		}
	}
	if len(mentions) > 0 {
		for _, m := range mentions {
			p, err := r.store.ByGroup(ctx, m.ID)
			if errors.Is(err, store.ErrPersonaNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			res.Respond = appendUnique(res.Respond, p.ID)
		}
		// The group-mention branch was taken: trigger words do not run,
		// even when no mention resolved a persona.
		return res, nil
	}

	// 3. Trigger-word fallback.
	if lowered != "" {
		for _, p := range personas {
			if matchTriggerWords(lowered, p.TriggerWords) {
				res.Respond = appendUnique(res.Respond, p.ID)
			}
		}
	}

	return res, nil
}

// walkToRoot follows reply references up to the configured depth. A fetch
// failure truncates the walk at the last resolvable message.
func (r *Resolver) walkToRoot(ctx context.Context, msg *gateway.Message) *gateway.Message {
	current := msg
	for depth := 0; current.ReplyToID != "" && depth < r.cfg.Context.ReplyChainDepth; depth++ {
		parent, err := r.history.Message(ctx, current.ChannelID, current.ReplyToID)
		if err != nil {
			r.logger.Debug("root walk truncated",
				"message_id", current.ReplyToID,
				"depth", depth,
				"error", err,
			)
			break
		}
		current = parent
	}
	return current
}

// matchTriggerWords reports whether any space-separated trigger word occurs
// in the lower-cased content.
func matchTriggerWords(loweredContent, triggerWords string) bool {
	if loweredContent == "" || triggerWords == "" {
		return false
	}
	for _, word := range strings.Fields(strings.ToLower(triggerWords)) {
		if strings.Contains(loweredContent, word) {
			return true
		}
	}
	return false
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
