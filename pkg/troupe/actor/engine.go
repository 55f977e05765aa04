package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/troupebot/troupe/pkg/troupe/gateway"
	"github.com/troupebot/troupe/pkg/troupe/llm"
	"github.com/troupebot/troupe/pkg/troupe/store"
)

// User-facing fixed replies.
const (
	quotaExhaustedReply = "Error: AI quota is exhausted."
	requestFailedReply  = "Error: request failed."
)

// Errors surfaced to the admin command surface.
var (
	ErrNotManager = errors.New("missing manager role")
	ErrNotOwner   = errors.New("only the owner can modify this persona")
)

// Caller identifies who invoked an admin operation.
type Caller struct {
	// ID is the caller's platform identifier.
	ID string

	// Manager reports whether the caller holds the manager role.
	Manager bool
}

// PersonaInput is the payload for registering a persona.
type PersonaInput struct {
	Name              string
	GroupID           string
	Context           string
	ExtendedContext   string
	TriggerWords      string
	EmojiTriggerWords string
	EmojiContext      string
	AvatarURL         string
}

// Engine owns the full message-resolution flow and all persona state
// transitions. A single internal mutex serializes persona-record mutations
// (register, update, delete, transfer). History writes and compaction run
// outside that lock; the compactor deletes by row id so it never races with
// concurrent turn inserts.
type Engine struct {
	cfg        *Config
	store      *store.Store
	completer  Completer
	resolver   *Resolver
	assembler  *Assembler
	compactor  *Compactor
	dispatcher *Dispatcher
	reactor    *Reactor
	logger     *slog.Logger

	// mu guards persona-record mutations only.
	mu sync.Mutex
}

// New creates the engine with its injected collaborators.
func New(cfg *Config, st *store.Store, completer Completer, history gateway.History, delivery gateway.Delivery, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg,
		store:      st,
		completer:  completer,
		resolver:   NewResolver(st, history, cfg, logger),
		assembler:  NewAssembler(st, history, cfg, logger),
		compactor:  NewCompactor(st, completer, cfg, logger),
		dispatcher: NewDispatcher(st, delivery, cfg, logger),
		reactor:    NewReactor(completer, delivery, cfg, logger),
		logger:     logger.With("component", "engine"),
	}
}

// Compactor exposes the compactor for sweep lifecycle management.
func (e *Engine) Compactor() *Compactor { return e.compactor }

// HandleMessage runs the full flow for one inbound message: resolve
// personas, record history, assemble context, complete, dispatch, and react.
// The gateway filters out our own messages before calling this.
func (e *Engine) HandleMessage(ctx context.Context, msg *gateway.Message) {
	logger := e.logger.With(
		"flow_id", uuid.NewString(),
		"channel_id", msg.ChannelID,
		"author_id", msg.AuthorID,
	)

	resolution, err := e.resolver.Resolve(ctx, msg)
	if err != nil {
		logger.Error("resolution failed", "error", err)
		return
	}
	if len(resolution.Respond) == 0 && len(resolution.React) == 0 {
		return
	}

	for _, personaID := range resolution.Respond {
		e.respond(ctx, logger, personaID, msg)
	}

	for _, personaID := range resolution.React {
		persona, err := e.store.ByID(ctx, personaID)
		if err != nil {
			continue
		}
		e.reactor.React(ctx, persona, msg)
	}
}

// respond runs the response sub-flow for one matched persona.
func (e *Engine) respond(ctx context.Context, logger *slog.Logger, personaID int64, msg *gateway.Message) {
	persona, err := e.store.ByID(ctx, personaID)
	if err != nil {
		logger.Warn("resolved persona vanished", "persona_id", personaID, "error", err)
		return
	}
	logger = logger.With("persona", persona.Name)

	content := flattenGroupMentions(msg.Content, msg.GroupMentions)
	if err := e.store.AppendTurn(ctx, persona.ID, msg.AuthorID, msg.AuthorName, content); err != nil {
		logger.Error("failed to record history turn", "error", err)
	}

	// Compaction is opportunistic and must not delay the response.
	go func() {
		if err := e.compactor.CompactIfNeeded(context.Background(), persona.ID); err != nil {
			logger.Error("compaction failed", "error", err)
		}
	}()

	// Other bots contribute history but never receive text replies.
	if msg.Bot {
		return
	}

	messages := e.assembler.Build(ctx, persona, msg)

	callCtx, cancel := context.WithTimeout(ctx, e.completionTimeout())
	response, err := e.completer.Complete(callCtx, messages)
	cancel()
	if errors.Is(err, llm.ErrQuotaExhausted) {
		e.replyAndLink(ctx, logger, persona, msg, quotaExhaustedReply)
		return
	}
	if err != nil {
		logger.Error("completion failed", "error", err)
		e.replyAndLink(ctx, logger, persona, msg, requestFailedReply)
		return
	}
	if response == "" {
		return
	}

	if err := e.dispatcher.Send(ctx, persona, msg, response); err != nil {
		logger.Error("dispatch failed", "error", err)
	}
}

func (e *Engine) completionTimeout() time.Duration {
	if e.cfg.API.Timeout > 0 {
		return e.cfg.API.Timeout
	}
	return 45 * time.Second
}

// replyAndLink sends a plain failure reply and links it to the persona so a
// user reply to the error message still re-addresses the persona.
func (e *Engine) replyAndLink(ctx context.Context, logger *slog.Logger, p *store.Persona, msg *gateway.Message, text string) {
	replyID, err := e.dispatcher.delivery.Reply(ctx, msg.ChannelID, msg.ID, text)
	if err != nil {
		logger.Error("failure reply could not be sent", "error", err)
		return
	}
	if err := e.store.LinkResponse(ctx, replyID, p.ID); err != nil {
		logger.Error("failed to link failure reply", "error", err)
	}
}

// ---------- Admin operations ----------

// Register creates a persona. Requires the manager role. The caller becomes
// the owner.
func (e *Engine) Register(ctx context.Context, caller Caller, in PersonaInput) (*store.Persona, error) {
	if !caller.Manager {
		return nil, ErrNotManager
	}
	avatar, err := validateAvatarURL(in.AvatarURL)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := &store.Persona{
		Name:              in.Name,
		GroupID:           in.GroupID,
		Context:           in.Context,
		ExtendedContext:   in.ExtendedContext,
		TriggerWords:      in.TriggerWords,
		EmojiTriggerWords: in.EmojiTriggerWords,
		EmojiContext:      in.EmojiContext,
		AvatarURL:         avatar,
		OwnerID:           caller.ID,
	}
	if err := e.store.Register(ctx, p); err != nil {
		return nil, err
	}
	e.logger.Info("persona registered", "persona", p.Name, "owner_id", p.OwnerID)
	return p, nil
}

// Update applies field changes to a persona. Requires the manager role and,
// once an owner is set, ownership.
func (e *Engine) Update(ctx context.Context, caller Caller, name string, u store.PersonaUpdate) error {
	if err := e.authorizeMutation(ctx, caller, name); err != nil {
		return err
	}
	if u.AvatarURL != nil {
		avatar, err := validateAvatarURL(*u.AvatarURL)
		if err != nil {
			return err
		}
		u.AvatarURL = &avatar
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Update(ctx, name, u)
}

// Delete removes a persona and cascades to its history and links.
func (e *Engine) Delete(ctx context.Context, caller Caller, name string) error {
	if err := e.authorizeMutation(ctx, caller, name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Delete(ctx, name); err != nil {
		return err
	}
	e.logger.Info("persona deleted", "persona", name)
	return nil
}

// Transfer hands ownership of a persona to another user.
func (e *Engine) Transfer(ctx context.Context, caller Caller, name, newOwnerID string) error {
	if err := e.authorizeMutation(ctx, caller, name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.TransferOwner(ctx, name, newOwnerID); err != nil {
		return err
	}
	e.logger.Info("persona ownership transferred", "persona", name, "new_owner_id", newOwnerID)
	return nil
}

// List returns all personas. Requires the manager role.
func (e *Engine) List(ctx context.Context, caller Caller) ([]*store.Persona, error) {
	if !caller.Manager {
		return nil, ErrNotManager
	}
	return e.store.All(ctx)
}

// Info returns a persona's full configuration. Requires the manager role.
func (e *Engine) Info(ctx context.Context, caller Caller, name string) (*store.Persona, error) {
	if !caller.Manager {
		return nil, ErrNotManager
	}
	return e.store.ByName(ctx, name)
}

// authorizeMutation enforces the manager role and, when the persona has an
// owner, ownership.
func (e *Engine) authorizeMutation(ctx context.Context, caller Caller, name string) error {
	if !caller.Manager {
		return ErrNotManager
	}
	p, err := e.store.ByName(ctx, name)
	if err != nil {
		return err
	}
	if p.OwnerID != "" && p.OwnerID != caller.ID {
		return ErrNotOwner
	}
	return nil
}

// validateAvatarURL accepts empty or http(s) URLs only.
func validateAvatarURL(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("avatar URL must be http or https")
	}
	return raw, nil
}
