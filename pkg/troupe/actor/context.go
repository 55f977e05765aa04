package actor

import (
	"context"
	"log/slog"
	"time"

	"github.com/troupebot/troupe/pkg/troupe/gateway"
	"github.com/troupebot/troupe/pkg/troupe/llm"
	"github.com/troupebot/troupe/pkg/troupe/store"
)

// Assembler builds the bounded message list for one completion call. Three
// sources are merged under one shared token budget, in strict order: the
// reply chain of the triggering message, recent background chatter in the
// same channel, and the persona's stored history plus rolling summary.
// Budget spent by an earlier source is unavailable to a later one, and a
// per-call de-duplication set keeps any line from appearing twice.
type Assembler struct {
	store   *store.Store
	history gateway.History
	cfg     *Config
	logger  *slog.Logger
}

// NewAssembler creates an assembler with its injected collaborators.
func NewAssembler(st *store.Store, history gateway.History, cfg *Config, logger *slog.Logger) *Assembler {
	return &Assembler{
		store:   st,
		history: history,
		cfg:     cfg,
		logger:  logger.With("component", "assembler"),
	}
}

// seenSet is the per-call de-duplication set, passed explicitly between
// sources. Never shared across calls.
type seenSet map[string]struct{}

func (s seenSet) has(line string) bool { _, ok := s[line]; return ok }
func (s seenSet) add(line string)      { s[line] = struct{}{} }

// Build assembles the completion context for one persona and one triggering
// message. The estimated cost of all content lines (the character preamble
// and the two separator lines excluded) never exceeds the configured budget.
// Enrichment failures degrade to a smaller context, never to an error.
func (a *Assembler) Build(ctx context.Context, p *store.Persona, msg *gateway.Message) []llm.Message {
	budget := a.cfg.Context.TokenBudget
	seen := make(seenSet)

	replyLines, budget := a.loadReplyChain(ctx, msg, budget, seen)
	backgroundLines, budget := a.loadBackground(ctx, msg, budget, seen)
	var savedLines []llm.Message
	if budget > 0 {
		savedLines = a.loadSaved(ctx, p, budget, seen)
	}

	messages := []llm.Message{{
		Role:    llm.RoleSystem,
		Content: buildSystemPrompt(p.Context, p.ExtendedContext),
	}}
	if len(replyLines) > 0 || len(savedLines) > 0 {
		messages = append(messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Prior messages (oldest to newest):",
		})
		messages = append(messages, replyLines...)
		messages = append(messages, savedLines...)
	}
	if len(backgroundLines) > 0 {
		messages = append(messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Background discussion (recent, same channel):",
		})
		messages = append(messages, backgroundLines...)
	}
	return messages
}

// loadReplyChain walks reply references upward from the triggering message,
// bounded by the configured depth, and renders the chain oldest first. A
// fetch failure truncates the walk. Adding stops at the first line that
// would exceed the remaining budget.
func (a *Assembler) loadReplyChain(ctx context.Context, msg *gateway.Message, budget int, seen seenSet) ([]llm.Message, int) {
	var chain []*gateway.Message
	current := msg
	for depth := 0; current.ReplyToID != "" && depth < a.cfg.Context.ReplyChainDepth; depth++ {
		parent, err := a.history.Message(ctx, current.ChannelID, current.ReplyToID)
		if err != nil {
			a.logger.Debug("reply chain truncated",
				"message_id", current.ReplyToID,
				"depth", depth,
				"error", err,
			)
			break
		}
		chain = append(chain, parent)
		current = parent
	}

	// Walked newest-to-oldest; render oldest first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	var lines []llm.Message
	for _, item := range chain {
		content := flattenGroupMentions(item.Content, item.GroupMentions)
		if content == "" {
			continue
		}
		line := item.AuthorName + ": " + content
		if seen.has(line) {
			continue
		}
		cost := EstimateTokens(line)
		if cost > budget {
			break
		}
		budget -= cost
		seen.add(line)
		lines = append(lines, llm.Message{Role: llm.RoleUser, Content: line})
	}
	return lines, budget
}

// loadBackground pulls ambient chatter from the same channel within the
// trailing window, compacts each line, keeps the most recent qualifying set
// up to the configured count, and spends budget oldest first.
func (a *Assembler) loadBackground(ctx context.Context, msg *gateway.Message, budget int, seen seenSet) ([]llm.Message, int) {
	cutoff := msg.Timestamp.Add(-a.cfg.Context.BackgroundWindow)
	window, err := a.history.Window(ctx, msg.ChannelID, cutoff, msg.Timestamp,
		a.cfg.Context.BackgroundMaxMessages*3)
	if err != nil {
		a.logger.Warn("failed loading background context",
			"channel_id", msg.ChannelID,
			"error", err,
		)
		return nil, budget
	}

	// Collect qualifying lines oldest first, then keep only the most
	// recent maxMessages of them. Repeats inside the window itself are
	// dropped here with a local set so trimmed candidates never poison
	// the shared one.
	var candidates []string
	local := make(seenSet)
	for _, item := range window {
		content := CompactLine(
			flattenGroupMentions(item.Content, item.GroupMentions),
			a.cfg.Context.BackgroundMaxChars,
		)
		if content == "" {
			continue
		}
		line := "[background] " + item.AuthorName + ": " + content
		if seen.has(line) || local.has(line) {
			continue
		}
		local.add(line)
		candidates = append(candidates, line)
	}
	if limit := a.cfg.Context.BackgroundMaxMessages; len(candidates) > limit {
		candidates = candidates[len(candidates)-limit:]
	}

	var lines []llm.Message
	for _, line := range candidates {
		cost := EstimateTokens(line)
		if cost > budget {
			break
		}
		budget -= cost
		seen.add(line)
		lines = append(lines, llm.Message{Role: llm.RoleUser, Content: line})
	}
	return lines, budget
}

// loadSaved prepends the persona's rolling summary when it fits, then adds
// stored turns within the age window, oldest first. Lines already seen are
// skipped; over-budget lines are skipped without ending the scan.
func (a *Assembler) loadSaved(ctx context.Context, p *store.Persona, budget int, seen seenSet) []llm.Message {
	var lines []llm.Message

	if p.Summary != "" {
		summaryLine := "Summary so far: " + p.Summary
		if cost := EstimateTokens(summaryLine); cost <= budget && !seen.has(summaryLine) {
			budget -= cost
			seen.add(summaryLine)
			lines = append(lines, llm.Message{Role: llm.RoleSystem, Content: summaryLine})
		}
	}

	since := time.Now().Add(-a.cfg.Context.HistoryMaxAge)
	turns, err := a.store.RecentTurns(ctx, p.ID, since, a.cfg.Context.HistoryMaxMessages)
	if err != nil {
		a.logger.Warn("failed loading saved history",
			"persona_id", p.ID,
			"error", err,
		)
		return lines
	}

	for _, turn := range turns {
		line := turn.AuthorName + ": " + turn.Content
		if seen.has(line) {
			continue
		}
		cost := EstimateTokens(line)
		if cost > budget {
			continue
		}
		budget -= cost
		seen.add(line)
		lines = append(lines, llm.Message{Role: llm.RoleUser, Content: line})
	}
	return lines
}
