package actor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/troupebot/troupe/pkg/troupe/llm"
	"github.com/troupebot/troupe/pkg/troupe/store"
)

// Completer is the completion call as the compactor and engine see it:
// ordered role-tagged lines in, text or error out.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// Compactor bounds raw history growth by folding the oldest turns into the
// persona's rolling summary and deleting exactly the summarized batch. It is
// best effort: a failed or empty summarization deletes nothing, and the
// batch stays eligible for a later trigger.
type Compactor struct {
	store     *store.Store
	completer Completer
	cfg       *Config
	logger    *slog.Logger

	cron *cron.Cron
}

// NewCompactor creates a compactor with its injected collaborators.
func NewCompactor(st *store.Store, completer Completer, cfg *Config, logger *slog.Logger) *Compactor {
	return &Compactor{
		store:     st,
		completer: completer,
		cfg:       cfg,
		logger:    logger.With("component", "compactor"),
	}
}

// CompactIfNeeded compacts one persona's history when its stored turn count
// exceeds the threshold. A no-op below the threshold. Summarization failure
// (including quota exhaustion) or an empty digest skips deletion silently.
func (c *Compactor) CompactIfNeeded(ctx context.Context, personaID int64) error {
	count, err := c.store.TurnCount(ctx, personaID)
	if err != nil {
		return fmt.Errorf("counting turns: %w", err)
	}
	if count <= c.cfg.Summary.CompactThreshold {
		return nil
	}

	batch, err := c.store.OldestTurns(ctx, personaID, c.cfg.Summary.CompactBatch)
	if err != nil {
		return fmt.Errorf("reading compaction batch: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	persona, err := c.store.ByID(ctx, personaID)
	if err != nil {
		return fmt.Errorf("fetching persona: %w", err)
	}

	summary, err := c.summarize(ctx, persona.Summary, batch)
	if err != nil {
		c.logger.Warn("summary update skipped",
			"persona", persona.Name,
			"error", err,
		)
		return nil
	}
	if summary == "" {
		return nil
	}

	if err := c.store.SetSummary(ctx, personaID, summary); err != nil {
		return fmt.Errorf("storing summary: %w", err)
	}

	// Delete exactly the rows that were summarized. Turns inserted while
	// the summarization call was in flight keep their ids and survive.
	ids := make([]int64, len(batch))
	for i, turn := range batch {
		ids[i] = turn.ID
	}
	if err := c.store.DeleteTurns(ctx, ids); err != nil {
		return fmt.Errorf("deleting summarized turns: %w", err)
	}

	c.logger.Info("history compacted",
		"persona", persona.Name,
		"turns_summarized", len(ids),
		"turns_remaining", count-len(ids),
	)
	return nil
}

// summarize folds the existing summary and the batch lines into a new
// digest via the completion engine.
func (c *Compactor) summarize(ctx context.Context, existing string, batch []*store.Turn) (string, error) {
	var prompt strings.Builder
	if existing != "" {
		prompt.WriteString("Existing summary:\n")
		prompt.WriteString(existing)
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("New conversation lines:\n")
	for _, turn := range batch {
		prompt.WriteString(turn.AuthorName)
		prompt.WriteString(": ")
		prompt.WriteString(turn.Content)
		prompt.WriteString("\n")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.completionTimeout())
	defer cancel()

	return c.completer.Complete(callCtx, []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(summaryInstructions, c.cfg.Summary.MaxTokens)},
		{Role: llm.RoleUser, Content: strings.TrimRight(prompt.String(), "\n")},
	})
}

func (c *Compactor) completionTimeout() time.Duration {
	if c.cfg.API.Timeout > 0 {
		return c.cfg.API.Timeout
	}
	return 45 * time.Second
}

// ---------- Periodic sweep ----------

// StartSweep schedules a periodic pass over every persona so that failed
// compactions retry even when a channel goes quiet. No-op when the schedule
// is empty.
func (c *Compactor) StartSweep(ctx context.Context) error {
	if c.cfg.Summary.SweepSchedule == "" {
		return nil
	}
	c.cron = cron.New()
	_, err := c.cron.AddFunc(c.cfg.Summary.SweepSchedule, func() {
		c.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling compaction sweep: %w", err)
	}
	c.cron.Start()
	c.logger.Info("compaction sweep scheduled", "schedule", c.cfg.Summary.SweepSchedule)
	return nil
}

// StopSweep stops the sweep scheduler and waits for a running pass.
func (c *Compactor) StopSweep() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
}

// Sweep runs one compaction pass over all personas.
func (c *Compactor) Sweep(ctx context.Context) {
	personas, err := c.store.All(ctx)
	if err != nil {
		c.logger.Error("sweep: listing personas failed", "error", err)
		return
	}
	for _, p := range personas {
		if err := c.CompactIfNeeded(ctx, p.ID); err != nil {
			c.logger.Error("sweep: compaction failed",
				"persona", p.Name,
				"error", err,
			)
		}
	}
}
