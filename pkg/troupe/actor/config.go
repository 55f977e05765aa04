// Package actor implements the persona engine: resolving which personas
// answer an inbound message, assembling a bounded completion context from
// several history sources, compacting raw history into rolling summaries,
// and dispatching responses through impersonation webhooks.
package actor

import (
	"time"

	"github.com/troupebot/troupe/pkg/troupe/llm"
)

// Config holds all engine configuration.
type Config struct {
	// ManagerRole is the name of the role required for admin commands.
	ManagerRole string `yaml:"manager_role"`

	// DeliveryName is the display name used when creating delivery
	// identities (webhooks) in channels.
	DeliveryName string `yaml:"delivery_name"`

	// API is the completion endpoint configuration.
	API llm.Config `yaml:"api"`

	// Discord configures the chat gateway.
	Discord DiscordConfig `yaml:"discord"`

	// Context configures the context assembler.
	Context ContextConfig `yaml:"context"`

	// Summary configures the memory compactor.
	Summary SummaryConfig `yaml:"summary"`

	// Reactions configures emoji reactions.
	Reactions ReactionConfig `yaml:"reactions"`

	// Store configures persistence.
	Store StoreConfig `yaml:"store"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// DiscordConfig holds gateway settings.
type DiscordConfig struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// GuildID restricts slash-command registration to one guild.
	// Empty registers commands globally.
	GuildID string `yaml:"guild_id"`
}

// ContextConfig bounds the assembled completion context.
type ContextConfig struct {
	// TokenBudget is the shared estimated-token budget for all content
	// lines in one assembled context.
	TokenBudget int `yaml:"token_budget"`

	// HistoryMaxMessages is the max stored turns pulled into a context.
	HistoryMaxMessages int `yaml:"history_max_messages"`

	// HistoryMaxAge is the lookback window for stored turns.
	HistoryMaxAge time.Duration `yaml:"history_max_age"`

	// ReplyChainDepth bounds the reply-reference walk.
	ReplyChainDepth int `yaml:"reply_chain_depth"`

	// BackgroundWindow is the trailing time window for ambient channel
	// chatter included as background context.
	BackgroundWindow time.Duration `yaml:"background_window"`

	// BackgroundMaxMessages caps background lines per context.
	BackgroundMaxMessages int `yaml:"background_max_messages"`

	// BackgroundMaxChars truncates each background line before costing.
	BackgroundMaxChars int `yaml:"background_max_chars"`
}

// SummaryConfig controls history compaction.
type SummaryConfig struct {
	// MaxTokens is the ceiling passed to the summarization instruction.
	MaxTokens int `yaml:"max_tokens"`

	// CompactThreshold is the stored-turn count above which compaction
	// runs.
	CompactThreshold int `yaml:"compact_threshold"`

	// CompactBatch is how many oldest turns one compaction consumes.
	CompactBatch int `yaml:"compact_batch"`

	// SweepSchedule is a cron expression for the periodic sweep that
	// retries compaction for personas in quiet channels.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// ReactionConfig controls emoji reactions.
type ReactionConfig struct {
	// MaxPerMessage caps reactions applied to a single message.
	MaxPerMessage int `yaml:"max_per_message"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		ManagerRole:  "Actor Manager",
		DeliveryName: "troupe",
		API: llm.Config{
			Model:   "gpt-4o-mini",
			Timeout: 45 * time.Second,
		},
		Context: ContextConfig{
			TokenBudget:           1200,
			HistoryMaxMessages:    25,
			HistoryMaxAge:         24 * time.Hour,
			ReplyChainDepth:       20,
			BackgroundWindow:      600 * time.Second,
			BackgroundMaxMessages: 8,
			BackgroundMaxChars:    240,
		},
		Summary: SummaryConfig{
			MaxTokens:        800,
			CompactThreshold: 40,
			CompactBatch:     25,
			SweepSchedule:    "@every 10m",
		},
		Reactions: ReactionConfig{
			MaxPerMessage: 3,
		},
		Store: StoreConfig{
			Path: "./data/troupe.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
