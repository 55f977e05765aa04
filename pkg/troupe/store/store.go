// Package store implements the persona store on SQLite. A single troupe.db
// file holds persona records, their raw history turns, response links, and
// per-channel delivery identities. The store owns persistence and nothing
// else; resolution, budgeting, and compaction policy live in pkg/troupe/actor.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Persona records. One row per configured character.
CREATE TABLE IF NOT EXISTS personas (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    name                TEXT NOT NULL,
    group_id            TEXT NOT NULL,
    context             TEXT NOT NULL,
    extended_context    TEXT DEFAULT '',
    trigger_words       TEXT DEFAULT '',
    emoji_trigger_words TEXT DEFAULT '',
    emoji_context       TEXT DEFAULT '',
    avatar_url          TEXT DEFAULT '',
    owner_id            TEXT DEFAULT '',
    summary             TEXT DEFAULT '',
    summary_updated_at  TEXT,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_personas_name  ON personas(name);
CREATE UNIQUE INDEX IF NOT EXISTS idx_personas_group ON personas(group_id);

-- Raw conversation history, append-only until compacted.
CREATE TABLE IF NOT EXISTS history_turns (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    persona_id  INTEGER NOT NULL,
    author_id   TEXT NOT NULL,
    author_name TEXT NOT NULL,
    content     TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    FOREIGN KEY(persona_id) REFERENCES personas(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_history_turns_persona_time
    ON history_turns(persona_id, created_at);

-- Delivered-message -> persona links for reply-chain resolution.
CREATE TABLE IF NOT EXISTS response_links (
    message_id  TEXT PRIMARY KEY,
    persona_id  INTEGER NOT NULL,
    created_at  TEXT NOT NULL,
    FOREIGN KEY(persona_id) REFERENCES personas(id) ON DELETE CASCADE
);

-- Cached per-channel delivery identities (impersonation webhooks).
CREATE TABLE IF NOT EXISTS channel_deliveries (
    channel_id      TEXT PRIMARY KEY,
    delivery_id     TEXT NOT NULL,
    delivery_secret TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);
`

// timeLayout is the timestamp format stored in the database. Fixed-width
// fractional seconds, so lexicographic ORDER BY on the TEXT column matches
// chronological order (RFC3339Nano trims trailing zeros and breaks that).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Errors.
var (
	ErrPersonaExists   = errors.New("persona already exists")
	ErrPersonaNotFound = errors.New("persona not found")
	ErrNoUpdates       = errors.New("no updates provided")
)

// Persona is a stored character record.
type Persona struct {
	ID                int64
	Name              string
	GroupID           string
	Context           string
	ExtendedContext   string
	TriggerWords      string
	EmojiTriggerWords string
	EmojiContext      string
	AvatarURL         string
	OwnerID           string
	Summary           string
	SummaryUpdatedAt  time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Turn is one stored history line for a persona.
type Turn struct {
	ID         int64
	PersonaID  int64
	AuthorID   string
	AuthorName string
	Content    string
	CreatedAt  time.Time
}

// PersonaUpdate carries optional field changes for Update. Nil pointers mean
// "leave unchanged".
type PersonaUpdate struct {
	Context           *string
	ExtendedContext   *string
	TriggerWords      *string
	EmojiTriggerWords *string
	EmojiContext      *string
	AvatarURL         *string
}

// Store is the pooled SQLite handle shared by every component.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the persona database at the given path.
// Enables WAL mode for concurrent read performance and creates all tables.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "./data/troupe.db"
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// ---------- Personas ----------

// Register inserts a new persona. Fails with ErrPersonaExists (and performs
// no mutation) when the name or group id is already taken.
func (s *Store) Register(ctx context.Context, p *Persona) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM personas WHERE name = ? OR group_id = ?`,
		p.Name, p.GroupID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking persona uniqueness: %w", err)
	}
	if exists > 0 {
		return ErrPersonaExists
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO personas (
			name, group_id, context, extended_context, trigger_words,
			emoji_trigger_words, emoji_context, avatar_url, owner_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.GroupID, p.Context, p.ExtendedContext, p.TriggerWords,
		p.EmojiTriggerWords, p.EmojiContext, p.AvatarURL, p.OwnerID,
		now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting persona: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

// Update applies the non-nil fields of u to the named persona.
func (s *Store) Update(ctx context.Context, name string, u PersonaUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(timeLayout)}

	add := func(column string, v *string) {
		if v != nil {
			sets = append(sets, column+" = ?")
			args = append(args, *v)
		}
	}
	add("context", u.Context)
	add("extended_context", u.ExtendedContext)
	add("trigger_words", u.TriggerWords)
	add("emoji_trigger_words", u.EmojiTriggerWords)
	add("emoji_context", u.EmojiContext)
	add("avatar_url", u.AvatarURL)

	if len(sets) == 1 {
		return ErrNoUpdates
	}

	args = append(args, name)
	res, err := s.db.ExecContext(ctx,
		`UPDATE personas SET `+strings.Join(sets, ", ")+` WHERE name = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPersonaNotFound
	}
	return nil
}

// Delete removes a persona. History turns and response links cascade.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM personas WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPersonaNotFound
	}
	return nil
}

// TransferOwner sets a new owner id on the named persona.
func (s *Store) TransferOwner(ctx context.Context, name, ownerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE personas SET owner_id = ?, updated_at = ? WHERE name = ?`,
		ownerID, time.Now().UTC().Format(timeLayout), name)
	if err != nil {
		return fmt.Errorf("transferring persona owner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPersonaNotFound
	}
	return nil
}

const personaColumns = `id, name, group_id, context, extended_context,
	trigger_words, emoji_trigger_words, emoji_context, avatar_url, owner_id,
	summary, summary_updated_at, created_at, updated_at`

func scanPersona(row interface{ Scan(...any) error }) (*Persona, error) {
	var p Persona
	var summaryAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(
		&p.ID, &p.Name, &p.GroupID, &p.Context, &p.ExtendedContext,
		&p.TriggerWords, &p.EmojiTriggerWords, &p.EmojiContext, &p.AvatarURL,
		&p.OwnerID, &p.Summary, &summaryAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if summaryAt.Valid {
		p.SummaryUpdatedAt, _ = time.Parse(timeLayout, summaryAt.String)
	}
	p.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	p.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &p, nil
}

func (s *Store) personaBy(ctx context.Context, column string, value any) (*Persona, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+personaColumns+` FROM personas WHERE `+column+` = ?`, value)
	p, err := scanPersona(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPersonaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching persona by %s: %w", column, err)
	}
	return p, nil
}

// ByName fetches a persona by its unique name.
func (s *Store) ByName(ctx context.Context, name string) (*Persona, error) {
	return s.personaBy(ctx, "name", name)
}

// ByGroup fetches the persona bound to an addressed-group identifier.
func (s *Store) ByGroup(ctx context.Context, groupID string) (*Persona, error) {
	return s.personaBy(ctx, "group_id", groupID)
}

// ByID fetches a persona by its row id.
func (s *Store) ByID(ctx context.Context, id int64) (*Persona, error) {
	return s.personaBy(ctx, "id", id)
}

// All returns every registered persona ordered by name.
func (s *Store) All(ctx context.Context) ([]*Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+personaColumns+` FROM personas ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing personas: %w", err)
	}
	defer rows.Close()

	var out []*Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning persona: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetSummary overwrites the persona's rolling summary and its timestamp.
func (s *Store) SetSummary(ctx context.Context, personaID int64, summary string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE personas SET summary = ?, summary_updated_at = ?, updated_at = ? WHERE id = ?`,
		summary, now, now, personaID)
	if err != nil {
		return fmt.Errorf("updating summary: %w", err)
	}
	return nil
}

// ---------- History turns ----------

// AppendTurn records one history line for a persona.
func (s *Store) AppendTurn(ctx context.Context, personaID int64, authorID, authorName, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history_turns (persona_id, author_id, author_name, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		personaID, authorID, authorName, content, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("appending turn: %w", err)
	}
	return nil
}

// TurnCount returns the number of stored turns for a persona.
func (s *Store) TurnCount(ctx context.Context, personaID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM history_turns WHERE persona_id = ?`, personaID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting turns: %w", err)
	}
	return n, nil
}

func (s *Store) scanTurns(rows *sql.Rows) ([]*Turn, error) {
	defer rows.Close()
	var out []*Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.PersonaID, &t.AuthorID, &t.AuthorName, &t.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		t.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// OldestTurns returns up to limit turns for a persona, oldest first.
func (s *Store) OldestTurns(ctx context.Context, personaID int64, limit int) ([]*Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, persona_id, author_id, author_name, content, created_at
		FROM history_turns
		WHERE persona_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, personaID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching oldest turns: %w", err)
	}
	return s.scanTurns(rows)
}

// RecentTurns returns up to limit turns newer than since, oldest first.
// The newest qualifying set is selected, then re-ordered chronologically.
func (s *Store) RecentTurns(ctx context.Context, personaID int64, since time.Time, limit int) ([]*Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, persona_id, author_id, author_name, content, created_at FROM (
			SELECT id, persona_id, author_id, author_name, content, created_at
			FROM history_turns
			WHERE persona_id = ? AND created_at >= ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`,
		personaID, since.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("fetching recent turns: %w", err)
	}
	return s.scanTurns(rows)
}

// DeleteTurns removes exactly the given turn ids. Deleting by identity (not
// by count or time order) keeps concurrently inserted turns safe.
func (s *Store) DeleteTurns(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM history_turns WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("deleting turns: %w", err)
	}
	return nil
}

// ---------- Response links ----------

// LinkResponse records that a delivered message was produced by a persona.
// Last write wins when a message id is reused.
func (s *Store) LinkResponse(ctx context.Context, messageID string, personaID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO response_links (message_id, persona_id, created_at)
		VALUES (?, ?, ?)`,
		messageID, personaID, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("linking response: %w", err)
	}
	return nil
}

// ResponseLink returns the persona id a delivered message maps to, or
// (0, nil) when the message has no link.
func (s *Store) ResponseLink(ctx context.Context, messageID string) (int64, error) {
	var personaID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT persona_id FROM response_links WHERE message_id = ?`, messageID).Scan(&personaID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("looking up response link: %w", err)
	}
	return personaID, nil
}

// ---------- Channel deliveries ----------

// SaveDelivery upserts the delivery identity for a channel.
func (s *Store) SaveDelivery(ctx context.Context, channelID, deliveryID, secret string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_deliveries (channel_id, delivery_id, delivery_secret, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			delivery_id = excluded.delivery_id,
			delivery_secret = excluded.delivery_secret,
			updated_at = excluded.updated_at`,
		channelID, deliveryID, secret, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("saving channel delivery: %w", err)
	}
	return nil
}

// Delivery returns the cached delivery identity for a channel.
// ok is false when the channel has none yet.
func (s *Store) Delivery(ctx context.Context, channelID string) (deliveryID, secret string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT delivery_id, delivery_secret FROM channel_deliveries WHERE channel_id = ?`,
		channelID).Scan(&deliveryID, &secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("fetching channel delivery: %w", err)
	}
	return deliveryID, secret, true, nil
}

// IsOwnDelivery reports whether the given webhook id is one of our cached
// delivery identities. Used by the gateway to recognize our own posts.
func (s *Store) IsOwnDelivery(ctx context.Context, channelID, webhookID string) (bool, error) {
	id, _, ok, err := s.Delivery(ctx, channelID)
	if err != nil || !ok {
		return false, err
	}
	return id == webhookID, nil
}
