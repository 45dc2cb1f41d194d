// Package persistence provides SQLite-based story state storage.
// Every durable value is an independent named row; a missing row means the
// caller's default.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/storyloom/internal/bible"
	"github.com/talgya/storyloom/internal/ledger"
)

// Well-known meta keys. Generation options use their own keys, see the
// engine's option table.
const (
	KeyDocument      = "story_so_far"
	KeyGenerateCount = "generate_count"
	KeyScratchpad    = "scratchpad"
	KeyTracking      = "tracking_enabled"
)

// DB wraps a SQLite connection for story state persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS story_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS summaries (
		ordinal INTEGER PRIMARY KEY,
		start_para INTEGER NOT NULL,
		end_para INTEGER NOT NULL,
		text TEXT NOT NULL,
		source TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS generations (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		chars INTEGER NOT NULL,
		clean INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		chars INTEGER NOT NULL,
		state_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_generations_started ON generations(started_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SaveMeta stores a key-value pair, replacing any previous value.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO story_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a value. ok is false when the key was never saved.
func (db *DB) GetMeta(key string) (value string, ok bool, err error) {
	err = db.conn.Get(&value, "SELECT value FROM story_meta WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// DeleteMeta removes a key so that it reads as default again.
func (db *DB) DeleteMeta(key string) error {
	if _, err := db.conn.Exec("DELETE FROM story_meta WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// AllMeta returns every stored key-value pair.
func (db *DB) AllMeta() (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := db.conn.Select(&rows, "SELECT key, value FROM story_meta"); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// SaveMetaBatch writes several keys in one transaction.
func (db *DB) SaveMetaBatch(values map[string]string) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for k, v := range values {
		if _, err := tx.Exec("INSERT OR REPLACE INTO story_meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("save %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// SaveDocument stores the canonical story text.
func (db *DB) SaveDocument(text string) error {
	if err := db.SaveMeta(KeyDocument, text); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

// LoadDocument returns the stored story text, empty if none.
func (db *DB) LoadDocument() (string, error) {
	text, _, err := db.GetMeta(KeyDocument)
	return text, err
}

// SaveBible writes every section, its update mark, the scratchpad and the
// tracking flag as separate keys.
func (db *DB) SaveBible(s *bible.Store) error {
	values := map[string]string{
		KeyScratchpad: s.Scratchpad,
		KeyTracking:   strconv.FormatBool(s.Tracking),
	}
	for _, k := range bible.Kinds {
		values[k.Key()] = s.Get(k)
		values[k.MarkKey()] = strconv.Itoa(s.Mark(k))
	}
	if err := db.SaveMetaBatch(values); err != nil {
		return fmt.Errorf("save bible: %w", err)
	}
	return nil
}

// SaveBibleSection writes one section and its mark.
func (db *DB) SaveBibleSection(s *bible.Store, k bible.Kind) error {
	return db.SaveMetaBatch(map[string]string{
		k.Key():     s.Get(k),
		k.MarkKey(): strconv.Itoa(s.Mark(k)),
	})
}

// LoadBible fills s from stored keys. Missing keys leave defaults; an
// unreadable mark is treated as zero so the section is simply re-scanned.
func (db *DB) LoadBible(s *bible.Store) error {
	meta, err := db.AllMeta()
	if err != nil {
		return fmt.Errorf("load bible: %w", err)
	}
	s.Reset()
	for _, k := range bible.Kinds {
		s.Set(k, meta[k.Key()])
		if v, ok := meta[k.MarkKey()]; ok {
			m, err := strconv.Atoi(v)
			if err != nil {
				slog.Warn("ignoring bad bible mark", "key", k.MarkKey(), "value", v)
				m = 0
			}
			s.SetMark(k, m)
		}
	}
	s.Scratchpad = meta[KeyScratchpad]
	s.Tracking, _ = strconv.ParseBool(meta[KeyTracking])
	return nil
}

type summaryRow struct {
	Ordinal int    `db:"ordinal"`
	Start   int    `db:"start_para"`
	End     int    `db:"end_para"`
	Text    string `db:"text"`
	Source  string `db:"source"`
}

// SaveSummaries writes the ledger's summaries (full replace).
func (db *DB) SaveSummaries(spans []ledger.Span) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM summaries"); err != nil {
		return err
	}

	stmt, err := tx.Preparex(`INSERT INTO summaries
		(ordinal, start_para, end_para, text, source)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range spans {
		if _, err := stmt.Exec(s.Ordinal, s.Start, s.End, s.Text, s.Source); err != nil {
			return fmt.Errorf("insert summary %d: %w", s.Ordinal, err)
		}
	}

	return tx.Commit()
}

// LoadSummaries returns the stored summaries in ordinal order.
func (db *DB) LoadSummaries() ([]ledger.Span, error) {
	var rows []summaryRow
	err := db.conn.Select(&rows,
		"SELECT ordinal, start_para, end_para, text, source FROM summaries ORDER BY ordinal",
	)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	spans := make([]ledger.Span, len(rows))
	for i, r := range rows {
		spans[i] = ledger.Span{
			Kind:    ledger.Summarized,
			Start:   r.Start,
			End:     r.End,
			Ordinal: r.Ordinal,
			Text:    r.Text,
			Source:  r.Source,
		}
	}
	return spans, nil
}

// Generation is the record of one finished, cancelled or failed generation.
type Generation struct {
	ID        string
	StartedAt time.Time
	Outcome   string
	Chars     int
	Clean     bool
}

type generationRow struct {
	ID        string `db:"id"`
	StartedAt int64  `db:"started_at"`
	Outcome   string `db:"outcome"`
	Chars     int    `db:"chars"`
	Clean     int    `db:"clean"`
}

// SaveGeneration appends a generation record.
func (db *DB) SaveGeneration(g Generation) error {
	clean := 0
	if g.Clean {
		clean = 1
	}
	_, err := db.conn.Exec(
		"INSERT INTO generations (id, started_at, outcome, chars, clean) VALUES (?, ?, ?, ?, ?)",
		g.ID, g.StartedAt.UnixMilli(), g.Outcome, g.Chars, clean,
	)
	if err != nil {
		return fmt.Errorf("insert generation %s: %w", g.ID, err)
	}
	return nil
}

// RecentGenerations returns the most recent N generation records.
func (db *DB) RecentGenerations(limit int) ([]Generation, error) {
	var rows []generationRow
	err := db.conn.Select(&rows,
		"SELECT id, started_at, outcome, chars, clean FROM generations ORDER BY started_at DESC, rowid DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	out := make([]Generation, len(rows))
	for i, r := range rows {
		out[i] = Generation{
			ID:        r.ID,
			StartedAt: time.UnixMilli(r.StartedAt),
			Outcome:   r.Outcome,
			Chars:     r.Chars,
			Clean:     r.Clean == 1,
		}
	}
	return out, nil
}

// SaveStoryState performs a full save of document, summaries and bible.
func (db *DB) SaveStoryState(document string, spans []ledger.Span, b *bible.Store) error {
	slog.Info("saving story state",
		"document", humanize.Bytes(uint64(len(document))),
		"summaries", len(spans),
	)

	if err := db.SaveDocument(document); err != nil {
		return err
	}
	if err := db.SaveSummaries(spans); err != nil {
		return fmt.Errorf("save summaries: %w", err)
	}
	if err := db.SaveBible(b); err != nil {
		return err
	}
	return nil
}
