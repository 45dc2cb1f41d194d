package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-strftime"

	"github.com/talgya/storyloom/internal/bible"
	"github.com/talgya/storyloom/internal/ledger"
)

// StateVersion is written into every exported state.
const StateVersion = 1

// ErrBadState is returned when an imported or snapshotted state is unusable.
var ErrBadState = errors.New("bad story state")

// State is the whole story as one portable document: used for export,
// import and snapshots.
type State struct {
	Version       int               `json:"version"`
	Document      string            `json:"document"`
	Options       map[string]string `json:"options,omitempty"`
	Bible         bible.State       `json:"bible"`
	Summaries     []ledger.Span     `json:"summaries,omitempty"`
	GenerateCount int               `json:"generate_count,omitempty"`
}

// Export writes st as indented JSON.
func Export(w io.Writer, st State) error {
	st.Version = StateVersion
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
}

// Import reads a state written by Export.
func Import(r io.Reader) (State, error) {
	var st State
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrBadState, err)
	}
	if st.Version == 0 || st.Version > StateVersion {
		return State{}, fmt.Errorf("%w: unsupported version %d", ErrBadState, st.Version)
	}
	return st, nil
}

// SnapshotLabel is the default label for a snapshot taken at t.
func SnapshotLabel(t time.Time) string {
	return strftime.Format("autosave %Y-%m-%d %H:%M:%S", t)
}

// Snapshot describes one saved state.
type Snapshot struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
	Chars     int       `json:"chars"`
}

type snapshotRow struct {
	ID        string `db:"id"`
	Label     string `db:"label"`
	CreatedAt int64  `db:"created_at"`
	Chars     int    `db:"chars"`
	StateJSON string `db:"state_json"`
}

// SaveSnapshot stores st under a new id. An empty label gets the default.
func (db *DB) SaveSnapshot(label string, st State) (Snapshot, error) {
	now := time.Now()
	if label == "" {
		label = SnapshotLabel(now)
	}
	st.Version = StateVersion
	data, err := json.Marshal(st)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}

	snap := Snapshot{
		ID:        uuid.NewString(),
		Label:     label,
		CreatedAt: now,
		Chars:     len(st.Document),
	}
	_, err = db.conn.Exec(
		"INSERT INTO snapshots (id, label, created_at, chars, state_json) VALUES (?, ?, ?, ?, ?)",
		snap.ID, snap.Label, now.UnixMilli(), snap.Chars, string(data),
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
	return snap, nil
}

// Snapshots lists saved snapshots, newest first.
func (db *DB) Snapshots() ([]Snapshot, error) {
	var rows []snapshotRow
	err := db.conn.Select(&rows,
		"SELECT id, label, created_at, chars, '' AS state_json FROM snapshots ORDER BY created_at DESC, rowid DESC",
	)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, len(rows))
	for i, r := range rows {
		out[i] = Snapshot{ID: r.ID, Label: r.Label, CreatedAt: time.UnixMilli(r.CreatedAt), Chars: r.Chars}
	}
	return out, nil
}

// LoadSnapshot returns the state saved under id. A unique id prefix is
// accepted, the way short commit hashes are.
func (db *DB) LoadSnapshot(id string) (State, error) {
	var rows []snapshotRow
	err := db.conn.Select(&rows,
		"SELECT id, label, created_at, chars, state_json FROM snapshots WHERE id LIKE ? || '%' LIMIT 2",
		id,
	)
	if err != nil {
		return State{}, err
	}
	switch {
	case id == "" || len(rows) == 0:
		return State{}, fmt.Errorf("%w: no snapshot %q", ErrBadState, id)
	case len(rows) > 1:
		return State{}, fmt.Errorf("%w: snapshot id %q is ambiguous", ErrBadState, id)
	}

	var st State
	if err := json.Unmarshal([]byte(rows[0].StateJSON), &st); err != nil {
		return State{}, fmt.Errorf("%w: snapshot %s: %w", ErrBadState, rows[0].ID, err)
	}
	return st, nil
}
