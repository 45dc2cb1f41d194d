package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/talgya/storyloom/internal/bible"
	"github.com/talgya/storyloom/internal/persistence"
)

// ErrNoStorage is returned by snapshot operations on an in-memory session.
var ErrNoStorage = errors.New("session has no database")

// stateLocked captures the whole story.
func (s *Session) stateLocked() persistence.State {
	return persistence.State{
		Version:       persistence.StateVersion,
		Document:      s.doc.Text(),
		Options:       s.optionValues(),
		Bible:         s.bible.State(),
		Summaries:     s.ledger.Summaries(),
		GenerateCount: s.count,
	}
}

// applyStateLocked replaces the whole story with st and persists it.
// Summaries that no longer match the document are dropped.
func (s *Session) applyStateLocked(st persistence.State) error {
	s.doc.Reset(st.Document)
	s.bible.Restore(st.Bible)
	s.applyOptionValues(st.Options)
	s.count = st.GenerateCount
	s.undoSummaries, s.undoMarks = nil, bible.State{}

	paragraphs := s.doc.Paragraphs()
	s.bible.Clamp(len(paragraphs))
	if _, err := s.ledger.Restore(st.Summaries, paragraphs); err != nil {
		slog.Warn("discarding imported summaries", "error", err)
		s.ledger.Reset()
	}

	if s.db == nil {
		return nil
	}
	if err := s.db.SaveStoryState(s.doc.Text(), s.ledger.Summaries(), s.bible); err != nil {
		return err
	}
	values := s.optionValues()
	values[persistence.KeyGenerateCount] = strconv.Itoa(s.count)
	if err := s.db.SaveMetaBatch(values); err != nil {
		return fmt.Errorf("save options: %w", err)
	}
	return nil
}

// autoSnapshotLocked keeps the current story before it is replaced. An
// empty story is not worth a snapshot.
func (s *Session) autoSnapshotLocked() {
	if s.db == nil || s.doc.Empty() {
		return
	}
	snap, err := s.db.SaveSnapshot("", s.stateLocked())
	if err != nil {
		slog.Error("auto snapshot failed", "error", err)
		return
	}
	slog.Info("snapshot saved", "id", snap.ID, "label", snap.Label)
}

// Export writes the whole story as JSON.
func (s *Session) Export(w io.Writer) error {
	s.mu.Lock()
	st := s.stateLocked()
	s.mu.Unlock()
	return persistence.Export(w, st)
}

// Import replaces the story with one written by Export. The current story
// is snapshotted first.
func (s *Session) Import(r io.Reader) error {
	st, err := persistence.Import(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrBusy
	}
	s.autoSnapshotLocked()
	return s.applyStateLocked(st)
}

// Snapshot saves the current story under label (a timestamp when empty).
func (s *Session) Snapshot(label string) (persistence.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return persistence.Snapshot{}, ErrNoStorage
	}
	return s.db.SaveSnapshot(label, s.stateLocked())
}

// Snapshots lists saved snapshots, newest first.
func (s *Session) Snapshots() ([]persistence.Snapshot, error) {
	if s.db == nil {
		return nil, ErrNoStorage
	}
	return s.db.Snapshots()
}

// RestoreSnapshot replaces the story with a saved snapshot. The current
// story is snapshotted first.
func (s *Session) RestoreSnapshot(id string) error {
	if s.db == nil {
		return ErrNoStorage
	}
	st, err := s.db.LoadSnapshot(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrBusy
	}
	s.autoSnapshotLocked()
	return s.applyStateLocked(st)
}
