package bible

import (
	"strings"
)

// notSpecified fills empty sections in the rendered bible.
const notSpecified = "(Not specified.)"

// Store holds the six sections, the scratchpad and, per section, the number
// of story paragraphs already folded into it.
type Store struct {
	sections   map[Kind]string
	marks      map[Kind]int
	Scratchpad string
	Tracking   bool // include the bible in story prompts
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sections: make(map[Kind]string),
		marks:    make(map[Kind]int),
	}
}

// Get returns a section's content.
func (s *Store) Get(k Kind) string {
	return s.sections[k]
}

// Set replaces a section's content. Used for merges and manual edits.
func (s *Store) Set(k Kind, content string) {
	s.sections[k] = content
}

// Mark returns how many leading paragraphs have been folded into k.
func (s *Store) Mark(k Kind) int {
	return s.marks[k]
}

// SetMark records that paragraphs [0, n) have been folded into k.
func (s *Store) SetMark(k Kind, n int) {
	if n < 0 {
		n = 0
	}
	s.marks[k] = n
}

// Clamp pulls every mark back to at most n paragraphs, after the story got
// shorter. A regenerated paragraph is then treated as a new event.
func (s *Store) Clamp(n int) {
	for k, m := range s.marks {
		if m > n {
			s.marks[k] = n
		}
	}
}

// NewEvents returns the paragraphs written since k was last updated.
func (s *Store) NewEvents(k Kind, paragraphs []string) string {
	m := s.marks[k]
	if m >= len(paragraphs) {
		return ""
	}
	return strings.Join(paragraphs[m:], "\n\n")
}

// Reset empties every section and mark. The scratchpad and tracking flag
// are author settings and survive.
func (s *Store) Reset() {
	s.sections = make(map[Kind]string)
	s.marks = make(map[Kind]int)
}

// ResetMarks forgets which paragraphs were folded in, keeping content.
func (s *Store) ResetMarks() {
	s.marks = make(map[Kind]int)
}

// Empty reports whether every section is blank.
func (s *Store) Empty() bool {
	for _, k := range Kinds {
		if strings.TrimSpace(s.sections[k]) != "" {
			return false
		}
	}
	return true
}

// Render returns every section under its heading, "(Not specified.)" for
// empty ones. The scratchpad is never included.
func (s *Store) Render() string {
	var sb strings.Builder
	for i, k := range Kinds {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## " + k.Title() + ":\n")
		if c := strings.TrimSpace(s.sections[k]); c != "" {
			sb.WriteString(c)
		} else {
			sb.WriteString(notSpecified)
		}
	}
	return sb.String()
}

// PromptText is the bible as the story prompt sees it: empty when tracking
// is off or nothing has been recorded.
func (s *Store) PromptText() string {
	if !s.Tracking || s.Empty() {
		return ""
	}
	return s.Render()
}

// State is the serializable form of a store.
type State struct {
	Sections   map[string]string `json:"sections"`
	Marks      map[string]int    `json:"marks,omitempty"`
	Scratchpad string            `json:"scratchpad,omitempty"`
	Tracking   bool              `json:"tracking"`
}

// State snapshots the store, keyed by section name.
func (s *Store) State() State {
	st := State{
		Sections:   make(map[string]string),
		Marks:      make(map[string]int),
		Scratchpad: s.Scratchpad,
		Tracking:   s.Tracking,
	}
	for _, k := range Kinds {
		if c := s.sections[k]; c != "" {
			st.Sections[k.String()] = c
		}
		if m := s.marks[k]; m > 0 {
			st.Marks[k.String()] = m
		}
	}
	return st
}

// Restore replaces the store's content with st. Unknown section names are
// ignored.
func (s *Store) Restore(st State) {
	s.Reset()
	for name, c := range st.Sections {
		if k, err := ParseKind(name); err == nil {
			s.sections[k] = c
		}
	}
	for name, m := range st.Marks {
		if k, err := ParseKind(name); err == nil {
			s.SetMark(k, m)
		}
	}
	s.Scratchpad = st.Scratchpad
	s.Tracking = st.Tracking
}
