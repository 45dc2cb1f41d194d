// Package bible holds the story bible: six structured sections that are
// updated from new story events, plus an author scratchpad that never is.
package bible

import (
	"fmt"
	"strings"
)

// Kind is one bible section.
type Kind int

const (
	Participants Kind = iota
	OtherCharacters
	Locations
	Events
	Lore
	Mysteries
)

// Kinds lists every section in display order.
var Kinds = []Kind{Participants, OtherCharacters, Locations, Events, Lore, Mysteries}

type schema struct {
	name   string // short name accepted on the command line
	key    string // persistence key
	title  string
	fields []string
	note   string
}

// The field lists are prompt hints only; stored content stays free text.
var schemas = map[Kind]schema{
	Participants: {
		name:  "participants",
		key:   "player_info",
		title: "Player Info & Inventory",
		fields: []string{
			"NAME:",
			"AGE:",
			"DESCRIPTION:",
			"INVENTORY LIST: (only items that are important to the story)",
			"RELATIONSHIPS: (NAME: relationship status)",
		},
	},
	OtherCharacters: {
		name:  "characters",
		key:   "characters_info",
		title: "Other Characters",
		fields: []string{
			"NAME: (only important, named characters)",
			"AGE: (only if stated or clearly implied)",
			"DESCRIPTION:",
			"RELATIONSHIPS:",
		},
		note: "General characters such as guards or cultists belong under 'Lore & Factions'.",
	},
	Locations: {
		name:   "locations",
		key:    "locations_info",
		title:  "Locations",
		fields: []string{"NAME:", "TYPE:", "DESCRIPTION:", "NOTABLE FEATURES:"},
	},
	Events: {
		name:   "events",
		key:    "events_info",
		title:  "Events & Plot",
		fields: []string{"Event Name:", "DESCRIPTION:", "CHARACTERS INVOLVED:", "OUTCOME:"},
	},
	Lore: {
		name:  "lore",
		key:   "lore_info",
		title: "Lore & Factions",
		fields: []string{
			"FACTIONS/ORGANIZATIONS:",
			"  FACTION NAME: / TYPE: / DESCRIPTION: / KEY MEMBERS: / GOALS/PURPOSE:",
			"LORE/CONCEPTS:",
			"  LORE/CONCEPT NAME: / DESCRIPTION: / ELEMENTS: / PURPOSE:",
		},
	},
	Mysteries: {
		name:  "mysteries",
		key:   "mysteries_info",
		title: "Mysteries & Plot Threads",
		fields: []string{
			"(Title of the mystery or plot thread)",
			"DESCRIPTION:",
			"CLUES:",
			"STATUS: (Unresolved, In Progress, Revealed)",
		},
	},
}

// String returns the short section name.
func (k Kind) String() string {
	if s, ok := schemas[k]; ok {
		return s.name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Title is the heading used in prompts.
func (k Kind) Title() string { return schemas[k].title }

// Key is the persistence key of the section content.
func (k Kind) Key() string { return schemas[k].key }

// MarkKey is the persistence key of the section's update mark.
func (k Kind) MarkKey() string { return schemas[k].key + "_mark" }

// Fields returns the expected-field hints for the section.
func (k Kind) Fields() []string { return schemas[k].fields }

// Note is an extra classification hint, often empty.
func (k Kind) Note() string { return schemas[k].note }

// ParseKind resolves a section name, key or title, case-insensitively.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range Kinds {
		sc := schemas[k]
		if s == sc.name || s == sc.key || s == strings.ToLower(sc.title) {
			return k, nil
		}
	}
	switch s {
	case "player", "main":
		return Participants, nil
	case "other-characters", "other_characters":
		return OtherCharacters, nil
	case "plot":
		return Events, nil
	case "factions":
		return Lore, nil
	case "threads":
		return Mysteries, nil
	}
	return 0, fmt.Errorf("unknown bible section %q", s)
}
