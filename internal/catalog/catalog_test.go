package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	c := Default()

	if !strings.Contains(c.Genre("noir"), "hardboiled") {
		t.Errorf("Genre(noir) = %q", c.Genre("noir"))
	}
	if c.Genre("default") != "" || c.Genre("nope") != "" {
		t.Error("default and unknown genres should be empty")
	}
	if !strings.HasPrefix(c.Style("nope"), "**Writing Style: Novel Style") {
		t.Errorf("unknown style did not fall back: %q", c.Style("nope"))
	}

	tests := map[string]string{
		"first":   "first person",
		"second":  "second person",
		"third":   "third person",
		"unknown": "third person",
	}
	for in, want := range tests {
		if got := c.Perspective(in); got != want {
			t.Errorf("Perspective(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := "genres:\n  western: Dusty towns and long shadows.\n  noir: Rain. Always rain.\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Genre("western") != "Dusty towns and long shadows." {
		t.Errorf("Genre(western) = %q", c.Genre("western"))
	}
	if c.Genre("noir") != "Rain. Always rain." {
		t.Errorf("override not applied: %q", c.Genre("noir"))
	}
	if c.Genre("horror") == "" {
		t.Error("built-in genres lost")
	}
	if !c.Has("genre", "western") || c.Has("genre", "opera") || !c.Has("style", "default") {
		t.Error("Has() wrong")
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("genres: [unclosed"), 0o644)
	if _, err := Load(bad); err == nil {
		t.Error("bad yaml accepted")
	}
	if c, err := Load(""); err != nil || c.Genre("noir") == "" {
		t.Errorf("Load(\"\") = %v", err)
	}
}

func TestNames(t *testing.T) {
	names := Default().Names("perspective")
	if strings.Join(names, ",") != "first,second,third" {
		t.Errorf("Names(perspective) = %q", names)
	}
	if got := Default().Names("bogus"); len(got) != 0 {
		t.Errorf("Names(bogus) = %q", got)
	}
}
