// Command storyteller writes an open-ended story with a language model,
// keeping the prompt bounded by summarizing older paragraphs and tracking a
// story bible.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/talgya/storyloom/internal/catalog"
	"github.com/talgya/storyloom/internal/config"
	"github.com/talgya/storyloom/internal/engine"
	"github.com/talgya/storyloom/internal/faults"
	"github.com/talgya/storyloom/internal/llm"
	"github.com/talgya/storyloom/internal/persistence"
	"github.com/talgya/storyloom/internal/speech"
)

// flags override the loaded configuration.
type flags struct {
	configPath string
	dbPath     string
	provider   string
	model      string
	strict     bool
}

// app is one opened story.
type app struct {
	cfg     *config.Config
	db      *persistence.DB
	session *engine.Session
	reader  *speech.Reader
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:          "storyteller",
		Short:        "Write a never-ending story with a language model",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/storyloom/config.yaml)")
	pf.StringVar(&f.dbPath, "db", "", "story database path")
	pf.StringVar(&f.provider, "provider", "", "generator backend: anthropic, openai or script")
	pf.StringVar(&f.model, "model", "", "model name")
	pf.BoolVar(&f.strict, "strict", false, "panic on invariant violations")

	addCommands(root, &f)
	return root
}

// setupLogger installs the default handler: text on a terminal, JSON
// otherwise.
func setupLogger(level slog.Level) {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.dbPath != "" {
		cfg.DBPath = f.dbPath
	}
	if f.provider != "" {
		cfg.Provider = f.provider
	}
	if f.model != "" {
		cfg.Model = f.model
	}
	if f.strict {
		cfg.Strict = true
	}
	setupLogger(cfg.Level())
	return cfg, nil
}

// openApp opens the database and restores the story. Commands that never
// call the generator still need a valid provider so the session is complete.
func openApp(f *flags) (*app, error) {
	cfg, err := loadConfig(f)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	gen, err := newGenerator(cfg)
	if err != nil {
		return nil, err
	}

	cat := catalog.Default()
	if cfg.Catalog != "" {
		if cat, err = catalog.Load(cfg.Catalog); err != nil {
			return nil, err
		}
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	slog.Debug("database opened", "path", cfg.DBPath)

	reader := newReader(cfg)
	s := engine.New(engine.Config{
		Generator:    gen,
		Catalog:      cat,
		DB:           db,
		Reader:       reader,
		Ledger:       cfg.LedgerOptions(),
		UndoWindow:   cfg.UndoWindow,
		MaxTokens:    cfg.MaxTokens,
		Strict:       cfg.Strict,
		CompactEvery: cfg.Cadence.CompactEvery,
		BibleEvery:   cfg.Cadence.BibleEvery,
	})
	if err := s.Load(); err != nil {
		db.Close()
		return nil, err
	}
	// A voice chosen in the story wins over the configured default.
	if s.Options().Voice == "" {
		reader.SetVoice(cfg.Speech.Voice)
	}
	return &app{cfg: cfg, db: db, session: s, reader: reader}, nil
}

func (a *app) Close() {
	a.reader.Wait()
	if err := a.db.Close(); err != nil {
		slog.Error("close database", "error", err)
	}
}

func newGenerator(cfg *config.Config) (llm.Generator, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		c := llm.NewClient(cfg.APIKey, llm.ClientOptions{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			MaxPerMin: cfg.MaxPerMinute,
		})
		if !c.Enabled() {
			return nil, config.ErrNoAPIKey
		}
		return c, nil
	case config.ProviderOpenAI:
		o, err := llm.NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		return o, nil
	case config.ProviderScript:
		s, err := llm.LoadScript(cfg.Script)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnknownProvider, cfg.Provider)
}

// newReader returns nil when no synthesizer is installed; read-aloud is then
// silently unavailable.
func newReader(cfg *config.Config) *speech.Reader {
	n, err := speech.NewCommandNarrator(cfg.Speech.Command)
	if err != nil {
		if errors.Is(err, faults.ErrUnsupportedEnvironment) {
			slog.Debug("read-aloud unavailable", "error", err)
		} else {
			slog.Warn("read-aloud disabled", "error", err)
		}
		return nil
	}
	return speech.NewReader(n, cfg.Speech.Voice)
}

// interruptible returns a context cancelled by Ctrl+C or SIGTERM.
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
