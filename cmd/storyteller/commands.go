package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/talgya/storyloom/internal/api"
	"github.com/talgya/storyloom/internal/bible"
	"github.com/talgya/storyloom/internal/engine"
	"github.com/talgya/storyloom/internal/ledger"
)

type runFunc func(a *app, cmd *cobra.Command, args []string) error

// withApp opens the story for the duration of one command.
func withApp(f *flags, run runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(f)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(a, cmd, args)
	}
}

func addCommands(root *cobra.Command, f *flags) {
	root.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the whole story",
			Args:  cobra.NoArgs,
			RunE: withApp(f, func(a *app, cmd *cobra.Command, _ []string) error {
				fmt.Fprintln(cmd.OutOrStdout(), a.session.Text())
				return nil
			}),
		},
		&cobra.Command{
			Use:   "context",
			Short: "Print the story so far as the next prompt will see it",
			Args:  cobra.NoArgs,
			RunE: withApp(f, func(a *app, cmd *cobra.Command, _ []string) error {
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, a.session.Context())
				fmt.Fprintln(out)
				fmt.Fprintln(out, budgetLine(a.session.Budget()))
				return nil
			}),
		},
		generateCmd(f, "next", "Write the next part of the story", false),
		generateCmd(f, "regen", "Replace the last paragraph with a new one", true),
		&cobra.Command{
			Use:   "delete",
			Short: "Delete the last paragraph",
			Args:  cobra.NoArgs,
			RunE: withApp(f, func(a *app, cmd *cobra.Command, _ []string) error {
				removed, err := a.session.DeleteLastParagraph()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted: %s\n", removed)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "compact",
			Short: "Summarize the oldest paragraphs now",
			Args:  cobra.NoArgs,
			RunE: withApp(f, func(a *app, cmd *cobra.Command, _ []string) error {
				ctx, stop := interruptible()
				defer stop()
				res, err := a.session.Compact(ctx)
				if err != nil {
					return err
				}
				if res.Planned == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to compact")
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%d of %d summaries recorded\n", res.Recorded, res.Planned)
				}
				fmt.Fprintln(cmd.OutOrStdout(), budgetLine(res.Budget))
				return nil
			}),
		},
		bibleCmd(f),
		ideasCmd(f),
		setCmd(f),
		&cobra.Command{
			Use:   "overview <text...>",
			Short: "Set what the story should be about",
			Args:  cobra.MinimumNArgs(1),
			RunE: withApp(f, func(a *app, _ *cobra.Command, args []string) error {
				return a.session.SetOption("overview", strings.Join(args, " "))
			}),
		},
		&cobra.Command{
			Use:   "export <file>",
			Short: "Write the whole story as JSON (- for stdout)",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(f, func(a *app, cmd *cobra.Command, args []string) error {
				if args[0] == "-" {
					return a.session.Export(cmd.OutOrStdout())
				}
				file, err := os.Create(args[0])
				if err != nil {
					return err
				}
				if err := a.session.Export(file); err != nil {
					file.Close()
					return err
				}
				return file.Close()
			}),
		},
		&cobra.Command{
			Use:   "import <file>",
			Short: "Replace the story with an exported one (- for stdin)",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(f, func(a *app, cmd *cobra.Command, args []string) error {
				var r io.Reader = cmd.InOrStdin()
				if args[0] != "-" {
					file, err := os.Open(args[0])
					if err != nil {
						return err
					}
					defer file.Close()
					r = file
				}
				if err := a.session.Import(r); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", humanize.Bytes(uint64(len(a.session.Text()))))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "snapshot [label...]",
			Short: "Save the current story as a snapshot",
			RunE: withApp(f, func(a *app, cmd *cobra.Command, args []string) error {
				snap, err := a.session.Snapshot(strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s  %s\n", shortID(snap.ID), snap.Label)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "snapshots",
			Short: "List saved snapshots",
			Args:  cobra.NoArgs,
			RunE: withApp(f, func(a *app, cmd *cobra.Command, _ []string) error {
				snaps, err := a.session.Snapshots()
				if err != nil {
					return err
				}
				for _, s := range snaps {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %-28s %8s  %s\n",
						shortID(s.ID), s.Label, humanize.Bytes(uint64(s.Chars)), humanize.Time(s.CreatedAt))
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "restore <id>",
			Short: "Replace the story with a snapshot (the current one is kept as a snapshot)",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(f, func(a *app, cmd *cobra.Command, args []string) error {
				if err := a.session.RestoreSnapshot(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", humanize.Bytes(uint64(len(a.session.Text()))))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Start over (the current story is kept as a snapshot)",
			Args:  cobra.NoArgs,
			RunE: withApp(f, func(a *app, _ *cobra.Command, _ []string) error {
				return a.session.Clear()
			}),
		},
		&cobra.Command{
			Use:   "history",
			Short: "List recent generations",
			Args:  cobra.NoArgs,
			RunE: withApp(f, func(a *app, cmd *cobra.Command, _ []string) error {
				gens, err := a.db.RecentGenerations(20)
				if err != nil {
					return err
				}
				for _, g := range gens {
					note := ""
					if !g.Clean {
						note = "  (cut short)"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s %8s  %s%s\n",
						shortID(g.ID), g.Outcome, humanize.Bytes(uint64(g.Chars)), humanize.Time(g.StartedAt), note)
				}
				return nil
			}),
		},
		writeCmd(f),
		serveCmd(f),
	)
}

func generateCmd(f *flags, use, short string, regen bool) *cobra.Command {
	var what, startWith string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: withApp(f, func(a *app, cmd *cobra.Command, _ []string) error {
			ctx, stop := interruptible()
			defer stop()
			return runGenerate(ctx, a, cmd.OutOrStdout(), engine.Request{WhatNext: what, StartWith: startWith}, regen)
		}),
	}
	cmd.Flags().StringVar(&what, "what", "", "what should happen next (this call only)")
	cmd.Flags().StringVar(&startWith, "start-with", "", "text the new part must begin with")
	return cmd
}

func bibleCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bible",
		Short: "Show or maintain the story bible",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print every section",
			Args:  cobra.NoArgs,
			RunE: withApp(f, func(a *app, cmd *cobra.Command, _ []string) error {
				printBible(cmd.OutOrStdout(), a.session)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "update [section]",
			Short: "Fold new story events into one section or all of them",
			Args:  cobra.MaximumNArgs(1),
			RunE: withApp(f, func(a *app, cmd *cobra.Command, args []string) error {
				ctx, stop := interruptible()
				defer stop()
				return runBibleUpdate(ctx, a, cmd.OutOrStdout(), args)
			}),
		},
		&cobra.Command{
			Use:   "set <section> <text...>",
			Short: "Replace a section by hand",
			Args:  cobra.MinimumNArgs(2),
			RunE: withApp(f, func(a *app, _ *cobra.Command, args []string) error {
				k, err := bible.ParseKind(args[0])
				if err != nil {
					return err
				}
				return a.session.SetBibleSection(k, strings.Join(args[1:], " "))
			}),
		},
		&cobra.Command{
			Use:   "scratchpad <text...>",
			Short: "Replace the author's notes (never sent to the model)",
			Args:  cobra.MinimumNArgs(1),
			RunE: withApp(f, func(a *app, _ *cobra.Command, args []string) error {
				return a.session.SetScratchpad(strings.Join(args, " "))
			}),
		},
	)
	return cmd
}

func ideasCmd(f *flags) *cobra.Command {
	var regen string
	cmd := &cobra.Command{
		Use:   "ideas",
		Short: "Suggest three ideas for what could happen next",
		Args:  cobra.NoArgs,
		RunE: withApp(f, func(a *app, cmd *cobra.Command, _ []string) error {
			ctx, stop := interruptible()
			defer stop()
			return runIdeas(ctx, a, cmd.OutOrStdout(), regen)
		}),
	}
	cmd.Flags().StringVar(&regen, "regen", "", "steer the ideas, e.g. \"more romance\"")
	return cmd
}

func serveCmd(f *flags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the story over a local HTTP API",
		Args:  cobra.NoArgs,
		RunE: withApp(f, func(a *app, _ *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			ctx, stop := interruptible()
			defer stop()
			srv := &api.Server{
				Session:         a.session,
				Addr:            addr,
				AdminKey:        a.cfg.Server.AdminKey,
				CORSOrigins:     a.cfg.Server.CORSOrigins,
				GeneratePerHour: a.cfg.Server.GeneratePerHour,
			}
			return srv.ListenAndServe(ctx)
		}),
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func budgetLine(b ledger.Budget) string {
	return fmt.Sprintf("%s paragraphs (%s summarized in %d summaries); context %s, about %s tokens; full story %s",
		humanize.Comma(int64(b.Paragraphs)),
		humanize.Comma(int64(b.Summarized)),
		b.Summaries,
		humanize.Bytes(uint64(b.ContextChars)),
		humanize.Comma(int64(b.ContextTokens)),
		humanize.Bytes(uint64(b.DocumentChars)),
	)
}

func printBible(w io.Writer, s *engine.Session) {
	st := s.Bible()
	fmt.Fprintln(w, s.BibleText())
	if st.Scratchpad != "" {
		fmt.Fprintf(w, "\n## Scratchpad:\n%s\n", st.Scratchpad)
	}
	tracking := "off"
	if st.Tracking {
		tracking = "on"
	}
	fmt.Fprintf(w, "\n(tracking %s)\n", tracking)
}

func setCmd(f *flags) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "set [option] [value...]",
		Short: "Show or change an option",
		Long:  "Options: " + strings.Join(engine.OptionNames(), ", "),
		RunE: withApp(f, func(a *app, cmd *cobra.Command, args []string) error {
			if reset {
				if len(args) != 1 {
					return fmt.Errorf("--reset takes one option, got %d args", len(args))
				}
				return a.session.ResetOption(args[0])
			}
			return runSet(a, cmd.OutOrStdout(), args)
		}),
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "return the option to its default")
	return cmd
}

func runSet(a *app, w io.Writer, args []string) error {
	switch len(args) {
	case 0:
		for _, name := range engine.OptionNames() {
			v, _ := a.session.Option(name)
			fmt.Fprintf(w, "%-14s %s\n", name, v)
		}
		return nil
	case 1:
		v, err := a.session.Option(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(w, v)
		return nil
	}
	return a.session.SetOption(args[0], strings.Join(args[1:], " "))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
