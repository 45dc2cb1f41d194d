package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/talgya/storyloom/internal/bible"
	"github.com/talgya/storyloom/internal/engine"
)

const replHelp = `Enter            write the next part
<text>           write the next part, steered by <text>
/regen [text]    replace the last paragraph
/delete          delete the last paragraph
/undo            restore it (only right after deleting)
/ideas [steer]   suggest what could happen next
/compact         summarize old paragraphs now
/bible [section] update the bible (all sections without an argument)
/show            print the story
/context         print what the model sees
/set [opt val]   show or change options
/reset <opt>     return an option to its default
/quit            leave
Ctrl+C cancels a generation in progress.`

func writeCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "write",
		Short: "Write interactively",
		Args:  cobra.NoArgs,
		RunE: withApp(f, func(a *app, cmd *cobra.Command, _ []string) error {
			return repl(a, cmd.InOrStdin(), cmd.OutOrStdout())
		}),
	}
}

// repl reads commands until EOF or /quit. Ctrl+C cancels the call in
// flight instead of ending the program.
func repl(a *app, in io.Reader, out io.Writer) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if a.session.Cancel() {
				a.reader.Stop()
				fmt.Fprintln(out, "\n(cancelled)")
			} else {
				fmt.Fprintln(out, "\n(type /quit to leave)")
			}
		}
	}()

	interactive := false
	if file, ok := in.(*os.File); ok {
		interactive = isatty.IsTerminal(file.Fd())
	}
	if interactive {
		b := a.session.Budget()
		fmt.Fprintf(out, "%s paragraphs, %s. /help for commands.\n",
			humanize.Comma(int64(b.Paragraphs)), humanize.Bytes(uint64(b.DocumentChars)))
	}

	ctx := context.Background()
	lines := bufio.NewScanner(in)
	lines.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !lines.Scan() {
			return lines.Err()
		}
		line := strings.TrimSpace(lines.Text())
		quit, err := replLine(ctx, a, out, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func replLine(ctx context.Context, a *app, out io.Writer, line string) (quit bool, err error) {
	if !strings.HasPrefix(line, "/") {
		return false, runGenerate(ctx, a, out, engine.Request{WhatNext: line}, false)
	}
	name, rest, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "quit", "q", "exit":
		return true, nil
	case "help", "h", "?":
		fmt.Fprintln(out, replHelp)
	case "next", "n":
		return false, runGenerate(ctx, a, out, engine.Request{WhatNext: rest}, false)
	case "regen", "r":
		return false, runGenerate(ctx, a, out, engine.Request{WhatNext: rest}, true)
	case "delete", "d":
		removed, err := a.session.DeleteLastParagraph()
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "deleted: %s\n", removed)
		if deadline, ok := a.session.UndoDeadline(); ok {
			fmt.Fprintf(out, "(/undo expires %s)\n", humanize.Time(deadline))
		}
	case "undo", "u":
		if !a.session.CanUndo() {
			return false, errors.New("nothing to undo")
		}
		return false, a.session.UndoDelete()
	case "ideas", "i":
		return false, runIdeas(ctx, a, out, rest)
	case "compact":
		res, err := a.session.Compact(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "%d summaries recorded\n%s\n", res.Recorded, budgetLine(res.Budget))
	case "bible", "b":
		var args []string
		if rest != "" {
			args = []string{rest}
		}
		return false, runBibleUpdate(ctx, a, out, args)
	case "show":
		fmt.Fprintln(out, a.session.Text())
	case "context":
		fmt.Fprintln(out, a.session.Context())
		fmt.Fprintln(out, budgetLine(a.session.Budget()))
	case "set":
		return false, runSet(a, out, strings.Fields(rest))
	case "reset":
		if rest == "" {
			return false, errors.New("usage: /reset <option>")
		}
		return false, a.session.ResetOption(rest)
	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return false, nil
}

// runGenerate streams one generation to out. Cancellation and failure keep
// the text written so far; only a busy session is an error here.
func runGenerate(ctx context.Context, a *app, out io.Writer, req engine.Request, regen bool) error {
	a.session.OnFragment = func(text string) { fmt.Fprint(out, text) }
	defer func() { a.session.OnFragment = nil }()

	var (
		g   engine.Generation
		err error
	)
	if regen {
		g, err = a.session.Regenerate(ctx, req)
	} else {
		g, err = a.session.Generate(ctx, req)
	}
	fmt.Fprintln(out)
	if errors.Is(err, engine.ErrBusy) {
		return err
	}

	switch g.Outcome {
	case engine.Cancelled:
		fmt.Fprintf(out, "(cancelled, kept %s)\n", humanize.Bytes(uint64(len(g.Text))))
	case engine.Errored:
		fmt.Fprintf(out, "(generation failed, kept %s: %v)\n", humanize.Bytes(uint64(len(g.Text))), err)
	}
	if err != nil {
		slog.Debug("generation ended early", "outcome", g.Outcome.String(), "error", err)
	}
	return nil
}

func runIdeas(ctx context.Context, a *app, out io.Writer, regen string) error {
	ideas, err := a.session.SuggestNext(ctx, regen)
	if err != nil {
		return err
	}
	for i, idea := range ideas {
		fmt.Fprintf(out, "%d. %s\n", i+1, idea)
	}
	return nil
}

func runBibleUpdate(ctx context.Context, a *app, out io.Writer, args []string) error {
	if len(args) == 0 {
		results, err := a.session.UpdateBibleAll(ctx)
		for _, r := range results {
			printBibleResult(out, r)
		}
		return err
	}
	k, err := bible.ParseKind(args[0])
	if err != nil {
		return err
	}
	res, err := a.session.UpdateBible(ctx, k)
	if err != nil {
		return err
	}
	printBibleResult(out, res)
	return nil
}

func printBibleResult(out io.Writer, r bible.Result) {
	switch {
	case r.Skipped:
		fmt.Fprintf(out, "%-13s no new events\n", r.Kind)
	case r.Changed:
		fmt.Fprintf(out, "%-13s updated from %d paragraphs\n", r.Kind, r.Events)
	default:
		fmt.Fprintf(out, "%-13s unchanged\n", r.Kind)
	}
}
