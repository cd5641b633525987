// Command fim-baseline records the trusted state of a directory tree, or with
// -verify compares the tree against a previously recorded baseline and
// exits non-zero when anything changed.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tripwire/fim/internal/baseline"
)

// Exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitChanged = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fim-baseline", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", "", "directory tree to record (required)")
	output := fs.String("output", "baseline.json", "baseline file to write, or to read with -verify")
	exclude := fs.String("exclude", "", "comma-separated glob patterns to skip")
	verify := fs.Bool("verify", false, "compare the tree against -output instead of writing it")
	level := fs.String("log-level", "warn", "log level: debug | info | warn | error")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if *dir == "" {
		fmt.Fprintln(stderr, "fim-baseline: -dir is required")
		fs.Usage()
		return exitError
	}

	opts := baseline.Options{
		Exclude: excludePatterns(*dir, *output, *exclude),
		Logger:  newLogger(*level, stderr),
	}

	if *verify {
		want, err := baseline.Load(*output)
		if err != nil {
			fmt.Fprintf(stderr, "fim-baseline: %v\n", err)
			return exitError
		}
		changes, err := baseline.Verify(ctx, want, *dir, opts)
		if err != nil {
			fmt.Fprintf(stderr, "fim-baseline: %v\n", err)
			return exitError
		}
		for _, c := range changes {
			fmt.Fprintf(stdout, "%-8s %s\n", c.Kind, c.RelativePath)
		}
		if len(changes) > 0 {
			fmt.Fprintf(stdout, "%d change(s) against baseline created %s\n",
				len(changes), want.Metadata().CreatedAt.Format("2006-01-02 15:04:05"))
			return exitChanged
		}
		fmt.Fprintf(stdout, "no changes (%d files)\n", want.Len())
		return exitOK
	}

	store, err := baseline.Build(ctx, *dir, opts)
	if err != nil {
		fmt.Fprintf(stderr, "fim-baseline: %v\n", err)
		return exitError
	}
	if err := baseline.Save(store, *output); err != nil {
		fmt.Fprintf(stderr, "fim-baseline: %v\n", err)
		return exitError
	}
	fmt.Fprintf(stdout, "baseline written to %s (%d files)\n", *output, store.Len())
	return exitOK
}

// excludePatterns splits the -exclude list and adds the output file itself
// when it lives inside dir, so the baseline never records its own digest.
func excludePatterns(dir, output, list string) []string {
	var patterns []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	if rel, err := baseline.RelPath(dir, output); err == nil {
		patterns = append(patterns, rel)
	}
	return patterns
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelWarn
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}
