// Command seqctl runs a Lua scenario against a sequencer engine while a tick
// loop runs, then prints the recall graph as JSON.
//
//	seqctl -script scenario.lua [-config engine.json] [-tick 5ms] [-out state.json] [-strict]
//
// Engine warnings are logged as they happen; -strict makes any warning fail
// the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/shaban/sequencer"
	"github.com/shaban/sequencer/config"
	"github.com/shaban/sequencer/leaf"
)

func main() {
	var (
		configPath = flag.String("config", "", "engine configuration file (JSON)")
		scriptPath = flag.String("script", "", "Lua scenario to run")
		tick       = flag.Duration("tick", 5*time.Millisecond, "tick loop interval")
		outPath    = flag.String("out", "", "write the final state here instead of stdout")
		logFormat  = flag.String("log-format", "auto", "auto, text or json")
		strict     = flag.Bool("strict", false, "fail when the engine reports any warning")
	)
	flag.Parse()

	if err := run(*configPath, *scriptPath, *outPath, *logFormat, *tick, *strict); err != nil {
		fmt.Fprintf(os.Stderr, "seqctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, scriptPath, outPath, logFormat string, tick time.Duration, strict bool) error {
	if scriptPath == "" {
		return fmt.Errorf("-script is required")
	}
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return err
		}
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if logFormat == "auto" {
		logFormat = cfg.LogFormat
		if !term.IsTerminal(int(os.Stderr.Fd())) {
			logFormat = "json"
		}
	}
	logger := newLogger(os.Stderr, logFormat, level)

	warnings := &sequencer.CollectingErrorHandler{}
	engine, err := sequencer.NewEngine(cfg,
		sequencer.WithLogger(logger),
		sequencer.WithErrorHandler(sequencer.NewLoggingErrorHandler(warnings, logger)),
		sequencer.WithRegistry(leaf.DefaultRegistry(leaf.WithMIDISink(midiLogger(logger)))))
	if err != nil {
		return err
	}
	defer engine.Close()

	src, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sc := newScenario(engine, logger)
	if err := sc.Run(ctx, scriptPath, string(src), tick); err != nil {
		return err
	}
	if err := checkWarnings(warnings.Errors(), strict); err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", outPath, err)
		}
		defer f.Close()
		out = f
	}
	return engine.Serializer().SaveToWriter(out)
}

// checkWarnings fails a strict run that collected warnings, naming how many
// of each class.
func checkWarnings(warnings []error, strict bool) error {
	if !strict || len(warnings) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, err := range warnings {
		counts[sequencer.ErrorClass(err)]++
	}
	classes := make([]string, 0, len(counts))
	for class, n := range counts {
		classes = append(classes, fmt.Sprintf("%s=%d", class, n))
	}
	sort.Strings(classes)
	return fmt.Errorf("%d engine warnings (%s)", len(warnings), strings.Join(classes, ", "))
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
