// Package cli is the thin trigger surface over the pipeline.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jaestefaniah27/arcompile/internal/board"
	"github.com/jaestefaniah27/arcompile/internal/config"
	"github.com/jaestefaniah27/arcompile/internal/flash"
	"github.com/jaestefaniah27/arcompile/internal/history"
	"github.com/jaestefaniah27/arcompile/internal/pipeline"
	"github.com/jaestefaniah27/arcompile/internal/release"
)

// Exit codes. ExitNoPort lets calling scripts distinguish "retry flashing
// later" from "fix the build".
const (
	ExitOK     = 0
	ExitError  = 1
	ExitNoPort = 2
)

// Pipeline is what the CLI needs from the orchestrator.
type Pipeline interface {
	BuildAndFlash(ctx context.Context, opts pipeline.Options) (pipeline.Result, error)
	SaveRelease(ctx context.Context, name string) error
	FlashRelease(ctx context.Context, name, port string) (pipeline.Result, error)
	History(ctx context.Context, limit int) ([]history.Run, error)
}

type Runner struct {
	out    io.Writer
	errOut io.Writer
	log    *slog.Logger
	now    func() time.Time

	// newPipeline is swappable in tests
	newPipeline func(cfg config.Config, projectDir string, log *slog.Logger) (Pipeline, func())
}

func NewRunner(out, errOut io.Writer) *Runner {
	log := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return &Runner{
		out:    out,
		errOut: errOut,
		log:    log,
		now:    time.Now,
		newPipeline: func(cfg config.Config, projectDir string, log *slog.Logger) (Pipeline, func()) {
			deps := pipeline.Deps{}
			cleanup := func() {}
			hist, err := history.Open(context.Background(), cfg.HistoryPath)
			if err != nil {
				log.Warn("history journal unavailable", "path", cfg.HistoryPath, "err", err)
			} else {
				deps.History = hist
				cleanup = func() { hist.Close() }
			}
			return pipeline.New(cfg, projectDir, log, deps), cleanup
		},
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	start := r.now()
	defer func() {
		fmt.Fprintf(r.out, "done in %.1fs\n", r.now().Sub(start).Seconds())
	}()

	projectDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return ExitError
	}
	cfg, err := config.Load(projectDir)
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return ExitError
	}
	pl, cleanup := r.newPipeline(cfg, projectDir, r.log)
	defer cleanup()

	if len(args) > 0 {
		switch args[0] {
		case "help", "-h", "--help":
			r.printUsage()
			return ExitOK
		case "save":
			if len(args) < 2 {
				fmt.Fprintln(r.errOut, "usage: arcompile save <name>")
				return ExitError
			}
			return r.runSave(ctx, pl, args[1])
		case "flash":
			if len(args) < 2 {
				fmt.Fprintln(r.errOut, "usage: arcompile flash <name> [port]")
				return ExitError
			}
			port := ""
			if len(args) > 2 {
				port = args[2]
			}
			return r.runFlashRelease(ctx, pl, args[1], port)
		case "history":
			return r.runHistory(ctx, pl)
		}
	}
	return r.runBuildAndFlash(ctx, pl, cfg, args)
}

func (r *Runner) runBuildAndFlash(ctx context.Context, pl Pipeline, cfg config.Config, args []string) int {
	opts := pipeline.Options{
		FQBN: board.FQBNFromArgs(args, cfg.DefaultFQBN),
	}
	for _, a := range args {
		if a == "min_spiffs" {
			opts.MinSpiffs = true
		}
	}

	res, err := pl.BuildAndFlash(ctx, opts)
	switch {
	case err == nil:
		fmt.Fprintf(r.out, "flashed %s (%s) on %s\n", res.FQBN, res.Family, res.Port)
		return ExitOK
	case errors.Is(err, pipeline.ErrNoPort):
		fmt.Fprintf(r.out, "artifacts ready in ./%s — connect the board and rerun to flash without recompiling\n", cfg.ArtifactDir)
		return ExitNoPort
	default:
		return r.fail(err)
	}
}

func (r *Runner) runSave(ctx context.Context, pl Pipeline, name string) int {
	if err := pl.SaveRelease(ctx, name); err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "saved release %q\n", name)
	return ExitOK
}

func (r *Runner) runFlashRelease(ctx context.Context, pl Pipeline, name, port string) int {
	res, err := pl.FlashRelease(ctx, name, port)
	switch {
	case err == nil:
		fmt.Fprintf(r.out, "flashed release %q (%s) on %s\n", name, res.Family, res.Port)
		return ExitOK
	case errors.Is(err, pipeline.ErrNoPort):
		fmt.Fprintln(r.out, "no serial port detected — connect the board and rerun")
		return ExitNoPort
	default:
		return r.fail(err)
	}
}

func (r *Runner) runHistory(ctx context.Context, pl Pipeline) int {
	runs, err := pl.History(ctx, 20)
	if err != nil {
		return r.fail(err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(r.out, "no recorded runs")
		return ExitOK
	}
	for _, run := range runs {
		outcome := run.Outcome
		if outcome == "" {
			outcome = "interrupted"
		}
		fmt.Fprintf(r.out, "%s  %-8s  %-24s  rebuilt=%-5v  attempts=%d  %s\n",
			run.StartedAt.Local().Format("2006-01-02 15:04:05"), outcome, run.FQBN, run.Rebuilt, run.FlashAttempts, run.Port)
	}
	return ExitOK
}

func (r *Runner) fail(err error) int {
	fmt.Fprintf(r.errOut, "error: %v\n", err)
	switch {
	case errors.Is(err, flash.ErrFlash):
		fmt.Fprintln(r.errOut, "check the USB cable and port permissions, then retry")
	case errors.Is(err, release.ErrDuplicate):
		fmt.Fprintln(r.errOut, "pick another release name or delete the existing one")
	}
	return ExitError
}

func (r *Runner) printUsage() {
	fmt.Fprint(r.out, `arcompile — remote build and flash for ESP32/AVR sketches

usage:
  arcompile                      compile if needed, then flash (default board)
  arcompile dev|da|c3|esp32c3|s3|esp32s3|micro
                                 select the target board by alias
  arcompile fqbn=V:A:B           use an exact vendor:arch:board identifier
  arcompile min_spiffs           force the min_spiffs partition scheme (ESP32)
  arcompile save <name>          snapshot current artifacts as a release
  arcompile flash <name> [port]  flash a saved release without rebuilding
  arcompile history              list recent runs
  arcompile help                 show this help

exit codes: 0 ok, 1 failure, 2 artifacts ready but no serial port detected
`)
}
