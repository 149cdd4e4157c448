package flash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/jaestefaniah27/arcompile/internal/config"
)

// ErrFlash marks exhaustion of the whole retry ladder.
var ErrFlash = errors.New("flashing failed")

// Runner abstracts local process execution (esptool, arduino-cli).
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Rung is one step of the retry ladder: a transfer speed plus the protocol
// variant. NoStub bypasses the on-chip stub loader, which helps when the
// USB-serial bridge misbehaves under the standard handshake.
type Rung struct {
	Baud   int
	NoStub bool
}

// Ladder for one flash invocation: full speed, reduced speed, reduced
// speed without the stub loader.
func Ladder(baud int) []Rung {
	return []Rung{
		{Baud: baud},
		{Baud: 460800},
		{Baud: 460800, NoStub: true},
	}
}

// Engine executes a write plan against a serial port.
type Engine struct {
	cfg    config.Config
	runner Runner
	log    *slog.Logger
	ladder []Rung
	pause  time.Duration
}

func NewEngine(cfg config.Config, log *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		runner: OSRunner{},
		log:    log,
		ladder: Ladder(cfg.Baud),
		pause:  cfg.FlashPause,
	}
}

func NewEngineWithRunner(cfg config.Config, runner Runner, log *slog.Logger) *Engine {
	e := NewEngine(cfg, log)
	e.runner = runner
	return e
}

// Flash walks the retry ladder until one esptool invocation succeeds.
// A started attempt runs to completion or failure; there is no partial
// rollback — the next rung rewrites the full plan. Returns the number of
// attempts consumed.
func (e *Engine) Flash(ctx context.Context, plan WritePlan, port string) (int, error) {
	if len(plan) == 0 {
		return 0, ErrNoArtifacts
	}
	var lastErr error
	for i, rung := range e.ladder {
		args := esptoolArgs(port, rung, plan)
		e.log.Info("flashing", "port", port, "baud", rung.Baud, "no_stub", rung.NoStub, "attempt", i+1)
		runCtx, cancel := context.WithTimeout(ctx, e.cfg.FlashTimeout)
		out, err := e.runner.Run(runCtx, e.cfg.EsptoolPath, args...)
		cancel()
		if err == nil {
			return i + 1, nil
		}
		lastErr = err
		e.log.Warn("flash attempt failed", "baud", rung.Baud, "no_stub", rung.NoStub, "err", err, "output", tail(string(out)))
		if i < len(e.ladder)-1 {
			select {
			case <-ctx.Done():
				return i + 1, fmt.Errorf("%w: %v", ErrFlash, ctx.Err())
			case <-time.After(e.pause):
			}
		}
	}
	return len(e.ladder), fmt.Errorf("%w: %v", ErrFlash, lastErr)
}

// UploadAVR hands the whole upload to the toolchain, which owns the wire
// protocol and its own retry behavior. No internal ladder applies.
func (e *Engine) UploadAVR(ctx context.Context, fqbn, port, inputDir, projectDir string) error {
	args := []string{
		"upload",
		"--fqbn", fqbn,
		"-p", port,
		"--input-dir", inputDir,
		projectDir,
	}
	e.log.Info("uploading", "port", port, "fqbn", fqbn, "input_dir", inputDir)
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.FlashTimeout)
	defer cancel()
	out, err := e.runner.Run(runCtx, e.cfg.ArduinoCLIPath, args...)
	if err != nil {
		return fmt.Errorf("%w: %v: %s", ErrFlash, err, tail(string(out)))
	}
	return nil
}

func esptoolArgs(port string, rung Rung, plan WritePlan) []string {
	// no --chip: esptool auto-detects, which avoids wrong-chip aborts
	args := []string{
		"--port", port,
		"--baud", fmt.Sprintf("%d", rung.Baud),
		"--before", "default_reset",
		"--after", "hard_reset",
	}
	if rung.NoStub {
		args = append(args, "--no-stub")
	}
	args = append(args, "write_flash", "-z")
	for _, op := range plan {
		args = append(args, fmt.Sprintf("0x%x", op.Offset), op.Path)
	}
	return args
}

func tail(s string) string {
	const max = 400
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
