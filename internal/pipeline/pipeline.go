// Package pipeline sequences the build-or-reuse, classify, plan and flash
// stages of one invocation. Everything is strictly sequential; suspension
// happens only at external-process boundaries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaestefaniah27/arcompile/internal/artifact"
	"github.com/jaestefaniah27/arcompile/internal/board"
	"github.com/jaestefaniah27/arcompile/internal/buildcache"
	"github.com/jaestefaniah27/arcompile/internal/config"
	"github.com/jaestefaniah27/arcompile/internal/flash"
	"github.com/jaestefaniah27/arcompile/internal/history"
	"github.com/jaestefaniah27/arcompile/internal/model"
	"github.com/jaestefaniah27/arcompile/internal/release"
	"github.com/jaestefaniah27/arcompile/internal/remote"
	"github.com/jaestefaniah27/arcompile/internal/serialport"
)

var (
	// ErrNoPort is a terminal state, not a failure: artifacts stay on disk
	// for a later flash-only retry. The CLI maps it to exit code 2.
	ErrNoPort = errors.New("no serial port available")

	ErrConfiguration = errors.New("configuration error")
)

// Pipeline holds the wired stages for one project directory.
type Pipeline struct {
	cfg        config.Config
	projectDir string
	log        *slog.Logger

	driver   *remote.Driver
	engine   *flash.Engine
	releases *release.Store
	ports    serialport.Lister
	hist     *history.Store
}

// Deps allows tests to substitute the process and hardware boundaries.
// Nil fields fall back to the real implementations.
type Deps struct {
	RemoteRunner remote.Runner
	FlashRunner  flash.Runner
	Ports        serialport.Lister
	History      *history.Store
}

func New(cfg config.Config, projectDir string, log *slog.Logger, deps Deps) *Pipeline {
	exec := remote.NewExecutor(cfg, log)
	if deps.RemoteRunner != nil {
		exec = remote.NewExecutorWithRunner(cfg, deps.RemoteRunner, log)
	}
	engine := flash.NewEngine(cfg, log)
	if deps.FlashRunner != nil {
		engine = flash.NewEngineWithRunner(cfg, deps.FlashRunner, log)
	}
	var ports serialport.Lister = serialport.USBLister{}
	if deps.Ports != nil {
		ports = deps.Ports
	}
	return &Pipeline{
		cfg:        cfg,
		projectDir: projectDir,
		log:        log,
		driver:     remote.NewDriver(exec, cfg, log),
		engine:     engine,
		releases:   release.NewStore(filepath.Join(projectDir, cfg.ReleaseDir)),
		ports:      ports,
		hist:       deps.History,
	}
}

// Options select the target for a default build-and-flash invocation.
type Options struct {
	FQBN      string // empty means the configured default
	MinSpiffs bool   // force the min_spiffs partition scheme up front
}

// Result summarizes one invocation for the caller and the journal.
type Result struct {
	FQBN          string
	Family        model.ChipFamily
	Rebuilt       bool
	FlashAttempts int
	Port          string
}

func (p *Pipeline) sketchName() string {
	return filepath.Base(p.projectDir) + ".ino"
}

func (p *Pipeline) sketchBase() string {
	return filepath.Base(p.projectDir)
}

func (p *Pipeline) artifactDir() string {
	return filepath.Join(p.projectDir, p.cfg.ArtifactDir)
}

// BuildAndFlash is the default invocation: reuse or rebuild artifacts, then
// flash them if a port is present.
func (p *Pipeline) BuildAndFlash(ctx context.Context, opts Options) (Result, error) {
	res := Result{}

	fqbn := opts.FQBN
	if fqbn == "" {
		fqbn = p.cfg.DefaultFQBN
	}
	family := board.Resolve(fqbn)
	res.FQBN, res.Family = fqbn, family

	sketch := filepath.Join(p.projectDir, p.sketchName())
	if _, err := os.Stat(sketch); err != nil {
		return res, fmt.Errorf("%w: sketch %s not found", ErrConfiguration, p.sketchName())
	}

	partition := ""
	if opts.MinSpiffs && family != model.FamilyAvr {
		partition = "min_spiffs"
	}

	fp, err := buildcache.Fingerprint(p.projectDir, nil)
	if err != nil {
		return res, fmt.Errorf("fingerprint project: %w", err)
	}
	marker := filepath.Join(p.projectDir, buildcache.MarkerName)
	rebuilt := buildcache.IsStale(fp, buildcache.ReadMarker(marker))
	res.Rebuilt = rebuilt

	var set model.ArtifactSet
	if rebuilt {
		set, fqbn, family, err = p.buildFresh(ctx, fqbn, partition)
		if err != nil {
			return res, err
		}
		res.FQBN, res.Family = fqbn, family
		// marker only after successful build and retrieval
		if err := buildcache.WriteMarker(marker, fp); err != nil {
			return res, err
		}
	} else {
		p.log.Info("sources unchanged, reusing compiled artifacts", "dir", p.cfg.ArtifactDir)
		set, err = p.reuseArtifacts()
		if err != nil {
			return res, err
		}
	}

	if missing := set.Missing(family); len(missing) > 0 {
		return res, fmt.Errorf("%w: %v", flash.ErrArtifactMissing, missing)
	}

	runID := p.beginRun(ctx, fqbn, family, fp, rebuilt)

	port, err := serialport.Detect(p.ports)
	if err != nil {
		p.log.Warn("port enumeration failed", "err", err)
	}
	if port == "" {
		p.log.Info("no serial port detected; artifacts are ready for a later flash-only run", "dir", p.cfg.ArtifactDir)
		p.finishRun(ctx, runID, history.OutcomeNoPort, 0, "")
		return res, ErrNoPort
	}
	res.Port = port

	attempts, err := p.flashSet(ctx, set, family, fqbn, port, p.artifactDir())
	res.FlashAttempts = attempts
	if err != nil {
		p.finishRun(ctx, runID, history.OutcomeFailed, attempts, port)
		return res, err
	}
	p.finishRun(ctx, runID, history.OutcomeSuccess, attempts, port)
	p.log.Info("flash complete", "port", port, "family", family)
	return res, nil
}

// buildFresh uploads the project, compiles remotely (with the single
// bounded min_spiffs escalation), downloads and classifies the outputs.
func (p *Pipeline) buildFresh(ctx context.Context, fqbn, partition string) (model.ArtifactSet, string, model.ChipFamily, error) {
	lines, estimate := remote.EstimateCompile(p.projectDir)
	p.log.Info("compilation needed", "source_lines", lines, "estimate_seconds", fmt.Sprintf("%.1f", estimate))

	libs := remote.ReadLibraries(p.projectDir)
	remoteProj := p.cfg.RemoteDir + "/" + p.sketchBase()

	if err := p.driver.UploadProject(ctx, p.projectDir, remoteProj); err != nil {
		return nil, fqbn, board.Resolve(fqbn), err
	}

	effective, out, err := p.driver.Compile(ctx, remoteProj, fqbn, partition, libs)
	if err != nil {
		return nil, effective, board.Resolve(effective), err
	}
	family := board.Resolve(effective)

	// single bounded escalation: one automatic recompile with min_spiffs,
	// never a second one even if that build is also over the limit
	if family != model.FamilyAvr && partition == "" && p.driver.ExceedsSize(out) {
		p.log.Warn("image exceeds partition limit, recompiling with min_spiffs")
		effective, out, err = p.driver.Compile(ctx, remoteProj, fqbn, "min_spiffs", libs)
		if err != nil {
			return nil, effective, board.Resolve(effective), err
		}
		family = board.Resolve(effective)
	}

	if p.cfg.CompileLog != "" {
		logPath := filepath.Join(p.projectDir, p.cfg.CompileLog)
		if werr := os.WriteFile(logPath, []byte(out), 0o644); werr != nil {
			p.log.Warn("could not write compile log", "path", logPath, "err", werr)
		}
	}

	buildDir, err := p.driver.DiscoverBuildDir(ctx, remoteProj)
	if err != nil {
		return nil, effective, family, err
	}
	files, err := p.driver.DownloadArtifacts(ctx, buildDir, p.artifactDir())
	if err != nil {
		return nil, effective, family, err
	}

	c := artifact.Classify(files, p.sketchBase())
	for _, skipped := range c.Skipped {
		p.log.Info("ignoring pre-merged combined image", "file", filepath.Base(skipped))
	}
	return c.Set, effective, family, nil
}

// reuseArtifacts rebuilds the artifact set from the local artifact
// directory without touching the build host.
func (p *Pipeline) reuseArtifacts() (model.ArtifactSet, error) {
	dir := p.artifactDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: artifact dir %s unreadable", flash.ErrArtifactMissing, dir)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	c := artifact.Classify(files, p.sketchBase())
	return c.Set, nil
}

// flashSet dispatches to the family's flashing mechanism.
func (p *Pipeline) flashSet(ctx context.Context, set model.ArtifactSet, family model.ChipFamily, fqbn, port, inputDir string) (int, error) {
	if family == model.FamilyAvr {
		// the toolchain owns the AVR wire protocol; partition options never
		// apply to the upload FQBN
		if err := p.engine.UploadAVR(ctx, fqbn, port, inputDir, p.projectDir); err != nil {
			return 1, err
		}
		return 1, nil
	}
	plan, err := flash.BuildPlan(set, family)
	if err != nil {
		return 0, err
	}
	return p.engine.Flash(ctx, plan, port)
}

// SaveRelease snapshots the current artifact directory under a name.
func (p *Pipeline) SaveRelease(ctx context.Context, name string) error {
	fqbn := p.detectSavedFQBN()
	family := board.Resolve(fqbn)

	dir := p.artifactDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: no artifact dir %s, compile first", ErrConfiguration, dir)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	c := artifact.Classify(files, p.sketchBase())
	if err := p.releases.Save(name, c.Set, fqbn, family); err != nil {
		return err
	}
	p.log.Info("release saved", "name", name, "fqbn", fqbn, "family", family)
	return nil
}

// detectSavedFQBN recovers the FQBN of the artifacts being saved: first
// from the compile log of the last build, then by artifact-shape heuristic.
func (p *Pipeline) detectSavedFQBN() string {
	if fqbn := ExtractFQBN(readFileString(filepath.Join(p.projectDir, p.cfg.CompileLog))); fqbn != "" {
		return fqbn
	}
	entries, err := os.ReadDir(p.artifactDir())
	if err == nil {
		for _, e := range entries {
			if strings.HasSuffix(strings.ToLower(e.Name()), ".hex") {
				return "arduino:avr:micro"
			}
		}
	}
	return p.cfg.DefaultFQBN
}

// FlashRelease replays a saved release without rebuilding.
func (p *Pipeline) FlashRelease(ctx context.Context, name, portOverride string) (Result, error) {
	res := Result{}
	set, family, source, err := p.releases.Load(name)
	if err != nil {
		return res, err
	}
	res.Family = family
	if source == release.MetaSourceHeuristic {
		p.log.Warn("release has no metadata record, family guessed from artifacts", "name", name, "family", family)
	}

	port := portOverride
	if port == "" {
		port, err = serialport.Detect(p.ports)
		if err != nil {
			p.log.Warn("port enumeration failed", "err", err)
		}
	}
	if port == "" {
		return res, ErrNoPort
	}
	res.Port = port

	fqbn := p.cfg.DefaultFQBN
	if family == model.FamilyAvr {
		fqbn = "arduino:avr:micro"
	}
	if meta, merr := p.releases.ReadMeta(name); merr == nil && meta.FQBN != "" {
		fqbn = meta.FQBN
	}
	res.FQBN = fqbn

	attempts, err := p.flashSet(ctx, set, family, fqbn, port, p.releases.Dir(name))
	res.FlashAttempts = attempts
	if err != nil {
		return res, err
	}
	p.log.Info("release flashed", "name", name, "port", port)
	return res, nil
}

// History lists recent journal entries.
func (p *Pipeline) History(ctx context.Context, limit int) ([]history.Run, error) {
	if p.hist == nil {
		return nil, nil
	}
	return p.hist.Recent(ctx, limit)
}

// journal writes are best effort: a broken history db never blocks a flash
func (p *Pipeline) beginRun(ctx context.Context, fqbn string, family model.ChipFamily, fp string, rebuilt bool) string {
	if p.hist == nil {
		return ""
	}
	id, err := p.hist.Begin(ctx, fqbn, string(family), fp, rebuilt)
	if err != nil {
		p.log.Warn("could not journal run start", "err", err)
		return ""
	}
	return id
}

func (p *Pipeline) finishRun(ctx context.Context, runID, outcome string, attempts int, port string) {
	if p.hist == nil || runID == "" {
		return
	}
	if err := p.hist.Finish(ctx, runID, outcome, attempts, port); err != nil {
		p.log.Warn("could not journal run finish", "err", err)
	}
}

func readFileString(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}
