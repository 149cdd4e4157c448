package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jaestefaniah27/arcompile/internal/config"
)

// ErrCompile marks a remote compilation failure after the bounded retry.
var ErrCompile = errors.New("compile failed")

// LibraryManifest lists the Arduino libraries installed on the build host
// when a compile failure looks like a missing dependency.
const LibraryManifest = "libraries.txt"

// secondsPerLine feeds the rough compile-time estimate logged before a build.
const secondsPerLine = 0.02

// Driver invokes the remote arduino-cli toolchain.
type Driver struct {
	exec *Executor
	cfg  config.Config
	log  *slog.Logger
}

func NewDriver(exec *Executor, cfg config.Config, log *slog.Logger) *Driver {
	return &Driver{exec: exec, cfg: cfg, log: log}
}

// UploadProject replaces the remote project directory with the local
// sources. Must complete before a compile is triggered.
func (d *Driver) UploadProject(ctx context.Context, projectDir, remoteProj string) error {
	if _, err := d.exec.Remote(ctx, "rm", "-rf", remoteProj); err != nil {
		return fmt.Errorf("clear remote project: %w", err)
	}
	if _, err := d.exec.Remote(ctx, "mkdir", "-p", remoteProj); err != nil {
		return fmt.Errorf("create remote project: %w", err)
	}
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return fmt.Errorf("read project dir: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, filepath.Join(projectDir, e.Name()))
	}
	if len(paths) == 0 {
		return fmt.Errorf("project dir %s is empty", projectDir)
	}
	if err := d.exec.CopyTo(ctx, paths, remoteProj); err != nil {
		return fmt.Errorf("upload project: %w", err)
	}
	return nil
}

// ReadLibraries loads the optional libraries.txt manifest.
func ReadLibraries(projectDir string) []string {
	b, err := os.ReadFile(filepath.Join(projectDir, LibraryManifest))
	if err != nil {
		return nil
	}
	var libs []string
	sc := bufio.NewScanner(strings.NewReader(string(b)))
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			libs = append(libs, l)
		}
	}
	return libs
}

// InstallLibraries installs each manifest entry on the build host.
func (d *Driver) InstallLibraries(ctx context.Context, libs []string) error {
	for _, lib := range libs {
		d.log.Info("installing library on build host", "library", lib)
		if _, err := d.exec.Remote(ctx, d.cfg.RemoteCLI, "lib", "install", lib, "--no-overwrite"); err != nil {
			return fmt.Errorf("install library %s: %w", lib, err)
		}
	}
	return nil
}

// Compile triggers a remote build and returns the effective FQBN and the
// combined toolchain output. Two attempts at most: when the first failure
// looks like a missing library, the manifest is installed and the compile
// retried exactly once. Any other failure, or a second failure, is fatal —
// unbounded retries on a remote toolchain would mask real compile errors.
func (d *Driver) Compile(ctx context.Context, remoteProj, fqbn, partition string, libs []string) (string, string, error) {
	if partition != "" && strings.HasPrefix(fqbn, "esp32:") {
		d.log.Info("forcing partition scheme", "scheme", partition)
		fqbn = fqbn + ":PartitionScheme=" + partition
	}
	cmd := []string{d.cfg.RemoteCLI, "compile", "--fqbn", fqbn, remoteProj, "--export-binaries"}

	var out string
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		out, err = d.exec.RemoteLong(ctx, d.cfg.CompileTimeout, cmd...)
		if err == nil {
			d.log.Info("compilation succeeded", "fqbn", fqbn)
			return fqbn, out, nil
		}
		if attempt == 1 && looksLikeMissingLibrary(out) {
			d.log.Warn("compile failed, missing libraries suspected, installing and retrying")
			if ierr := d.InstallLibraries(ctx, libs); ierr != nil {
				return fqbn, out, fmt.Errorf("%w: %v", ErrCompile, ierr)
			}
			continue
		}
		break
	}
	d.writeErrorLog(out)
	return fqbn, out, fmt.Errorf("%w: %v", ErrCompile, err)
}

func (d *Driver) writeErrorLog(out string) {
	if d.cfg.ErrorLog == "" {
		return
	}
	if err := os.WriteFile(d.cfg.ErrorLog, []byte(out), 0o644); err != nil {
		d.log.Warn("could not write error log", "path", d.cfg.ErrorLog, "err", err)
	}
}

func looksLikeMissingLibrary(output string) bool {
	return strings.Contains(output, "No such file or directory") ||
		strings.Contains(output, "not found")
}

// ParseImageSize extracts the reported application size from the line that
// carries both the "Sketch uses" and "Maximum is" markers.
func ParseImageSize(output string) (int, bool) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "Sketch uses") || !strings.Contains(line, "Maximum is") {
			continue
		}
		rest := line[strings.Index(line, "Sketch uses")+len("Sketch uses"):]
		idx := strings.Index(rest, "bytes")
		if idx < 0 {
			continue
		}
		raw := strings.ReplaceAll(strings.TrimSpace(rest[:idx]), ",", "")
		n, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}

// ExceedsSize reports whether the compiled image is over the partition
// limit, which triggers the single min_spiffs recompile.
func (d *Driver) ExceedsSize(output string) bool {
	n, ok := ParseImageSize(output)
	if !ok {
		return false
	}
	d.log.Info("image size reported", "bytes", n, "max", d.cfg.MaxImageSize)
	return n > d.cfg.MaxImageSize
}

// DiscoverBuildDir finds the toolchain's export subdirectory under
// <project>/build on the build host.
func (d *Driver) DiscoverBuildDir(ctx context.Context, remoteProj string) (string, error) {
	out, err := d.exec.RemoteQuery(ctx, "ls", remoteProj+"/build")
	if err != nil {
		return "", fmt.Errorf("list remote build dir: %w", err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", fmt.Errorf("no build output under %s/build", remoteProj)
	}
	return remoteProj + "/build/" + fields[0], nil
}

// DownloadArtifacts copies the remote build outputs into localDir and
// returns the resulting local file paths.
func (d *Driver) DownloadArtifacts(ctx context.Context, remoteBuildDir, localDir string) ([]string, error) {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	if err := d.exec.CopyFrom(ctx, remoteBuildDir+"/*.*", localDir); err != nil {
		return nil, fmt.Errorf("download artifacts: %w", err)
	}
	entries, err := os.ReadDir(localDir)
	if err != nil {
		return nil, fmt.Errorf("read artifact dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(localDir, e.Name()))
		}
	}
	return files, nil
}

// EstimateCompile counts project source lines and derives a rough duration
// estimate for the log.
func EstimateCompile(projectDir string) (lines int, seconds float64) {
	for _, ext := range []string{".ino", ".cpp", ".h"} {
		filepath.WalkDir(projectDir, func(path string, de os.DirEntry, err error) error {
			if err != nil || de.IsDir() || filepath.Ext(path) != ext {
				return nil
			}
			b, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			lines += strings.Count(string(b), "\n")
			return nil
		})
	}
	return lines, float64(lines) * secondsPerLine
}
