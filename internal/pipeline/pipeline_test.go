package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jaestefaniah27/arcompile/internal/buildcache"
	"github.com/jaestefaniah27/arcompile/internal/config"
	"github.com/jaestefaniah27/arcompile/internal/history"
	"github.com/jaestefaniah27/arcompile/internal/model"
	"github.com/jaestefaniah27/arcompile/internal/release"
	"github.com/jaestefaniah27/arcompile/internal/serialport"
)

type call struct {
	name string
	args []string
}

func (c call) joined() string { return c.name + " " + strings.Join(c.args, " ") }

// scriptRunner simulates the ssh/scp side: compiles succeed with the given
// output and artifact downloads materialize files on disk.
type scriptRunner struct {
	t              *testing.T
	calls          []call
	compileOutput  string
	compileOutput2 string
	artifactNames  []string
}

func (s *scriptRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	c := call{name: name, args: append([]string(nil), args...)}
	s.calls = append(s.calls, c)
	joined := c.joined()
	switch {
	case strings.Contains(joined, " compile "):
		out := s.compileOutput
		if s.compileOutput2 != "" && s.compileCount() > 1 {
			out = s.compileOutput2
		}
		return []byte(out), nil
	case strings.Contains(joined, " ls "):
		return []byte("esp32.esp32.esp32\n"), nil
	case name == "scp" && len(args) > 0 && strings.Contains(args[len(args)-2], ":"):
		// download: create the artifact files in the local destination
		dst := args[len(args)-1]
		for _, n := range s.artifactNames {
			if err := os.WriteFile(filepath.Join(dst, n), []byte("bin"), 0o644); err != nil {
				s.t.Fatal(err)
			}
		}
		return []byte(""), nil
	default:
		return []byte(""), nil
	}
}

func (s *scriptRunner) compileCount() int {
	n := 0
	for _, c := range s.calls {
		if strings.Contains(c.joined(), " compile ") {
			n++
		}
	}
	return n
}

type flashCall struct {
	name string
	args []string
}

type fakeFlasher struct {
	calls []flashCall
	errs  []error
}

func (f *fakeFlasher) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, flashCall{name: name, args: append([]string(nil), args...)})
	if len(f.errs) == 0 {
		return []byte("ok"), nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return []byte("fail"), err
}

type fakePorts struct{ ports []serialport.Port }

func (f fakePorts) List() ([]serialport.Port, error) { return f.ports, nil }

func usbPort() fakePorts {
	return fakePorts{ports: []serialport.Port{{Name: "/dev/ttyUSB0", Description: "CP2102 USB to UART Bridge", IsUSB: true}}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newProject(t *testing.T) (string, config.Config) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, filepath.Base(dir)+".ino"), []byte("void setup(){}\nvoid loop(){}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.RemoteHost = "buildbox"
	cfg.RetryBackoff = nil
	cfg.FlashPause = 0
	cfg.CompileLog = "compile.log"
	cfg.ErrorLog = ""
	return dir, cfg
}

func espArtifacts(base string) []string {
	return []string{
		base + ".ino.bootloader.bin",
		base + ".ino.partitions.bin",
		base + ".ino.bin",
		"boot_app0.bin",
		base + ".ino.with_bootloader.bin",
	}
}

const okCompileOutput = "Sketch uses 500000 bytes (38%) of program storage space. Maximum is 1310720 bytes.\n"

func TestBuildAndFlashFreshBuild(t *testing.T) {
	dir, cfg := newProject(t)
	base := filepath.Base(dir)
	rr := &scriptRunner{t: t, compileOutput: okCompileOutput, artifactNames: espArtifacts(base)}
	ff := &fakeFlasher{}

	hist, err := history.Open(context.Background(), filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer hist.Close()

	p := New(cfg, dir, testLogger(), Deps{RemoteRunner: rr, FlashRunner: ff, Ports: usbPort(), History: hist})
	res, err := p.BuildAndFlash(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Rebuilt {
		t.Fatal("expected a fresh build")
	}
	if res.Family != model.FamilyEsp32Classic {
		t.Fatalf("family = %s", res.Family)
	}
	if res.FlashAttempts != 1 {
		t.Fatalf("attempts = %d", res.FlashAttempts)
	}

	// marker and compile log persisted
	if buildcache.ReadMarker(filepath.Join(dir, buildcache.MarkerName)) == "" {
		t.Fatal("build marker not written")
	}
	if !strings.Contains(readFileString(filepath.Join(dir, "compile.log")), "Sketch uses") {
		t.Fatal("compile log not written")
	}

	// flash plan excludes the merged image and orders by offset
	joined := strings.Join(ff.calls[0].args, " ")
	if strings.Contains(joined, "with_bootloader") {
		t.Fatalf("merged image reached the flash plan: %s", joined)
	}
	if !strings.Contains(joined, "0x1000") || !strings.Contains(joined, "0x10000") {
		t.Fatalf("unexpected plan offsets: %s", joined)
	}

	// journal records the run
	runs, err := hist.Recent(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Outcome != history.OutcomeSuccess || !runs[0].Rebuilt {
		t.Fatalf("unexpected journal: %+v", runs)
	}
}

func TestBuildAndFlashNoPortPreservesWork(t *testing.T) {
	dir, cfg := newProject(t)
	base := filepath.Base(dir)
	rr := &scriptRunner{t: t, compileOutput: okCompileOutput, artifactNames: espArtifacts(base)}
	ff := &fakeFlasher{}

	p := New(cfg, dir, testLogger(), Deps{RemoteRunner: rr, FlashRunner: ff, Ports: fakePorts{}})
	_, err := p.BuildAndFlash(context.Background(), Options{})
	if !errors.Is(err, ErrNoPort) {
		t.Fatalf("expected ErrNoPort, got %v", err)
	}
	if len(ff.calls) != 0 {
		t.Fatal("flash attempted without a port")
	}
	// completed stages stay on disk for the retry
	if buildcache.ReadMarker(filepath.Join(dir, buildcache.MarkerName)) == "" {
		t.Fatal("build marker lost")
	}
	if _, err := os.Stat(filepath.Join(dir, cfg.ArtifactDir, base+".ino.bin")); err != nil {
		t.Fatal("downloaded artifacts lost")
	}
}

func TestBuildAndFlashReusesFreshArtifacts(t *testing.T) {
	dir, cfg := newProject(t)
	base := filepath.Base(dir)

	// artifacts already on disk and marker matches the current sources
	adir := filepath.Join(dir, cfg.ArtifactDir)
	if err := os.MkdirAll(adir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, n := range espArtifacts(base)[:4] {
		if err := os.WriteFile(filepath.Join(adir, n), []byte("bin"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	fp, err := buildcache.Fingerprint(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := buildcache.WriteMarker(filepath.Join(dir, buildcache.MarkerName), fp); err != nil {
		t.Fatal(err)
	}

	rr := &scriptRunner{t: t}
	ff := &fakeFlasher{}
	p := New(cfg, dir, testLogger(), Deps{RemoteRunner: rr, FlashRunner: ff, Ports: usbPort()})
	res, err := p.BuildAndFlash(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rebuilt {
		t.Fatal("expected artifact reuse, got a rebuild")
	}
	if len(rr.calls) != 0 {
		t.Fatalf("remote toolchain touched on the reuse path: %+v", rr.calls)
	}
	if len(ff.calls) != 1 {
		t.Fatalf("expected one flash invocation, got %d", len(ff.calls))
	}
}

func TestBuildAndFlashSizeEscalation(t *testing.T) {
	dir, cfg := newProject(t)
	base := filepath.Base(dir)
	rr := &scriptRunner{
		t:              t,
		compileOutput:  "Sketch uses 1400000 bytes (106%) of program storage space. Maximum is 1310720 bytes.\n",
		compileOutput2: okCompileOutput,
		artifactNames:  espArtifacts(base),
	}
	p := New(cfg, dir, testLogger(), Deps{RemoteRunner: rr, FlashRunner: &fakeFlasher{}, Ports: usbPort()})
	if _, err := p.BuildAndFlash(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	if got := rr.compileCount(); got != 2 {
		t.Fatalf("expected exactly 2 compiles (escalation), got %d", got)
	}
	var second string
	n := 0
	for _, c := range rr.calls {
		if strings.Contains(c.joined(), " compile ") {
			n++
			if n == 2 {
				second = c.joined()
			}
		}
	}
	if !strings.Contains(second, "PartitionScheme=min_spiffs") {
		t.Fatalf("second compile did not force min_spiffs: %s", second)
	}
}

func TestBuildAndFlashForcedMinSpiffsSkipsEscalation(t *testing.T) {
	dir, cfg := newProject(t)
	base := filepath.Base(dir)
	rr := &scriptRunner{
		t:             t,
		compileOutput: "Sketch uses 1400000 bytes (106%) of program storage space. Maximum is 1310720 bytes.\n",
		artifactNames: espArtifacts(base),
	}
	p := New(cfg, dir, testLogger(), Deps{RemoteRunner: rr, FlashRunner: &fakeFlasher{}, Ports: usbPort()})
	if _, err := p.BuildAndFlash(context.Background(), Options{MinSpiffs: true}); err != nil {
		t.Fatal(err)
	}
	// already forced: oversize output must not trigger a second compile
	if got := rr.compileCount(); got != 1 {
		t.Fatalf("expected 1 compile, got %d", got)
	}
}

func TestBuildAndFlashMissingSketch(t *testing.T) {
	dir := t.TempDir() // no .ino
	cfg := config.DefaultConfig()
	p := New(cfg, dir, testLogger(), Deps{RemoteRunner: &scriptRunner{t: t}, FlashRunner: &fakeFlasher{}, Ports: usbPort()})
	_, err := p.BuildAndFlash(context.Background(), Options{})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestAvrReuseUploadsViaToolchain(t *testing.T) {
	dir, cfg := newProject(t)
	base := filepath.Base(dir)
	adir := filepath.Join(dir, cfg.ArtifactDir)
	if err := os.MkdirAll(adir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(adir, base+".ino.hex"), []byte(":00000001FF"), 0o644); err != nil {
		t.Fatal(err)
	}
	fp, err := buildcache.Fingerprint(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := buildcache.WriteMarker(filepath.Join(dir, buildcache.MarkerName), fp); err != nil {
		t.Fatal(err)
	}

	ff := &fakeFlasher{}
	p := New(cfg, dir, testLogger(), Deps{RemoteRunner: &scriptRunner{t: t}, FlashRunner: ff, Ports: usbPort()})
	res, err := p.BuildAndFlash(context.Background(), Options{FQBN: "arduino:avr:micro"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Family != model.FamilyAvr {
		t.Fatalf("family = %s", res.Family)
	}
	if len(ff.calls) != 1 || ff.calls[0].name != cfg.ArduinoCLIPath {
		t.Fatalf("expected one arduino-cli upload, got %+v", ff.calls)
	}
	joined := strings.Join(ff.calls[0].args, " ")
	if !strings.Contains(joined, "upload --fqbn arduino:avr:micro") || !strings.Contains(joined, "--input-dir") {
		t.Fatalf("unexpected upload args: %s", joined)
	}
}

func TestSaveAndFlashRelease(t *testing.T) {
	dir, cfg := newProject(t)
	base := filepath.Base(dir)
	adir := filepath.Join(dir, cfg.ArtifactDir)
	if err := os.MkdirAll(adir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, n := range espArtifacts(base)[:4] {
		if err := os.WriteFile(filepath.Join(adir, n), []byte("bin"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, cfg.CompileLog), []byte("arduino-cli compile --fqbn esp32:esp32:esp32s3 /proj"), 0o644); err != nil {
		t.Fatal(err)
	}

	ff := &fakeFlasher{}
	p := New(cfg, dir, testLogger(), Deps{RemoteRunner: &scriptRunner{t: t}, FlashRunner: ff, Ports: usbPort()})

	if err := p.SaveRelease(context.Background(), "v1"); err != nil {
		t.Fatal(err)
	}
	if err := p.SaveRelease(context.Background(), "v1"); !errors.Is(err, release.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	res, err := p.FlashRelease(context.Background(), "v1", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Family != model.FamilyEsp32S3 {
		t.Fatalf("family = %s, want s3 from compile log fqbn", res.Family)
	}
	if res.FQBN != "esp32:esp32:esp32s3" {
		t.Fatalf("fqbn = %q", res.FQBN)
	}
	if len(ff.calls) != 1 {
		t.Fatalf("expected one flash invocation, got %d", len(ff.calls))
	}
	// S3 layout: bootloader at 0x0
	joined := strings.Join(ff.calls[0].args, " ")
	if !strings.Contains(joined, "write_flash -z 0x0 ") {
		t.Fatalf("expected s3 bootloader at 0x0: %s", joined)
	}
}

func TestFlashReleaseUnknown(t *testing.T) {
	dir, cfg := newProject(t)
	p := New(cfg, dir, testLogger(), Deps{RemoteRunner: &scriptRunner{t: t}, FlashRunner: &fakeFlasher{}, Ports: usbPort()})
	_, err := p.FlashRelease(context.Background(), "missing", "")
	if !errors.Is(err, release.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExtractFQBN(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"arduino-cli compile --fqbn esp32:esp32:esp32c3 /proj --export-binaries", "esp32:esp32:esp32c3"},
		{"Using FQBN: arduino:avr:micro", "arduino:avr:micro"},
		{"invoked with fqbn=esp32:esp32:esp32", "esp32:esp32:esp32"},
		{"no identifier here", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ExtractFQBN(tc.in); got != tc.want {
			t.Errorf("ExtractFQBN(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
