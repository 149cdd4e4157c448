package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the optional per-project configuration overlay.
const FileName = "arcompile.yaml"

type Config struct {
	RemoteHost     string
	RemoteDir      string
	RemoteCLI      string
	DefaultFQBN    string
	Baud           int
	MaxImageSize   int
	ArtifactDir    string
	ReleaseDir     string
	CompileLog     string
	ErrorLog       string
	EsptoolPath    string
	ArduinoCLIPath string
	HistoryPath    string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	CompileTimeout time.Duration
	FlashTimeout   time.Duration
	RetryBackoff   []time.Duration
	FlashPause     time.Duration
}

func DefaultConfig() Config {
	return Config{
		RemoteHost:     "minecraft_server",
		RemoteDir:      "/home/ubuntu/compilacion_esp32",
		RemoteCLI:      "/usr/local/bin/arduino-cli",
		DefaultFQBN:    "esp32:esp32:esp32",
		Baud:           921600,
		MaxImageSize:   1310720,
		ArtifactDir:    "artifacts",
		ReleaseDir:     "releases",
		CompileLog:     "compile.log",
		ErrorLog:       "error.log",
		EsptoolPath:    "esptool.py",
		ArduinoCLIPath: "arduino-cli",
		HistoryPath:    defaultHistoryPath(),
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 60 * time.Second,
		CompileTimeout: 10 * time.Minute,
		FlashTimeout:   5 * time.Minute,
		RetryBackoff:   []time.Duration{500 * time.Millisecond, 2 * time.Second},
		FlashPause:     1500 * time.Millisecond,
	}
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "arcompile.db"
	}
	return filepath.Join(home, ".local", "state", "arcompile", "history.db")
}

// fileConfig mirrors the yaml overlay; zero values leave defaults untouched.
type fileConfig struct {
	Remote         string `yaml:"remote"`
	RemoteDir      string `yaml:"remote_dir"`
	RemoteCLI      string `yaml:"remote_cli"`
	FQBN           string `yaml:"fqbn"`
	Baud           int    `yaml:"baud"`
	MaxImageSize   int    `yaml:"max_image_size"`
	ArtifactDir    string `yaml:"artifact_dir"`
	ReleaseDir     string `yaml:"release_dir"`
	Esptool        string `yaml:"esptool"`
	ArduinoCLI     string `yaml:"arduino_cli"`
	HistoryPath    string `yaml:"history_path"`
	CommandTimeout string `yaml:"command_timeout"`
	CompileTimeout string `yaml:"compile_timeout"`
}

// Load returns the defaults overlaid with the project's arcompile.yaml when
// one exists. A missing file is not an error; a malformed one is.
func Load(projectDir string) (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(projectDir, FileName)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if fc.Remote != "" {
		cfg.RemoteHost = fc.Remote
	}
	if fc.RemoteDir != "" {
		cfg.RemoteDir = fc.RemoteDir
	}
	if fc.RemoteCLI != "" {
		cfg.RemoteCLI = fc.RemoteCLI
	}
	if fc.FQBN != "" {
		cfg.DefaultFQBN = fc.FQBN
	}
	if fc.Baud > 0 {
		cfg.Baud = fc.Baud
	}
	if fc.MaxImageSize > 0 {
		cfg.MaxImageSize = fc.MaxImageSize
	}
	if fc.ArtifactDir != "" {
		cfg.ArtifactDir = fc.ArtifactDir
	}
	if fc.ReleaseDir != "" {
		cfg.ReleaseDir = fc.ReleaseDir
	}
	if fc.Esptool != "" {
		cfg.EsptoolPath = fc.Esptool
	}
	if fc.ArduinoCLI != "" {
		cfg.ArduinoCLIPath = fc.ArduinoCLI
	}
	if fc.HistoryPath != "" {
		cfg.HistoryPath = fc.HistoryPath
	}
	if fc.CommandTimeout != "" {
		d, err := time.ParseDuration(fc.CommandTimeout)
		if err != nil {
			return cfg, fmt.Errorf("parse command_timeout: %w", err)
		}
		cfg.CommandTimeout = d
	}
	if fc.CompileTimeout != "" {
		d, err := time.ParseDuration(fc.CompileTimeout)
		if err != nil {
			return cfg, fmt.Errorf("parse compile_timeout: %w", err)
		}
		cfg.CompileTimeout = d
	}
	return cfg, nil
}
