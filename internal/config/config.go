// Package config resolves the harness settings from defaults, config files
// and command line overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/tailscale/hujson"

	"syncprobe/internal/flavor"
	"syncprobe/internal/fs"
	"syncprobe/internal/probe"
)

// Config holds all configuration options.
type Config struct {
	Workers      int
	Flavor       string
	Probes       []string
	Repeat       int
	Stagger      time.Duration
	Backoff      time.Duration
	PollInterval time.Duration
	Settle       time.Duration
	Spurious     bool

	// Timeout bounds a whole run. Zero disables the watchdog.
	Timeout time.Duration

	// LockDir is the parent of the flock flavor's lock directory. Empty
	// means the system temp directory.
	LockDir string

	// Resolved (not from files)
	EffectiveCwd string
	LockDirAbs   string

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// DefaultConfig returns the default configuration: the reference
// choreography on the std flavor, every probe once.
func DefaultConfig() Config {
	pc := probe.DefaultConfig()

	return Config{
		Workers:      pc.Workers,
		Flavor:       "std",
		Probes:       probe.Names(),
		Repeat:       1,
		Stagger:      pc.Stagger,
		Backoff:      pc.Backoff,
		PollInterval: pc.PollInterval,
		Settle:       pc.Settle,
		Spurious:     pc.Spurious,
	}
}

// Probe returns the choreography parameters.
func (c Config) Probe() probe.Config {
	return probe.Config{
		Workers:      c.Workers,
		Stagger:      c.Stagger,
		Backoff:      c.Backoff,
		PollInterval: c.PollInterval,
		Settle:       c.Settle,
		Spurious:     c.Spurious,
	}
}

// FlavorOptions returns the options for [flavor.Open].
func (c Config) FlavorOptions() flavor.Options {
	return flavor.Options{LockDir: c.LockDirAbs}
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".syncprobe.json"

// fileConfig is the on-disk shape. Pointers distinguish "not set" from zero
// values, which matter here: a zero stagger or spurious=false are valid.
type fileConfig struct {
	Workers      *int      `json:"workers,omitempty"`
	Flavor       *string   `json:"flavor,omitempty"`
	Probes       *[]string `json:"probes,omitempty"`
	Repeat       *int      `json:"repeat,omitempty"`
	Stagger      *string   `json:"stagger,omitempty"`
	Backoff      *string   `json:"backoff,omitempty"`
	PollInterval *string   `json:"poll_interval,omitempty"`
	Settle       *string   `json:"settle,omitempty"`
	Spurious     *bool     `json:"spurious,omitempty"`
	Timeout      *string   `json:"timeout,omitempty"`
	LockDir      *string   `json:"lock_dir,omitempty"`
}

// getGlobalConfigPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/syncprobe/config.json if set, otherwise
// ~/.config/syncprobe/config.json. Returns empty string if the home directory
// cannot be determined.
func getGlobalConfigPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "syncprobe", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "syncprobe", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	Env             map[string]string // environment variables
	FS              fs.FS             // config file access; nil means the real filesystem
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/syncprobe/config.json)
// 3. Project config file (.syncprobe.json, if it exists)
// 4. Explicit config file via ConfigPath (replaces 3)
//
// Command flags are applied by the caller, followed by [Config.Resolve].
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	fsys := input.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	cfg := DefaultConfig()
	cfg.EffectiveCwd = workDir

	if globalPath := getGlobalConfigPath(input.Env); globalPath != "" {
		loaded, err := applyConfigFile(fsys, &cfg, globalPath, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = globalPath
		}
	}

	projectPath, mustExist := filepath.Join(workDir, ConfigFileName), false

	if input.ConfigPath != "" {
		projectPath, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}

		if _, statErr := fsys.Stat(projectPath); statErr != nil {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, input.ConfigPath)
		}
	}

	loaded, err := applyConfigFile(fsys, &cfg, projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = projectPath
	}

	return cfg.Resolve()
}

// Resolve validates cfg and computes the resolved paths.
func (c Config) Resolve() (Config, error) {
	if err := validateConfig(c); err != nil {
		return Config{}, err
	}

	c.LockDirAbs = c.LockDir
	if c.LockDir != "" && !filepath.IsAbs(c.LockDir) {
		c.LockDirAbs = filepath.Join(c.EffectiveCwd, c.LockDir)
	}

	return c, nil
}

// applyConfigFile merges the file at path over cfg. If mustExist is false, a
// missing file leaves cfg unchanged and reports loaded=false.
func applyConfigFile(fsys fs.FS, cfg *Config, path string, mustExist bool) (bool, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !mustExist {
			return false, nil
		}

		return false, fmt.Errorf("%w %s: %w", ErrConfigFileRead, path, err)
	}

	fc, err := parseConfig(data)
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	merged, err := mergeConfig(*cfg, fc)
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	*cfg = merged

	return true, nil
}

func parseConfig(data []byte) (fileConfig, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var fc fileConfig

	unmarshalErr := json.Unmarshal(standardized, &fc)
	if unmarshalErr != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", unmarshalErr)
	}

	return fc, nil
}

func mergeConfig(base Config, overlay fileConfig) (Config, error) {
	if overlay.Workers != nil {
		base.Workers = *overlay.Workers
	}

	if overlay.Flavor != nil {
		base.Flavor = *overlay.Flavor
	}

	if overlay.Probes != nil {
		base.Probes = slices.Clone(*overlay.Probes)
	}

	if overlay.Repeat != nil {
		base.Repeat = *overlay.Repeat
	}

	if overlay.Spurious != nil {
		base.Spurious = *overlay.Spurious
	}

	if overlay.LockDir != nil {
		base.LockDir = *overlay.LockDir
	}

	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"stagger", overlay.Stagger, &base.Stagger},
		{"backoff", overlay.Backoff, &base.Backoff},
		{"poll_interval", overlay.PollInterval, &base.PollInterval},
		{"settle", overlay.Settle, &base.Settle},
		{"timeout", overlay.Timeout, &base.Timeout},
	}

	for _, d := range durations {
		if d.src == nil {
			continue
		}

		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %q", ErrDurationInvalid, d.key, *d.src)
		}

		*d.dst = parsed
	}

	return base, nil
}

func validateConfig(cfg Config) error {
	if cfg.Workers < 0 {
		return fmt.Errorf("%w: %d", ErrWorkersNegative, cfg.Workers)
	}

	if cfg.Repeat < 1 {
		return fmt.Errorf("%w: %d", ErrRepeatInvalid, cfg.Repeat)
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"stagger", cfg.Stagger},
		{"backoff", cfg.Backoff},
		{"poll_interval", cfg.PollInterval},
		{"settle", cfg.Settle},
		{"timeout", cfg.Timeout},
	}

	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%w: %s=%s", ErrDurationNegative, d.key, d.d)
		}
	}

	if cfg.Flavor == "" {
		return ErrFlavorEmpty
	}

	if !slices.Contains(flavor.Names(), cfg.Flavor) {
		return fmt.Errorf("%w: %q (known: %v)", flavor.ErrUnknownFlavor, cfg.Flavor, flavor.Names())
	}

	if len(cfg.Probes) == 0 {
		return ErrProbesEmpty
	}

	for _, name := range cfg.Probes {
		if !slices.Contains(probe.Names(), name) {
			return fmt.Errorf("%w: %q (known: %v)", probe.ErrUnknownProbe, name, probe.Names())
		}
	}

	return nil
}
