package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncprobe/internal/flavor"
	"syncprobe/internal/fs"
	"syncprobe/internal/probe"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// isolatedInput returns a LoadInput whose global config lives under a fresh
// directory, so the developer's own config never leaks into tests.
func isolatedInput(t *testing.T) (LoadInput, string) {
	t.Helper()

	dir := t.TempDir()

	return LoadInput{
		WorkDirOverride: dir,
		Env:             map[string]string{"XDG_CONFIG_HOME": filepath.Join(dir, "xdg")},
	}, dir
}

func Test_Load_Returns_Defaults_When_No_Config_Files(t *testing.T) {
	t.Parallel()

	input, dir := isolatedInput(t)

	cfg, err := Load(input)
	require.NoError(t, err)

	want := DefaultConfig()
	want.EffectiveCwd = dir

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, probe.DefaultConfig(), cfg.Probe())
	assert.Empty(t, cfg.Sources.Global)
	assert.Empty(t, cfg.Sources.Project)
}

func Test_Load_Reads_Project_File_With_Comments_When_Present(t *testing.T) {
	t.Parallel()

	input, dir := isolatedInput(t)
	writeFile(t, filepath.Join(dir, ConfigFileName), `{
		// reduced choreography
		"workers": 4,
		"flavor": "chan",
		"probes": ["condvar", "mutex"],
		"stagger": "0s",
		"settle": "25ms",
		"spurious": false,
		"timeout": "1m",
	}`)

	cfg, err := Load(input)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "chan", cfg.Flavor)
	assert.Equal(t, []string{"condvar", "mutex"}, cfg.Probes)
	assert.Zero(t, cfg.Stagger)
	assert.Equal(t, 25*time.Millisecond, cfg.Settle)
	assert.False(t, cfg.Spurious)
	assert.Equal(t, time.Minute, cfg.Timeout)
	assert.Equal(t, probe.DefaultConfig().Backoff, cfg.Backoff, "unset keys keep defaults")
	assert.Equal(t, filepath.Join(dir, ConfigFileName), cfg.Sources.Project)
}

func Test_Load_Project_File_Overrides_Global_File(t *testing.T) {
	t.Parallel()

	input, dir := isolatedInput(t)
	globalPath := filepath.Join(dir, "xdg", "syncprobe", "config.json")
	writeFile(t, globalPath, `{"workers": 8, "flavor": "deadlock"}`)
	writeFile(t, filepath.Join(dir, ConfigFileName), `{"workers": 2}`)

	cfg, err := Load(input)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "deadlock", cfg.Flavor)
	assert.Equal(t, globalPath, cfg.Sources.Global)
}

func Test_Load_Uses_Home_Config_When_XDG_Unset(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "home", ".config", "syncprobe", "config.json"), `{"repeat": 3}`)

	cfg, err := Load(LoadInput{
		WorkDirOverride: dir,
		Env:             map[string]string{"HOME": filepath.Join(dir, "home")},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Repeat)
}

func Test_Load_Explicit_Config_Replaces_Project_File(t *testing.T) {
	t.Parallel()

	input, dir := isolatedInput(t)
	writeFile(t, filepath.Join(dir, ConfigFileName), `{"workers": 2, "repeat": 5}`)
	writeFile(t, filepath.Join(dir, "ci.json"), `{"workers": 32}`)

	input.ConfigPath = "ci.json"

	cfg, err := Load(input)
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Workers)
	assert.Equal(t, 1, cfg.Repeat)
	assert.Equal(t, filepath.Join(dir, "ci.json"), cfg.Sources.Project)
}

func Test_Load_Returns_ErrConfigFileNotFound_When_Explicit_File_Missing(t *testing.T) {
	t.Parallel()

	input, _ := isolatedInput(t)
	input.ConfigPath = "missing.json"

	_, err := Load(input)
	require.ErrorIs(t, err, ErrConfigFileNotFound)
}

func Test_Load_Returns_ErrConfigFileRead_When_Project_File_Cannot_Be_Read(t *testing.T) {
	t.Parallel()

	input, dir := isolatedInput(t)
	writeFile(t, filepath.Join(dir, ConfigFileName), `{"workers": 4}`)

	input.Env = map[string]string{} // no global config path

	chaos := fs.NewChaos(fs.NewReal(), 1, fs.ChaosConfig{ReadFailRate: 1})
	chaos.SetMode(fs.ChaosModeInject)
	input.FS = chaos

	_, err := Load(input)
	require.ErrorIs(t, err, ErrConfigFileRead)
	assert.Contains(t, err.Error(), ConfigFileName)
	assert.True(t, fs.IsInjected(err), "want injected read error, got %v", err)
	assert.Equal(t, int64(1), chaos.Stats().ReadFails)
}

func Test_Load_Reads_Files_Through_Given_FS(t *testing.T) {
	t.Parallel()

	input, dir := isolatedInput(t)
	writeFile(t, filepath.Join(dir, ConfigFileName), `{"workers": 4}`)

	// Passthrough mode: the wrapper forwards every call.
	input.FS = fs.NewChaos(fs.NewReal(), 1, fs.ChaosConfig{ReadFailRate: 1})

	cfg, err := Load(input)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
}

func Test_Load_Returns_Error_When_File_Is_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"broken jsonc", `{"workers": `, ErrConfigInvalid},
		{"wrong type", `{"workers": "many"}`, ErrConfigInvalid},
		{"bad duration", `{"settle": "soon"}`, ErrDurationInvalid},
		{"negative duration", `{"backoff": "-1s"}`, ErrDurationNegative},
		{"negative workers", `{"workers": -1}`, ErrWorkersNegative},
		{"zero repeat", `{"repeat": 0}`, ErrRepeatInvalid},
		{"empty probes", `{"probes": []}`, ErrProbesEmpty},
		{"unknown probe", `{"probes": ["mutex", "barrier"]}`, probe.ErrUnknownProbe},
		{"unknown flavor", `{"flavor": "spin"}`, flavor.ErrUnknownFlavor},
		{"empty flavor", `{"flavor": ""}`, ErrFlavorEmpty},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			input, dir := isolatedInput(t)
			writeFile(t, filepath.Join(dir, ConfigFileName), tt.content)

			_, err := Load(input)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func Test_Resolve_Makes_LockDir_Absolute_When_Relative(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.EffectiveCwd = "/work"
	cfg.LockDir = "locks"

	resolved, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/work", "locks"), resolved.LockDirAbs)
	assert.Equal(t, filepath.Join("/work", "locks"), resolved.FlavorOptions().LockDir)

	cfg.LockDir = "/tmp/abs"

	resolved, err = cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/abs", resolved.LockDirAbs)
}
