package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "STATIC_DIR", "CLI_COMMAND", "CLI_GREETING"} {
		t.Setenv(k, "")
	}
}

func TestDuration_YAML(t *testing.T) {
	var cfg struct {
		Wait Duration `yaml:"wait"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("wait: 750ms\n"), &cfg))
	assert.Equal(t, 750*time.Millisecond, cfg.Wait.Std())

	require.Error(t, yaml.Unmarshal([]byte("wait: banana\n"), &cfg))

	out, err := yaml.Marshal(Duration(15 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, "15s\n", string(out))
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8430, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.CLI.ConnectTimeout.Std())
	assert.Equal(t, `[#$>]\s*$`, cfg.Completion.PromptPattern)
	assert.Equal(t, 200, cfg.Logs.DefaultLines)
	assert.Equal(t, 10, cfg.Logs.GlobThreshold)
}

func TestLoad_RequiresCommand(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cli.command")
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "shellmux.yaml")
	body := `
server:
  port: 9000
cli:
  command: ssh
  args: ["-tt", "gateway"]
  greeting: "Last login"
  connect_timeout: 3s
completion:
  early_patterns: ["^tail\\b"]
  early_grace: 300ms
logs:
  default_lines: 100
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "ssh", cfg.CLI.Command)
	assert.Equal(t, []string{"-tt", "gateway"}, cfg.CLI.Args)
	assert.Equal(t, 3*time.Second, cfg.CLI.ConnectTimeout.Std())
	assert.Equal(t, 300*time.Millisecond, cfg.Completion.EarlyGrace.Std())
	assert.Equal(t, 100, cfg.Logs.DefaultLines)
	// Untouched keys keep their defaults.
	assert.Equal(t, 10, cfg.Logs.GlobThreshold)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7777")
	t.Setenv("CLI_COMMAND", "mosh")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "mosh", cfg.CLI.Command)
}

func TestValidate_BadPromptPattern(t *testing.T) {
	cfg := Default()
	cfg.CLI.Command = "ssh"
	cfg.Completion.PromptPattern = "["
	require.Error(t, cfg.Validate())
}

func TestValidate_BadGlobThreshold(t *testing.T) {
	cfg := Default()
	cfg.CLI.Command = "ssh"
	cfg.Logs.GlobThreshold = 0
	require.Error(t, cfg.Validate())
}

func TestWatchFile_ReloadsOnChange(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "shellmux.yaml")
	write := func(hard string) {
		body := "cli:\n  command: ssh\n  greeting: ok\ncompletion:\n  hard_timeout: " + hard + "\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("15s")

	reloaded := make(chan *Config, 4)
	r, err := WatchFile(path, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer r.Close()

	write("3s")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 3*time.Second, cfg.Completion.HardTimeout.Std())
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestWatchFile_SkipsInvalidConfig(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "shellmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cli:\n  command: ssh\n  greeting: ok\n"), 0o644))

	reloaded := make(chan *Config, 4)
	r, err := WatchFile(path, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer r.Close()

	// Broken YAML must not reach the callback.
	require.NoError(t, os.WriteFile(path, []byte(":::"), 0o644))

	select {
	case cfg := <-reloaded:
		t.Fatalf("unexpected reload with config %+v", cfg)
	case <-time.After(time.Second):
	}
}
