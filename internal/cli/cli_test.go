package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("ACTO", "test-key")

	dir := t.TempDir()
	cfg := map[string]interface{}{
		"agent_name": "unit-agent",
		"work_dir":   filepath.Join(dir, "agent"),
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(dir, "outpost.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer func() {
		cfgFile = ""
		logLevel = ""
		rootCmd.SetArgs(nil)
	}()

	err := rootCmd.Execute()
	return out.String(), err
}

func TestRootRegistersSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["start"])
	assert.True(t, names["status"])
	assert.True(t, names["stop"])
}

func TestVersionOutput(t *testing.T) {
	out, err := runCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "outpost version "+version)
}

func TestStatusWhenStopped(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCommand(t, "status", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: stopped")
}

func TestStopWhenNotRunning(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := runCommand(t, "stop", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestStartRefusesWhenAlreadyRunning(t *testing.T) {
	cfgPath := writeTestConfig(t)

	// Plant a PID file naming this test process so the listener looks live
	var loaded map[string]interface{}
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &loaded))
	workDir := loaded["work_dir"].(string)
	require.NoError(t, os.MkdirAll(workDir, 0755))
	pidFile := filepath.Join(workDir, "outpost.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))

	_, err = runCommand(t, "start", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestStartFailsWithoutAPIKey(t *testing.T) {
	cfgPath := writeTestConfig(t)
	t.Setenv("ACTO", "")

	_, err := runCommand(t, "start", "--config", cfgPath)
	require.Error(t, err)
}
