package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "outpost.log")

	l, err := New(Config{
		Level: "debug",
		File:  logFile,
	})
	require.NoError(t, err)
	defer l.Close()

	l.Info().Str("component", "test").Msg("hello")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "outpost.log")

	l, err := New(Config{Level: "whatever", File: logFile})
	require.NoError(t, err)
	defer l.Close()

	l.Debug().Msg("invisible")
	l.Info().Msg("visible")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "invisible")
	assert.Contains(t, string(data), "visible")
}

func TestNew_RedactsSecrets(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "outpost.log")

	l, err := New(Config{Level: "info", File: logFile, Redaction: true})
	require.NoError(t, err)
	defer l.Close()

	l.AddSecret("super-shared-secret")
	l.Info().Msg("key is super-shared-secret and sk-abcdefghijklmnopqrstuvwx")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-shared-secret")
	assert.NotContains(t, string(data), "sk-abcdefghijklmnopqrstuvwx")
	assert.True(t, strings.Contains(string(data), "[REDACTED]"))
}

func TestRedactor_Patterns(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		name  string
		input string
	}{
		{"api key", "using sk-abcdefghijklmnopqrstuvwxyz123"},
		{"bearer", "Authorization: Bearer abc.def.ghi"},
		{"password", `password: "hunter22"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, r.Redact(tt.input), "[REDACTED]")
		})
	}
}

func TestRedactor_ShortSecretIgnored(t *testing.T) {
	r := NewRedactor()
	r.AddSecret("ab")
	assert.Equal(t, "abc", r.Redact("abc"))
}
