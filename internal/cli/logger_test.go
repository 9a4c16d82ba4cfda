package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSelectLevel tests level resolution precedence: flags beat the
// configured level, which beats the info default.
func TestSelectLevel(t *testing.T) {
	tests := []struct {
		name     string
		cfgLevel string
		verbose  bool
		quiet    bool
		want     zerolog.Level
	}{
		{name: "default is info", want: zerolog.InfoLevel},
		{name: "verbose wins", cfgLevel: "error", verbose: true, want: zerolog.DebugLevel},
		{name: "quiet wins", cfgLevel: "debug", quiet: true, want: zerolog.ErrorLevel},
		{name: "configured level", cfgLevel: "warn", want: zerolog.WarnLevel},
		{name: "bad configured level falls back", cfgLevel: "loud", want: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, selectLevel(tt.cfgLevel, tt.verbose, tt.quiet))
		})
	}
}

// TestInitLoggerWithWriter verifies JSON output and level filtering on a
// test writer.
func TestInitLoggerWithWriter(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := InitLoggerWithWriter(false, false, buf)

	logger.Debug().Msg("too quiet to land")
	logger.Info().Str("task_id", "abc").Msg("task started")

	out := buf.String()
	assert.NotContains(t, out, "too quiet to land")
	assert.Contains(t, out, `"task_id":"abc"`)
	assert.Contains(t, out, `"message":"task started"`)

	assert.Equal(t, logger.GetLevel(), GetLogger().GetLevel(), "global logger follows")
}

// TestCreateLogFileWriter verifies the rotating file sink creates parent
// directories and redacts credentials before they reach disk.
func TestCreateLogFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tasker.log")

	w, err := createLogFileWriter(path)
	require.NoError(t, err)

	_, err = w.Write([]byte(`{"message":"connecting","dsn":"postgres://tasker:hunter2@db:5432/tasker"}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
	assert.Contains(t, string(raw), "[REDACTED]")
}
