package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"", INFO, false},
		{"warning", WARN, false},
		{"Error", ERROR, false},
		{"verbose", INFO, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, WARN)

	l.Debug("hidden %d", 1)
	l.Info("hidden %d", 2)
	l.Warn("battery low on %s", "watch-a")
	l.Error("publish failed: %v", "timeout")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "battery low on watch-a", entry["message"])
	assert.Contains(t, entry, "caller")

	l.SetLevel(DEBUG)
	l.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestRotatingFileRotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.log")

	f, err := openRotatingFile(path, 1, 1)
	require.NoError(t, err)
	// force a rotation on every write
	f.maxSize = 8

	for i := 0; i < 3; i++ {
		_, err := f.Write([]byte("0123456789\n"))
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	backups, err := filepath.Glob(filepath.Join(dir, "bridge.*.log"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(backups), 1)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestSetLevelPackageLogger(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewWithWriter(&buf, INFO))

	Debug("not yet")
	require.NoError(t, SetLevel("debug"))
	Debug("cycle %d done", 7)

	assert.NotContains(t, buf.String(), "not yet")
	assert.Contains(t, buf.String(), "cycle 7 done")
	assert.Error(t, SetLevel("loud"))
}
