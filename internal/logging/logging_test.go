package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNew_AutoIsJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, slog.LevelInfo, "auto")
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("poller: started", "points", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "poller: started", line["msg"])
	assert.Equal(t, float64(3), line["points"])
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, slog.LevelDebug, "text")
	require.NoError(t, err)
	logger.Debug("restore: writing", "control_point", "PV:A")
	assert.Contains(t, buf.String(), "control_point=PV:A")

	_, err = New(&buf, slog.LevelInfo, "xml")
	assert.Error(t, err)
}
