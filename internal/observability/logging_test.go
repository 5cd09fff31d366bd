package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "info", "json")

	logger.Info("stored readings", "sensor", "sar3", "count", 54)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "stored readings", line["msg"])
	assert.Equal(t, "sar3", line["sensor"])
	assert.Equal(t, float64(54), line["count"])
	assert.Contains(t, line, "ts")
}

func TestNewLoggerPretty(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "debug", "pretty")

	logger.With("sensor", "wiki").Debug("fit model", "epiweek", 202340, "note", "no bias terms")

	out := buf.String()
	assert.Contains(t, out, "DEBUG fit model")
	assert.Contains(t, out, "sensor=wiki")
	assert.Contains(t, out, "epiweek=202340")
	assert.Contains(t, out, `note="no bias terms"`)
}

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "pretty")

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "WARN kept")
}

func TestPrettyHandlerGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "info", "pretty")

	logger.WithGroup("epidata").Info("request", slog.String("endpoint", "fluview"))

	assert.Contains(t, buf.String(), "epidata.endpoint=fluview")
}
