package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_KeyValues(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", Output: &buf})
	require.NoError(t, err)

	l.Info("projection halted", "projection", "protocol", "position", 42, "error", errors.New("boom"), "waited", time.Second)

	entries := lines(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "info", e["level"])
	assert.Equal(t, "projection halted", e["message"])
	assert.Equal(t, "protocol", e["projection"])
	assert.Equal(t, 42.0, e["position"])
	assert.Equal(t, "boom", e["error"])
	assert.Contains(t, e, "time")
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "WARN", Output: &buf})
	require.NoError(t, err)

	l.Debug("skipped")
	l.Info("skipped")
	l.Warn("kept")
	l.Error("kept too")
	assert.Len(t, lines(t, &buf), 2)

	_, err = New(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestLogger_WithAndOddArgs(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Output: &buf})
	require.NoError(t, err)

	l.With("component", "outbox").Warn("dangling", "key")

	e := lines(t, &buf)[0]
	assert.Equal(t, "outbox", e["component"])
	assert.Equal(t, "key", e["!BADKEY"])
}
