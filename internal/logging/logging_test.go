package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParsesLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New("WARN", &buf)
	log.Info().Msg("hidden")
	log.Warn().Str("reason", "spread").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "spread", entry["reason"])
	assert.Contains(t, entry, "time")
}

func TestNewFallsBackToInfo(t *testing.T) {
	for _, lvl := range []string{"", "verbose"} {
		var buf bytes.Buffer
		log := New(lvl, &buf)
		log.Debug().Msg("hidden")
		log.Info().Msg("shown")
		assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")), lvl)
	}
}
