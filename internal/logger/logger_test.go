package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tutor.log")
	log := New(path, true)
	Component(log, "pipeline").Info("run finished", zap.Int("equations", 3))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "run finished", entry["message"])
	assert.Equal(t, "pipeline", entry["module"])
	assert.EqualValues(t, 3, entry["equations"])
}

func TestComponentToleratesNilBase(t *testing.T) {
	assert.NotPanics(t, func() {
		Component(nil, "raster").Warn("ignored")
	})
}
