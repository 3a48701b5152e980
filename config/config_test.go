package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestParseOverridesDefaults(t *testing.T) {
	doc := `
serial:
  port: /dev/ttyUSB3
stream:
  buffer_capacity: 64
  status_interval: 500ms
  reset_on_cancel: true
plot:
  page_size: A3
  sort: false
log_level: debug
`
	cfg, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB3", cfg.Serial.Port)
	assert.Equal(t, 115200, cfg.Serial.Baud, "untouched values keep their defaults")
	assert.Equal(t, 64, cfg.Stream.BufferCapacity)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.StatusInterval)
	assert.True(t, cfg.Stream.ResetOnCancel)
	assert.False(t, DefaultConfig().Stream.ResetOnCancel)
	assert.Equal(t, "A3", cfg.Plot.PageSize)
	assert.False(t, cfg.Plot.Sort)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader("stream:\n  buffer_size: 3\n"))
	assert.Error(t, err)
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse(strings.NewReader("stream:\n  buffer_capacity: 0\n"))
	assert.ErrorContains(t, err, "buffer_capacity")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grblplot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plot:\n  feed_rate: 1500\n"), 0644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1500, cfg.Plot.FeedRate)
}
