package logging

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]log.Level{
		"debug":   log.DebugLevel,
		"INFO":    log.InfoLevel,
		"warning": log.WarnLevel,
		" error ": log.ErrorLevel,
		"bogus":   log.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewRespectsLevelAndEnv(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", Output: &buf, Prefix: "orchestrator"})
	logger.Info("hidden")
	logger.Warn("shown", "project", "shop-api")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "project=shop-api")

	t.Setenv(EnvLevel, "debug")
	buf.Reset()
	logger = New(Options{Level: "error", Output: &buf})
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestJSONAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "info", Output: &buf, JSON: true})
	Component(logger, "gateway").Info("invoked", "step", "generate")
	assert.Contains(t, buf.String(), `"prefix":"gateway"`)
	assert.Contains(t, buf.String(), `"step":"generate"`)

	Discard().Error("dropped")
}
