package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"kvmrelay/internal/protocol"
)

func TestEventRedactsKeyCode(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)

	key := protocol.KeyEvent{Code: 4242, Pressed: true}
	log.Debug("quiet", Event(key, false))
	log.Debug("verbose", Event(key, true))
	log.Debug("move", Event(protocol.PointerMove{X: 1, Y: 2}, false))

	entries := logs.AllUntimed()
	assert.Len(t, entries, 3)

	quiet := entries[0].ContextMap()["event"].(map[string]interface{})
	assert.NotContains(t, quiet, "code")
	assert.Equal(t, true, quiet["pressed"])

	verbose := entries[1].ContextMap()["event"].(map[string]interface{})
	assert.EqualValues(t, 4242, verbose["code"])

	move := entries[2].ContextMap()["event"].(map[string]interface{})
	assert.EqualValues(t, 1, move["x"])
	assert.Equal(t, "pointer_move", move["kind"])
}

func TestNewWithFile(t *testing.T) {
	path := t.TempDir() + "/relay.log"
	log := New(Options{Verbose: true, File: path})
	assert.True(t, log.Core().Enabled(zap.DebugLevel))
	log.Info("hello")
	_ = log.Sync()

	quiet := New(Options{})
	assert.False(t, quiet.Core().Enabled(zap.DebugLevel))
}
