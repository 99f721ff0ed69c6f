package util

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLog_InvalidLevel(t *testing.T) {
	assert.Error(t, InitLog("loud", LogConsole))
}

func TestInitLog_File(t *testing.T) {
	defer func() {
		_ = InitLog("info", LogConsole)
	}()

	logPath := filepath.Join(t.TempDir(), "relay.log")
	require.NoError(t, InitLog("debug", logPath))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	log.Infof("session admitted")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "INFO")
	assert.Contains(t, string(data), "session admitted")
}
