package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/class-swap/backend/internal/config"
	"github.com/class-swap/backend/internal/login"
	"github.com/class-swap/backend/internal/mock"
)

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("term: Fall\nmode: watch\n"), 0o600))

	cfg, err := loadConfig(globalFlags{configPath: path, mode: "swap", logLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, config.ModeSwap, cfg.Mode)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := loadConfig(globalFlags{configPath: missing})
	assert.Error(t, err)

	t.Setenv("XDG_STATE_HOME", t.TempDir())
	cfg, err := loadConfig(globalFlags{configPath: missing, mock: true})
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.StateDir)
}

func TestApplyMockFillsGaps(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = "/state"
	cfg.Credentials.Cookie = "real-cookie"
	applyMock(cfg, "http://127.0.0.1:9")

	assert.Equal(t, "http://127.0.0.1:9", cfg.Endpoints.Howdy)
	assert.Equal(t, "ws://127.0.0.1:9/socket.io/?EIO=3&transport=websocket", cfg.Endpoints.Socket)
	assert.Empty(t, cfg.Credentials.Cookie)
	assert.Equal(t, mock.DefaultTermName, cfg.Term)
	assert.Equal(t, filepath.Join("/state", "mock"), cfg.StateDir)
	assert.NotEmpty(t, cfg.WatchedCRNs())
	assert.NoError(t, cfg.Validate())
}

func TestAuthenticatorPrefersCommand(t *testing.T) {
	cfg := config.Default()
	cfg.Session.LoginCommand = []string{"get-cookie"}
	_, ok := authenticator(cfg).(login.Command)
	assert.True(t, ok)
}
