package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()

	assert.Equal(t, "render0", c.NodeName)
	assert.Equal(t, 1970, c.Port)
	assert.False(t, c.Sync)
	assert.Equal(t, "localhost", c.DaemonHost)
	assert.Equal(t, 8001, c.DaemonPort)
	assert.True(t, c.NotifyDaemon)
	assert.Equal(t, 10*time.Millisecond, c.PollInterval)
	assert.Equal(t, 2*time.Second, c.SwapTimeout)
	assert.False(t, c.AllowAdminCommands)
	assert.Equal(t, ":1970", c.Addr())
	assert.Equal(t, "localhost:8001", c.DaemonAddr())
	assert.NoError(t, c.Validate())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv(EnvNodeName, "wall-left")
	t.Setenv(EnvPort, "2001")
	t.Setenv(EnvSync, "true")
	t.Setenv(EnvSwapTimeout, "750ms")
	t.Setenv(EnvAllowAdminCommands, "1")
	t.Setenv(EnvDaemonHost, "")

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "wall-left", c.NodeName)
	assert.Equal(t, 2001, c.Port)
	assert.True(t, c.Sync)
	assert.Equal(t, 750*time.Millisecond, c.SwapTimeout)
	assert.True(t, c.AllowAdminCommands)
	// Empty values keep the default.
	assert.Equal(t, DefaultDaemonHost, c.DaemonHost)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CLUSTER_DAEMON_PORT=9100\nCLUSTER_LOG_LEVEL=debug\n"), 0644))

	t.Setenv(EnvDaemonPort, "")
	t.Setenv(EnvLogLevel, "warn")
	t.Cleanup(func() { _ = os.Unsetenv(EnvDaemonPort) })

	require.NoError(t, os.Unsetenv(EnvDaemonPort))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, c.DaemonPort)
	// The process environment wins over the file.
	assert.Equal(t, "warn", c.LogLevel)
}

func TestLoad_MissingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoad_Malformed(t *testing.T) {
	cases := map[string]string{
		EnvPort:         "not-a-port",
		EnvSync:         "maybe",
		EnvPollInterval: "10",
	}

	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	c.NodeName = ""
	c.Port = 70000
	c.PollInterval = 0
	c.InboxSize = 0

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node name")
	assert.Contains(t, err.Error(), "port 70000")
	assert.Contains(t, err.Error(), "poll interval")
	assert.Contains(t, err.Error(), "inbox size")
}
