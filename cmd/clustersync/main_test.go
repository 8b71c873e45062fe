package main

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/clustersync/clustermsg"
	"github.com/cyberinferno/clustersync/config"
	"github.com/cyberinferno/clustersync/transport"
)

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--short"})

	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestServe_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	root := newRootCmd()
	root.SetArgs([]string{
		"serve",
		"--env-file", t.TempDir() + "/missing.env",
		"--listen", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"--no-notify",
		"--log-level", "error",
	})

	err = root.Execute()
	var te *transport.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "listen", te.Op)
}

func TestServe_ExitRequested(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1"
	cfg.Port = freePort(t)
	cfg.NotifyDaemon = false
	cfg.LogLevel = "error"

	done := make(chan error, 1)
	go func() { done <- runServe(context.Background(), cfg, 200) }()

	var c net.Conn
	require.Eventually(t, func() bool {
		var err error
		c, err = net.Dial("tcp", cfg.Addr())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer c.Close()

	b, err := clustermsg.Encode(clustermsg.Exit())
	require.NoError(t, err)
	require.NoError(t, clustermsg.WriteFrame(c, b))

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "exit requested")
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not exit")
	}
}

func TestServe_OperatorShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1"
	cfg.Port = freePort(t)
	cfg.NotifyDaemon = false
	cfg.LogLevel = "error"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, 200) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestLensOffsets(t *testing.T) {
	assert.Equal(t, []float32{0}, lensOffsets(1, 0.1))
	assert.InDeltaSlice(t, []float32{-0.05, 0.05}, lensOffsets(2, 0.1), 1e-6)
	assert.InDeltaSlice(t, []float32{-0.1, 0, 0.1}, lensOffsets(3, 0.1), 1e-6)
}

func TestOrbitPose(t *testing.T) {
	start := orbitPose(0, 60, 10)
	assert.InDelta(t, 0, start.X, 1e-5)
	assert.InDelta(t, -10, start.Y, 1e-5)

	quarter := orbitPose(150, 60, 10)
	assert.InDelta(t, 10, quarter.X, 1e-4)
	assert.InDelta(t, 90, quarter.H, 1e-3)
}

func TestResolveServers(t *testing.T) {
	cfg := config.Default()

	_, err := resolveServers(context.Background(), cfg, &driveOptions{}, nil)
	assert.Error(t, err)

	got, err := resolveServers(context.Background(), cfg, &driveOptions{servers: []string{"a:1", "b:2"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:2"}, got)

	_, err = resolveServers(context.Background(), cfg, &driveOptions{nodes: []string{"left"}}, nil)
	assert.ErrorContains(t, err, "Redis")
}

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
