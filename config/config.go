// Package config holds the startup parameters of a cluster node. Values come
// from documented defaults, then CLUSTER_* environment variables (optionally
// preloaded from a .env file), then command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	EnvNodeName           = "CLUSTER_NODE_NAME"
	EnvListenAddr         = "CLUSTER_LISTEN_ADDR"
	EnvPort               = "CLUSTER_SERVER_PORT"
	EnvSync               = "CLUSTER_SYNC"
	EnvDaemonHost         = "CLUSTER_DAEMON_HOST"
	EnvDaemonPort         = "CLUSTER_DAEMON_PORT"
	EnvNotifyDaemon       = "CLUSTER_NOTIFY_DAEMON"
	EnvPollInterval       = "CLUSTER_POLL_INTERVAL"
	EnvSwapTimeout        = "CLUSTER_SWAP_TIMEOUT"
	EnvAllowAdminCommands = "CLUSTER_ALLOW_ADMIN_COMMANDS"
	EnvMaxDecodeErrors    = "CLUSTER_MAX_DECODE_ERRORS"
	EnvInboxSize          = "CLUSTER_INBOX_SIZE"
	EnvWriteTimeout       = "CLUSTER_WRITE_TIMEOUT"
	EnvMetricsAddr        = "CLUSTER_METRICS_ADDR"
	EnvLogLevel           = "CLUSTER_LOG_LEVEL"
	EnvLogDir             = "CLUSTER_LOG_DIR"
	EnvRegistryTTL        = "CLUSTER_REGISTRY_TTL"
	EnvRedisAddr          = "CLUSTER_REDIS_ADDR"
)

// Defaults.
const (
	DefaultNodeName        = "render0"
	DefaultPort            = 1970
	DefaultDaemonHost      = "localhost"
	DefaultDaemonPort      = 8001
	DefaultPollInterval    = 10 * time.Millisecond
	DefaultSwapTimeout     = 2 * time.Second
	DefaultMaxDecodeErrors = 16
	DefaultInboxSize       = 256
	DefaultWriteTimeout    = 5 * time.Second
	DefaultLogLevel        = "info"
	DefaultRegistryTTL     = 5 * time.Minute
)

// Config is the full set of startup parameters of a render server, its ready
// daemon and its coordinator.
type Config struct {
	// NodeName identifies this node in logs, metrics and ready notices.
	NodeName string
	// ListenAddr is the interface to bind; empty means all interfaces.
	ListenAddr string
	// Port is the cluster rendezvous port.
	Port int
	// Sync selects synchronized (swap barrier) mode instead of async mode.
	Sync bool
	// DaemonHost and DaemonPort locate the ready daemon.
	DaemonHost string
	DaemonPort int
	// NotifyDaemon enables the ready notice after a successful bind.
	NotifyDaemon bool
	// PollInterval bounds how long a blocking read waits before re-checking
	// for a superseding connection or the swap timeout.
	PollInterval time.Duration
	// SwapTimeout bounds the wait for SwapNow after SwapReady; 0 waits until
	// the peer disconnects.
	SwapTimeout time.Duration
	// AllowAdminCommands enables execution of CommandString datagrams.
	AllowAdminCommands bool
	// MaxDecodeErrors closes a connection after that many consecutive
	// undecodable datagrams; 0 never closes.
	MaxDecodeErrors int
	// InboxSize bounds buffered datagrams per connection.
	InboxSize int
	// WriteTimeout limits a single send.
	WriteTimeout time.Duration
	// MetricsAddr serves /metrics and /healthz when non-empty.
	MetricsAddr string
	// LogLevel is the minimum log level.
	LogLevel string
	// LogDir enables daily log files when non-empty.
	LogDir string
	// RegistryTTL is how long a ready notice stays registered.
	RegistryTTL time.Duration
	// RedisAddr selects the Redis ready registry when non-empty.
	RedisAddr string
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		NodeName:        DefaultNodeName,
		Port:            DefaultPort,
		DaemonHost:      DefaultDaemonHost,
		DaemonPort:      DefaultDaemonPort,
		NotifyDaemon:    true,
		PollInterval:    DefaultPollInterval,
		SwapTimeout:     DefaultSwapTimeout,
		MaxDecodeErrors: DefaultMaxDecodeErrors,
		InboxSize:       DefaultInboxSize,
		WriteTimeout:    DefaultWriteTimeout,
		LogLevel:        DefaultLogLevel,
		RegistryTTL:     DefaultRegistryTTL,
	}
}

// Load returns the defaults overridden by CLUSTER_* environment variables.
// When envFile is non-empty it is loaded first with godotenv; variables
// already set in the environment win over the file. A missing envFile is not
// an error.
//
// Parameters:
//   - envFile: Optional path to a .env file
//
// Returns:
//   - The resulting Config, or an error naming the first malformed variable
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	c := Default()
	e := envReader{}

	e.str(EnvNodeName, &c.NodeName)
	e.str(EnvListenAddr, &c.ListenAddr)
	e.int(EnvPort, &c.Port)
	e.bool(EnvSync, &c.Sync)
	e.str(EnvDaemonHost, &c.DaemonHost)
	e.int(EnvDaemonPort, &c.DaemonPort)
	e.bool(EnvNotifyDaemon, &c.NotifyDaemon)
	e.duration(EnvPollInterval, &c.PollInterval)
	e.duration(EnvSwapTimeout, &c.SwapTimeout)
	e.bool(EnvAllowAdminCommands, &c.AllowAdminCommands)
	e.int(EnvMaxDecodeErrors, &c.MaxDecodeErrors)
	e.int(EnvInboxSize, &c.InboxSize)
	e.duration(EnvWriteTimeout, &c.WriteTimeout)
	e.str(EnvMetricsAddr, &c.MetricsAddr)
	e.str(EnvLogLevel, &c.LogLevel)
	e.str(EnvLogDir, &c.LogDir)
	e.duration(EnvRegistryTTL, &c.RegistryTTL)
	e.str(EnvRedisAddr, &c.RedisAddr)

	if e.err != nil {
		return Config{}, e.err
	}

	return c, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error

	if c.NodeName == "" {
		errs = append(errs, errors.New("node name must not be empty"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DaemonPort < 0 || c.DaemonPort > 65535 {
		errs = append(errs, fmt.Errorf("daemon port %d out of range", c.DaemonPort))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.SwapTimeout < 0 {
		errs = append(errs, fmt.Errorf("swap timeout must not be negative, got %s", c.SwapTimeout))
	}
	if c.MaxDecodeErrors < 0 {
		errs = append(errs, fmt.Errorf("max decode errors must not be negative, got %d", c.MaxDecodeErrors))
	}
	if c.InboxSize <= 0 {
		errs = append(errs, fmt.Errorf("inbox size must be positive, got %d", c.InboxSize))
	}

	return errors.Join(errs...)
}

// Addr is the rendezvous bind address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.ListenAddr, strconv.Itoa(c.Port))
}

// DaemonAddr is the ready daemon address.
func (c Config) DaemonAddr() string {
	return net.JoinHostPort(c.DaemonHost, strconv.Itoa(c.DaemonPort))
}

// envReader applies set variables to fields, remembering the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}

	v, ok := os.LookupEnv(key)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = d
	}
}
