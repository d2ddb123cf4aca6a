// Package config loads the relay configuration from a TOML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hashicorp/go-multierror"
	toml "github.com/pelletier/go-toml/v2"

	"kvmrelay/internal/logging"
	"kvmrelay/internal/network"
	"kvmrelay/internal/protocol"
)

// Role names accepted in the file and derived from the CLI.
const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

// Config represents the application configuration
type Config struct {
	// Role is "sender" or "receiver". When empty it is derived from which
	// address is set.
	Role string `toml:"role"`

	// Transport is "tcp" or "ws" and must match on both ends.
	Transport string `toml:"transport"`

	// Verbose enables debug logging, including key codes.
	Verbose bool `toml:"verbose"`

	Sender   SenderConfig   `toml:"sender"`
	Receiver ReceiverConfig `toml:"receiver"`
	Socket   SocketConfig   `toml:"socket"`
	API      APIConfig      `toml:"api"`
	Log      LogConfig      `toml:"log"`
}

// SenderConfig contains settings for the capture side.
type SenderConfig struct {
	// Connect is the receiver address (e.g. "192.168.1.20:24800").
	Connect string `toml:"connect"`

	QueueSize int `toml:"queue_size"`

	// Backpressure is "drop-oldest" (default) or "block".
	Backpressure string `toml:"backpressure"`

	Reconnect          bool `toml:"reconnect"`
	DiscardOnReconnect bool `toml:"discard_on_reconnect"`

	DialTimeout     Duration `toml:"dial_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	BackoffInitial  Duration `toml:"backoff_initial"`
	BackoffMax      Duration `toml:"backoff_max"`
	ReconnectGiveUp Duration `toml:"reconnect_give_up"`

	// Script is a capture script replayed instead of live input.
	Script string `toml:"script,omitempty"`
}

// ReceiverConfig contains settings for the injection side.
type ReceiverConfig struct {
	// Listen is the bind address (e.g. ":24800").
	Listen string `toml:"listen"`

	MaxFrameSize   int `toml:"max_frame_size"`
	MaxCodecErrors int `toml:"max_codec_errors"`
	EventBuffer    int `toml:"event_buffer"`

	// Conflict is "replace" (default) or "reject".
	Conflict string `toml:"conflict"`

	ReadIdleTimeout Duration `toml:"read_idle_timeout"`

	// OpenFirewall adds an inbound allow rule for the listen port (Windows only).
	OpenFirewall bool `toml:"open_firewall"`
}

// SocketConfig tunes TCP sockets on both roles.
type SocketConfig struct {
	LowDelay    bool     `toml:"low_delay"`
	UserTimeout Duration `toml:"user_timeout"`
}

// APIConfig controls the ops HTTP server.
type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`

	// Token is an optional bearer token for everything but /health.
	Token string `toml:"token,omitempty"`
}

// LogConfig controls the optional rotating log file.
type LogConfig struct {
	File       string `toml:"file,omitempty"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Duration is a time.Duration written as a string such as "250ms".
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// DefaultAPIPort is the ops API port also probed by LAN scans.
const DefaultAPIPort = 18080

// DefaultConfig returns a new Config with sensible defaults
func DefaultConfig() *Config {
	sender := network.DefaultSenderConfig()
	receiver := network.DefaultReceiverConfig()
	socket := network.DefaultSocketOptions()

	return &Config{
		Transport: string(network.TransportTCP),
		Sender: SenderConfig{
			QueueSize:          sender.QueueSize,
			Backpressure:       string(sender.Backpressure),
			Reconnect:          sender.Reconnect,
			DiscardOnReconnect: sender.DiscardOnReconnect,
			DialTimeout:        D(sender.DialTimeout),
			WriteTimeout:       D(sender.WriteTimeout),
			BackoffInitial:     D(sender.BackoffInitial),
			BackoffMax:         D(sender.BackoffMax),
		},
		Receiver: ReceiverConfig{
			MaxFrameSize:   receiver.MaxFrameSize,
			MaxCodecErrors: receiver.MaxCodecErrors,
			EventBuffer:    receiver.EventBuffer,
			Conflict:       string(receiver.Conflict),
		},
		Socket: SocketConfig{
			LowDelay:    socket.LowDelay,
			UserTimeout: D(socket.UserTimeout),
		},
		API: APIConfig{
			Enabled: false,
			Listen:  fmt.Sprintf(":%d", DefaultAPIPort),
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// DefaultPath returns the per-user configuration file location.
func DefaultPath() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", "kvmrelay")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		configDir = filepath.Join(appData, "kvmrelay")
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".config", "kvmrelay")
	}

	return filepath.Join(configDir, "config.toml"), nil
}

// Load reads the file at path over the defaults. An empty path means
// DefaultPath, where a missing file is not an error. The result is not
// validated; call Validate once CLI overrides are applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		// No config file, use defaults
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML data into cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// Encode renders cfg as TOML, for -print-config.
func Encode(cfg *Config) ([]byte, error) {
	return toml.Marshal(cfg)
}

// ResolveRole fills Role from the configured addresses when it is empty.
func (c *Config) ResolveRole() {
	if c.Role != "" {
		return
	}
	switch {
	case c.Sender.Connect != "" && c.Receiver.Listen == "":
		c.Role = RoleSender
	case c.Receiver.Listen != "" && c.Sender.Connect == "":
		c.Role = RoleReceiver
	}
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs error

	switch c.Role {
	case RoleSender:
		if c.Sender.Connect == "" {
			errs = multierror.Append(errs, errors.New("sender needs a connect address"))
		} else if err := checkHostPort(c.Sender.Connect, true); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("sender.connect: %w", err))
		}
	case RoleReceiver:
		if c.Receiver.Listen == "" {
			errs = multierror.Append(errs, errors.New("receiver needs a listen address"))
		} else if err := checkHostPort(c.Receiver.Listen, false); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("receiver.listen: %w", err))
		}
	case "":
		errs = multierror.Append(errs, errors.New("role not set: give a connect or a listen address"))
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown role %q (want sender or receiver)", c.Role))
	}

	if _, err := network.ParseTransport(c.Transport); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := network.ParseBackpressure(c.Sender.Backpressure); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := network.ParseConflictPolicy(c.Receiver.Conflict); err != nil {
		errs = multierror.Append(errs, err)
	}

	if c.Sender.QueueSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("sender.queue_size must be positive, got %d", c.Sender.QueueSize))
	}
	if c.Sender.BackoffMax.Duration < c.Sender.BackoffInitial.Duration {
		errs = multierror.Append(errs, fmt.Errorf("sender.backoff_max %s is below backoff_initial %s",
			c.Sender.BackoffMax, c.Sender.BackoffInitial))
	}
	if c.Receiver.MaxFrameSize < protocol.MaxPayloadSize {
		errs = multierror.Append(errs, fmt.Errorf("receiver.max_frame_size must be at least %d, got %d",
			protocol.MaxPayloadSize, c.Receiver.MaxFrameSize))
	}
	if c.Receiver.MaxCodecErrors <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("receiver.max_codec_errors must be positive, got %d", c.Receiver.MaxCodecErrors))
	}
	if c.API.Enabled {
		if err := checkHostPort(c.API.Listen, false); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("api.listen: %w", err))
		}
	}

	return errs
}

func checkHostPort(addr string, needHost bool) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if port == "" {
		return fmt.Errorf("missing port in %q", addr)
	}
	if needHost && host == "" {
		return fmt.Errorf("missing host in %q", addr)
	}
	return nil
}

// SenderOptions converts the file settings for network.NewSender.
func (c *Config) SenderOptions() network.SenderConfig {
	cfg := network.DefaultSenderConfig()
	cfg.Transport = network.Transport(c.Transport)
	cfg.QueueSize = c.Sender.QueueSize
	cfg.Backpressure = network.Backpressure(c.Sender.Backpressure)
	cfg.Reconnect = c.Sender.Reconnect
	cfg.DiscardOnReconnect = c.Sender.DiscardOnReconnect
	cfg.DialTimeout = c.Sender.DialTimeout.Duration
	cfg.WriteTimeout = c.Sender.WriteTimeout.Duration
	cfg.BackoffInitial = c.Sender.BackoffInitial.Duration
	cfg.BackoffMax = c.Sender.BackoffMax.Duration
	cfg.ReconnectGiveUp = c.Sender.ReconnectGiveUp.Duration
	cfg.MaxFrameSize = c.Receiver.MaxFrameSize
	cfg.Socket = c.socketOptions()
	cfg.Verbose = c.Verbose
	return cfg
}

// ReceiverOptions converts the file settings for network.NewReceiver.
func (c *Config) ReceiverOptions() network.ReceiverConfig {
	return network.ReceiverConfig{
		Transport:       network.Transport(c.Transport),
		MaxFrameSize:    c.Receiver.MaxFrameSize,
		MaxCodecErrors:  c.Receiver.MaxCodecErrors,
		EventBuffer:     c.Receiver.EventBuffer,
		Conflict:        network.ConflictPolicy(c.Receiver.Conflict),
		ReadIdleTimeout: c.Receiver.ReadIdleTimeout.Duration,
		Socket:          c.socketOptions(),
		Verbose:         c.Verbose,
	}
}

// LoggingOptions converts the [log] table for logging.New.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Verbose:    c.Verbose,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

func (c *Config) socketOptions() network.SocketOptions {
	return network.SocketOptions{
		LowDelay:    c.Socket.LowDelay,
		UserTimeout: c.Socket.UserTimeout.Duration,
	}
}
