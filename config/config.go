// Package config holds the transport configuration supplied by the host.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nczempin/llhlsunix/protocol"
	"github.com/nczempin/llhlsunix/transport"
)

// DefaultTimeout is used for connect and readiness waits when neither an
// explicit nor an inherited host timeout applies.
const DefaultTimeout = 100 * time.Millisecond

// Config is immutable for the lifetime of a handle
type Config struct {
	// Listen binds and listens instead of connecting (server mode).
	Listen bool `yaml:"listen"`

	SocketKind transport.SocketKind `yaml:"type"`

	// Timeout is the explicit connect/readiness timeout.
	Timeout Duration `yaml:"timeout"`

	// HostTimeout is the read/write timeout inherited from the host pipeline.
	HostTimeout Duration `yaml:"host_timeout"`

	// NonBlocking disables the wait-for-writable before writes and, in
	// server mode, the wait-for-readable before reads.
	NonBlocking bool `yaml:"nonblock"`

	// WriteBackend selects the send path: syscall, iouring or uring.
	WriteBackend string `yaml:"write_backend"`

	// WindowSize is the sentinel trailing window capacity.
	WindowSize int `yaml:"window_size"`

	// RetryBackoff is the pause before the single connect or send retry.
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// Default returns the client-mode configuration
func Default() Config {
	return Config{
		SocketKind:   transport.Stream,
		WriteBackend: transport.BackendSyscall,
		WindowSize:   protocol.DefaultWindowSize,
		RetryBackoff: Duration(transport.DefaultRetryBackoff),
	}
}

// SentinelAware reports whether reads scan for the magic error marker.
// Only client mode does; server mode is a plain socket.
func (c Config) SentinelAware() bool {
	return !c.Listen
}

// EffectiveTimeout resolves the connect/readiness timeout. An explicit
// Timeout wins. The sentinel-aware client ignores the host timeout and uses
// DefaultTimeout to stay responsive; other modes inherit the host timeout.
func (c Config) EffectiveTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout.Std()
	}
	if !c.SentinelAware() && c.HostTimeout > 0 {
		return c.HostTimeout.Std()
	}
	return DefaultTimeout
}

// Validate checks field ranges
func (c Config) Validate() error {
	if c.Timeout < 0 || c.HostTimeout < 0 || c.RetryBackoff < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if !transport.ValidBackend(c.WriteBackend) {
		return fmt.Errorf("unknown write backend %q", c.WriteBackend)
	}
	if c.WindowSize != 0 && c.WindowSize < len(protocol.Sentinel) {
		return fmt.Errorf("window size %d is smaller than the %d byte sentinel",
			c.WindowSize, len(protocol.Sentinel))
	}
	if c.SocketKind < transport.Stream || c.SocketKind > transport.SeqPacket {
		return fmt.Errorf("unknown socket type %v", c.SocketKind)
	}
	return nil
}

// Parse decodes YAML on top of Default and validates the result
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads and parses the YAML file at path
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Duration is a time.Duration written as "250ms" in YAML
type Duration time.Duration

// Std returns the standard library duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
