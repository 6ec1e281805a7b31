// Package config holds the daemon configuration. Values are read from an
// optional TOML file; anything not present in the file keeps its default.
// The Manager supports atomic reload so handlers always see a consistent
// snapshot without locking.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that reads from config files as a string
// like "40s" or "200ms". A bare number is rejected so nobody configures
// nanoseconds by accident.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Config is one immutable configuration snapshot.
type Config struct {
	// Version is the human-readable daemon version, shown on the stats port.
	Version string `toml:"version"`

	// Database is the path of the sqlite database file.
	Database string `toml:"database"`

	// Microsleep paces busy inner loops, e.g. "200ms".
	Microsleep Duration `toml:"microsleep"`

	// MaxPlayers clamps advertised player and capacity counts.
	MaxPlayers int `toml:"max_players"`

	// Timeout is the lifesign horizon after which mirrored server rows are
	// evicted, e.g. "40s".
	Timeout Duration `toml:"timeout"`

	// MaxServers is the number of servers a single IP may list at once.
	MaxServers int `toml:"max_servers"`

	// TLS material for the admin port. The admin listener is not started
	// unless CertFile, CertChain and CertKey all point at existing files.
	CertFile  string `toml:"cert_file"`
	CertChain string `toml:"cert_chain"`
	CertKey   string `toml:"cert_key"`

	// Client certificate material used by the management CLI.
	ClientCert string `toml:"client_cert"`
	ClientKey  string `toml:"client_key"`

	// Rate limiter tuning. Each accepted connection adds a tick; ticks decay
	// at TicksDecay per second and a connection is refused while the decayed
	// count exceeds TicksMax. IPs unseen for TicksMaxAge are forgotten.
	TicksMax    int      `toml:"ticks_max"`
	TicksDecay  int      `toml:"ticks_decay"`
	TicksMaxAge Duration `toml:"ticks_max_age"`

	// Webhook URLs for WARN+ alerts. Empty disables the sink.
	WebhookSlack   string `toml:"webhook_slack"`
	WebhookDiscord string `toml:"webhook_discord"`

	// LogFile is the daemon log; its tail is served to mirrors on request.
	LogFile string `toml:"log_file"`

	// HTTPAddr enables the read-only HTTP status API when non-empty.
	HTTPAddr string `toml:"http_addr"`

	// MaxHandlers bounds simultaneous connection handlers per port.
	MaxHandlers int `toml:"max_handlers"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Version:     "0.4",
		Database:    "servers.db",
		Microsleep:  Duration(200 * time.Millisecond),
		MaxPlayers:  32,
		Timeout:     Duration(40 * time.Second),
		MaxServers:  2,
		TicksMax:    10,
		TicksDecay:  2,
		TicksMaxAge: Duration(24 * time.Hour),
		LogFile:     "j2lsnek.log",
		MaxHandlers: 50,
	}
}

// Load reads the file at path over the defaults. A missing file is not an
// error; a present but unparsable file is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, &cfg)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		slog.Warn("unknown keys in config file", "path", path, "keys", fmt.Sprint(undecoded))
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if c.MaxPlayers < 1 {
		return fmt.Errorf("max_players must be positive, got %d", c.MaxPlayers)
	}
	if c.MaxServers < 1 {
		return fmt.Errorf("max_servers must be positive, got %d", c.MaxServers)
	}
	if c.TicksDecay < 1 {
		return fmt.Errorf("ticks_decay must be positive, got %d", c.TicksDecay)
	}
	return nil
}

// CanAuth reports whether the TLS material for the admin port is available.
func (c Config) CanAuth() bool {
	for _, path := range []string{c.CertFile, c.CertChain, c.CertKey} {
		if path == "" {
			return false
		}
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// Manager hands out the current configuration snapshot and supports
// reloading it from disk.
type Manager struct {
	path string
	cur  atomic.Pointer[Config]
}

// NewManager loads the initial configuration from path.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cur.Store(&cfg)
	return m, nil
}

// Current returns the active configuration snapshot.
func (m *Manager) Current() Config {
	return *m.cur.Load()
}

// Reload re-reads the config file and swaps in the new snapshot. The old
// snapshot stays active when the file fails to parse.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	m.cur.Store(&cfg)
	slog.Info("configuration reloaded", "path", m.path)
	return nil
}
