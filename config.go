package tcplb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	defWorkers         = 1
	defConnectTimeout  = 5 * time.Second
	defResolveTTL      = 30 * time.Second
	defShutdownTimeout = 10 * time.Second
)

type Global struct {
	LogLevel           string `yaml:"log_level" toml:"log_level"`
	Workers            int    `yaml:"workers" toml:"workers"`
	BufferSize         int    `yaml:"buffer_size" toml:"buffer_size"`
	ConnectTimeoutMs   int    `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
	MaxSessions        int    `yaml:"max_sessions" toml:"max_sessions"`
	AcceptBackoffMs    int    `yaml:"accept_backoff_ms" toml:"accept_backoff_ms"`
	ResolveTTLSec      int    `yaml:"resolve_ttl_sec" toml:"resolve_ttl_sec"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec" toml:"shutdown_timeout_sec"`
	LockOsThread       bool   `yaml:"lock_os_thread" toml:"lock_os_thread"`
	EventBufferSize    int    `yaml:"event_buffer_size" toml:"event_buffer_size"`
	MetricsAddress     string `yaml:"metrics_address" toml:"metrics_address"`
	MaxOpenFiles       int    `yaml:"max_open_files" toml:"max_open_files"`
}

type FrontendConfig struct {
	Name         string `yaml:"name" toml:"name"`
	Net          string `yaml:"net" toml:"net"`
	Address      string `yaml:"address" toml:"address"`
	BackendGroup string `yaml:"backend_group" toml:"backend_group"`
}

type BackendGroupConfig struct {
	Name     string          `yaml:"name" toml:"name"`
	Backends []BackendConfig `yaml:"servers" toml:"servers"`
}

type BackendConfig struct {
	Name    string `yaml:"name" toml:"name"`
	Address string `yaml:"address" toml:"address"`
}

type Config struct {
	Global    Global               `yaml:"global" toml:"global"`
	Frontends []FrontendConfig     `yaml:"frontends" toml:"frontends"`
	Backends  []BackendGroupConfig `yaml:"backends" toml:"backends"`
}

// FrontendDef is a frontend as the core consumes it.
type FrontendDef struct {
	Name    string
	Net     string
	Address string
	Group   string
}

type GroupDef struct {
	Name      string
	Addresses []string
}

// ResolvedConfig is the validated frontend and backend layout handed to the
// manager. Whether every frontend's group exists is checked per frontend at
// start, so one broken frontend doesn't stop the others.
type ResolvedConfig struct {
	Frontends []FrontendDef
	Groups    []GroupDef
}

// LoadConfig reads and validates a config file; the format follows the file
// suffix.
func LoadConfig(filePath string) (*Config, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	config, err := ParseConfig(file, strings.TrimPrefix(filepath.Ext(filePath), "."))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	return config, nil
}

// ParseConfig decodes a toml or yaml document and validates it.
func ParseConfig(data []byte, format string) (*Config, error) {
	config := &Config{}
	var err error
	switch format {
	case "toml":
		err = toml.Unmarshal(data, config)
	case "yaml", "yml":
		err = yaml.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", ErrConfig, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	err = config.Validate()
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Validate reports every structural problem of the config at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrConfig}, args...)...))
	}
	if c.Global.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.Global.LogLevel); err != nil {
			add("global: bad log_level %q", c.Global.LogLevel)
		}
	}
	numbers := map[string]int{
		"workers":              c.Global.Workers,
		"buffer_size":          c.Global.BufferSize,
		"connect_timeout_ms":   c.Global.ConnectTimeoutMs,
		"max_sessions":         c.Global.MaxSessions,
		"accept_backoff_ms":    c.Global.AcceptBackoffMs,
		"resolve_ttl_sec":      c.Global.ResolveTTLSec,
		"shutdown_timeout_sec": c.Global.ShutdownTimeoutSec,
		"event_buffer_size":    c.Global.EventBufferSize,
		"max_open_files":       c.Global.MaxOpenFiles,
	}
	for _, name := range sortedKeys(numbers) {
		if numbers[name] < 0 {
			add("global: %s can't be negative", name)
		}
	}
	frontends := make(map[string]bool)
	for i, f := range c.Frontends {
		switch {
		case f.Name == "":
			add("frontend #%d has no name", i)
		case frontends[f.Name]:
			add("frontend %s is defined twice", f.Name)
		}
		frontends[f.Name] = true
		if f.Address == "" {
			add("frontend %s has no address", f.Name)
		}
		if f.Net != "" && f.Net != "tcp" && f.Net != "tcp4" && f.Net != "tcp6" {
			add("frontend %s: unsupported net %q", f.Name, f.Net)
		}
		if f.BackendGroup == "" {
			add("frontend %s has no backend_group", f.Name)
		}
	}
	groups := make(map[string]bool)
	for i, g := range c.Backends {
		switch {
		case g.Name == "":
			add("backend group #%d has no name", i)
		case groups[g.Name]:
			add("backend group %s is defined twice", g.Name)
		}
		groups[g.Name] = true
		for j, b := range g.Backends {
			if b.Address == "" {
				add("backend group %s: server #%d has no address", g.Name, j)
			}
		}
	}
	return errors.Join(errs...)
}

// Resolve builds the layout for the manager.
func (c *Config) Resolve() *ResolvedConfig {
	resolved := &ResolvedConfig{}
	for _, f := range c.Frontends {
		network := f.Net
		if network == "" {
			network = "tcp"
		}
		resolved.Frontends = append(resolved.Frontends, FrontendDef{
			Name:    f.Name,
			Net:     network,
			Address: f.Address,
			Group:   f.BackendGroup,
		})
	}
	for _, g := range c.Backends {
		group := GroupDef{Name: g.Name}
		for _, b := range g.Backends {
			group.Addresses = append(group.Addresses, b.Address)
		}
		resolved.Groups = append(resolved.Groups, group)
	}
	return resolved
}

// Options converts the global section, applying defaults to unset fields.
func (c *Config) Options() Options {
	g := c.Global
	opts := Options{
		Workers:         g.Workers,
		BufferSize:      g.BufferSize,
		ConnectTimeout:  time.Duration(g.ConnectTimeoutMs) * time.Millisecond,
		AcceptBackoff:   time.Duration(g.AcceptBackoffMs) * time.Millisecond,
		MaxSessions:     g.MaxSessions,
		ResolveTTL:      time.Duration(g.ResolveTTLSec) * time.Second,
		ShutdownTimeout: time.Duration(g.ShutdownTimeoutSec) * time.Second,
		LockOsThread:    g.LockOsThread,
		EventBufferSize: g.EventBufferSize,
	}
	if opts.ResolveTTL == 0 {
		opts.ResolveTTL = defResolveTTL
	}
	return opts.withDefaults()
}

// LogLevel is the configured level, info when unset.
func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Global.LogLevel)
	if err != nil || c.Global.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}
