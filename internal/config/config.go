package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultPort is the standard HTSP port.
const DefaultPort = 9982

// Config holds all environment-based configuration for htsp-sync.
type Config struct {
	// Server address: "host", "host:port", "htsp://host:port", or a
	// ws:// / wss:// URL for servers reached through a WebSocket tunnel.
	Address string `env:"HTSP_ADDRESS"`
	Port    int    `env:"HTSP_PORT" envDefault:"9982"`

	Username string `env:"HTSP_USERNAME"`
	Password string `env:"HTSP_PASSWORD"`

	// Name this client reports in the hello message. Defaults to the
	// system hostname.
	ClientName string `env:"CLIENT_NAME"`

	ResponseTimeout time.Duration `env:"RESPONSE_TIMEOUT" envDefault:"30s"`
	DialTimeout     time.Duration `env:"DIAL_TIMEOUT" envDefault:"10s"`

	// Guide sync tuning.
	GuideConcurrency int           `env:"GUIDE_CONCURRENCY" envDefault:"8"`
	GuideMaxEvents   int           `env:"GUIDE_MAX_EVENTS" envDefault:"0"`
	SyncInterval     time.Duration `env:"SYNC_INTERVAL" envDefault:"0s"`

	// Path of the bbolt database holding channels and programs. Defaults
	// to ~/.htsp-sync/guide.db.
	StatePath string `env:"STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP server settings (required when MCP is enabled)
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.ClientName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "htsp-sync"
		}

		cfg.ClientName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Address == "" {
		return fmt.Errorf("HTSP_ADDRESS is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("HTSP_PORT must be between 1 and 65535, got %d", c.Port)
	}

	if strings.Contains(c.Address, "://") {
		u, err := url.Parse(c.Address)
		if err != nil {
			return fmt.Errorf("HTSP_ADDRESS is not a valid URL: %w", err)
		}

		switch u.Scheme {
		case "htsp", "ws", "wss":
		default:
			return fmt.Errorf("HTSP_ADDRESS scheme %q not supported (use htsp, ws or wss)", u.Scheme)
		}

		if u.Host == "" {
			return fmt.Errorf("HTSP_ADDRESS %q has no host", c.Address)
		}
	}

	if c.Password != "" && c.Username == "" {
		return fmt.Errorf("HTSP_USERNAME is required when HTSP_PASSWORD is set")
	}

	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("RESPONSE_TIMEOUT must be positive")
	}

	if c.GuideConcurrency < 1 {
		return fmt.Errorf("GUIDE_CONCURRENCY must be at least 1, got %d", c.GuideConcurrency)
	}

	if c.GuideMaxEvents < 0 {
		return fmt.Errorf("GUIDE_MAX_EVENTS must not be negative")
	}

	if c.SyncInterval < 0 {
		return fmt.Errorf("SYNC_INTERVAL must not be negative")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// DialAddress returns the address to dial. Plain host addresses get the
// configured port appended; URLs are returned unchanged.
func (c *Config) DialAddress() string {
	if strings.Contains(c.Address, "://") {
		return c.Address
	}

	if _, _, err := net.SplitHostPort(c.Address); err == nil {
		return c.Address
	}

	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// DefaultStatePath returns ~/.htsp-sync/guide.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".htsp-sync", "guide.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a key name and the bcrypt hash of the key parsed
// from MCP_API_KEYS.
type APIKeyEntry struct {
	Name string
	Hash string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "name1:$2a$10$...,name2:$2a$10$..." where each value is a
// bcrypt hash produced by the hash-key command.
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		name := pair[:idx]

		hash := pair[idx+1:]
		if name == "" || hash == "" {
			return nil, fmt.Errorf("empty name or hash in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("API key for %q must be a bcrypt hash", name)
		}

		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate key name %q in MCP_API_KEYS", name)
		}

		seen[name] = struct{}{}
		entries = append(entries, APIKeyEntry{Name: name, Hash: hash})
	}

	return entries, nil
}
