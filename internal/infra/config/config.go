package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// DefaultProtocolVersion is the plugin protocol this host speaks.
const DefaultProtocolVersion = "2.1.0"

// Config is the top-level host configuration.
type Config struct {
	Host      HostConfig      `yaml:"host"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Installer InstallerConfig `yaml:"installer"`
	Limits    LimitsConfig    `yaml:"limits"`
	Storage   StorageConfig   `yaml:"storage"`
	Shell     ShellConfig     `yaml:"shell"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Audit     AuditConfig     `yaml:"audit"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// HostConfig holds host-wide settings.
type HostConfig struct {
	DataDir         string `yaml:"data_dir"`
	ProtocolVersion string `yaml:"protocol_version"`
}

// PluginsConfig holds plugin discovery settings.
type PluginsConfig struct {
	InstalledDir     string   `yaml:"installed_dir"` // default <data_dir>/plugins-installed
	UserDirs         []string `yaml:"user_dirs"`
	DevDirs          []string `yaml:"dev_dirs"`
	ScanDepth        int      `yaml:"scan_depth"`
	AllowPermissions []string `yaml:"allow_permissions"`
	DenyPermissions  []string `yaml:"deny_permissions"`
	Rescan           string   `yaml:"rescan"` // cron spec or duration; "" disables
}

// RuntimeConfig holds backend process settings.
type RuntimeConfig struct {
	Python          string        `yaml:"python"` // "" resolves python3/python from PATH
	Node            string        `yaml:"node"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout"`
	StopDebounce    time.Duration `yaml:"stop_debounce"`
	KillGrace       time.Duration `yaml:"kill_grace"`
	WASMMaxMemoryMB int           `yaml:"wasm_max_memory_mb"`
}

// InstallerConfig holds install pipeline and catalog settings.
type InstallerConfig struct {
	CatalogURL        string        `yaml:"catalog_url"`
	CatalogRefresh    string        `yaml:"catalog_refresh"` // cron spec or duration; "" disables
	CatalogCacheTTL   time.Duration `yaml:"catalog_cache_ttl"`
	DownloadTimeout   time.Duration `yaml:"download_timeout"`
	MaxArchiveMB      int           `yaml:"max_archive_mb"`
	AllowPrivateHosts bool          `yaml:"allow_private_hosts"`
	RequireHTTPS      bool          `yaml:"require_https"`
}

// LimitsConfig holds per-plugin capability call limits.
type LimitsConfig struct {
	CallsPerSecond float64 `yaml:"calls_per_second"` // 0 disables limiting
	Burst          int     `yaml:"burst"`
}

// StorageConfig holds storage capability settings.
// The encryption passphrase is read from TOOLHOST_STORAGE_KEY.
type StorageConfig struct {
	Encrypt bool `yaml:"encrypt"`
}

// ShellConfig holds shell capability settings.
type ShellConfig struct {
	ExecTimeout     time.Duration `yaml:"exec_timeout"`
	MaxSessions     int           `yaml:"max_sessions"` // per plugin
	OutputBufferMax int           `yaml:"output_buffer_max"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr"`
	Tokens  []TokenConfig `yaml:"tokens,omitempty"` // empty = no auth (loopback only)
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Path      string          `yaml:"path"` // default <data_dir>/audit.jsonl
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig holds audit log retention policy settings.
type RetentionConfig struct {
	MaxAge  string `yaml:"max_age"`  // duration string, e.g. "720h"
	MaxSize string `yaml:"max_size"` // e.g. "50MB"
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout", "noop"
	Output      string  `yaml:"output"`   // stdout exporter target; "" = stdout
	SampleRatio float64 `yaml:"sample_ratio"`
}

// defaultDataDir returns $HOME/.toolhost, or ./.toolhost without a home dir.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolhost"
	}
	return filepath.Join(home, ".toolhost")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Host: HostConfig{
			DataDir:         defaultDataDir(),
			ProtocolVersion: DefaultProtocolVersion,
		},
		Plugins: PluginsConfig{
			ScanDepth: 2,
		},
		Runtime: RuntimeConfig{
			CallTimeout:     30 * time.Second,
			ReadyTimeout:    15 * time.Second,
			StopDebounce:    1200 * time.Millisecond,
			KillGrace:       3 * time.Second,
			WASMMaxMemoryMB: 64,
		},
		Installer: InstallerConfig{
			CatalogCacheTTL: time.Hour,
			DownloadTimeout: 10 * time.Minute,
			MaxArchiveMB:    256,
		},
		Limits: LimitsConfig{
			CallsPerSecond: 200,
			Burst:          400,
		},
		Shell: ShellConfig{
			ExecTimeout:     60 * time.Second,
			MaxSessions:     8,
			OutputBufferMax: 1 << 20,
			SessionTTL:      30 * time.Minute,
		},
		Gateway: GatewayConfig{
			Addr: "127.0.0.1:7420",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// InstalledDir returns the installed-plugins directory.
func (c *Config) InstalledDir() string {
	if c.Plugins.InstalledDir != "" {
		return c.Plugins.InstalledDir
	}
	return filepath.Join(c.Host.DataDir, "plugins-installed")
}

// PluginDataDir returns the root of per-plugin private data directories.
func (c *Config) PluginDataDir() string {
	return filepath.Join(c.Host.DataDir, "plugins")
}

// AuditPath returns the audit log path.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.Host.DataDir, "audit.jsonl")
}

// Load reads a YAML config file, applies env var overrides, decrypts
// secrets, and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = nil
	}

	if data != nil {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if len(cfg.Includes) > 0 {
			visited := map[string]bool{absPath: true}
			if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
				return nil, err
			}
			// The main file wins over anything it includes.
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config (second pass): %w", err)
			}
			cfg.Includes = nil
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("TOOLHOST_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps TOOLHOST_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			*dst = splitAndTrim(v, string(os.PathListSeparator))
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("TOOLHOST_DATA_DIR", &cfg.Host.DataDir)
	str("TOOLHOST_PROTOCOL_VERSION", &cfg.Host.ProtocolVersion)
	str("TOOLHOST_PLUGINS_INSTALLED_DIR", &cfg.Plugins.InstalledDir)
	str("TOOLHOST_PLUGINS_RESCAN", &cfg.Plugins.Rescan)
	list("TOOLHOST_PLUGINS_USER_DIRS", &cfg.Plugins.UserDirs)
	list("TOOLHOST_PLUGINS_DEV_DIRS", &cfg.Plugins.DevDirs)
	str("TOOLHOST_PYTHON", &cfg.Runtime.Python)
	str("TOOLHOST_NODE", &cfg.Runtime.Node)
	dur("TOOLHOST_CALL_TIMEOUT", &cfg.Runtime.CallTimeout)
	dur("TOOLHOST_READY_TIMEOUT", &cfg.Runtime.ReadyTimeout)
	str("TOOLHOST_CATALOG_URL", &cfg.Installer.CatalogURL)
	boolean("TOOLHOST_ALLOW_PRIVATE_HOSTS", &cfg.Installer.AllowPrivateHosts)
	boolean("TOOLHOST_STORAGE_ENCRYPT", &cfg.Storage.Encrypt)
	boolean("TOOLHOST_GATEWAY_ENABLED", &cfg.Gateway.Enabled)
	str("TOOLHOST_GATEWAY_ADDR", &cfg.Gateway.Addr)
	boolean("TOOLHOST_AUDIT_ENABLED", &cfg.Audit.Enabled)
	str("TOOLHOST_LOGGER_LEVEL", &cfg.Logger.Level)
	str("TOOLHOST_LOGGER_FORMAT", &cfg.Logger.Format)
	boolean("TOOLHOST_TRACER_ENABLED", &cfg.Tracer.Enabled)
	str("TOOLHOST_TRACER_EXPORTER", &cfg.Tracer.Exporter)

	if v := os.Getenv("TOOLHOST_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Tokens = append(cfg.Gateway.Tokens, TokenConfig{Token: v, Name: "env"})
	}
}

// splitAndTrim splits s by sep, trims each element, and drops empties.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets replaces "enc:..." gateway tokens with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Gateway.Tokens {
		tok := cfg.Gateway.Tokens[i].Token
		if !strings.HasPrefix(tok, "enc:") {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("gateway token %s: %w", cfg.Gateway.Tokens[i].Name, err)
		}
		cfg.Gateway.Tokens[i].Token = plain
	}
	return nil
}

// EncryptValue encrypts plaintext with AES-256-GCM under a passphrase. The
// result is hex(salt) + ":" + hex(nonce+ciphertext); prefix it with "enc:"
// in the config file.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	ns := gcm.NonceSize()
	if len(data) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := gcm.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
