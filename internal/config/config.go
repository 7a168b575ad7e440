package config

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/viper"

	"github.com/CloudNativeWorks/elchi-updater/internal/ipc"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

// Execution modes.
const (
	ModeDirect    = "direct"
	ModeDelegated = "delegated"
)

// EnvPrefix prefixes every environment override, e.g. ELCHI_UPDATER_APP_OWNER.
const EnvPrefix = "ELCHI_UPDATER"

// DefaultConfigDir is searched for config.yaml after the working directory.
const DefaultConfigDir = "/etc/elchi-updater"

// Config holds all application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Update   UpdateConfig   `mapstructure:"update"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Trust    TrustConfig    `mapstructure:"trust"`
	IPC      IPCConfig      `mapstructure:"ipc"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// AppConfig identifies the application being kept up to date
type AppConfig struct {
	ID             string `mapstructure:"id"`
	Owner          string `mapstructure:"owner"`
	Repo           string `mapstructure:"repo"`
	AssetPrefix    string `mapstructure:"asset_prefix"`
	CurrentVersion string `mapstructure:"current_version"`
	InstallPath    string `mapstructure:"install_path"`
}

// FeedConfig holds release feed configuration
type FeedConfig struct {
	Token           string        `mapstructure:"token"`
	BaseURL         string        `mapstructure:"base_url"`
	MaxPages        int           `mapstructure:"max_pages"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// UpdateConfig holds the update policy
type UpdateConfig struct {
	Mode             string        `mapstructure:"mode"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	AllowPrereleases bool          `mapstructure:"allow_prereleases"`
	Relaunch         bool          `mapstructure:"relaunch"`
}

// TransferConfig holds download configuration
type TransferConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	TempDir          string        `mapstructure:"temp_dir"`
}

// TrustConfig holds authenticity gate configuration
type TrustConfig struct {
	AllowDevelopment  bool   `mapstructure:"allow_development"`
	DevelopmentMarker string `mapstructure:"development_marker"`
	// RootsFile is a PEM bundle the signer chain must lead to. Empty skips chain verification.
	RootsFile string `mapstructure:"roots_file"`
}

// IPCConfig holds executor channel configuration
type IPCConfig struct {
	SocketPath      string        `mapstructure:"socket_path"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
}

// ExecutorConfig holds privileged executor configuration
type ExecutorConfig struct {
	AllowedUIDs         []uint32      `mapstructure:"allowed_uids"`
	AllowedDestinations []string      `mapstructure:"allowed_destinations"`
	RunAsCaller         bool          `mapstructure:"run_as_caller"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("app.id", d.App.ID)
	v.SetDefault("app.owner", d.App.Owner)
	v.SetDefault("app.repo", d.App.Repo)
	v.SetDefault("app.asset_prefix", d.App.AssetPrefix)
	v.SetDefault("app.current_version", d.App.CurrentVersion)
	v.SetDefault("app.install_path", d.App.InstallPath)

	v.SetDefault("feed.token", d.Feed.Token)
	v.SetDefault("feed.base_url", d.Feed.BaseURL)
	v.SetDefault("feed.max_pages", d.Feed.MaxPages)
	v.SetDefault("feed.timeout", d.Feed.Timeout)
	v.SetDefault("feed.breaker_failures", d.Feed.BreakerFailures)
	v.SetDefault("feed.breaker_timeout", d.Feed.BreakerTimeout)

	v.SetDefault("update.mode", d.Update.Mode)
	v.SetDefault("update.poll_interval", d.Update.PollInterval)
	v.SetDefault("update.allow_prereleases", d.Update.AllowPrereleases)
	v.SetDefault("update.relaunch", d.Update.Relaunch)

	v.SetDefault("transfer.timeout", d.Transfer.Timeout)
	v.SetDefault("transfer.progress_interval", d.Transfer.ProgressInterval)
	v.SetDefault("transfer.temp_dir", d.Transfer.TempDir)

	v.SetDefault("trust.allow_development", d.Trust.AllowDevelopment)
	v.SetDefault("trust.development_marker", d.Trust.DevelopmentMarker)
	v.SetDefault("trust.roots_file", d.Trust.RootsFile)

	v.SetDefault("ipc.socket_path", d.IPC.SocketPath)
	v.SetDefault("ipc.connect_timeout", d.IPC.ConnectTimeout)
	v.SetDefault("ipc.call_timeout", d.IPC.CallTimeout)
	v.SetDefault("ipc.transfer_timeout", d.IPC.TransferTimeout)

	v.SetDefault("executor.allowed_uids", d.Executor.AllowedUIDs)
	v.SetDefault("executor.allowed_destinations", d.Executor.AllowedDestinations)
	v.SetDefault("executor.run_as_caller", d.Executor.RunAsCaller)
	v.SetDefault("executor.shutdown_timeout", d.Executor.ShutdownTimeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.path", d.Logging.Path)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.compress", d.Logging.Compress)
}

// Load reads configuration from path, or from config.yaml in the working
// directory, $HOME/.elchi-updater and DefaultConfigDir. Environment variables
// override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Configuration file name and path
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.elchi-updater")
		v.AddConfigPath(DefaultConfigDir)
	}

	// Read environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	// Bind configuration to struct
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadConfig loads configuration and initialises the global logger from it.
func LoadConfig(path string) (*Config, error) {
	config, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Initialize logger
	if err := initLogger(&config.Logging); err != nil {
		return nil, err
	}
	return config, nil
}

// initLogger initializes the logger with the provided configuration
func initLogger(cfg *LoggingConfig) error {
	logConfig := logger.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Module:     "main",
		Path:       cfg.Path,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}

	return logger.Init(logConfig)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Feed: FeedConfig{
			MaxPages:        4,
			Timeout:         time.Minute,
			BreakerFailures: 3,
			BreakerTimeout:  5 * time.Minute,
		},
		Update: UpdateConfig{
			Mode:         ModeDirect,
			PollInterval: 6 * time.Hour,
			Relaunch:     true,
		},
		Transfer: TransferConfig{
			Timeout:          30 * time.Minute,
			ProgressInterval: 500 * time.Millisecond,
		},
		Trust: TrustConfig{
			DevelopmentMarker: "Development",
		},
		IPC: IPCConfig{
			ConnectTimeout:  ipc.DefaultConnectTimeout,
			CallTimeout:     ipc.DefaultCallTimeout,
			TransferTimeout: ipc.DefaultTransferTimeout,
		},
		Executor: ExecutorConfig{
			AllowedUIDs:         []uint32{},
			AllowedDestinations: []string{},
			RunAsCaller:         true,
			ShutdownTimeout:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    10,
			MaxAge:     28,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}

// Validate rejects values no command can work with.
func (c *Config) Validate() error {
	switch c.Update.Mode {
	case ModeDirect, ModeDelegated:
	default:
		return fmt.Errorf("update.mode must be %q or %q, got %q", ModeDirect, ModeDelegated, c.Update.Mode)
	}
	if c.Update.PollInterval <= 0 {
		return fmt.Errorf("update.poll_interval must be positive")
	}
	if c.Transfer.Timeout <= 0 || c.Transfer.ProgressInterval <= 0 {
		return fmt.Errorf("transfer.timeout and transfer.progress_interval must be positive")
	}
	if c.IPC.ConnectTimeout <= 0 || c.IPC.CallTimeout <= 0 || c.IPC.TransferTimeout <= 0 {
		return fmt.Errorf("ipc timeouts must be positive")
	}
	if c.Trust.AllowDevelopment && strings.TrimSpace(c.Trust.DevelopmentMarker) == "" {
		return fmt.Errorf("trust.development_marker is required when trust.allow_development is set")
	}
	for _, dest := range c.Executor.AllowedDestinations {
		if !filepath.IsAbs(dest) {
			return fmt.Errorf("executor.allowed_destinations: %q is not absolute", dest)
		}
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

// ValidateApp checks the settings a caller needs to check for and install
// updates of its application.
func (c *Config) ValidateApp() error {
	if c.App.Owner == "" || c.App.Repo == "" {
		return fmt.Errorf("app.owner and app.repo are required")
	}
	if c.App.CurrentVersion == "" {
		return fmt.Errorf("app.current_version is required")
	}
	if _, err := semver.NewVersion(c.App.CurrentVersion); err != nil {
		return fmt.Errorf("app.current_version: %w", err)
	}
	if c.App.InstallPath == "" || !filepath.IsAbs(c.App.InstallPath) {
		return fmt.Errorf("app.install_path must be an absolute path")
	}
	if c.Update.Mode == ModeDelegated {
		if _, err := c.SocketPath(); err != nil {
			return err
		}
	}
	return nil
}

// Prefix returns the release asset prefix, the repository name unless set.
func (a AppConfig) Prefix() string {
	if a.AssetPrefix != "" {
		return a.AssetPrefix
	}
	return a.Repo
}

// SocketPath returns the executor socket, derived from app.id unless set.
func (c *Config) SocketPath() (string, error) {
	if c.IPC.SocketPath != "" {
		return c.IPC.SocketPath, nil
	}
	if c.App.ID == "" {
		return "", fmt.Errorf("ipc.socket_path or app.id is required")
	}
	return ipc.SocketPath(c.App.ID)
}

// Roots loads the configured trust roots, or returns nil when none are set.
func (t TrustConfig) Roots() (*x509.CertPool, error) {
	if t.RootsFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(t.RootsFile)
	if err != nil {
		return nil, fmt.Errorf("read trust roots: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in %s", t.RootsFile)
	}
	return pool, nil
}
