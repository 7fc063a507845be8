// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/stallarr/internal/domain"
)

var envPrefix = "STALLARR__"

const databaseFileName = "stalled_downloads.db"

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	mu sync.RWMutex
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	if err := c.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.finalize(c.Config)

	if err := c.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c.resolveDataDir()

	if c.viper.ConfigFileUsed() != "" {
		c.watchConfig()
	}

	return c, nil
}

func (c *AppConfig) defaults() {
	host := "localhost"
	if detectContainer() {
		host = "0.0.0.0"
	}

	c.viper.SetDefault("host", host)
	c.viper.SetDefault("port", 7478)
	c.viper.SetDefault("apiEnabled", false)
	c.viper.SetDefault("apiKey", "")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("verbose", false)
	c.viper.SetDefault("dataDir", "")
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9078)
	c.viper.SetDefault("metricsBasicAuthUsers", "")

	c.viper.SetDefault("radarrUrl", "")
	c.viper.SetDefault("radarrApiKey", "")
	c.viper.SetDefault("sonarrUrl", "")
	c.viper.SetDefault("sonarrApiKey", "")
	c.viper.SetDefault("apiVersion", domain.DefaultAPIVersion)
	c.viper.SetDefault("stalledTimeout", 900)
	c.viper.SetDefault("stalledAction", string(domain.StalledActionBlocklistAndSearch))
	c.viper.SetDefault("runInterval", 300)
	c.viper.SetDefault("requestTimeout", 30)
	c.viper.SetDefault("countDownloadingMetadataAsStalled", false)
	c.viper.SetDefault("ignoreExpression", "")
	c.viper.SetDefault("pruneMissing", false)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		return nil
	}

	c.viper.SetConfigName("config")
	c.viper.AddConfigPath(".")
	c.viper.AddConfigPath(GetDefaultConfigDir())

	if err := c.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Environment-only deployments have no config file.
			log.Debug().Msg("No config file found, using defaults and environment")
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	return nil
}

func (c *AppConfig) loadFromEnv() error {
	// DO NOT use AutomaticEnv(); bind only the variables we know about.
	// The second name is the bare legacy variable, kept for
	// existing docker-compose files.
	binds := []struct {
		key    string
		envs   []string
		secret bool
	}{
		{key: "host", envs: []string{envPrefix + "HOST"}},
		{key: "port", envs: []string{envPrefix + "PORT"}},
		{key: "apiEnabled", envs: []string{envPrefix + "API_ENABLED"}},
		{key: "apiKey", envs: []string{envPrefix + "API_KEY"}, secret: true},
		{key: "logLevel", envs: []string{envPrefix + "LOG_LEVEL"}},
		{key: "logPath", envs: []string{envPrefix + "LOG_PATH"}},
		{key: "logMaxSize", envs: []string{envPrefix + "LOG_MAX_SIZE"}},
		{key: "logMaxBackups", envs: []string{envPrefix + "LOG_MAX_BACKUPS"}},
		{key: "verbose", envs: []string{envPrefix + "VERBOSE", "VERBOSE"}},
		{key: "dataDir", envs: []string{envPrefix + "DATA_DIR"}},
		{key: "metricsEnabled", envs: []string{envPrefix + "METRICS_ENABLED"}},
		{key: "metricsHost", envs: []string{envPrefix + "METRICS_HOST"}},
		{key: "metricsPort", envs: []string{envPrefix + "METRICS_PORT"}},
		{key: "metricsBasicAuthUsers", envs: []string{envPrefix + "METRICS_BASIC_AUTH_USERS"}},

		{key: "radarrUrl", envs: []string{envPrefix + "RADARR_URL", "RADARR_URL"}},
		{key: "radarrApiKey", envs: []string{envPrefix + "RADARR_API_KEY", "RADARR_API_KEY"}, secret: true},
		{key: "sonarrUrl", envs: []string{envPrefix + "SONARR_URL", "SONARR_URL"}},
		{key: "sonarrApiKey", envs: []string{envPrefix + "SONARR_API_KEY", "SONARR_API_KEY"}, secret: true},
		{key: "apiVersion", envs: []string{envPrefix + "API_VERSION"}},
		{key: "stalledTimeout", envs: []string{envPrefix + "STALLED_TIMEOUT", "STALLED_TIMEOUT"}},
		{key: "stalledAction", envs: []string{envPrefix + "STALLED_ACTION", "STALLED_ACTION"}},
		{key: "runInterval", envs: []string{envPrefix + "RUN_INTERVAL", "RUN_INTERVAL"}},
		{key: "requestTimeout", envs: []string{envPrefix + "REQUEST_TIMEOUT"}},
		{key: "countDownloadingMetadataAsStalled", envs: []string{envPrefix + "COUNT_DOWNLOADING_METADATA_AS_STALLED", "COUNT_DOWNLOADING_METADATA_AS_STALLED"}},
		{key: "ignoreExpression", envs: []string{envPrefix + "IGNORE_EXPRESSION"}},
		{key: "pruneMissing", envs: []string{envPrefix + "PRUNE_MISSING"}},
	}

	for _, b := range binds {
		if b.secret {
			if err := c.bindOrReadFromFile(b.key, b.envs...); err != nil {
				return err
			}
			continue
		}
		args := append([]string{b.key}, b.envs...)
		if err := c.viper.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", b.key, err)
		}
	}

	return nil
}

// finalize applies derived values after unmarshalling.
func (c *AppConfig) finalize(cfg *domain.Config) {
	cfg.Version = c.version
	if cfg.Verbose {
		cfg.LogLevel = "DEBUG"
	}
	cfg.StalledAction = string(cfg.Action())
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		// Scheduling parameters are fixed for the lifetime of the process;
		// only logging is re-applied.
		reloaded := &domain.Config{}
		if err := c.viper.Unmarshal(reloaded); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}
		c.finalize(reloaded)

		c.mu.Lock()
		c.Config.LogLevel = reloaded.LogLevel
		c.Config.LogPath = reloaded.LogPath
		c.Config.LogMaxSize = reloaded.LogMaxSize
		c.Config.LogMaxBackups = reloaded.LogMaxBackups
		c.mu.Unlock()

		c.ApplyLogConfig()
	})
}

// Snapshot returns a copy of the configuration for handing to services.
func (c *AppConfig) Snapshot() domain.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c.Config
}

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	configTemplate := `# config.toml - Auto-generated on first run

# Radarr instances (comma separated). API keys are matched by position.
#radarrUrl = "http://radarr:7878"
#radarrApiKey = ""

# Sonarr instances (comma separated). API keys are matched by position.
#sonarrUrl = "http://sonarr:8989,http://sonarr4k:8989"
#sonarrApiKey = "key1,key2"

# Seconds a download must stay stalled before it is removed.
# 0 acts on the first observation.
# Default: {{ .stalledTimeout }}
stalledTimeout = {{ .stalledTimeout }}

# What to do once the timeout is reached
# Options: "REMOVE", "BLOCKLIST_AND_SEARCH"
# Default: "{{ .stalledAction }}"
stalledAction = "{{ .stalledAction }}"

# Seconds between queue checks
# Default: {{ .runInterval }}
runInterval = {{ .runInterval }}

# Also treat torrents stuck on "Downloading Metadata" as stalled
# Default: false
#countDownloadingMetadataAsStalled = false

# Expression matched against queue items; matching items are never touched.
# Fields: Title, Status, ErrorMessage, Indexer, DownloadClient, Protocol, Size, SizeLeft,
#         TrackedDownloadStatus, TrackedDownloadState, Instance, Mode
#ignoreExpression = 'Indexer == "MyPrivateTracker"'

# Forget tracked downloads that are no longer stalled on the next check
# Default: false
#pruneMissing = false

# Backend API version
#apiVersion = "{{ .apiVersion }}"

# Data directory (default: next to config file)
# Database file ({{ .databaseFile }}) will be created inside this directory
#dataDir = "/var/db/stallarr"

# Log file path
# If not defined, logs to stdout
#logPath = "log/stallarr.log"

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Log rotation
#logMaxSize = {{ .logMaxSize }}
#logMaxBackups = {{ .logMaxBackups }}

# Status API
#apiEnabled = false
#host = "{{ .host }}"
#port = {{ .port }}
#apiKey = ""

# Prometheus Metrics
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = 9078

# Basic authentication for metrics endpoint (optional)
# Format: "username:bcrypt_hash" or "user1:hash1,user2:hash2" for multiple users
#metricsBasicAuthUsers = ""
`

	data := map[string]any{
		"host":           c.viper.GetString("host"),
		"port":           c.viper.GetInt("port"),
		"logLevel":       c.viper.GetString("logLevel"),
		"logMaxSize":     c.viper.GetInt("logMaxSize"),
		"logMaxBackups":  c.viper.GetInt("logMaxBackups"),
		"stalledTimeout": c.viper.GetInt("stalledTimeout"),
		"stalledAction":  c.viper.GetString("stalledAction"),
		"runInterval":    c.viper.GetInt("runInterval"),
		"apiVersion":     c.viper.GetString("apiVersion"),
		"databaseFile":   databaseFileName,
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "stallarr")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "stallarr")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "stallarr")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "stallarr")
	}
}

func detectContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/dev/.lxc-boot-id"); err == nil {
		return true
	}
	if os.Getpid() == 1 {
		return true
	}
	return false
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	c.mu.RLock()
	level := c.Config.LogLevel
	logPath := c.Config.LogPath
	maxSize := c.Config.LogMaxSize
	maxBackups := c.Config.LogMaxBackups
	c.mu.RUnlock()

	setLogLevel(level)

	writer := c.baseLogWriter()

	if logPath != "" {
		multiWriter, err := setupLogFile(logPath, writer, maxSize, maxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) || term.IsTerminal(int(os.Stderr.Fd())) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		writer.FormatMessage = func(i any) string {
			if i == nil {
				return ""
			}
			return strings.TrimSpace(fmt.Sprint(i))
		}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// DefaultLogWriter returns the base log writer for the provided version.
func DefaultLogWriter(version string) io.Writer {
	return baseLogWriter(version)
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// This is used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(DefaultLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	return ResolveConfigPath(configDirOrPath)
}

// ResolveConfigPath maps a directory or file argument to a config.toml path.
func ResolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the tracking database
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, databaseFileName)
}

// GetDataDir returns the resolved data directory path.
func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}

// bindOrReadFromFile sets the value from <env>_FILE when present, otherwise binds the env names.
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVars ...string) error {
	for _, envVar := range envVars {
		if filePath := os.Getenv(envVar + "_FILE"); filePath != "" {
			content, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("could not read %s_FILE at %s: %w", envVar, filePath, err)
			}
			c.viper.Set(viperVar, strings.TrimSpace(string(content)))
			return nil
		}
	}
	args := append([]string{viperVar}, envVars...)
	return c.viper.BindEnv(args...)
}
