package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/entrepeneur4lyf/forgechat/internal/chat"
	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

// Config is the configuration of one chat session and the CLI around it
type Config struct {
	SessionID      string `mapstructure:"sessionId" json:"sessionId"`
	TokenThreshold int    `mapstructure:"tokenThreshold" json:"tokenThreshold"`

	// Retention defaults in user turns; negative keeps parts indefinitely
	DefaultTextTurnsToKeep int `mapstructure:"defaultTextTurnsToKeep" json:"defaultTextTurnsToKeep"`
	DefaultToolTurnsToKeep int `mapstructure:"defaultToolTurnsToKeep" json:"defaultToolTurnsToKeep"`
	DefaultBlobTurnsToKeep int `mapstructure:"defaultBlobTurnsToKeep" json:"defaultBlobTurnsToKeep"`
	HardPruneDelay         int `mapstructure:"hardPruneDelay" json:"hardPruneDelay"`

	APIMaxRetries         int      `mapstructure:"apiMaxRetries" json:"apiMaxRetries"`
	APIInitialDelayMillis int      `mapstructure:"apiInitialDelayMillis" json:"apiInitialDelayMillis"`
	APIMaxDelayMillis     int      `mapstructure:"apiMaxDelayMillis" json:"apiMaxDelayMillis"`
	APIKeys               []string `mapstructure:"apiKeys" json:"apiKeys,omitempty"`

	// ProviderClasses lists the enabled providers, the first is the default
	ProviderClasses []string `mapstructure:"providerClasses" json:"providerClasses"`
	// ToolClasses lists the toolkits registered for the session
	ToolClasses []string `mapstructure:"toolClasses" json:"toolClasses"`

	AudioFeedbackEnabled bool `mapstructure:"audioFeedbackEnabled" json:"audioFeedbackEnabled"`
	ShowPrunedParts      bool `mapstructure:"showPrunedParts" json:"showPrunedParts"`

	Provider           string   `mapstructure:"provider" json:"provider,omitempty"`
	Model              string   `mapstructure:"model" json:"model,omitempty"`
	Temperature        *float64 `mapstructure:"temperature" json:"temperature,omitempty"`
	MaxOutputTokens    int      `mapstructure:"maxOutputTokens" json:"maxOutputTokens,omitempty"`
	IncludeThoughts    bool     `mapstructure:"includeThoughts" json:"includeThoughts,omitempty"`
	SystemInstructions []string `mapstructure:"systemInstructions" json:"systemInstructions,omitempty"`

	DataDir  string `mapstructure:"dataDir" json:"dataDir"`
	LogLevel string `mapstructure:"logLevel" json:"logLevel"`
	Debug    bool   `mapstructure:"debug" json:"debug,omitempty"`

	WorkingDir string `mapstructure:"-" json:"-"`
}

// Application constants
const (
	appName              = "forgechat"
	defaultDataDirectory = ".forgechat"
	defaultLogLevel      = "info"
)

var (
	defaultProviderClasses = []string{"gemini", "anthropic", "openai"}
	defaultToolClasses     = []string{"session", "files"}
)

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// Retention returns the per-kind turns-to-keep defaults
func (c *Config) Retention() llm.Retention {
	return llm.Retention{
		Text: c.DefaultTextTurnsToKeep,
		Tool: c.DefaultToolTurnsToKeep,
		Blob: c.DefaultBlobTurnsToKeep,
	}
}

// RetryPolicy returns the provider retry settings
func (c *Config) RetryPolicy() chat.RetryPolicy {
	return chat.RetryPolicy{
		MaxRetries:   c.APIMaxRetries,
		InitialDelay: time.Duration(c.APIInitialDelayMillis) * time.Millisecond,
		MaxDelay:     time.Duration(c.APIMaxDelayMillis) * time.Millisecond,
	}
}

// RequestConfig returns the generation settings sent with every request
func (c *Config) RequestConfig() llm.RequestConfig {
	rc := llm.RequestConfig{
		SystemInstructions: slices.Clone(c.SystemInstructions),
		IncludeThoughts:    c.IncludeThoughts,
	}
	if c.Temperature != nil {
		t := float32(*c.Temperature)
		rc.Temperature = &t
	}
	if c.MaxOutputTokens > 0 {
		n := int32(c.MaxOutputTokens)
		rc.MaxOutputTokens = &n
	}
	return rc
}

// DefaultProvider returns the configured provider, falling back to the
// first provider class
func (c *Config) DefaultProvider() string {
	if c.Provider != "" {
		return c.Provider
	}
	if len(c.ProviderClasses) > 0 {
		return c.ProviderClasses[0]
	}
	return ""
}

// HasToolkit reports whether the toolkit is listed in ToolClasses
func (c *Config) HasToolkit(name string) bool {
	return slices.Contains(c.ToolClasses, name)
}

// DataPath joins elem onto the data directory
func (c *Config) DataPath(elem ...string) string {
	return filepath.Join(append([]string{c.DataDir}, elem...)...)
}

// Validate checks the numeric bounds of the configuration
func (c *Config) Validate() error {
	var problems []string
	if c.SessionID == "" {
		problems = append(problems, "sessionId is required")
	}
	if c.TokenThreshold <= 0 {
		problems = append(problems, "tokenThreshold must be positive")
	}
	if c.APIMaxRetries < 0 {
		problems = append(problems, "apiMaxRetries must not be negative")
	}
	if c.APIInitialDelayMillis <= 0 {
		problems = append(problems, "apiInitialDelayMillis must be positive")
	}
	if c.APIMaxDelayMillis < c.APIInitialDelayMillis {
		problems = append(problems, "apiMaxDelayMillis must not be below apiInitialDelayMillis")
	}
	if p := c.DefaultProvider(); p != "" && len(c.ProviderClasses) > 0 && !slices.Contains(c.ProviderClasses, p) {
		problems = append(problems, fmt.Sprintf("provider %q is not in providerClasses", p))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Loader reads the configuration from .forgechat.json and FORGECHAT_*
// environment variables, and reloads it when the file changes.
type Loader struct {
	mu         sync.RWMutex
	v          *viper.Viper
	workingDir string
	current    *Config
	logger     *log.Logger
}

// NewLoader creates a loader that searches workingDir before the user's
// home and config directories
func NewLoader(workingDir string) *Loader {
	l := &Loader{
		v:          viper.New(),
		workingDir: workingDir,
		logger:     log.WithPrefix("config"),
	}
	configureViper(l.v, workingDir)
	return l
}

// Load initializes the configuration from environment variables and config files
func Load(workingDir string, debug bool) (*Config, error) {
	return NewLoader(workingDir).Load(debug)
}

// configureViper sets up viper's configuration paths and environment variables
func configureViper(v *viper.Viper, workingDir string) {
	v.SetConfigName("." + appName)
	v.SetConfigType("json")
	if workingDir != "" {
		v.AddConfigPath(workingDir)
	}
	v.AddConfigPath("$HOME")
	v.AddConfigPath(fmt.Sprintf("$XDG_CONFIG_HOME/%s", appName))
	v.AddConfigPath(fmt.Sprintf("$HOME/.config/%s", appName))
	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// setDefaults configures default values for configuration options
func setDefaults(v *viper.Viper, debug bool) {
	v.SetDefault("sessionId", "")
	v.SetDefault("tokenThreshold", chat.DefaultTokenThreshold)
	v.SetDefault("defaultTextTurnsToKeep", llm.DefaultTextTurnsToKeep)
	v.SetDefault("defaultToolTurnsToKeep", llm.DefaultToolTurnsToKeep)
	v.SetDefault("defaultBlobTurnsToKeep", llm.DefaultBlobTurnsToKeep)
	v.SetDefault("hardPruneDelay", llm.DefaultHardPruneDelay)

	retry := chat.DefaultRetryPolicy()
	v.SetDefault("apiMaxRetries", retry.MaxRetries)
	v.SetDefault("apiInitialDelayMillis", retry.InitialDelay.Milliseconds())
	v.SetDefault("apiMaxDelayMillis", retry.MaxDelay.Milliseconds())
	v.SetDefault("apiKeys", []string{})

	v.SetDefault("providerClasses", defaultProviderClasses)
	v.SetDefault("toolClasses", defaultToolClasses)
	v.SetDefault("audioFeedbackEnabled", false)
	v.SetDefault("showPrunedParts", false)

	v.SetDefault("provider", "")
	v.SetDefault("model", "")
	v.SetDefault("maxOutputTokens", 0)
	v.SetDefault("includeThoughts", false)
	v.SetDefault("systemInstructions", []string{})

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault("dataDir", filepath.Join(home, defaultDataDirectory))

	if debug {
		v.SetDefault("debug", true)
		v.Set("logLevel", "debug")
	} else {
		v.SetDefault("debug", false)
		v.SetDefault("logLevel", defaultLogLevel)
	}
}

// Load reads the configuration. A missing config file is not an error.
func (l *Loader) Load(debug bool) (*Config, error) {
	setDefaults(l.v, debug)

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		l.logger.Debug("No config file found, using defaults")
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{WorkingDir: l.workingDir}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if l.v.IsSet("temperature") && l.v.Get("temperature") != nil {
		t := l.v.GetFloat64("temperature")
		cfg.Temperature = &t
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Current returns the most recently loaded configuration
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// ConfigFile returns the file the configuration was read from, if any
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the configuration when the config file changes and passes
// the old and new values to onChange. Invalid edits are logged and skipped.
// The session id of the running configuration is kept.
func (l *Loader) Watch(onChange func(old, updated *Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		updated, err := l.decode()
		if err != nil {
			l.logger.Warn("Ignoring invalid config change", "file", e.Name, "error", err)
			return
		}

		l.mu.Lock()
		old := l.current
		if old != nil {
			updated.SessionID = old.SessionID
		}
		l.current = updated
		l.mu.Unlock()

		l.logger.Info("Configuration reloaded", "file", e.Name)
		if onChange != nil {
			onChange(old, updated)
		}
	})
	l.v.WatchConfig()
}

// Save writes cfg as JSON to the file it was loaded from, or to
// $HOME/.forgechat.json when none was found
func (l *Loader) Save(cfg *Config) error {
	configFile := l.v.ConfigFileUsed()
	if configFile == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		configFile = filepath.Join(homeDir, fmt.Sprintf(".%s.json", appName))
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
