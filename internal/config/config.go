package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides (CALLGUARD_...)
const EnvPrefix = "CALLGUARD"

const (
	inherited       = "inherited"
	profileSpecific = "profile-specific"
)

type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Recording  RecordingConfig  `mapstructure:"recording" yaml:"recording"`
	Output     OutputConfig     `mapstructure:"output" yaml:"output"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Alerts     AlertsConfig     `mapstructure:"alerts" yaml:"alerts"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type InheritanceInfo struct {
	Recording struct {
		Platform        string
		Backend         string
		Source          string
		SegmentDuration string
	}
	Output struct {
		Directory    string
		KeepSegments string
	}
	Classifier struct {
		BaseURL string
		Timeout string
	}
	Alerts struct {
		HonorStaleVerdicts string
	}
}

type RecordingConfig struct {
	Platform          string `mapstructure:"platform" yaml:"platform"` // "android", "ios", "web"
	Backend           string `mapstructure:"backend" yaml:"backend"`   // "pulse", "alsa", "avfoundation", "auto"
	Source            string `mapstructure:"source" yaml:"source"`
	SegmentDurationMs int    `mapstructure:"segment_duration_ms" yaml:"segment_duration_ms"`
	DeviceTimeoutMs   int    `mapstructure:"device_timeout_ms" yaml:"device_timeout_ms"`
}

type OutputConfig struct {
	Directory    string `mapstructure:"directory" yaml:"directory"`
	KeepSegments *bool  `mapstructure:"keep_segments" yaml:"keep_segments,omitempty"`
}

type ClassifierConfig struct {
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	TimeoutMs int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
}

type AlertsConfig struct {
	HonorStaleVerdicts *bool `mapstructure:"honor_stale_verdicts" yaml:"honor_stale_verdicts,omitempty"`
}

// Default returns the built-in configuration used when no config file exists
func Default() *Config {
	keep := false
	honor := false
	return &Config{
		Recording: RecordingConfig{
			Platform:          "android",
			Backend:           "auto",
			Source:            "default",
			SegmentDurationMs: 10000,
			DeviceTimeoutMs:   5000,
		},
		Output: OutputConfig{
			Directory:    filepath.Join(os.TempDir(), "callguard"),
			KeepSegments: &keep,
		},
		Classifier: ClassifierConfig{
			BaseURL:   "http://localhost:8000",
			TimeoutMs: 30000,
			UserAgent: "callguard/1.0",
		},
		Alerts: AlertsConfig{
			HonorStaleVerdicts: &honor,
		},
	}
}

// SegmentDuration returns the rotation period
func (c *Config) SegmentDuration() time.Duration {
	return time.Duration(c.Recording.SegmentDurationMs) * time.Millisecond
}

// DeviceTimeout bounds a single prepare/start/stop call on the capture device
func (c *Config) DeviceTimeout() time.Duration {
	return time.Duration(c.Recording.DeviceTimeoutMs) * time.Millisecond
}

// ClassifierTimeout bounds a single upload
func (c *Config) ClassifierTimeout() time.Duration {
	return time.Duration(c.Classifier.TimeoutMs) * time.Millisecond
}

func (c *Config) KeepSegments() bool {
	return c.Output.KeepSegments != nil && *c.Output.KeepSegments
}

func (c *Config) HonorStaleVerdicts() bool {
	return c.Alerts.HonorStaleVerdicts != nil && *c.Alerts.HonorStaleVerdicts
}

// LoadWithProfile reads configFile and resolves the requested profile (or the
// file's active_config) on top of the "default" profile and built-in defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selected, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	base := Default()
	if configName != "default" {
		if defaultProfile, ok := rootConfig.Configs["default"]; ok {
			base = mergeConfigs(base, defaultProfile)
		}
	}

	result := mergeConfigs(base, selected)
	result.Output.Directory = expandPath(result.Output.Directory)

	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return result, nil
}

// LoadOrDefault behaves like LoadWithProfile but falls back to Default when
// configFile does not exist and no profile was requested.
func LoadOrDefault(configFile, profile string) (*Config, error) {
	if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) && profile == "" {
		cfg := mergeConfigs(Default(), nil)
		applyEnvOverrides(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
		return cfg, nil
	}
	return LoadWithProfile(configFile, profile)
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if _, ok := rootConfig.Configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required")
	}
	for name, profile := range rootConfig.Configs {
		if profile == nil {
			return nil, fmt.Errorf("config '%s' is empty", name)
		}
	}

	// Environment overrides apply to whichever profile ends up selected; they
	// are read from the same viper instance so CALLGUARD_CLASSIFIER_BASE_URL
	// and friends work without a matching key in the file.
	envOverrides := envProfile(v)
	for name, profile := range rootConfig.Configs {
		rootConfig.Configs[name] = mergeConfigs(profile, envOverrides)
	}

	return &rootConfig, nil
}

// envProfile collects the values set through CALLGUARD_* variables.
func envProfile(v *viper.Viper) *Config {
	cfg := &Config{}
	lookup := func(key string) (string, bool) {
		name := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		return os.LookupEnv(name)
	}
	if _, ok := lookup("recording.platform"); ok {
		cfg.Recording.Platform = v.GetString("recording.platform")
	}
	if _, ok := lookup("recording.backend"); ok {
		cfg.Recording.Backend = v.GetString("recording.backend")
	}
	if _, ok := lookup("recording.source"); ok {
		cfg.Recording.Source = v.GetString("recording.source")
	}
	if _, ok := lookup("recording.segment_duration_ms"); ok {
		cfg.Recording.SegmentDurationMs = v.GetInt("recording.segment_duration_ms")
	}
	if _, ok := lookup("output.directory"); ok {
		cfg.Output.Directory = v.GetString("output.directory")
	}
	if _, ok := lookup("classifier.base_url"); ok {
		cfg.Classifier.BaseURL = v.GetString("classifier.base_url")
	}
	if _, ok := lookup("classifier.timeout_ms"); ok {
		cfg.Classifier.TimeoutMs = v.GetInt("classifier.timeout_ms")
	}
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	*cfg = *mergeConfigs(cfg, envProfile(v))
}

// mergeConfigs overlays profile on base. Zero values in profile fall back to
// base and are reported as inherited.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{Inheritance: &InheritanceInfo{}}
	inh := result.Inheritance

	if base != nil {
		result.Recording = base.Recording
		result.Output = base.Output
		result.Classifier = base.Classifier
		result.Alerts = base.Alerts

		inh.Recording.Platform = inherited
		inh.Recording.Backend = inherited
		inh.Recording.Source = inherited
		inh.Recording.SegmentDuration = inherited
		inh.Output.Directory = inherited
		inh.Output.KeepSegments = inherited
		inh.Classifier.BaseURL = inherited
		inh.Classifier.Timeout = inherited
		inh.Alerts.HonorStaleVerdicts = inherited
	}

	if profile == nil {
		return result
	}

	if profile.Recording.Platform != "" {
		result.Recording.Platform = profile.Recording.Platform
		inh.Recording.Platform = profileSpecific
	}
	if profile.Recording.Backend != "" {
		result.Recording.Backend = profile.Recording.Backend
		inh.Recording.Backend = profileSpecific
	}
	if profile.Recording.Source != "" {
		result.Recording.Source = profile.Recording.Source
		inh.Recording.Source = profileSpecific
	}
	if profile.Recording.SegmentDurationMs != 0 {
		result.Recording.SegmentDurationMs = profile.Recording.SegmentDurationMs
		inh.Recording.SegmentDuration = profileSpecific
	}
	if profile.Recording.DeviceTimeoutMs != 0 {
		result.Recording.DeviceTimeoutMs = profile.Recording.DeviceTimeoutMs
	}

	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		inh.Output.Directory = profileSpecific
	}
	if profile.Output.KeepSegments != nil {
		result.Output.KeepSegments = profile.Output.KeepSegments
		inh.Output.KeepSegments = profileSpecific
	}

	if profile.Classifier.BaseURL != "" {
		result.Classifier.BaseURL = profile.Classifier.BaseURL
		inh.Classifier.BaseURL = profileSpecific
	}
	if profile.Classifier.TimeoutMs != 0 {
		result.Classifier.TimeoutMs = profile.Classifier.TimeoutMs
		inh.Classifier.Timeout = profileSpecific
	}
	if profile.Classifier.UserAgent != "" {
		result.Classifier.UserAgent = profile.Classifier.UserAgent
	}

	if profile.Alerts.HonorStaleVerdicts != nil {
		result.Alerts.HonorStaleVerdicts = profile.Alerts.HonorStaleVerdicts
		inh.Alerts.HonorStaleVerdicts = profileSpecific
	}

	return result
}

// Validate checks a resolved configuration
func (c *Config) Validate() error {
	switch c.Recording.Platform {
	case "android", "ios", "web":
	default:
		return fmt.Errorf("recording.platform must be 'android', 'ios' or 'web', got: %s", c.Recording.Platform)
	}

	switch strings.ToLower(c.Recording.Backend) {
	case "", "auto", "pulse", "alsa", "avfoundation":
	default:
		return fmt.Errorf("recording.backend must be 'auto', 'pulse', 'alsa' or 'avfoundation', got: %s", c.Recording.Backend)
	}

	if c.Recording.SegmentDurationMs <= 0 {
		return fmt.Errorf("recording.segment_duration_ms must be > 0, got: %d", c.Recording.SegmentDurationMs)
	}
	if c.Recording.DeviceTimeoutMs < 0 {
		return fmt.Errorf("recording.device_timeout_ms must be >= 0, got: %d", c.Recording.DeviceTimeoutMs)
	}

	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}

	if c.Classifier.BaseURL == "" {
		return fmt.Errorf("classifier.base_url is required")
	}
	u, err := url.Parse(c.Classifier.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("classifier.base_url must be an absolute http(s) URL, got: %s", c.Classifier.BaseURL)
	}
	if c.Classifier.TimeoutMs <= 0 {
		return fmt.Errorf("classifier.timeout_ms must be > 0, got: %d", c.Classifier.TimeoutMs)
	}

	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
