// Package config handles configuration loading and validation for snapname.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SNAPNAME_QUEUE_WORKERS.
const EnvPrefix = "SNAPNAME"

// ConfigErrorType represents the type of configuration error.
type ConfigErrorType string

const (
	FileNotFound    ConfigErrorType = "FILE_NOT_FOUND"
	InvalidFormat   ConfigErrorType = "INVALID_FORMAT"
	ValidationError ConfigErrorType = "VALIDATION_ERROR"
)

// ConfigError represents an error that occurred during configuration loading.
type ConfigError struct {
	Type    ConfigErrorType
	Path    string
	Message string
}

func (e *ConfigError) Error() string {
	switch e.Type {
	case FileNotFound:
		return fmt.Sprintf("configuration file not found: %s", e.Path)
	case InvalidFormat:
		return fmt.Sprintf("invalid configuration file %s: %s", e.Path, e.Message)
	case ValidationError:
		return fmt.Sprintf("configuration validation error: %s", e.Message)
	default:
		return fmt.Sprintf("configuration error: %s", e.Message)
	}
}

// Conflict policies for rename destinations that already exist.
const (
	ConflictNumeric   = "numeric"
	ConflictTimestamp = "timestamp"
)

// Config holds all settings for snapname.
type Config struct {
	DataDir     string            `mapstructure:"data_dir" yaml:"data_dir"`
	DBPath      string            `mapstructure:"db_path" yaml:"db_path"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Watch       WatchConfig       `mapstructure:"watch" yaml:"watch"`
	Queue       QueueConfig       `mapstructure:"queue" yaml:"queue"`
	Suggestions SuggestionsConfig `mapstructure:"suggestions" yaml:"suggestions"`
	Rename      RenameConfig      `mapstructure:"rename" yaml:"rename"`
	Activity    ActivityConfig    `mapstructure:"activity" yaml:"activity"`
	Analyzer    AnalyzerConfig    `mapstructure:"analyzer" yaml:"analyzer"`
	Probe       ProbeConfig       `mapstructure:"probe" yaml:"probe"`
	API         APIConfig         `mapstructure:"api" yaml:"api"`
	MQTT        MQTTConfig        `mapstructure:"mqtt" yaml:"mqtt"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

type WatchConfig struct {
	DebounceMS      int      `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	Recursive       bool     `mapstructure:"recursive" yaml:"recursive"`
	IgnorePatterns  []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`
	ImageExtensions []string `mapstructure:"image_extensions" yaml:"image_extensions"`
	VideoExtensions []string `mapstructure:"video_extensions" yaml:"video_extensions"`
}

// Debounce returns the quiet period as a duration.
func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMS) * time.Millisecond
}

type QueueConfig struct {
	Workers                int `mapstructure:"workers" yaml:"workers"`
	AnalysisTimeoutSeconds int `mapstructure:"analysis_timeout_seconds" yaml:"analysis_timeout_seconds"`
}

// AnalysisTimeout returns the hard timeout for one analysis call.
func (q QueueConfig) AnalysisTimeout() time.Duration {
	return time.Duration(q.AnalysisTimeoutSeconds) * time.Second
}

type SuggestionsConfig struct {
	MinConfidence float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
	Template      string  `mapstructure:"template" yaml:"template"`
}

// Relocation sends renamed files whose scene or tag equals Match into Directory.
type Relocation struct {
	Match     string `mapstructure:"match" yaml:"match"`
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type RenameConfig struct {
	ConflictPolicy string       `mapstructure:"conflict_policy" yaml:"conflict_policy"`
	BackupEnabled  bool         `mapstructure:"backup_enabled" yaml:"backup_enabled"`
	BackupDir      string       `mapstructure:"backup_dir" yaml:"backup_dir"`
	Relocations    []Relocation `mapstructure:"relocations" yaml:"relocations"`
}

type ActivityConfig struct {
	RetentionDays    int `mapstructure:"retention_days" yaml:"retention_days"`
	MinRetentionDays int `mapstructure:"min_retention_days" yaml:"min_retention_days"`
}

type AnalyzerConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Model   string `mapstructure:"model" yaml:"model"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
}

type ProbeConfig struct {
	FFprobePath     string `mapstructure:"ffprobe_path" yaml:"ffprobe_path"`
	FFmpegPath      string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	CacheTTLMinutes int    `mapstructure:"cache_ttl_minutes" yaml:"cache_ttl_minutes"`
}

type APIConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker      string `mapstructure:"broker" yaml:"broker"`
	ClientID    string `mapstructure:"client_id" yaml:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	Username    string `mapstructure:"username" yaml:"username,omitempty"`
	Password    string `mapstructure:"password" yaml:"password,omitempty"`
}

// DefaultIgnorePatterns are partial-download and editor artifacts never analysed.
var DefaultIgnorePatterns = []string{
	"*.tmp", "*.part", "*.download", "*.crdownload", "*.partial", ".~*", "*.backup",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".snapname")
	v.SetDefault("db_path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("watch.debounce_ms", 2000)
	v.SetDefault("watch.recursive", true)
	v.SetDefault("watch.ignore_patterns", DefaultIgnorePatterns)
	v.SetDefault("watch.image_extensions", []string{"jpg", "jpeg", "png", "gif", "webp", "bmp", "tiff", "heic"})
	v.SetDefault("watch.video_extensions", []string{"mp4", "mov", "avi", "mkv", "webm"})

	v.SetDefault("queue.workers", 5)
	v.SetDefault("queue.analysis_timeout_seconds", 120)

	v.SetDefault("suggestions.min_confidence", 0.5)
	v.SetDefault("suggestions.template", "{description}_{date}")

	v.SetDefault("rename.conflict_policy", ConflictNumeric)
	v.SetDefault("rename.backup_enabled", false)
	v.SetDefault("rename.backup_dir", "")
	v.SetDefault("rename.relocations", []Relocation{})

	v.SetDefault("activity.retention_days", 90)
	v.SetDefault("activity.min_retention_days", 7)

	v.SetDefault("analyzer.base_url", "http://localhost:11434")
	v.SetDefault("analyzer.model", "llava")
	v.SetDefault("analyzer.api_key", "")

	v.SetDefault("probe.ffprobe_path", "ffprobe")
	v.SetDefault("probe.ffmpeg_path", "ffmpeg")
	v.SetDefault("probe.cache_ttl_minutes", 30)

	v.SetDefault("api.listen", ":8002")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "snapname")
	v.SetDefault("mqtt.topic_prefix", "snapname")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
}

// Default returns the configuration with every default applied and no file or environment overlay.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults always decode
	_ = v.Unmarshal(cfg)
	cfg.applyDerived()
	return cfg
}

// Load reads configuration from defaults, an optional file, a .env file and
// SNAPNAME_* environment variables, in increasing precedence.
// With an empty filePath, ./snapname.yaml is used when present.
func Load(filePath string) (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filePath != "" {
		if _, err := os.Stat(filePath); err != nil {
			return nil, &ConfigError{Type: FileNotFound, Path: filePath, Message: err.Error()}
		}
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, &ConfigError{Type: InvalidFormat, Path: filePath, Message: err.Error()}
		}
	} else {
		v.SetConfigName("snapname")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, &ConfigError{Type: InvalidFormat, Path: v.ConfigFileUsed(), Message: err.Error()}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &ConfigError{Type: InvalidFormat, Path: filePath, Message: err.Error()}
	}
	cfg.applyDerived()

	result := ValidateConfig(cfg)
	if !result.Valid {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Field+": "+e.Message)
		}
		return nil, &ConfigError{Type: ValidationError, Message: strings.Join(msgs, "; ")}
	}

	return cfg, nil
}

// applyDerived fills paths that default relative to data_dir.
func (c *Config) applyDerived() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "snapname.db")
	}
	if c.Rename.BackupDir == "" {
		c.Rename.BackupDir = filepath.Join(c.DataDir, "backups")
	}
}

// Save writes the configuration as YAML.
func Save(cfg *Config, filePath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return &ConfigError{Type: InvalidFormat, Path: filePath, Message: err.Error()}
	}

	if dir := filepath.Dir(filePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &ConfigError{Type: ValidationError, Message: fmt.Sprintf("failed to create config directory: %s", err)}
		}
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return &ConfigError{
			Type:    ValidationError,
			Message: fmt.Sprintf("failed to write configuration file: %s", err.Error()),
		}
	}

	return nil
}
