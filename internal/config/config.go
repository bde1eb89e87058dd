package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yomitori/yomitori/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	LLM      LLMConfig      `yaml:"llm"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxBodySize   ByteSize      `yaml:"maxBodySize"` // whole multipart request body
	WorkerCount   int           `yaml:"workerCount"`
	QueueCapacity int           `yaml:"queueCapacity"`
	StorageDir    string        `yaml:"storageDir"` // temp spill for uploads
	APIKey        string        `yaml:"apiKey"`     // optional static API key header (X-API-Key)
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
	LogLevel      string        `yaml:"logLevel"` // debug|info|warn|error
}

// PipelineConfig holds the image normalization tunables and catalog extensions.
type PipelineConfig struct {
	MaxFileSize    ByteSize           `yaml:"maxFileSize"`    // per-image size gate
	MaxDimension   int                `yaml:"maxDimension"`   // longer edge, px
	ExtractTimeout time.Duration      `yaml:"extractTimeout"` // per extraction call
	ExtraModes     []PromptModeConfig `yaml:"extraModes"`     // appended to the built-in catalog
}

// PromptModeConfig is an additional prompt mode configured by the operator.
type PromptModeConfig struct {
	Label       string `yaml:"label"`
	Instruction string `yaml:"instruction"`
}

// LLMConfig selects provider and provider-specific options.
type LLMConfig struct {
	Provider string         `yaml:"provider"` // "gemini" or "mock"
	Gemini   GeminiSettings `yaml:"gemini"`
	Mock     MockSettings   `yaml:"mock"`
}

// GeminiSettings config for the Gemini generative language API.
type GeminiSettings struct {
	BaseURL         string   `yaml:"baseUrl"`         // optional, default https://generativelanguage.googleapis.com/v1beta
	SecretsFile     string   `yaml:"secretsFile"`     // optional YAML secrets file holding GEMINI_API_KEY
	PreferredModels []string `yaml:"preferredModels"` // optional override of the model preference order
}

// MockSettings config for the mock LLM.
type MockSettings struct {
	Delay  time.Duration `yaml:"delay"`
	Prefix string        `yaml:"prefix"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "5Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "5Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	// Numeric only
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	// Normalize to upper for suffix matching but keep numeric part as-is
	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		// Kubernetes binary-style without 'B'
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		// Binary with B
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		// Decimal
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var YOMITORI_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("YOMITORI_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	// Ensure storage dir exists
	if cfg.Server.StorageDir != "" {
		if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure storage_dir: %w", err)
		}
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodySize == 0 {
		// Room for a batch of images, each individually gated later.
		cfg.Server.MaxBodySize = ByteSize(64 * 1024 * 1024)
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = common.DefaultWorkerCount
	}
	if cfg.Server.QueueCapacity <= 0 {
		cfg.Server.QueueCapacity = common.DefaultQueueCapacity
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Pipeline defaults
	if cfg.Pipeline.MaxFileSize == 0 {
		cfg.Pipeline.MaxFileSize = ByteSize(common.DefaultMaxFileBytes)
	}
	if cfg.Pipeline.MaxDimension <= 0 {
		cfg.Pipeline.MaxDimension = common.DefaultMaxDimension
	}
	if cfg.Pipeline.ExtractTimeout == 0 {
		cfg.Pipeline.ExtractTimeout = 60 * time.Second
	}

	// LLM defaults
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "gemini"
	}
	if cfg.LLM.Mock.Delay == 0 {
		cfg.LLM.Mock.Delay = 2 * time.Second
	}
	if cfg.LLM.Mock.Prefix == "" {
		cfg.LLM.Mock.Prefix = "Extracted by Mock"
	}
	if strings.EqualFold(cfg.LLM.Provider, "gemini") {
		if strings.TrimSpace(cfg.LLM.Gemini.SecretsFile) == "" {
			cfg.LLM.Gemini.SecretsFile = "secrets.yaml"
		}
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.LLM.Provider)) {
	case "gemini", "mock":
	default:
		return fmt.Errorf("unsupported llm provider %q", cfg.LLM.Provider)
	}

	if cfg.Pipeline.MaxDimension < 1 {
		return errors.New("pipeline.maxDimension must be positive")
	}
	if cfg.Pipeline.ExtractTimeout < 0 {
		return errors.New("pipeline.extractTimeout must not be negative")
	}

	seen := make(map[string]struct{}, len(cfg.Pipeline.ExtraModes))
	for _, m := range cfg.Pipeline.ExtraModes {
		label := strings.TrimSpace(m.Label)
		if label == "" {
			return errors.New("pipeline.extraModes entries require a label")
		}
		if strings.TrimSpace(m.Instruction) == "" {
			return fmt.Errorf("pipeline.extraModes %q requires an instruction", label)
		}
		if _, dup := seen[label]; dup {
			return fmt.Errorf("pipeline.extraModes label %q is duplicated", label)
		}
		seen[label] = struct{}{}
	}
	return nil
}
