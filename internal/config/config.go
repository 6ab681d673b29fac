package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Backend kinds accepted by backend.kind.
const (
	BackendScripted = "scripted"
	BackendOllama   = "ollama"
)

// Config is the root configuration for jarvis.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Backend  BackendConfig  `json:"backend"`
	Model    ModelConfig    `json:"model"`
	Memory   MemoryConfig   `json:"memory"`
	Learning LearningConfig `json:"learning"`
}

type GeneralConfig struct {
	DataDir        string `json:"dataDir"`
	LogLevel       string `json:"logLevel"`
	LogFile        string `json:"logFile,omitempty"`
	ConversationID string `json:"conversationId,omitempty"` // empty = new conversation per chat session
}

// BackendConfig selects and tunes the inference backend. The kind is fixed
// for the process lifetime.
type BackendConfig struct {
	Kind          string `json:"kind"` // "scripted" | "ollama"
	APIBase       string `json:"apiBase,omitempty"`
	Model         string `json:"model,omitempty"` // runtime model name registered for the artifact
	APIKey        string `json:"apiKey,omitempty"`
	ContextLength int    `json:"contextLength"`
	MaxTokens     int    `json:"maxTokens"`
	TokenDelayMs  int    `json:"tokenDelayMs"`         // scripted backend pacing
	ScriptFile    string `json:"scriptFile,omitempty"` // extra scripted replies (YAML)
	// RequestsPerMinute throttles generations sent to the backend; 0 disables.
	RequestsPerMinute float64 `json:"requestsPerMinute,omitempty"`
}

// ModelConfig identifies the model artifact and where it lives.
type ModelConfig struct {
	Dir                    string `json:"dir"`
	Name                   string `json:"name"`
	URL                    string `json:"url"`
	ExpectedSizeBytes      int64  `json:"expectedSizeBytes"` // progress fallback only, not an integrity check
	DownloadTimeoutSeconds int    `json:"downloadTimeoutSeconds"`
}

type MemoryConfig struct {
	DBPath     string `json:"dbPath"`
	MaxHistory int    `json:"maxHistory"`
}

type LearningConfig struct {
	MaxCorrections            int     `json:"maxCorrections"`
	MaxPreferencesPerCategory int     `json:"maxPreferencesPerCategory"`
	MinPriority               float64 `json:"minPriority"`
	TruncateLen               int     `json:"truncateLen"`
}

// DefaultConfigDir returns the default config directory (~/.jarvis).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jarvis"
	}
	return filepath.Join(home, ".jarvis")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	cfg.expandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (c *Config) expandPaths() {
	c.General.DataDir = ExpandPath(c.General.DataDir)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Model.Dir = ExpandPath(c.Model.Dir)
	c.Memory.DBPath = ExpandPath(c.Memory.DBPath)
	c.Backend.ScriptFile = ExpandPath(c.Backend.ScriptFile)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values and reports every problem at once.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	switch cfg.Backend.Kind {
	case BackendScripted:
	case BackendOllama:
		if cfg.Backend.APIBase == "" {
			errs = append(errs, "backend.apiBase is required for the ollama backend")
		}
		if cfg.Backend.Model == "" {
			errs = append(errs, "backend.model is required for the ollama backend")
		}
	default:
		errs = append(errs, "backend.kind must be one of: scripted, ollama")
	}
	if cfg.Backend.ContextLength < 1 {
		errs = append(errs, "backend.contextLength must be >= 1")
	}
	if cfg.Backend.MaxTokens < 1 {
		errs = append(errs, "backend.maxTokens must be >= 1")
	}
	if cfg.Backend.TokenDelayMs < 0 {
		errs = append(errs, "backend.tokenDelayMs must be >= 0")
	}
	if cfg.Backend.RequestsPerMinute < 0 {
		errs = append(errs, "backend.requestsPerMinute must be >= 0")
	}

	if cfg.Model.Dir == "" {
		errs = append(errs, "model.dir is required")
	}
	if cfg.Model.Name == "" || strings.ContainsAny(cfg.Model.Name, `/\`) {
		errs = append(errs, "model.name must be a plain file name")
	}
	if cfg.Model.ExpectedSizeBytes <= 0 {
		errs = append(errs, "model.expectedSizeBytes must be > 0")
	}
	if cfg.Model.DownloadTimeoutSeconds < 0 {
		errs = append(errs, "model.downloadTimeoutSeconds must be >= 0")
	}

	if cfg.Memory.DBPath == "" {
		errs = append(errs, "memory.dbPath is required")
	}
	if cfg.Memory.MaxHistory < 1 {
		errs = append(errs, "memory.maxHistory must be >= 1")
	}

	if cfg.Learning.MaxCorrections < 1 {
		errs = append(errs, "learning.maxCorrections must be >= 1")
	}
	if cfg.Learning.MaxPreferencesPerCategory < 1 {
		errs = append(errs, "learning.maxPreferencesPerCategory must be >= 1")
	}
	if cfg.Learning.MinPriority < 0 || cfg.Learning.MinPriority > 1 {
		errs = append(errs, "learning.minPriority must be between 0 and 1")
	}
	if cfg.Learning.TruncateLen < 1 {
		errs = append(errs, "learning.truncateLen must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
