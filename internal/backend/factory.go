package backend

import (
	"fmt"
	"log/slog"
	"time"

	"jarvis/internal/config"
	"jarvis/internal/domain"
)

// New builds the backend selected by cfg.Kind. The choice is made once;
// callers own the returned instance for the process lifetime.
func New(cfg config.BackendConfig, logger *slog.Logger) (domain.Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("backend", cfg.Kind)

	switch cfg.Kind {
	case config.BackendScripted, "":
		var rules []Rule
		if cfg.ScriptFile != "" {
			r, err := LoadRules(cfg.ScriptFile)
			if err != nil {
				return nil, err
			}
			rules = r
			logger.Info("loaded scripted replies", "path", cfg.ScriptFile, "rules", len(r))
		}
		delay := time.Duration(cfg.TokenDelayMs) * time.Millisecond
		if cfg.TokenDelayMs == 0 {
			delay = -1
		}
		return NewScripted(ScriptedConfig{
			Rules:         rules,
			TokenDelay:    delay,
			ContextLength: cfg.ContextLength,
			Logger:        logger,
		}), nil

	case config.BackendOllama:
		return NewOllama(OllamaConfig{
			APIBase:       cfg.APIBase,
			Model:         cfg.Model,
			ContextLength: cfg.ContextLength,
			MaxTokens:     cfg.MaxTokens,
			Logger:        logger,
		}), nil

	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}
