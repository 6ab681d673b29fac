package config

// The default artifact is a GGUF build, the format the Ollama backend loads.
const (
	DefaultModelName = "gemma-3-1b-it-Q4_K_M.gguf"
	DefaultModelURL  = "https://huggingface.co/ggml-org/gemma-3-1b-it-GGUF/resolve/main/gemma-3-1b-it-Q4_K_M.gguf"
	// DefaultModelSizeBytes approximates the artifact size for progress reporting
	// when the server omits Content-Length.
	DefaultModelSizeBytes = 806_000_000
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.jarvis",
			LogLevel: "info",
		},
		Backend: BackendConfig{
			Kind:          BackendScripted,
			APIBase:       "http://localhost:11434",
			Model:         "jarvis-gemma3-1b",
			ContextLength: 4096,
			MaxTokens:     512,
			TokenDelayMs:  50,
		},
		Model: ModelConfig{
			Dir:                    "~/.jarvis/models",
			Name:                   DefaultModelName,
			URL:                    DefaultModelURL,
			ExpectedSizeBytes:      DefaultModelSizeBytes,
			DownloadTimeoutSeconds: 0,
		},
		Memory: MemoryConfig{
			DBPath:     "~/.jarvis/jarvis.db",
			MaxHistory: 200,
		},
		Learning: LearningConfig{
			MaxCorrections:            10,
			MaxPreferencesPerCategory: 5,
			MinPriority:               0.7,
			TruncateLen:               100,
		},
	}
}
