package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"jarvis/internal/agent"
	"jarvis/internal/backend"
	"jarvis/internal/bus"
	"jarvis/internal/channel"
	"jarvis/internal/config"
	"jarvis/internal/learning"
	"jarvis/internal/memory"
	"jarvis/internal/modelfile"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	root := &cobra.Command{
		Use:           "jarvis",
		Short:         "JARVIS: an offline assistant that learns from your corrections",
		Long:          "JARVIS chats with an on-device model, remembers the conversation and adapts its replies to corrections and preferences.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.jarvis/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(modelCmd())
	root.AddCommand(learnCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist yet. A file that exists but is invalid is an error.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
		cfg.General.DataDir = config.ExpandPath(cfg.General.DataDir)
		cfg.Model.Dir = config.ExpandPath(cfg.Model.Dir)
		cfg.Memory.DBPath = config.ExpandPath(cfg.Memory.DBPath)
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger replaces the bootstrap logger with one honouring the config.
// The returned closer releases the log file, if any.
func setupLogger(cfg *config.Config) (func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	// The terminal belongs to the chat; only warnings go to stderr unless a
	// log file takes the full stream.
	var w io.Writer = os.Stderr
	closer := func() {}
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return closer, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return closer, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closer = func() { f.Close() }
	} else if level < slog.LevelWarn {
		level = slog.LevelWarn
	}

	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return closer, nil
}

func newModelManager(cfg *config.Config) *modelfile.Manager {
	return modelfile.NewManager(modelfile.Config{
		Dir:          cfg.Model.Dir,
		ExpectedSize: cfg.Model.ExpectedSizeBytes,
		Timeout:      time.Duration(cfg.Model.DownloadTimeoutSeconds) * time.Second,
		Logger:       logger,
	})
}

func newLearningEngine(cfg *config.Config, store *memory.SQLiteStore, events *bus.EventBus) *learning.Engine {
	return learning.NewEngine(learning.Config{
		Store:                     store,
		Messages:                  store,
		Events:                    events,
		MaxCorrections:            cfg.Learning.MaxCorrections,
		MaxPreferencesPerCategory: cfg.Learning.MaxPreferencesPerCategory,
		MinPriority:               cfg.Learning.MinPriority,
		TruncateLen:               cfg.Learning.TruncateLen,
		Logger:                    logger,
	})
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{cfg.General.DataDir, cfg.Model.Dir} {
				if err := os.MkdirAll(config.ExpandPath(dir), 0o755); err != nil {
					return err
				}
			}
			fmt.Printf("Config written to %s\n", cfgPath)
			fmt.Printf("Models are stored in %s\n", config.ExpandPath(cfg.Model.Dir))
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat in the terminal",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	defer store.Close()

	events := bus.NewEventBus(logger)
	engine := newLearningEngine(cfg, store, events)
	defer engine.Close()

	b, err := backend.New(cfg.Backend, logger)
	if err != nil {
		return err
	}
	defer func() {
		unloadCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Unload(unloadCtx)
	}()

	pipeline := agent.NewPipeline(agent.PipelineConfig{
		Backend:      b,
		Messages:     store,
		Learning:     engine,
		Prompt:       agent.NewPromptBuilder(agent.PromptConfig{TruncateLen: cfg.Learning.TruncateLen}),
		Limiter:      agent.NewRateLimiter(0, cfg.Backend.RequestsPerMinute),
		Events:       events,
		Logger:       logger,
		HistoryLimit: cfg.Memory.MaxHistory,
	})

	session := agent.NewSession(agent.SessionConfig{
		ConversationID: cfg.General.ConversationID,
		Backend:        b,
		Pipeline:       pipeline,
		Learning:       engine,
		Artifacts:      newModelManager(cfg),
		ModelName:      cfg.Model.Name,
		ModelURL:       cfg.Model.URL,
		Events:         events,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := session.Start(ctx); err != nil {
		return err
	}
	// Session.Close waits for background work bound to ctx.
	defer func() {
		cancel()
		session.Close()
	}()

	channel.SetVersion(version)
	cli := channel.NewCLI(channel.CLIConfig{
		Session:  session,
		Learning: engine,
		Messages: store,
		Events:   events,
		Logger:   logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return cli.Start(gctx)
	})
	g.Go(func() error {
		for range engine.ObserveLearnings(gctx) {
			logger.Debug("learnings updated")
		}
		return nil
	})

	err = g.Wait()
	logger.Info("chat ended", "conversation", session.ConversationID())
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jarvis %s\n", version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. backend.kind)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. backend.kind ollama)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("%s = %s\n", args[0], args[1])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			for _, key := range slices.Sorted(maps.Keys(paths)) {
				fmt.Printf("%s = %v\n", key, paths[key])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
