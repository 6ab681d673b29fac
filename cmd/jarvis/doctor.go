package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"jarvis/internal/backend"
	"jarvis/internal/memory"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// healthChecker is implemented by backends that talk to an external runtime.
type healthChecker interface {
	Healthy(ctx context.Context) error
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your JARVIS installation",
		Long: `Verifies that the configuration, database, model file and inference
backend are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("JARVIS Doctor v%s\n", version)
			fmt.Printf("----------------------------------------\n\n")

			passed, failed, warned := 0, 0, 0

			// 1. Config file exists and validates
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}
			cfg, err := loadConfig()
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("invalid config")
			}
			printPass("Config validation", "valid")
			passed++

			// 2. Data directory
			if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
				printFail("Data directory", err.Error())
				failed++
			} else {
				printPass("Data directory", cfg.General.DataDir)
				passed++
			}

			// 3. Database opens and migrates
			if err := checkDatabase(cfg.Memory.DBPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", cfg.Memory.DBPath)
				passed++
			}

			// 4. Backend and model file
			b, err := backend.New(cfg.Backend, logger)
			if err != nil {
				printFail("Backend", err.Error())
				failed++
			} else {
				printPass("Backend", cfg.Backend.Kind)
				passed++

				if b.RequiresArtifact() {
					m := newModelManager(cfg)
					if info, err := os.Stat(m.ResolvePath(cfg.Model.Name)); err == nil && m.IsAvailable(cfg.Model.Name) {
						printPass("Model file", fmt.Sprintf("%s (%s)", cfg.Model.Name, humanize.Bytes(uint64(info.Size()))))
						passed++
					} else {
						printWarn("Model file", "not downloaded; run 'jarvis model download'")
						warned++
					}
				}

				if hc, ok := b.(healthChecker); ok {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					err := hc.Healthy(ctx)
					cancel()
					if err != nil {
						printFail("Runtime", err.Error())
						failed++
					} else {
						printPass("Runtime", fmt.Sprintf("%s at %s", b.Name(), cfg.Backend.APIBase))
						passed++
					}
				}
			}

			// 5. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n----------------------------------------\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running JARVIS.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nJARVIS should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! JARVIS is ready to run.\n")
			}
			return nil
		},
	}
}

// checkDatabase opens the store, which creates and migrates the schema,
// and runs a read against it.
func checkDatabase(dbPath string) error {
	store, err := memory.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.CountMessages(ctx); err != nil {
		return fmt.Errorf("cannot query: %w", err)
	}
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
