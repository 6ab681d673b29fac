package main

import (
	"context"
	"fmt"
	"strings"

	"jarvis/internal/config"
	"jarvis/internal/domain"
	"jarvis/internal/learning"
	"jarvis/internal/memory"

	"github.com/spf13/cobra"
)

// withLearning opens the store and an engine for one command.
func withLearning(fn func(ctx context.Context, cfg *config.Config, store *memory.SQLiteStore, engine *learning.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	defer store.Close()

	engine := newLearningEngine(cfg, store, nil)
	defer engine.Close()
	return fn(context.Background(), cfg, store, engine)
}

func learnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Inspect and teach what JARVIS has learned",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the learned context injected into prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLearning(func(ctx context.Context, _ *config.Config, _ *memory.SQLiteStore, engine *learning.Engine) error {
				text, err := engine.BuildLearningContext(ctx)
				if err != nil {
					return err
				}
				if text == "" {
					fmt.Println("Nothing learned yet.")
					return nil
				}
				fmt.Print(text)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "correct [original] [corrected]",
		Short: "Record that a reply should have been phrased differently",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLearning(func(ctx context.Context, _ *config.Config, _ *memory.SQLiteStore, engine *learning.Engine) error {
				c, err := engine.RecordCorrection(ctx, args[0], args[1], "", "")
				if err != nil {
					return err
				}
				fmt.Printf("Correction saved (category: %s)\n", c.Category)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "prefer [category] [key] [value]",
		Short: "Record a preference",
		Long:  "Record a preference. Categories: " + categoryNames() + ".",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			category := domain.PreferenceCategory(args[0])
			value := strings.Join(args[2:], " ")
			return withLearning(func(ctx context.Context, _ *config.Config, _ *memory.SQLiteStore, engine *learning.Engine) error {
				p, err := engine.RecordPreference(ctx, args[1], value, category, "cli")
				if err != nil {
					return err
				}
				fmt.Printf("Preference saved: [%s] %s = %s\n", p.Category.Title(), p.Key, p.Value)
				return nil
			})
		},
	})

	return cmd
}

func categoryNames() string {
	names := make([]string, 0, len(domain.PreferenceCategories))
	for _, c := range domain.PreferenceCategories {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}
