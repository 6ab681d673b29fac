package main

import (
	"context"
	"fmt"

	"jarvis/internal/config"
	"jarvis/internal/learning"
	"jarvis/internal/memory"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show usage and learning statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLearning(func(ctx context.Context, _ *config.Config, store *memory.SQLiteStore, engine *learning.Engine) error {
				messages, err := store.CountMessages(ctx)
				if err != nil {
					return err
				}
				corrections, err := store.CountCorrections(ctx)
				if err != nil {
					return err
				}
				prefs, err := store.CountPreferences(ctx)
				if err != nil {
					return err
				}
				lc, err := engine.LearningContext(ctx)
				if err != nil {
					return err
				}

				fmt.Printf("Messages:     %s\n", humanize.Comma(int64(messages)))
				fmt.Printf("Corrections:  %s\n", humanize.Comma(int64(corrections)))
				fmt.Printf("Preferences:  %s\n", humanize.Comma(int64(prefs)))

				first, err := store.FirstMessageAt(ctx)
				if err != nil {
					return err
				}
				if !first.IsZero() {
					fmt.Printf("First chat:   %s (day %d)\n", humanize.Time(first), lc.DaysSinceStart)
				}

				daily, err := store.DailyMetrics(ctx, days)
				if err != nil {
					return err
				}
				if len(daily) == 0 {
					return nil
				}
				fmt.Printf("\n%-12s %9s %12s %12s\n", "Date", "Messages", "Corrections", "Preferences")
				for _, d := range daily {
					fmt.Printf("%-12s %9d %12d %12d\n", d.Date, d.TotalMessages, d.Corrections, d.PreferencesLearned)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of days of daily activity to show")
	return cmd
}
