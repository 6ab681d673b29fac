package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"jarvis/internal/config"
	"jarvis/internal/modelfile"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func modelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage the on-device model file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the configured model is downloaded",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			m := newModelManager(cfg)
			path := m.ResolvePath(cfg.Model.Name)
			fmt.Printf("Model:   %s\n", cfg.Model.Name)
			fmt.Printf("Path:    %s\n", path)
			fmt.Printf("Backend: %s\n", cfg.Backend.Kind)
			if !m.IsAvailable(cfg.Model.Name) {
				fmt.Printf("Status:  not downloaded (%s expected)\n", humanize.Bytes(uint64(max(cfg.Model.ExpectedSizeBytes, 0))))
				return nil
			}
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			fmt.Printf("Status:  downloaded, %s, %s\n", humanize.Bytes(uint64(info.Size())), humanize.Time(info.ModTime()))
			return nil
		},
	})

	var force bool
	download := &cobra.Command{
		Use:   "download",
		Short: "Download the configured model file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			m := newModelManager(cfg)
			if m.IsAvailable(cfg.Model.Name) && !force {
				fmt.Printf("%s is already downloaded. Use --force to fetch it again.\n", cfg.Model.Name)
				return nil
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return downloadModel(ctx, m, cfg)
		},
	}
	download.Flags().BoolVar(&force, "force", false, "download even if the file is present")
	cmd.AddCommand(download)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a model file (default: the configured model)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			name := cfg.Model.Name
			if len(args) == 1 {
				name = args[0]
			}
			deleted, err := newModelManager(cfg).Delete(name)
			if err != nil {
				return err
			}
			if !deleted {
				fmt.Printf("%s is not downloaded.\n", name)
				return nil
			}
			fmt.Printf("Deleted %s\n", name)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List model files in the model directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			m := newModelManager(cfg)
			artifacts, err := m.List()
			if err != nil {
				return err
			}
			if len(artifacts) == 0 {
				fmt.Printf("No models in %s\n", m.Dir())
				return nil
			}
			for _, a := range artifacts {
				marker := " "
				if a.Name == cfg.Model.Name {
					marker = "*"
				}
				fmt.Printf("%s %-40s %10s  %s\n", marker, a.Name, humanize.Bytes(uint64(a.Size)), humanize.Time(a.ModTime))
			}
			used, err := m.StorageUsed()
			if err != nil {
				return err
			}
			fmt.Printf("\n%d file(s), %s used\n", len(artifacts), humanize.Bytes(uint64(used)))
			return nil
		},
	})

	return cmd
}

// downloadModel drains the download events, redrawing a single progress line.
func downloadModel(ctx context.Context, m *modelfile.Manager, cfg *config.Config) error {
	fmt.Printf("Downloading %s\n", cfg.Model.URL)
	var failure error
	for ev := range m.Download(ctx, cfg.Model.URL, cfg.Model.Name) {
		switch ev.Kind {
		case modelfile.EventStarting:
			fmt.Print("\r  starting...")
		case modelfile.EventProgress:
			fmt.Printf("\r  %5.1f%%  %s / %s   ", min(ev.Fraction, 1)*100,
				humanize.Bytes(uint64(ev.Downloaded)), humanize.Bytes(uint64(max(ev.Total, 0))))
		case modelfile.EventCompleted:
			fmt.Printf("\r  done: %s (%s)          \n", ev.Path, humanize.Bytes(uint64(ev.Downloaded)))
		case modelfile.EventFailed:
			fmt.Println()
			failure = fmt.Errorf("download failed: %s", ev.Reason())
		}
	}
	return failure
}
