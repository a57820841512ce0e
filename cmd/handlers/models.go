package handlers

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"storyproc/internal/apiclient"
	"storyproc/internal/classifier"
	"storyproc/internal/config"
)

// NewDownloadModelsCmd creates the download-models command.
func NewDownloadModelsCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "download-models",
		Short: "Download classifier artifacts for every active project's language model",
		Long: `Download the classifier artifacts referenced by the model catalog.

The central server's language model catalog is fetched (or read from the
last snapshot when the server is unreachable) and every artifact a current
project needs is downloaded under the models directory. Existing artifacts
are kept unless --force is given.

Workers also do this at startup; running it separately warms a fresh
deployment or picks up republished artifacts.

Examples:
  storyproc download-models
  storyproc download-models --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownloadModels(cmd.Context(), force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Re-download artifacts that already exist")
	return cmd
}

func runDownloadModels(ctx context.Context, force bool) error {
	cfg := config.Get()

	api := apiclient.NewClient(cfg.API.BaseURL, cfg.API.Key, cfg.Dirs.Config, cfg.API.APITimeout())
	specs, err := api.LoadLanguageModels(ctx)
	if err != nil {
		return fmt.Errorf("load language models: %w", err)
	}
	projects, err := api.LoadProjects(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}

	registry := classifier.NewRegistry(cfg.Dirs.Models, cfg.API.APITimeout())
	downloaded, err := registry.RefreshAll(ctx, specs, projects, force)
	if err != nil {
		return fmt.Errorf("download model artifacts: %w", err)
	}

	fmt.Printf("✅ Model artifacts up to date in %s (%d downloaded)\n", cfg.Dirs.Models, downloaded)
	return nil
}
