package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/geolink/internal/config"
	"github.com/JakeFAU/geolink/internal/links"
	"github.com/JakeFAU/geolink/internal/server"
)

// ctxKey is the key type for values the root command stores on the context.
type ctxKey string

const (
	appKey ctxKey = "app"
	cfgKey ctxKey = "config"
)

// skipAppAnnotation marks commands that only need configuration.
const skipAppAnnotation = "geolink/skip-app"

// App is what the commands drive. Tests inject a fake through newApp.
type App interface {
	Serve(ctx context.Context) error
	Consume(ctx context.Context) error
	Evaluate(ctx context.Context, req links.EvaluationRequest) (links.Evaluation, error)
	Close(ctx context.Context) error
}

var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

var runMigrations = server.Migrate

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "geolink",
		Short:         "Geo-routed short links with click telemetry and destination health checks.",
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), cfgKey, &cfg)
			if _, skip := cmd.Annotations[skipAppAnnotation]; !skip {
				appInstance, err := newApp(ctx, &cfg)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				ctx = context.WithValue(ctx, appKey, appInstance)
			}
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return nil
			}
			cfg, _ := cmd.Context().Value(cfgKey).(*config.Config)
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), cfg.ShutdownTimeout())
			defer cancel()
			return appInstance.Close(ctx)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.AddCommand(newServeCmd(), newConsumeCmd(), newEvaluateCmd(), newMigrateCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
