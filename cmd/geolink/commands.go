package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/geolink/internal/links"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the redirect server, click pipeline and evaluation engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Serve(cmd.Context())
		},
	}
}

func newConsumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Persist queued clicks and schedule destination evaluations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Consume(cmd.Context())
		},
	}
}

func newEvaluateCmd() *cobra.Command {
	var req links.EvaluationRequest
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one destination synchronously and print the evaluation id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			evaluation, err := appInstance.Evaluate(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), evaluation.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&req.LinkID, "link-id", "", "link id the destination belongs to")
	cmd.Flags().StringVar(&req.AccountID, "account-id", "", "account that owns the link")
	cmd.Flags().StringVar(&req.DestinationURL, "url", "", "destination URL to render")
	for _, name := range []string{"link-id", "account-id", "url"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "migrate",
		Short:       "Apply the Postgres schema",
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("database.dsn is required to migrate")
			}
			if err := runMigrations(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return err
		},
	}
}
