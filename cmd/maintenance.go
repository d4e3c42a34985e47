package cmd

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"apmingest/internal/config"
	"apmingest/internal/db"
	"apmingest/internal/issues"
)

var (
	recomputeDryRun  bool
	recomputeProject uint

	cleanupProject uint
	cleanupDays    int

	newAccount   string
	newProject   string
	newRetention int
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute-fingerprints",
	Short: "Re-derive issue fingerprints, merging issues that collapse together",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, logger, err := build()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck
		defer a.Close()     //nolint:errcheck

		report, err := a.Issues.Recompute(commandContext(cmd), issues.RecomputeOptions{
			DryRun:    recomputeDryRun,
			ProjectID: recomputeProject,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, report)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete a project's events older than --days",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cleanupProject == 0 {
			return errors.New("--project is required")
		}
		a, logger, err := build()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck
		defer a.Close()     //nolint:errcheck

		var project db.Project
		if err := a.DB.First(&project, cleanupProject).Error; err != nil {
			return errors.Wrapf(err, "loading project %d", cleanupProject)
		}
		deleted, err := a.Issues.CleanupEvents(commandContext(cmd), project.Tenant(), cleanupDays, time.Now())
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"project_id": project.ID, "days": cleanupDays, "deleted": deleted})
	},
}

var createProjectCmd = &cobra.Command{
	Use:   "create-project",
	Short: "Create a project and print its token once",
	RunE: func(cmd *cobra.Command, args []string) error {
		if newAccount == "" || newProject == "" {
			return errors.New("--account and --name are required")
		}
		if newRetention != 0 && newRetention < config.MinRetentionDays {
			return errors.Errorf("--retention-days must be at least %d", config.MinRetentionDays)
		}
		a, logger, err := build()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck
		defer a.Close()     //nolint:errcheck

		project, token, err := db.CreateProject(a.DB, newAccount, newProject, newRetention)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{
			"id":         project.ID,
			"account_id": project.AccountID,
			"name":       project.Name,
			"token":      token,
		})
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	recomputeCmd.Flags().BoolVar(&recomputeDryRun, "dry-run", false, "Plan changes without writing")
	recomputeCmd.Flags().UintVar(&recomputeProject, "project", 0, "Limit to one project id")

	cleanupCmd.Flags().UintVar(&cleanupProject, "project", 0, "Project id")
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 30, "Delete events older than this many days (minimum 7)")

	createProjectCmd.Flags().StringVar(&newAccount, "account", "", "Account name (created if missing)")
	createProjectCmd.Flags().StringVar(&newProject, "name", "", "Project name")
	createProjectCmd.Flags().IntVar(&newRetention, "retention-days", 0, "Event retention; 0 uses APP_RETENTION_DAYS")

	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(createProjectCmd)
}
