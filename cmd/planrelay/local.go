package main

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/planrelay/internal/httpapi"
	"github.com/agentworkforce/planrelay/internal/staging"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply the SQLite staging schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			dsn, _ := cmd.Flags().GetString("dsn")
			if strings.TrimSpace(dsn) == "" {
				cfg, _, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				dsn = cfg.StagingDSN
			}
			scheme, path := staging.SplitDSN(dsn)
			if scheme != "sqlite" && scheme != "sqlite3" {
				return fmt.Errorf("migrate: %q is not a sqlite DSN; other backends create their state on open", dsn)
			}
			if path == "" {
				return fmt.Errorf("migrate: empty sqlite path in %q", dsn)
			}
			db, err := sql.Open("sqlite3", path)
			if err != nil {
				return fmt.Errorf("open sqlite: %w", err)
			}
			defer db.Close()
			if direction == "down" {
				err = staging.MigrateDown(db)
			} else {
				err = staging.MigrateUp(db)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s %s\n", direction, path)
			return nil
		},
	}
	cmd.Flags().String("dsn", "", "Staging DSN (defaults to staging_dsn from config)")
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator bearer token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			subject, _ := cmd.Flags().GetString("subject")
			scopes, _ := cmd.Flags().GetStringSlice("scope")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			secret := cfg.JWTSecret
			if secret == "" {
				secret = httpapi.DevJWTSecret
			}
			token, err := httpapi.IssueToken(secret, subject, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Operator identity recorded in the token")
	cmd.Flags().StringSlice("scope", []string{httpapi.ScopeDashboardRead}, "Granted scope; repeat for more")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}
