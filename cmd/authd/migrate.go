package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	auth "github.com/goliatone/go-auth-lifecycle"
)

func migrateCmd(flags *globalFlags) *cobra.Command {
	var fromModels bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the auth schema migrations",
		Long: "Apply the embedded SQL migrations for postgres and sqlite. Drivers without\n" +
			"a SQL migration set, or --from-models, build the tables from the models.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.migrate(cmd.Context(), fromModels)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if report != "" {
				fmt.Fprintln(out, report)
			}
			fmt.Fprintln(out, "schema up to date")
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromModels, "from-models", false, "Create tables from the models instead of SQL migrations")
	return cmd
}

// migrate applies the embedded SQL migrations, or builds the tables from
// the models when the driver has none or fromModels is set.
func (a *app) migrate(ctx context.Context, fromModels bool) (string, error) {
	if fromModels || !a.client.HasSQLMigrations() {
		return "", auth.CreateSchema(ctx, a.db)
	}

	report, err := a.client.ApplyMigrations(ctx, auth.GetMigrationsFS(), auth.MigrationsRoot)
	if err != nil {
		return "", fmt.Errorf("migrate: %w", err)
	}
	return report, nil
}
