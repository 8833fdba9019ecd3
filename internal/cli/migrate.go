package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// migrator is implemented by stores that manage their own schema.
type migrator interface {
	Migrate(ctx context.Context) ([]string, error)
}

// MigrateResult lists the migrations applied by one run.
type MigrateResult struct {
	Applied []string `json:"applied"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, cmd)
		},
	}
}

func runMigrate(opts *RootOptions, cmd *cobra.Command) error {
	s, err := opts.begin(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	m, ok := s.service.Store().(migrator)
	if !ok {
		return s.out.Fail(NewExitError(ExitCommandError, "store does not support migrations"))
	}

	applied, err := m.Migrate(s.ctx)
	if err != nil {
		return s.out.Fail(err)
	}

	return s.out.Success(MigrateResult{Applied: applied}, func(w io.Writer) error {
		if len(applied) == 0 {
			_, err := fmt.Fprintln(w, "Schema is up to date")
			return err
		}
		_, err := fmt.Fprintf(w, "Applied %d migration(s): %s\n", len(applied), strings.Join(applied, ", "))
		return err
	})
}
