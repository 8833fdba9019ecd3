package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fernandezvara/guardkit"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create missing roles from a catalog",
		Long: `Create every catalog role that does not exist yet. Existing roles are left
untouched, so seeding can run on every deploy. Without --file the built-in
User, Manager and Admin roles for the "tasks" component are seeded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(rootOpts, file, cmd)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML role catalog")
	return cmd
}

func runSeed(opts *RootOptions, file string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	catalog := guardkit.DefaultCatalog()
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return out.Fail(WrapExitError(ExitCommandError, "open catalog", err))
		}
		defer f.Close()

		catalog, err = guardkit.LoadCatalog(f)
		if err != nil {
			return out.Fail(err)
		}
		out.VerboseLog("Loaded %d role(s) from %s", len(catalog.Roles()), file)
	}

	s, err := opts.begin(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	actor, err := s.actor(opts)
	if err != nil {
		return err
	}

	result, err := s.service.SeedRoles(s.ctx, catalog, actor)
	if err != nil {
		return s.out.Fail(err)
	}

	return s.out.Success(result, func(w io.Writer) error {
		for _, key := range result.Created {
			fmt.Fprintf(w, "created  %s\n", key)
		}
		for _, key := range result.Existing {
			fmt.Fprintf(w, "existing %s\n", key)
		}
		_, err := fmt.Fprintf(w, "%d created, %d already present\n", len(result.Created), len(result.Existing))
		return err
	})
}
