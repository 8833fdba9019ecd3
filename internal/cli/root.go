package cli

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fernandezvara/guardkit"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "text" | "json" | "yaml"
	ConfigPath string
	ActorID    int64
	ActorLabel string

	open ServiceOpener
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// ServiceOpener builds the service a command runs against. The returned
// function releases its resources.
type ServiceOpener func(ctx context.Context, opts *RootOptions) (*guardkit.Service, func(), error)

// NewRootCommand creates the root command backed by the configured Postgres database.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(OpenPostgresService)
}

// NewRootCommandWith creates the root command with a custom service opener.
func NewRootCommandWith(open ServiceOpener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "guardkit",
		Short: "GuardKit - authorization and provenance for task backends",
		Long: `Administer the GuardKit authorization core: manager hierarchy, roles,
permission decisions, the audit trail and the trash.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (env GUARDKIT_* overrides)")
	cmd.PersistentFlags().Int64Var(&opts.ActorID, "actor-id", 0, "identity performing the operation (0 = system)")
	cmd.PersistentFlags().StringVar(&opts.ActorLabel, "actor-label", "", "label recorded for the actor (defaults to the identity's name)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewHealthCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewRolesCommand(opts))
	cmd.AddCommand(NewTrashCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewHierarchyCommand(opts))
	cmd.AddCommand(NewPermissionsCommand(opts))

	return cmd
}

// OpenPostgresService loads configuration, connects to Postgres and builds the service.
func OpenPostgresService(ctx context.Context, opts *RootOptions) (*guardkit.Service, func(), error) {
	cfg, err := guardkit.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
		cfg.Log.Format = "console"
	}

	logger, err := guardkit.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}

	store, err := guardkit.OpenPostgres(ctx, cfg.Database, guardkit.WithStoreLogger(logger))
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}

	service := guardkit.NewService(store, guardkit.WithConfig(cfg), guardkit.WithLogger(logger))
	return service, func() {
		store.Close()
		_ = logger.Sync()
	}, nil
}

// session is the per-command state shared by every subcommand.
type session struct {
	ctx     context.Context
	service *guardkit.Service
	out     *OutputFormatter
	close   func()
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) begin(cmd *cobra.Command) (*session, error) {
	out := o.formatter(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	service, closeFn, err := o.open(ctx, o)
	if err != nil {
		return nil, out.Fail(err)
	}
	out.VerboseLog("connected")
	return &session{ctx: ctx, service: service, out: out, close: closeFn}, nil
}

func (s *session) Close() {
	if s.close != nil {
		s.close()
	}
}

// actor resolves the --actor-* flags. Without an id the system acts; with one
// the identity must exist and its label is used unless overridden.
func (s *session) actor(o *RootOptions) (guardkit.Actor, error) {
	if o.ActorID == 0 {
		if o.ActorLabel != "" {
			return guardkit.Actor{Label: o.ActorLabel}, nil
		}
		return guardkit.SystemActor, nil
	}

	identity, err := s.service.GetIdentity(s.ctx, o.ActorID)
	if err != nil {
		return guardkit.Actor{}, s.out.Fail(err)
	}
	actor := identity.Actor()
	if o.ActorLabel != "" {
		actor.Label = o.ActorLabel
	}
	s.out.VerboseLog("acting as %s (%d)", actor.Label, actor.ID)
	return actor, nil
}

func parseID(out *OutputFormatter, name, value string) (int64, error) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, out.Fail(guardkit.NewError(guardkit.ErrValidation,
			fmt.Sprintf("%s must be a positive integer, got %q", name, value)))
	}
	return id, nil
}
