package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernandezvara/guardkit"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "guardkit", cmd.Use)
	assert.Contains(t, cmd.Short, "GuardKit")
	assert.Contains(t, cmd.Long, "audit trail")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"migrate"},
		{"health"},
		{"seed"},
		{"roles", "list"},
		{"roles", "assign"},
		{"roles", "revoke"},
		{"trash", "list"},
		{"trash", "restore"},
		{"trash", "purge"},
		{"trash", "empty"},
		{"audit", "list"},
		{"audit", "facets"},
		{"audit", "verify"},
		{"hierarchy", "set-manager"},
		{"hierarchy", "chain"},
		{"hierarchy", "descendants"},
		{"permissions", "resolve"},
		{"permissions", "check"},
	}

	for _, path := range commands {
		t.Run(fmt.Sprint(path), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	actorFlag := cmd.PersistentFlags().Lookup("actor-id")
	require.NotNil(t, actorFlag)
	assert.Equal(t, "0", actorFlag.DefValue)
}

func TestPermissionsCheckFlags(t *testing.T) {
	cmd := NewRootCommand()
	checkCmd, _, err := cmd.Find([]string{"permissions", "check"})
	require.NoError(t, err)

	componentFlag := checkCmd.Flags().Lookup("component")
	require.NotNil(t, componentFlag)
	assert.Equal(t, guardkit.TasksComponent, componentFlag.DefValue)

	ownerFlag := checkCmd.Flags().Lookup("owner")
	require.NotNil(t, ownerFlag)
	assert.Equal(t, "0", ownerFlag.DefValue)
}

func TestTrashEmptyFlags(t *testing.T) {
	cmd := NewRootCommand()
	emptyCmd, _, err := cmd.Find([]string{"trash", "empty"})
	require.NoError(t, err)

	yesFlag := emptyCmd.Flags().Lookup("yes")
	require.NotNil(t, yesFlag)
	assert.Equal(t, "y", yesFlag.Shorthand)
	assert.Equal(t, "false", yesFlag.DefValue)
}

// cliEnv is a memory-backed service with a lead (Manager) and a dev (User)
// reporting to the lead.
type cliEnv struct {
	service *guardkit.Service
	lead    *guardkit.Identity
	dev     *guardkit.Identity
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	ctx := context.Background()
	service := guardkit.NewService(guardkit.NewMemoryStore())

	_, err := service.SeedRoles(ctx, guardkit.DefaultCatalog(), guardkit.SystemActor)
	require.NoError(t, err)

	lead, err := service.CreateIdentity(ctx, guardkit.IdentityInput{Email: "lead@example.com", DisplayName: "Lead"}, guardkit.SystemActor)
	require.NoError(t, err)
	dev, err := service.CreateIdentity(ctx, guardkit.IdentityInput{Email: "dev@example.com", ManagerID: &lead.ID}, guardkit.SystemActor)
	require.NoError(t, err)

	for identity, roleName := range map[int64]string{lead.ID: "Manager", dev.ID: "User"} {
		role, err := service.FindRole(ctx, guardkit.TasksComponent, roleName)
		require.NoError(t, err)
		require.NoError(t, service.AssignRole(ctx, identity, role.ID, guardkit.SystemActor))
	}

	return &cliEnv{service: service, lead: lead, dev: dev}
}

// run executes the root command against the env's service.
func (e *cliEnv) run(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommandWith(func(ctx context.Context, opts *RootOptions) (*guardkit.Service, func(), error) {
		return e.service, func() {}, nil
	})
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func decodeResponse(t *testing.T, raw string) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	return resp
}

func id(v int64) string {
	return fmt.Sprint(v)
}

func TestInvalidFormat(t *testing.T) {
	env := newCLIEnv(t)
	stdout, _, err := env.run("--format", "xml", "health")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "xml"`)
	assert.Empty(t, stdout)
}

func TestHealthCommand(t *testing.T) {
	env := newCLIEnv(t)
	stdout, _, err := env.run("health")
	require.NoError(t, err)
	assert.Equal(t, "healthy\n", stdout)
}

func TestMigrateRequiresDatabase(t *testing.T) {
	env := newCLIEnv(t)
	_, stderr, err := env.run("migrate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stderr, "store does not support migrations")
}

func TestPermissionsCheckCommand(t *testing.T) {
	env := newCLIEnv(t)

	t.Run("Allow", func(t *testing.T) {
		stdout, _, err := env.run("permissions", "check", id(env.lead.ID), "read", "--owner", id(env.dev.ID))
		require.NoError(t, err)
		assert.Equal(t, "allow\n", stdout)
	})

	t.Run("Deny", func(t *testing.T) {
		stdout, _, err := env.run("permissions", "check", id(env.lead.ID), "delete", "--owner", id(env.dev.ID))
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Equal(t, "deny\n", stdout)

		var exitErr *ExitError
		require.ErrorAs(t, err, &exitErr)
		assert.True(t, exitErr.Reported())
	})

	t.Run("JSON", func(t *testing.T) {
		stdout, _, err := env.run("--format", "json", "permissions", "check", id(env.dev.ID), "update", "--owner", id(env.lead.ID))
		assert.Equal(t, ExitFailure, GetExitCode(err))

		resp := decodeResponse(t, stdout)
		assert.Equal(t, "ok", resp["status"])
		data := resp["data"].(map[string]any)
		assert.Equal(t, false, data["allowed"])
		assert.Equal(t, "update", data["action"])
		assert.Equal(t, float64(env.lead.ID), data["owner_id"])
	})

	t.Run("Unknown action", func(t *testing.T) {
		_, stderr, err := env.run("permissions", "check", id(env.lead.ID), "approve")
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, stderr, "Error [validation]")
	})
}

func TestPermissionsResolveCommand(t *testing.T) {
	env := newCLIEnv(t)
	stdout, _, err := env.run("--format", "json", "permissions", "resolve", id(env.lead.ID))
	require.NoError(t, err)

	data := decodeResponse(t, stdout)["data"].(map[string]any)
	assert.Equal(t, "subordinates", data["read"])
	assert.Nil(t, data["delete"])
}

func TestSeedCommand(t *testing.T) {
	env := newCLIEnv(t)
	stdout, _, err := env.run("seed")
	require.NoError(t, err)
	assert.Contains(t, stdout, "existing tasks/Manager")
	assert.Contains(t, stdout, "0 created, 3 already present")
}

func TestRolesCommands(t *testing.T) {
	env := newCLIEnv(t)

	t.Run("List as YAML", func(t *testing.T) {
		stdout, _, err := env.run("--format", "yaml", "roles", "list", "--component", "tasks")
		require.NoError(t, err)
		assert.Contains(t, stdout, "status: ok")
		assert.Contains(t, stdout, "name: Manager")
	})

	t.Run("Assign records the actor", func(t *testing.T) {
		stdout, _, err := env.run("--actor-id", id(env.lead.ID), "roles", "assign", id(env.dev.ID), "tasks", "Manager")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("Assigned tasks/Manager for identity %d\n", env.dev.ID), stdout)

		manager, err := env.service.FindRole(context.Background(), guardkit.TasksComponent, "Manager")
		require.NoError(t, err)
		page, err := env.service.AuditLog(context.Background(),
			guardkit.NewAuditFilter().WithRecord(fmt.Sprintf("%d:%d", env.dev.ID, manager.ID)))
		require.NoError(t, err)
		require.Len(t, page.Entries, 1)
		assert.Equal(t, "Lead", page.Entries[0].ActorLabel)
	})

	t.Run("Assign twice conflicts", func(t *testing.T) {
		_, stderr, err := env.run("roles", "assign", id(env.dev.ID), "tasks", "Manager")
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, stderr, "Error [conflict]")
	})

	t.Run("Unknown identity", func(t *testing.T) {
		stdout, _, err := env.run("--format", "json", "roles", "revoke", "999", "tasks", "User")
		assert.Equal(t, ExitFailure, GetExitCode(err))

		resp := decodeResponse(t, stdout)
		assert.Equal(t, "error", resp["status"])
		assert.Equal(t, "not_found", resp["error"].(map[string]any)["code"])
	})
}

func TestHierarchyCommands(t *testing.T) {
	env := newCLIEnv(t)

	t.Run("Cycle", func(t *testing.T) {
		_, stderr, err := env.run("hierarchy", "set-manager", id(env.lead.ID), id(env.dev.ID))
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, stderr, "Error [hierarchy]")
	})

	t.Run("Bad id", func(t *testing.T) {
		_, stderr, err := env.run("hierarchy", "set-manager", "abc", "none")
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, stderr, "identity-id must be a positive integer")
	})

	t.Run("Chain", func(t *testing.T) {
		stdout, _, err := env.run("--format", "json", "hierarchy", "chain", id(env.dev.ID))
		require.NoError(t, err)
		data := decodeResponse(t, stdout)["data"].([]any)
		require.Len(t, data, 1)
		assert.Equal(t, "lead@example.com", data[0].(map[string]any)["email"])
	})

	t.Run("Clear manager", func(t *testing.T) {
		_, _, err := env.run("hierarchy", "set-manager", id(env.dev.ID), "none")
		require.NoError(t, err)

		dev, err := env.service.GetIdentity(context.Background(), env.dev.ID)
		require.NoError(t, err)
		assert.Nil(t, dev.ManagerID)
	})
}

func TestTrashCommands(t *testing.T) {
	env := newCLIEnv(t)
	ctx := context.Background()

	t.Run("Empty requires confirmation", func(t *testing.T) {
		_, stderr, err := env.run("trash", "empty")
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, stderr, "--yes")
	})

	t.Run("Unknown actor", func(t *testing.T) {
		_, _, err := env.run("--actor-id", "999", "trash", "empty", "--yes")
		assert.Equal(t, ExitFailure, GetExitCode(err))
	})

	t.Run("Restore outside the trash", func(t *testing.T) {
		_, stderr, err := env.run("trash", "restore", "identity", id(env.dev.ID))
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, stderr, "is not in the trash")
	})

	t.Run("Restore and empty", func(t *testing.T) {
		require.NoError(t, env.service.DeleteIdentity(ctx, env.dev.ID, guardkit.SystemActor))

		stdout, _, err := env.run("trash", "restore", "identity", id(env.dev.ID))
		require.NoError(t, err)
		assert.Contains(t, stdout, "Restored identities")

		require.NoError(t, env.service.DeleteIdentity(ctx, env.dev.ID, guardkit.SystemActor))
		stdout, _, err = env.run("trash", "empty", "--yes")
		require.NoError(t, err)
		assert.Equal(t, "Purged 0 task(s) and 1 identity(ies)\n", stdout)
	})
}

func TestAuditCommands(t *testing.T) {
	env := newCLIEnv(t)

	t.Run("List filtered", func(t *testing.T) {
		stdout, _, err := env.run("--format", "json", "audit", "list", "--table", "identities")
		require.NoError(t, err)
		data := decodeResponse(t, stdout)["data"].(map[string]any)
		assert.Equal(t, float64(2), data["total"])
	})

	t.Run("Verify without key", func(t *testing.T) {
		_, stderr, err := env.run("audit", "verify")
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, stderr, "Error [signing_disabled]")
	})
}
