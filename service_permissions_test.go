package guardkit

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestResolve tests effective permissions of seeded roles
func TestResolve(t *testing.T) {
	f := newFixture(t)
	manager := f.identity("manager", nil)
	f.grant(manager, "Manager")

	perms, err := f.service.Resolve(f.ctx, manager.ID, TasksComponent)
	require.NoError(t, err)
	assert.Equal(t, ScopeOwn, perms.Create)
	assert.Equal(t, ScopeSubordinates, perms.Read)
	assert.Equal(t, ScopeSubordinates, perms.Update)
	assert.Equal(t, ScopeNone, perms.Delete)

	// Roles on other components do not leak
	other, err := f.service.Resolve(f.ctx, manager.ID, "reports")
	require.NoError(t, err)
	assert.Equal(t, PermissionSet{}, other)

	// Holding several roles keeps the broadest scope per action
	f.grant(manager, "User")
	perms, err = f.service.Resolve(f.ctx, manager.ID, TasksComponent)
	require.NoError(t, err)
	assert.Equal(t, ScopeSubordinates, perms.Read)
	assert.Equal(t, ScopeOwn, perms.Delete)
}

// TestResolveWithoutRoles tests that an identity with no roles has no access
func TestResolveWithoutRoles(t *testing.T) {
	f := newFixture(t)
	nobody := f.identity("nobody", nil)

	perms, err := f.service.Resolve(f.ctx, nobody.ID, TasksComponent)
	require.NoError(t, err)
	assert.Equal(t, PermissionSet{}, perms)

	for _, action := range Actions {
		ok, err := f.service.Allow(f.ctx, nobody.ID, TasksComponent, action, &nobody.ID)
		require.NoError(t, err)
		assert.False(t, ok, action)
	}
}

// TestAllowManagerScenario tests the manager / report / stranger decisions
func TestAllowManagerScenario(t *testing.T) {
	f := newFixture(t)
	u2 := f.identity("u2", nil)
	u1 := f.identity("u1", u2)
	u3 := f.identity("u3", nil)
	f.grant(u2, "Manager")

	perms, err := f.service.Resolve(f.ctx, u2.ID, TasksComponent)
	require.NoError(t, err)
	assert.Equal(t, "subordinates", perms.Read.String())

	ok, err := f.service.Allow(f.ctx, u2.ID, TasksComponent, ActionRead, &u1.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.service.Allow(f.ctx, u2.ID, TasksComponent, ActionRead, &u3.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// The Manager role grants no delete
	ok, err = f.service.Allow(f.ctx, u2.ID, TasksComponent, ActionDelete, &u2.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Create needs no owner
	ok, err = f.service.Allow(f.ctx, u2.ID, TasksComponent, ActionCreate, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestAllowFollowsHierarchyChanges tests that decisions are never cached
func TestAllowFollowsHierarchyChanges(t *testing.T) {
	f := newFixture(t)
	lead := f.identity("lead", nil)
	dev := f.identity("dev", lead)
	f.grant(lead, "Manager")

	ok, err := f.service.Allow(f.ctx, lead.ID, TasksComponent, ActionUpdate, &dev.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.service.SetManager(f.ctx, dev.ID, nil, SystemActor))

	ok, err = f.service.Allow(f.ctx, lead.ID, TasksComponent, ActionUpdate, &dev.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	managerRole := f.roles["Manager"]
	require.NoError(t, f.service.RevokeRole(f.ctx, lead.ID, managerRole.ID, SystemActor))

	ok, err = f.service.Allow(f.ctx, lead.ID, TasksComponent, ActionRead, &lead.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestAllowAdminScope tests that the all scope ignores ownership
func TestAllowAdminScope(t *testing.T) {
	f := newFixture(t)
	admin := f.identity("admin", nil)
	stranger := f.identity("stranger", nil)
	f.grant(admin, "Admin")

	for _, action := range Actions {
		ok, err := f.service.Allow(f.ctx, admin.ID, TasksComponent, action, &stranger.ID)
		require.NoError(t, err)
		assert.True(t, ok, action)
	}

	ok, err := f.service.Allow(f.ctx, admin.ID, TasksComponent, ActionRead, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestAllowRejectsUnknownAction tests input validation
func TestAllowRejectsUnknownAction(t *testing.T) {
	f := newFixture(t)
	user := f.identity("user", nil)

	_, err := f.service.Allow(f.ctx, user.ID, TasksComponent, Action("share"), nil)
	assert.True(t, IsValidation(err))
}

// TestRequire tests that denials surface as ErrPermissionDenied
func TestRequire(t *testing.T) {
	f := newFixture(t)
	user := f.identity("user", nil)
	other := f.identity("other", nil)
	f.grant(user, "User")

	assert.NoError(t, f.service.Require(f.ctx, user.ID, TasksComponent, ActionUpdate, &user.ID))

	err := f.service.Require(f.ctx, user.ID, TasksComponent, ActionUpdate, &other.ID)
	assert.True(t, IsPermissionDenied(err))
	assert.Contains(t, err.Error(), "update on tasks")
}

// TestDecisionMetrics tests that allow and deny decisions are counted
func TestDecisionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	f := newFixture(t, WithMetrics(metrics))
	user := f.identity("user", nil)
	other := f.identity("other", nil)
	f.grant(user, "User")

	_, err = f.service.Allow(f.ctx, user.ID, TasksComponent, ActionRead, &user.ID)
	require.NoError(t, err)
	_, err = f.service.Allow(f.ctx, user.ID, TasksComponent, ActionRead, &other.ID)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.decisions.WithLabelValues("tasks", "read", "allow")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.decisions.WithLabelValues("tasks", "read", "deny")))

	// Registering twice on the same registry fails
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}
