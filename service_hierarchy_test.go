package guardkit

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestSetManager tests assigning and clearing managers
func TestSetManager(t *testing.T) {
	f := newFixture(t)
	lead := f.identity("lead", nil)
	dev := f.identity("dev", nil)

	require.NoError(t, f.service.SetManager(f.ctx, dev.ID, &lead.ID, SystemActor))

	chain, err := f.service.ManagerChain(f.ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{lead.ID}, ids(chain))

	entries := f.auditEntries("identities")
	require.NotEmpty(t, entries)
	latest := entries[0]
	assert.Equal(t, AuditUpdate, latest.Action)
	assert.Equal(t, map[string]any{"manager_id": nil}, latest.Before)
	assert.Equal(t, map[string]any{"manager_id": float64(lead.ID)}, latest.After)
	assert.Equal(t, "Set manager of dev to lead", latest.Description)

	// Clearing the manager makes dev a root again
	require.NoError(t, f.service.SetManager(f.ctx, dev.ID, nil, SystemActor))
	chain, err = f.service.ManagerChain(f.ctx, dev.ID)
	require.NoError(t, err)
	assert.Empty(t, chain)
}

// TestSetManagerUnchangedWritesNothing tests that a no-op assignment is not audited
func TestSetManagerUnchangedWritesNothing(t *testing.T) {
	f := newFixture(t)
	lead := f.identity("lead", nil)
	dev := f.identity("dev", lead)

	before := len(f.auditEntries("identities"))
	require.NoError(t, f.service.SetManager(f.ctx, dev.ID, &lead.ID, SystemActor))
	assert.Len(t, f.auditEntries("identities"), before)
}

// TestSetManagerRejectsSelfReference tests that an identity cannot manage itself
func TestSetManagerRejectsSelfReference(t *testing.T) {
	f := newFixture(t)
	dev := f.identity("dev", nil)

	err := f.service.SetManager(f.ctx, dev.ID, &dev.ID, SystemActor)
	assert.ErrorIs(t, err, ErrSelfReference)
	assert.True(t, IsHierarchyViolation(err))
}

// TestSetManagerRejectsCycle tests that a loop cannot be closed
func TestSetManagerRejectsCycle(t *testing.T) {
	f := newFixture(t)
	// a <- b <- c
	a := f.identity("a", nil)
	b := f.identity("b", a)
	c := f.identity("c", b)

	before := len(f.auditEntries("identities"))

	err := f.service.SetManager(f.ctx, a.ID, &c.ID, SystemActor)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycle)

	var gkErr *Error
	require.True(t, errors.As(err, &gkErr))
	assert.Equal(t, a.ID, gkErr.IdentityID)

	// Nothing was written
	chain, err := f.service.ManagerChain(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, chain)
	assert.Len(t, f.auditEntries("identities"), before)

	// Direct report as manager is also a cycle
	err = f.service.SetManager(f.ctx, a.ID, &b.ID, SystemActor)
	assert.ErrorIs(t, err, ErrCycle)
}

// TestSetManagerRequiresLiveIdentities tests not-found handling on both sides
func TestSetManagerRequiresLiveIdentities(t *testing.T) {
	f := newFixture(t)
	dev := f.identity("dev", nil)
	gone := f.identity("gone", nil)
	require.NoError(t, f.service.DeleteIdentity(f.ctx, gone.ID, SystemActor))

	err := f.service.SetManager(f.ctx, dev.ID, &gone.ID, SystemActor)
	assert.True(t, IsNotFound(err))

	err = f.service.SetManager(f.ctx, 999, &dev.ID, SystemActor)
	assert.True(t, IsNotFound(err))
}

// TestDescendants tests the breadth-first transitive report listing
func TestDescendants(t *testing.T) {
	f := newFixture(t)
	// root
	// ├── left
	// │   └── leaf
	// └── right
	root := f.identity("root", nil)
	left := f.identity("left", root)
	right := f.identity("right", root)
	leaf := f.identity("leaf", left)
	other := f.identity("other", nil)

	below, err := f.service.Descendants(f.ctx, root.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{left.ID, right.ID, leaf.ID}, ids(below))

	withSelf, err := f.service.Descendants(f.ctx, root.ID, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{root.ID, left.ID, right.ID, leaf.ID}, ids(withSelf))

	none, err := f.service.Descendants(f.ctx, other.ID, false)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = f.service.Descendants(f.ctx, 999, false)
	assert.True(t, IsNotFound(err))
}

// TestDescendantsIncludeTombstoned tests that trashed identities keep their place in the graph
func TestDescendantsIncludeTombstoned(t *testing.T) {
	f := newFixture(t)
	root := f.identity("root", nil)
	mid := f.identity("mid", root)
	leaf := f.identity("leaf", mid)

	require.NoError(t, f.service.DeleteIdentity(f.ctx, mid.ID, SystemActor))

	below, err := f.service.Descendants(f.ctx, root.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{mid.ID, leaf.ID}, ids(below))

	ok, err := f.service.IsDescendant(f.ctx, root.ID, leaf.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestIsDescendant tests transitive ancestry checks
func TestIsDescendant(t *testing.T) {
	f := newFixture(t)
	a := f.identity("a", nil)
	b := f.identity("b", a)
	c := f.identity("c", b)
	d := f.identity("d", nil)

	tests := []struct {
		name      string
		ancestor  int64
		candidate int64
		expected  bool
	}{
		{"direct report", a.ID, b.ID, true},
		{"transitive report", a.ID, c.ID, true},
		{"manager is not a descendant", c.ID, a.ID, false},
		{"not its own descendant", a.ID, a.ID, false},
		{"unrelated", a.ID, d.ID, false},
		{"unknown candidate", a.ID, 999, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := f.service.IsDescendant(f.ctx, tt.ancestor, tt.candidate)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ok)
		})
	}
}

// TestManagerChain tests the upward walk, nearest manager first
func TestManagerChain(t *testing.T) {
	f := newFixture(t)
	ceo := f.identity("ceo", nil)
	vp := f.identity("vp", ceo)
	lead := f.identity("lead", vp)
	dev := f.identity("dev", lead)

	chain, err := f.service.ManagerChain(f.ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{lead.ID, vp.ID, ceo.ID}, ids(chain))

	chain, err = f.service.ManagerChain(f.ctx, ceo.ID)
	require.NoError(t, err)
	assert.Empty(t, chain)
}

// TestCorruptedCycleTerminates tests that traversals stop and report a pre-existing loop
func TestCorruptedCycleTerminates(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	f := newFixture(t, WithLogger(zap.New(core)), WithMetrics(metrics))
	a := f.identity("a", nil)
	b := f.identity("b", a)
	c := f.identity("c", b)

	// Close the loop a -> c behind the service's back
	f.setManagerUnchecked(a.ID, c.ID)

	chain, err := f.service.ManagerChain(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID, a.ID}, ids(chain))

	below, err := f.service.Descendants(f.ctx, a.ID, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{b.ID, c.ID}, ids(below))

	ok, err := f.service.IsDescendant(f.ctx, a.ID, 999)
	require.NoError(t, err)
	assert.False(t, ok)

	warnings := logs.FilterMessage("hierarchy cycle detected").All()
	assert.Len(t, warnings, 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.inconsistencies))
}

// TestSetManagerConcurrentOpposingEdges tests that two opposing assignments cannot form a cycle
func TestSetManagerConcurrentOpposingEdges(t *testing.T) {
	for range 25 {
		f := newFixture(t)
		a := f.identity("a", nil)
		b := f.identity("b", nil)
		raceOpposingManagers(t, f.service, a.ID, b.ID)
	}
}
