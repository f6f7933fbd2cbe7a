package asloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/epics-asg/accessd/internal/asmodel"
	"github.com/epics-asg/accessd/internal/asparser"
	"github.com/epics-asg/accessd/internal/asregistry"
)

func TestLoadRejectsMalformedPolicyAndKeepsPriorSnapshot(t *testing.T) {
	reg := asregistry.New(zaptest.NewLogger(t))
	loader := New(reg, zaptest.NewLogger(t))

	require.NoError(t, loader.Load(`
UAG(ops) { alice }
ASG(ro) { RULE(0, READ) { UAG(ops) } }
`, asparser.Options{}))
	firstSnapshot := reg.Snapshot()
	require.NotNil(t, firstSnapshot)

	err := loader.Load(`GENERIC(a b)`, asparser.Options{})
	require.Error(t, err)
	assert.Same(t, firstSnapshot, reg.Snapshot(), "a failed load must leave the prior snapshot untouched")
}

func TestHotSwapMigratesMembersAndFiresExactlyOneCallback(t *testing.T) {
	reg := asregistry.New(zaptest.NewLogger(t))
	loader := New(reg, zaptest.NewLogger(t))

	require.NoError(t, loader.Load(`
UAG(ops) { alice }
ASG(ro) { RULE(0, READ) { UAG(ops) } }
`, asparser.Options{}))

	member := reg.AddMember("ro")
	client := reg.AddClient(member, 0, asmodel.Identity{User: "alice"})
	require.Equal(t, asmodel.AccessRead, client.Access)

	calls := 0
	var lastAccess asmodel.Access
	client.Callback = func(access asmodel.Access, trap bool) {
		calls++
		lastAccess = access
	}

	// Reload with a policy that revokes alice's access entirely; "ro"
	// still exists so the member re-binds to it by name.
	require.NoError(t, loader.Load(`
UAG(ops) { bob }
ASG(ro) { RULE(0, READ) { UAG(ops) } }
`, asparser.Options{}))

	assert.Equal(t, 1, calls, "exactly one change-of-access callback must fire across the swap")
	assert.Equal(t, asmodel.AccessNone, lastAccess)
	assert.False(t, reg.CheckPut(client))
}

func TestHotSwapFallsBackToDefaultWhenGroupDisappears(t *testing.T) {
	reg := asregistry.New(zaptest.NewLogger(t))
	loader := New(reg, zaptest.NewLogger(t))

	require.NoError(t, loader.Load(`
UAG(ops) { alice }
ASG(special) { RULE(0, WRITE) { UAG(ops) } }
`, asparser.Options{}))

	member := reg.AddMember("special")
	client := reg.AddClient(member, 0, asmodel.Identity{User: "alice"})
	require.Equal(t, asmodel.AccessWrite, client.Access)

	// New policy has no "special" ASG at all -- member must fall back to DEFAULT.
	require.NoError(t, loader.Load(`
ASG(DEFAULT) { RULE(0, READ) }
`, asparser.Options{}))

	assert.Equal(t, "DEFAULT", member.ASG.Name)
	assert.Equal(t, asmodel.AccessRead, client.Access)
}
