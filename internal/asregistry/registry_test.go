package asregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/epics-asg/accessd/internal/asmodel"
	"github.com/epics-asg/accessd/internal/asparser"
	"github.com/epics-asg/accessd/internal/asymtab"
)

func newTestRegistry(t *testing.T, src string) *Registry {
	t.Helper()
	reg := New(zaptest.NewLogger(t))
	snap, err := asparser.Parse(src, asparser.Options{}, "snap")
	require.NoError(t, err)
	table := asymtab.Build(snap, zaptest.NewLogger(t))
	reg.Publish(snap, table)
	return reg
}

func TestAddClientComputesInitialAccess(t *testing.T) {
	reg := newTestRegistry(t, `
UAG(ops) { alice }
ASG(ro) {
	RULE(0, READ) { UAG(ops) }
}
`)
	member := reg.AddMember("ro")
	client := reg.AddClient(member, 0, asmodel.Identity{User: "alice"})
	assert.Equal(t, asmodel.AccessRead, client.Access)
	assert.True(t, reg.CheckGet(client))
	assert.False(t, reg.CheckPut(client))
}

func TestAddClientLowerCasesHost(t *testing.T) {
	reg := newTestRegistry(t, `ASG(g) { }`)
	member := reg.AddMember("g")
	client := reg.AddClient(member, 0, asmodel.Identity{Host: "HOST.EXAMPLE.COM"})
	assert.Equal(t, "host.example.com", client.Identity.Host)
}

func TestChangeClientHandlesEmptyHost(t *testing.T) {
	reg := newTestRegistry(t, `ASG(g) { }`)
	member := reg.AddMember("g")
	client := reg.AddClient(member, 0, asmodel.Identity{Host: "somehost"})
	assert.NotPanics(t, func() {
		reg.ChangeClient(client, 1, asmodel.Identity{})
	})
	assert.Equal(t, "", client.Identity.Host)
}

func TestRemoveMemberFailsWithAttachedClients(t *testing.T) {
	reg := newTestRegistry(t, `ASG(g) { }`)
	member := reg.AddMember("g")
	reg.AddClient(member, 0, asmodel.Identity{User: "u"})

	err := reg.RemoveMember(member)
	require.Error(t, err)
	var asErr *asmodel.Error
	require.ErrorAs(t, err, &asErr)
	assert.Equal(t, asmodel.ErrClientsExist, asErr.Kind)
}

func TestRemoveClientReturnsSlotToSlab(t *testing.T) {
	reg := newTestRegistry(t, `ASG(g) { }`)
	member := reg.AddMember("g")
	c1 := reg.AddClient(member, 0, asmodel.Identity{User: "a"})
	slot := c1.SlabSlot()
	reg.RemoveClient(c1)

	c2 := reg.AddClient(member, 0, asmodel.Identity{User: "b"})
	assert.Equal(t, slot, c2.SlabSlot(), "freed slab slot should be recycled")
}

func TestRegisterCallbackFiresImmediatelyWithCurrentState(t *testing.T) {
	reg := newTestRegistry(t, `
UAG(ops) { alice }
ASG(ro) {
	RULE(0, READ) { UAG(ops) }
}
`)
	member := reg.AddMember("ro")
	client := reg.AddClient(member, 0, asmodel.Identity{User: "alice"})

	var gotAccess asmodel.Access
	calls := 0
	reg.RegisterCallback(client, func(access asmodel.Access, trap bool) {
		gotAccess = access
		calls++
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, asmodel.AccessRead, gotAccess)
}

func TestChangeGroupRebindsAndRecomputes(t *testing.T) {
	reg := newTestRegistry(t, `
UAG(ops) { alice }
ASG(ro) { RULE(0, READ) { UAG(ops) } }
ASG(rw) { RULE(0, WRITE) { UAG(ops) } }
`)
	member := reg.AddMember("ro")
	client := reg.AddClient(member, 0, asmodel.Identity{User: "alice"})
	assert.Equal(t, asmodel.AccessRead, client.Access)

	reg.ChangeGroup(member, "rw")
	assert.Equal(t, asmodel.AccessWrite, client.Access)
}

func TestCheckFastPathsOpenBeforeEngineActive(t *testing.T) {
	reg := New(zaptest.NewLogger(t))
	client := &asmodel.Client{}
	assert.True(t, reg.CheckGet(client))
	assert.True(t, reg.CheckPut(client))
	assert.True(t, reg.CheckRPC(client))
}
