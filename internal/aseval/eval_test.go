package aseval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/epics-asg/accessd/internal/asmodel"
	"github.com/epics-asg/accessd/internal/asparser"
	"github.com/epics-asg/accessd/internal/asymtab"
)

func buildSnapshot(t *testing.T, src string) (*asmodel.Snapshot, *asymtab.Table) {
	t.Helper()
	snap, err := asparser.Parse(src, asparser.Options{}, "test")
	require.NoError(t, err)
	table := asymtab.Build(snap, zaptest.NewLogger(t))
	return snap, table
}

func newClient(asg *asmodel.ASG, user, host string, level int) *asmodel.Client {
	member := &asmodel.Member{GroupName: asg.Name, ASG: asg}
	asg.Members = append(asg.Members, member)
	client := &asmodel.Client{
		Identity: asmodel.Identity{User: user, Host: host},
		Level:    level,
		Member:   member,
	}
	member.Clients = append(member.Clients, client)
	return client
}

func TestComputeClientGrantsMatchingRule(t *testing.T) {
	snap, table := buildSnapshot(t, `
UAG(ops) { alice }
ASG(ro) {
	RULE(0, READ) {
		UAG(ops)
	}
}
`)
	client := newClient(snap.ASGs["ro"], "alice", "any", 0)
	New(zaptest.NewLogger(t)).ComputeClient(client, table, snap)
	assert.Equal(t, asmodel.AccessRead, client.Access)
}

func TestComputeClientDeniesNonMember(t *testing.T) {
	snap, table := buildSnapshot(t, `
UAG(ops) { alice }
ASG(ro) {
	RULE(0, READ) {
		UAG(ops)
	}
}
`)
	client := newClient(snap.ASGs["ro"], "mallory", "any", 0)
	New(zaptest.NewLogger(t)).ComputeClient(client, table, snap)
	assert.Equal(t, asmodel.AccessNone, client.Access)
}

func TestShortCircuitAtWriteNotRPC(t *testing.T) {
	snap, table := buildSnapshot(t, `
ASG(g) {
	RULE(0, WRITE)
	RULE(0, RPC)
}
`)
	client := newClient(snap.ASGs["g"], "u", "h", 0)
	New(zaptest.NewLogger(t)).ComputeClient(client, table, snap)
	assert.Equal(t, asmodel.AccessWrite, client.Access, "loop must break at WRITE before reaching the RPC rule")
}

func TestLaterRPCRuleCanUpgradeBeforeWriteSeen(t *testing.T) {
	snap, table := buildSnapshot(t, `
ASG(g) {
	RULE(0, READ)
	RULE(0, RPC)
}
`)
	client := newClient(snap.ASGs["g"], "u", "h", 0)
	New(zaptest.NewLogger(t)).ComputeClient(client, table, snap)
	assert.Equal(t, asmodel.AccessRPC, client.Access)
}

func TestLevelGating(t *testing.T) {
	snap, table := buildSnapshot(t, `
ASG(g) {
	RULE(1, WRITE)
}
`)
	client := newClient(snap.ASGs["g"], "u", "h", 5)
	New(zaptest.NewLogger(t)).ComputeClient(client, table, snap)
	assert.Equal(t, asmodel.AccessNone, client.Access, "client level exceeds rule level, rule must not apply")
}

func TestCallbackFiresOnlyOnChange(t *testing.T) {
	snap, table := buildSnapshot(t, `
ASG(g) {
	RULE(0, READ)
}
`)
	client := newClient(snap.ASGs["g"], "u", "h", 0)
	calls := 0
	client.Callback = func(asmodel.Access, bool) { calls++ }
	eval := New(zaptest.NewLogger(t))

	eval.ComputeClient(client, table, snap)
	assert.Equal(t, 1, calls)

	eval.ComputeClient(client, table, snap)
	assert.Equal(t, 1, calls, "recompute with no decision change must not re-fire the callback")
}

func TestAuthorityTrustByAncestor(t *testing.T) {
	snap, table := buildSnapshot(t, `
AUTHORITY(root, "Root CA")
ASG(g) {
	RULE(0, WRITE) {
		AUTHORITY(root)
	}
}
`)
	client := newClient(snap.ASGs["g"], "u", "h", 0)
	client.Identity.Authority = "Root CA\nIntermediate\nLeaf"
	New(zaptest.NewLogger(t)).ComputeClient(client, table, snap)
	assert.Equal(t, asmodel.AccessWrite, client.Access)

	client2 := newClient(snap.ASGs["g"], "u", "h", 0)
	client2.Identity.Authority = "Unrelated Root\nLeaf"
	New(zaptest.NewLogger(t)).ComputeClient(client2, table, snap)
	assert.Equal(t, asmodel.AccessNone, client2.Access)
}

func TestCalcGatesRule(t *testing.T) {
	snap, table := buildSnapshot(t, `
ASG(g) {
	INPA(x)
	RULE(0, WRITE) {
		CALC("A > 0")
	}
}
`)
	asg := snap.ASGs["g"]
	asg.Values[0] = 1
	asg.Rules[0].Calc.Result = true // as if RecomputeASG already ran
	client := newClient(asg, "u", "h", 0)
	New(zaptest.NewLogger(t)).ComputeClient(client, table, snap)
	assert.Equal(t, asmodel.AccessWrite, client.Access)
}

func TestRecomputeASGIncrementalUpdate(t *testing.T) {
	snap, table := buildSnapshot(t, `
ASG(g) {
	INPA(x)
	RULE(0, WRITE) {
		CALC("A > 0")
	}
}
`)
	asg := snap.ASGs["g"]
	client := newClient(asg, "u", "h", 0)
	eval := New(zaptest.NewLogger(t))
	eval.ComputeClient(client, table, snap)
	assert.Equal(t, asmodel.AccessNone, client.Access, "CALC not yet evaluated, result defaults false")

	asg.Lock()
	asg.Values[0] = 1
	asg.InpChanged |= asg.Rules[0].Calc.InpUsed
	asg.Unlock()

	eval.RecomputeASG(asg, table, snap)
	assert.Equal(t, asmodel.AccessWrite, client.Access)
	assert.Equal(t, uint64(0), asg.InpChanged)
}
