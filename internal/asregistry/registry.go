// Package asregistry implements the member/client lifecycle operations
// of SPEC_FULL.md section 4.4, under the single process-wide mutex of
// section 5, with lock-free check-get/put/rpc fast paths and a
// never-shrinking slab allocator for clients.
package asregistry

import (
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/epics-asg/accessd/internal/asmodel"
	"github.com/epics-asg/accessd/internal/aseval"
	"github.com/epics-asg/accessd/internal/asymtab"
)

// Registry owns the current snapshot pointer, its symbol table, and the
// client slab. It is safe for concurrent use: mutating operations take
// mu; CheckGet/CheckPut/CheckRPC deliberately do not.
type Registry struct {
	mu     sync.Mutex
	active atomic.Bool

	snapshot atomic.Pointer[asmodel.Snapshot]
	table    atomic.Pointer[asymtab.Table]

	eval  *aseval.Evaluator
	slab  *clientSlab
	logger *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		eval:   aseval.New(logger),
		slab:   newClientSlab(),
		logger: logger.Named("asregistry"),
	}
}

// Publish atomically installs a new (snapshot, table) pair as current
// and marks the engine active. Called only by internal/asloader, under
// Registry's own lock (via Lock/Unlock below), per the hot-swap protocol.
func (r *Registry) Publish(snap *asmodel.Snapshot, table *asymtab.Table) {
	r.snapshot.Store(snap)
	r.table.Store(table)
	r.active.Store(true)
}

func (r *Registry) Snapshot() *asmodel.Snapshot { return r.snapshot.Load() }
func (r *Registry) Table() *asymtab.Table       { return r.table.Load() }
func (r *Registry) Active() bool                { return r.active.Load() }

// Lock/Unlock expose the engine-wide mutex to internal/asloader, which
// must hold it across the whole multi-step hot-swap protocol, not just
// the final publish.
func (r *Registry) Lock()   { r.mu.Lock() }
func (r *Registry) Unlock() { r.mu.Unlock() }

// AddMember binds a resource to the named ASG, falling back to DEFAULT
// if the name is unknown, and triggers a recompute over its (initially
// empty) client list for consistency with change-group/reload paths that
// reuse the same recompute call.
func (r *Registry) AddMember(groupName string) *asmodel.Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snapshot.Load()
	asg := snap.FindASG(groupName)
	member := &asmodel.Member{GroupName: groupName, ASG: asg}
	asg.Members = append(asg.Members, member)
	r.recomputeMemberLocked(member)
	return member
}

// RemoveMember fails with ErrClientsExist if clients remain attached.
func (r *Registry) RemoveMember(member *asmodel.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(member.Clients) > 0 {
		return asmodel.NewError(asmodel.ErrClientsExist, "cannot remove member with attached clients")
	}
	asg := member.ASG
	for i, m := range asg.Members {
		if m == member {
			asg.Members = append(asg.Members[:i], asg.Members[i+1:]...)
			break
		}
	}
	return nil
}

// ChangeGroup detaches a member from its current ASG and re-attaches it
// under newName (falling back to DEFAULT), then recomputes every client
// still attached to it.
func (r *Registry) ChangeGroup(member *asmodel.Member, newName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldASG := member.ASG
	for i, m := range oldASG.Members {
		if m == member {
			oldASG.Members = append(oldASG.Members[:i], oldASG.Members[i+1:]...)
			break
		}
	}
	snap := r.snapshot.Load()
	newASG := snap.FindASG(newName)
	member.GroupName = newName
	member.ASG = newASG
	newASG.Members = append(newASG.Members, member)
	r.recomputeMemberLocked(member)
}

// AddClient attaches a new client identity to member, lower-casing the
// host per SPEC_FULL.md section 4.4, and recomputes its decision.
func (r *Registry) AddClient(member *asmodel.Member, level int, identity asmodel.Identity) *asmodel.Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity.Host = strings.ToLower(identity.Host)
	client := r.slab.alloc()
	client.Identity = identity
	client.Level = level
	client.Member = member
	member.Clients = append(member.Clients, client)

	r.eval.ComputeClient(client, r.table.Load(), r.snapshot.Load())
	return client
}

// ChangeClient replaces a client's identity and level in place. The host
// is lower-cased the same way AddClient does; an empty Identity.Host (the
// Go zero value takes the place of the original's unchecked-NULL host —
// see SPEC_FULL.md section 9 Open Question 2) lower-cases to itself
// without ever dereferencing a nil pointer, since Go strings carry no
// such hazard.
func (r *Registry) ChangeClient(client *asmodel.Client, level int, identity asmodel.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity.Host = strings.ToLower(identity.Host)
	client.Identity = identity
	client.Level = level

	r.eval.ComputeClient(client, r.table.Load(), r.snapshot.Load())
}

// RemoveClient unlinks a client from its member and returns its storage
// to the slab.
func (r *Registry) RemoveClient(client *asmodel.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	member := client.Member
	for i, c := range member.Clients {
		if c == client {
			member.Clients = append(member.Clients[:i], member.Clients[i+1:]...)
			break
		}
	}
	r.slab.free(client)
}

// RegisterCallback stores the callback and immediately invokes it once
// with the client's current (access, trap), so the caller observes
// present state rather than waiting for the next transition. This
// immediate call is easy to mistake for redundant — it is not; dropping
// it races the caller's "first" notification. See SPEC_FULL.md section 12.
func (r *Registry) RegisterCallback(client *asmodel.Client, cb asmodel.ClientCallback) {
	r.mu.Lock()
	client.Callback = cb
	access, trap := client.Access, client.TrapMask
	r.mu.Unlock()

	cb(access, trap)
}

// CheckGet, CheckPut and CheckRPC are the lock-free fast paths of
// SPEC_FULL.md section 5: they read only the engine-active flag and the
// client's cached access, tolerating a one-cycle lag across a policy
// swap. While the engine is not yet active, every check is open (true),
// matching asCheckGet/Put/RPC's "!asActive || access >= level" macro.
func (r *Registry) CheckGet(client *asmodel.Client) bool {
	return !r.active.Load() || client.Access >= asmodel.AccessRead
}

func (r *Registry) CheckPut(client *asmodel.Client) bool {
	return !r.active.Load() || client.Access >= asmodel.AccessWrite
}

func (r *Registry) CheckRPC(client *asmodel.Client) bool {
	return !r.active.Load() || client.Access >= asmodel.AccessRPC
}

// recomputeMemberLocked re-evaluates every client attached to member.
// Caller must hold r.mu.
func (r *Registry) recomputeMemberLocked(member *asmodel.Member) {
	table := r.table.Load()
	snap := r.snapshot.Load()
	for _, client := range member.Clients {
		r.eval.ComputeClient(client, table, snap)
	}
}

// clientSlab is a never-shrinking slab allocator for *asmodel.Client,
// the idiomatic-Go analogue of the original's freeListLib arena
// (SPEC_FULL.md section 12): storage is recycled via a free stack of
// slot indices but the backing slice itself only ever grows.
type clientSlab struct {
	mu   sync.Mutex
	all  []*asmodel.Client
	free []int
}

func newClientSlab() *clientSlab {
	return &clientSlab{}
}

func (s *clientSlab) alloc() *asmodel.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		c := s.all[idx]
		*c = asmodel.Client{}
		c.SetSlabSlot(idx)
		return c
	}
	c := &asmodel.Client{}
	idx := len(s.all)
	c.SetSlabSlot(idx)
	s.all = append(s.all, c)
	return c
}

func (s *clientSlab) free(c *asmodel.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = append(s.free, c.SlabSlot())
}
