// Package asymtab implements the process-wide (per-snapshot) symbol
// table described in SPEC_FULL.md section 4.2: an O(1) membership index
// from (user, UAG) and (host, HAG) pairs, plus a name->chain authority
// lookup. This is the evaluator's only scan-free path to group checks.
package asymtab

import (
	"go.uber.org/zap"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/epics-asg/accessd/internal/asmodel"
)

// Table is built once per snapshot at load time (asloader step 3). Its
// user/host maps are never mutated after that point, so they need no
// lock; the authority LRU is filled by LookupAuthority and is safe for
// concurrent use on its own.
type Table struct {
	users map[string]map[*asmodel.UAG]struct{}
	hosts map[string]map[*asmodel.HAG]struct{}

	// authCache is a bounded LRU overflow in front of the snapshot's
	// Authorities map (SPEC_FULL.md section 11) for deployments with very
	// large chain counts; a miss here always falls back to the map, it
	// never misses authoritatively.
	authCache *lru.Cache[string, *asmodel.AuthorityChain]
}

// Build walks every UAG and HAG in the snapshot, registering each member
// string. A duplicate (name already bound to this group) is logged once
// and otherwise ignored: "only the first binding wins" per SPEC_FULL.md
// section 4.1's duplicate-handling rule.
func Build(snap *asmodel.Snapshot, logger *zap.Logger) *Table {
	t := &Table{
		users: make(map[string]map[*asmodel.UAG]struct{}),
		hosts: make(map[string]map[*asmodel.HAG]struct{}),
	}
	cache, err := lru.New[string, *asmodel.AuthorityChain](256)
	if err == nil {
		t.authCache = cache
	}

	for _, name := range snap.UAGOrder {
		uag := snap.UAGs[name]
		for _, user := range uag.Users {
			t.addUser(user, uag, logger)
		}
	}
	for _, name := range snap.HAGOrder {
		hag := snap.HAGs[name]
		for _, host := range hag.Hosts {
			t.addHost(host, hag, logger)
		}
	}
	return t
}

func (t *Table) addUser(user string, uag *asmodel.UAG, logger *zap.Logger) {
	set, ok := t.users[user]
	if !ok {
		set = make(map[*asmodel.UAG]struct{})
		t.users[user] = set
	}
	if _, exists := set[uag]; exists {
		if logger != nil {
			logger.Warn("duplicate user in UAG, first binding wins",
				zap.String("user", user), zap.String("uag", uag.Name))
		}
		return
	}
	set[uag] = struct{}{}
}

func (t *Table) addHost(host string, hag *asmodel.HAG, logger *zap.Logger) {
	set, ok := t.hosts[host]
	if !ok {
		set = make(map[*asmodel.HAG]struct{})
		t.hosts[host] = set
	}
	if _, exists := set[hag]; exists {
		if logger != nil {
			logger.Warn("duplicate host in HAG, first binding wins",
				zap.String("host", host), zap.String("hag", hag.Name))
		}
		return
	}
	set[hag] = struct{}{}
}

// UserInUAG reports whether user belongs to uag, in expected O(1).
func (t *Table) UserInUAG(user string, uag *asmodel.UAG) bool {
	set, ok := t.users[user]
	if !ok {
		return false
	}
	_, in := set[uag]
	return in
}

// HostInHAG reports whether host belongs to hag, in expected O(1).
func (t *Table) HostInHAG(host string, hag *asmodel.HAG) bool {
	set, ok := t.hosts[host]
	if !ok {
		return false
	}
	_, in := set[hag]
	return in
}

// LookupAuthority resolves an authority name to its stored chain,
// consulting the LRU overflow cache before falling back to the
// snapshot's authoritative map. An unknown name is a miss (ok=false),
// matching asGetAuthority's "Certificate Authority Not Defined" case.
func LookupAuthority(snap *asmodel.Snapshot, t *Table, name string) (*asmodel.AuthorityChain, bool) {
	if t != nil && t.authCache != nil {
		if chain, ok := t.authCache.Get(name); ok {
			return chain, true
		}
	}
	chain, ok := snap.Authorities[name]
	if !ok {
		return nil, false
	}
	if t != nil && t.authCache != nil {
		t.authCache.Add(name, chain)
	}
	return chain, true
}
