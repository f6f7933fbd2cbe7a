// Package aseval implements the decision engine described in
// SPEC_FULL.md section 4.3: given a client and its member's ASG, compute
// (access, trapMask), plus the incremental recomputation triggered when
// an ASG's live numeric inputs change.
//
// The evaluator is a pure function of (identity, ASG, input values) per
// SPEC_FULL.md section 9's "Coroutines/generators: none required" note —
// it performs no I/O and holds no state of its own beyond the logger used
// to report CALC evaluation failures once (section 7.4).
package aseval

import (
	"strings"

	"go.uber.org/zap"

	"github.com/epics-asg/accessd/internal/ascalc"
	"github.com/epics-asg/accessd/internal/asmodel"
	"github.com/epics-asg/accessd/internal/asymtab"
)

type Evaluator struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{logger: logger.Named("aseval")}
}

// ComputeClient runs the 11-step algorithm of SPEC_FULL.md section 4.3
// against client's currently bound member's ASG, caches the result on the
// client, and fires the client's callback if the decision changed. It
// does not consult the engine-active flag; the registry's check-get/put/
// rpc fast paths treat an inactive engine as "open" on their own — see
// internal/asregistry.
func (e *Evaluator) ComputeClient(client *asmodel.Client, table *asymtab.Table, snap *asmodel.Snapshot) {
	if client.Member == nil || client.Member.ASG == nil {
		return
	}
	asg := client.Member.ASG

	access := asmodel.AccessNone
	trap := false

ruleLoop:
	for _, rule := range asg.Rules {
		switch {
		case rule.Ignore:
			continue ruleLoop
		case access >= asmodel.AccessWrite:
			// Short-circuit at WRITE, not the true maximum RPC: a later
			// RPC rule further down the list can still upgrade. This is
			// the historical asymmetry SPEC_FULL.md section 9 mandates
			// reproducing exactly; it is intentional policy, not a bug.
			break ruleLoop
		case access >= rule.Access:
			continue ruleLoop // no-improvement rule
		case client.Level > rule.Level:
			continue ruleLoop
		case rule.HasProtocol && rule.Protocol != client.Identity.Protocol:
			continue ruleLoop
		}

		if len(rule.UAGs) > 0 && !e.userInAnyUAG(client.Identity.User, rule.UAGs, snap, table) {
			continue
		}
		if len(rule.HAGs) > 0 && !e.hostInAnyHAG(client.Identity.Host, rule.HAGs, snap, table) {
			continue
		}
		if len(rule.Methods) > 0 && !methodMatches(client.Identity.Method, rule.Methods) {
			continue
		}
		if len(rule.Authorities) > 0 && !e.authorityMatches(client.Identity.Authority, rule.Authorities, snap, table) {
			continue
		}
		if rule.Calc != nil {
			if (asg.InpBad&rule.Calc.InpUsed) != 0 || !rule.Calc.Result {
				continue
			}
		}

		// Pass: upgrade running best, keep scanning (no break) so a
		// later, higher-access rule can still win.
		access = rule.Access
		trap = rule.Trap
	}

	changed := access != client.Access || trap != client.TrapMask
	client.Access = access
	client.TrapMask = trap

	if changed && client.Callback != nil {
		client.Callback(access, trap)
	}
}

func (e *Evaluator) userInAnyUAG(user string, names []string, snap *asmodel.Snapshot, table *asymtab.Table) bool {
	for _, name := range names {
		uag, ok := snap.UAGs[name]
		if !ok {
			continue
		}
		if table.UserInUAG(user, uag) {
			return true
		}
	}
	return false
}

func (e *Evaluator) hostInAnyHAG(host string, names []string, snap *asmodel.Snapshot, table *asymtab.Table) bool {
	for _, name := range names {
		hag, ok := snap.HAGs[name]
		if !ok {
			continue
		}
		if table.HostInHAG(host, hag) {
			return true
		}
	}
	return false
}

func methodMatches(clientMethod string, methods []string) bool {
	if clientMethod == "" {
		return false
	}
	for _, m := range methods {
		if m == clientMethod {
			return true
		}
	}
	return false
}

// authorityMatches implements "trust by ancestor": a listed authority's
// stored chain must be a byte-range prefix of the client's authority
// string. An authority name with no stored chain is a miss, not an
// error (SPEC_FULL.md section 4.3 step 9).
func (e *Evaluator) authorityMatches(clientAuthority string, names []string, snap *asmodel.Snapshot, table *asymtab.Table) bool {
	if clientAuthority == "" {
		return false
	}
	for _, name := range names {
		chain, ok := asymtab.LookupAuthority(snap, table, name)
		if !ok {
			continue
		}
		if strings.HasPrefix(clientAuthority, chain.Chain) {
			return true
		}
	}
	return false
}

// RecomputeASG implements the incremental recomputation of SPEC_FULL.md
// section 4.3's final paragraph (asComputeAsgPvt/asComputeAllAsgPvt): for
// every non-ignored rule whose CALC references a changed input, recompute
// its boolean result; then clear inpChanged and re-evaluate every client
// bound to any member of this ASG.
func (e *Evaluator) RecomputeASG(asg *asmodel.ASG, table *asymtab.Table, snap *asmodel.Snapshot) {
	asg.Lock()
	changed := asg.InpChanged
	for _, rule := range asg.Rules {
		if rule.Ignore || rule.Calc == nil {
			continue
		}
		if rule.Calc.InpUsed&changed == 0 {
			continue
		}
		r, err := ascalc.Eval(rule.Calc.Postfix, func(name string) float64 {
			// CALC tokens are slot letters (A, B, ...), resolved by index,
			// not by the INP argument name.
			idx := int(name[0] - 'A')
			if idx < 0 || idx >= len(asg.Values) {
				return 0
			}
			return asg.Values[idx]
		})
		if err != nil {
			// Evaluation error: treated as "rule condition false" without
			// aborting, per SPEC_FULL.md section 7.4. Logged once.
			e.logger.Warn("CALC evaluation failed, rule treated as false",
				zap.String("asg", asg.Name), zap.String("calc", rule.Calc.Source), zap.Error(err))
			rule.Calc.Result = false
			continue
		}
		rule.Calc.Result = r > 0.99 && r < 1.01
	}
	asg.InpChanged = 0
	members := asg.Members
	asg.Unlock()

	for _, member := range members {
		for _, client := range member.Clients {
			e.ComputeClient(client, table, snap)
		}
	}
}

// RecomputeAll recomputes every ASG in the snapshot, mirroring
// asComputeAllAsgPvt — used after a bulk input-notifier flush covering
// multiple groups.
func (e *Evaluator) RecomputeAll(snap *asmodel.Snapshot, table *asymtab.Table) {
	for _, name := range snap.ASGOrder {
		e.RecomputeASG(snap.ASGs[name], table, snap)
	}
}
