package asparser

import (
	"fmt"
	"sort"
	"strings"

	"github.com/epics-asg/accessd/internal/ascalc"
	"github.com/epics-asg/accessd/internal/asmodel"
)

// HostResolver resolves a HAG host token to a decimal-dotted IPv4
// address. It is the "host-name-to-IP resolution" external collaborator
// SPEC_FULL.md section 1 explicitly places out of scope; callers inject
// their own (e.g. backed by net.LookupHost). A nil Resolver, or one that
// returns ok=false, causes the host to be stored with the "unresolved:"
// sentinel prefix.
type HostResolver func(host string) (ip string, ok bool)

// Options configures a Parse call.
type Options struct {
	// UseClientIP mirrors the process-wide toggle of SPEC_FULL.md
	// section 6: when true, HAG host tokens are resolved via Resolver;
	// when false, they are stored as lower-cased literals.
	UseClientIP bool
	Resolver    HostResolver

	// MaxInputs bounds the number of named inputs (INPx) an ASG may
	// declare, standing in for "the calculator's argument count" of
	// SPEC_FULL.md section 3. Defaults to 26 (A..Z) if zero.
	MaxInputs int
}

// Parse translates policy text into a new asmodel.Snapshot, implementing
// SPEC_FULL.md section 4.1's grammar, future-proofing policy, and
// duplicate-handling rules. On any hard failure the returned snapshot is
// nil and the caller must discard it and leave the prior snapshot
// untouched (the hot-swap protocol's job, not this function's).
func Parse(src string, opts Options, snapshotID string) (*asmodel.Snapshot, error) {
	gp, err := newGrammarParser(src)
	if err != nil {
		return nil, asmodel.WrapError(asmodel.ErrBadConfig, "lexical error", err)
	}
	decls, err := gp.parseFile()
	if err != nil {
		return nil, asmodel.WrapError(asmodel.ErrBadConfig, "syntax error", err)
	}

	if opts.MaxInputs == 0 {
		opts.MaxInputs = 26
	}

	snap := asmodel.NewSnapshot(snapshotID, opts.UseClientIP)

	for _, d := range decls {
		switch d.key {
		case "UAG":
			if err := processUAG(d, snap); err != nil {
				return nil, err
			}
		case "HAG":
			if err := processHAG(d, snap, opts); err != nil {
				return nil, err
			}
		case "AUTHORITY":
			if err := processAuthority(d, "", snap); err != nil {
				return nil, err
			}
		case "ASG":
			if err := processASG(d, snap, opts); err != nil {
				return nil, err
			}
		default:
			// Unknown-but-well-formed top-level keyword: silently
			// dropped, per SPEC_FULL.md section 4.1.
		}
	}

	return snap, nil
}

func identText(it item) string { return it.text }

func insertSorted(order []string, name string) []string {
	i := sort.SearchStrings(order, name)
	order = append(order, "")
	copy(order[i+1:], order[i:])
	order[i] = name
	return order
}

func processUAG(d decl, snap *asmodel.Snapshot) error {
	if len(d.args) != 1 {
		return asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: UAG requires exactly one argument (name)", d.line))
	}
	name := identText(d.args[0])
	if d.hasBody && !d.bodyIsList {
		return asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: UAG body must be a plain list of users, not nested declarations", d.line))
	}
	if _, exists := snap.UAGs[name]; exists {
		return asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: duplicate UAG named %q", d.line, name))
	}
	var users []string
	for _, it := range d.bodyList {
		users = append(users, it.text)
	}
	snap.UAGs[name] = &asmodel.UAG{Name: name, Users: users}
	snap.UAGOrder = insertSorted(snap.UAGOrder, name)
	return nil
}

func processHAG(d decl, snap *asmodel.Snapshot, opts Options) error {
	if len(d.args) != 1 {
		return asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: HAG requires exactly one argument (name)", d.line))
	}
	name := identText(d.args[0])
	if d.hasBody && !d.bodyIsList {
		return asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: HAG body must be a plain list of hosts, not nested declarations", d.line))
	}
	if _, exists := snap.HAGs[name]; exists {
		return asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: duplicate HAG named %q", d.line, name))
	}
	var hosts []string
	for _, it := range d.bodyList {
		hosts = append(hosts, resolveHost(it.text, opts))
	}
	snap.HAGs[name] = &asmodel.HAG{Name: name, Hosts: hosts}
	snap.HAGOrder = insertSorted(snap.HAGOrder, name)
	return nil
}

// resolveHost implements the HAG host-storage rule of SPEC_FULL.md
// section 3/6: lower-cased literal when useClientIP is false; resolved
// decimal-dotted IPv4, or the "unresolved:" sentinel, when true.
func resolveHost(raw string, opts Options) string {
	if !opts.UseClientIP {
		return strings.ToLower(raw)
	}
	if opts.Resolver != nil {
		if ip, ok := opts.Resolver(raw); ok {
			return ip
		}
	}
	return "unresolved:" + raw
}

func processAuthority(d decl, parentChain string, snap *asmodel.Snapshot) error {
	if len(d.args) != 2 {
		return asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: AUTHORITY requires exactly two arguments (name, common-name)", d.line))
	}
	if d.args[1].kind != tkString {
		return asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: AUTHORITY's common-name argument must be a quoted string", d.line))
	}
	name := identText(d.args[0])
	cn := d.args[1].text

	chain := cn
	if parentChain != "" {
		chain = parentChain + "\n" + cn
	}
	if len(chain) > asmodel.MaxAuthorityChainLen {
		chain = chain[:asmodel.MaxAuthorityChainLen]
	}

	if _, exists := snap.Authorities[name]; exists {
		return asmodel.NewError(asmodel.ErrDupAuthority, fmt.Sprintf("line %d: duplicate AUTHORITY named %q", d.line, name))
	}
	snap.Authorities[name] = &asmodel.AuthorityChain{Name: name, Chain: chain}
	snap.AuthorityOrder = insertSorted(snap.AuthorityOrder, name)

	if !d.hasBody {
		return nil
	}
	if d.bodyIsList && len(d.bodyList) > 0 {
		return asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: AUTHORITY body must contain nested AUTHORITY declarations, not a list", d.line))
	}
	for _, sub := range d.bodyDecls {
		if sub.key != "AUTHORITY" {
			continue // unknown nested keyword: silently dropped
		}
		if err := processAuthority(sub, chain, snap); err != nil {
			return err
		}
	}
	return nil
}

func processASG(d decl, snap *asmodel.Snapshot, opts Options) error {
	if len(d.args) != 1 {
		return asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: ASG requires exactly one argument (name)", d.line))
	}
	name := identText(d.args[0])

	asg, exists := snap.ASGs[name]
	if exists {
		if name != "DEFAULT" || len(asg.Inputs) > 0 || len(asg.Rules) > 0 {
			return asmodel.NewError(asmodel.ErrDupASG, fmt.Sprintf("line %d: duplicate Access Security Group named %q", d.line, name))
		}
		// Merge into the prior empty DEFAULT, per SPEC_FULL.md section 12.
	} else {
		asg = &asmodel.ASG{Name: name}
		snap.ASGs[name] = asg
		snap.ASGOrder = insertSorted(snap.ASGOrder, name)
	}

	if d.hasBody && d.bodyIsList && len(d.bodyList) > 0 {
		return asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: ASG body must contain INP/RULE declarations, not a list", d.line))
	}

	inputIndex := make(map[string]int)
	for _, in := range asg.Inputs {
		inputIndex[string(rune('A'+in.Index))] = in.Index
	}

	for _, sub := range d.bodyDecls {
		switch {
		case isInputKeyword(sub.key):
			if err := processInput(sub, asg, opts, inputIndex); err != nil {
				return err
			}
		case sub.key == "RULE":
			rule, err := processRule(sub, snap, inputIndex)
			if err != nil {
				return err
			}
			asg.Rules = append(asg.Rules, rule)
		default:
			// Unknown keyword inside an ASG body: silently dropped
			// without tainting the ASG, treated like a top-level unknown
			// construct since ASG's body is itself a recursive
			// declaration list.
		}
	}
	return nil
}

func isInputKeyword(key string) bool {
	if !strings.HasPrefix(key, "INP") {
		return false
	}
	rest := key[len("INP"):]
	return len(rest) == 1 && rest[0] >= 'A' && rest[0] <= 'Z'
}

func processInput(d decl, asg *asmodel.ASG, opts Options, inputIndex map[string]int) error {
	if len(d.args) != 1 {
		return asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: %s requires exactly one argument (name)", d.line, d.key))
	}
	if d.hasBody {
		return asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: %s does not take a body", d.line, d.key))
	}
	letter := d.key[len("INP")]
	idx := int(letter - 'A')
	if idx >= opts.MaxInputs {
		return asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: input index %q exceeds the calculator's argument count", d.line, d.key))
	}
	name := identText(d.args[0])
	for len(asg.Values) <= idx {
		asg.Values = append(asg.Values, 0)
	}
	asg.Inputs = append(asg.Inputs, asmodel.Input{Name: name, Index: idx})
	// CALC expressions reference the slot letter (A, B, ... up to
	// Options.MaxInputs), not the INP argument name.
	inputIndex[string(letter)] = idx
	return nil
}

func processRule(d decl, snap *asmodel.Snapshot, inputIndex map[string]int) (*asmodel.Rule, error) {
	if len(d.args) != 2 && len(d.args) != 3 {
		return nil, asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: RULE requires (level, permission) or (level, permission, trap-option)", d.line))
	}
	if d.args[0].kind != tkInt {
		return nil, asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: RULE's level argument must be an integer", d.line))
	}
	level, err := parseIntLiteral(d.args[0].text)
	if err != nil {
		return nil, asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: invalid RULE level: %v", d.line, err))
	}

	rule := &asmodel.Rule{Level: level}

	permText := identText(d.args[1])
	access, ok := asmodel.ParseAccess(permText)
	if !ok {
		rule.Ignore = true
	} else {
		rule.Access = access
	}

	if len(d.args) == 3 {
		flag := identText(d.args[2])
		switch flag {
		case "TRAPWRITE":
			rule.Trap = true
		case "NOTRAPWRITE":
			rule.Trap = false
		default:
			return nil, asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: unknown RULE trap option %q", d.line, flag))
		}
	}

	if !d.hasBody {
		return rule, nil
	}
	if d.bodyIsList && len(d.bodyList) > 0 {
		return nil, asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: RULE body must contain predicate declarations, not a list", d.line))
	}

	seenMethods := make(map[string]bool)
	seenAuthorities := make(map[string]bool)

	for _, sub := range d.bodyDecls {
		switch sub.key {
		case "UAG":
			names, err := nonEmptyNameList(sub)
			if err != nil {
				return nil, err
			}
			for _, n := range names {
				if _, ok := snap.UAGs[n]; !ok {
					rule.Ignore = true
				}
			}
			rule.UAGs = append(rule.UAGs, names...)
		case "HAG":
			names, err := nonEmptyNameList(sub)
			if err != nil {
				return nil, err
			}
			for _, n := range names {
				if _, ok := snap.HAGs[n]; !ok {
					rule.Ignore = true
				}
			}
			rule.HAGs = append(rule.HAGs, names...)
		case "METHOD":
			names, err := nonEmptyNameList(sub)
			if err != nil {
				return nil, err
			}
			for _, n := range names {
				if seenMethods[n] {
					return nil, asmodel.NewError(asmodel.ErrDupMethod, fmt.Sprintf("line %d: duplicate METHOD %q within one rule", sub.line, n))
				}
				seenMethods[n] = true
			}
			rule.Methods = append(rule.Methods, names...)
		case "AUTHORITY":
			names, err := nonEmptyNameList(sub)
			if err != nil {
				return nil, err
			}
			for _, n := range names {
				if seenAuthorities[n] {
					return nil, asmodel.NewError(asmodel.ErrDupAuthority, fmt.Sprintf("line %d: duplicate AUTHORITY %q within one rule", sub.line, n))
				}
				seenAuthorities[n] = true
			}
			rule.Authorities = append(rule.Authorities, names...)
		case "PROTOCOL":
			if len(sub.args) != 1 {
				return nil, asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: PROTOCOL requires exactly one argument", sub.line))
			}
			proto, ok := asmodel.ParseProtocol(identText(sub.args[0]))
			if !ok {
				rule.Ignore = true
				continue
			}
			rule.HasProtocol = true
			rule.Protocol = proto
		case "CALC":
			if len(sub.args) != 1 || sub.args[0].kind != tkString {
				return nil, asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: CALC requires exactly one string argument", sub.line))
			}
			expr := sub.args[0].text
			postfix, inpUsed, err := ascalc.Compile(expr, inputIndex)
			if err != nil {
				return nil, asmodel.WrapError(asmodel.ErrBadCalc, fmt.Sprintf("line %d: CALC %q", sub.line, expr), err)
			}
			rule.Calc = &asmodel.CalcExpr{Source: expr, Postfix: postfix, InpUsed: inpUsed}
		default:
			// Unknown keyword inside a rule body: silently dropped but
			// taints the enclosing rule, per SPEC_FULL.md section 4.1.
			rule.Ignore = true
		}
	}
	return rule, nil
}

func nonEmptyNameList(d decl) ([]string, error) {
	if len(d.args) == 0 {
		return nil, asmodel.NewError(asmodel.ErrBadConfig, fmt.Sprintf("line %d: %s requires at least one argument", d.line, d.key))
	}
	names := make([]string, 0, len(d.args))
	for _, it := range d.args {
		names = append(names, it.text)
	}
	return names, nil
}
