// Package asmodel holds the data model of the access security engine:
// identities, user/host groups, authority chains, rules, access groups,
// members, clients and policy snapshots. See SPEC_FULL.md section 3.
package asmodel

// Access is the ordered access-rights level a rule can grant. Rules
// compare with >=, so the ordering (none < read < write < rpc) is the
// thing that matters, not the numeric value.
type Access int

const (
	AccessNone Access = iota
	AccessRead
	AccessWrite
	AccessRPC
)

func (a Access) String() string {
	switch a {
	case AccessNone:
		return "NONE"
	case AccessRead:
		return "READ"
	case AccessWrite:
		return "WRITE"
	case AccessRPC:
		return "RPC"
	default:
		return "UNKNOWN"
	}
}

// Bitmask returns the external rights-bitmask representation used by
// SPEC_FULL.md's end-to-end scenarios: R=1, W=2, X=4. It is a display/test
// convention, not how rules are compared internally.
func (a Access) Bitmask() uint8 {
	switch a {
	case AccessRead:
		return 1
	case AccessWrite:
		return 2
	case AccessRPC:
		return 4
	default:
		return 0
	}
}

// ParseAccess maps a policy-file permission token to an Access level.
// ok is false for an unrecognized token, signalling the caller (the
// parser) to mark the enclosing rule ignored rather than fail the load.
func ParseAccess(tok string) (Access, bool) {
	switch tok {
	case "NONE":
		return AccessNone, true
	case "READ":
		return AccessRead, true
	case "WRITE":
		return AccessWrite, true
	case "RPC":
		return AccessRPC, true
	default:
		return AccessNone, false
	}
}

// Protocol is the optional transport-protocol predicate/attribute.
type Protocol int

const (
	ProtocolUnset Protocol = iota
	ProtocolPlain
	ProtocolSecure
)

func (p Protocol) String() string {
	switch p {
	case ProtocolPlain:
		return "tcp"
	case ProtocolSecure:
		return "tls"
	default:
		return ""
	}
}

// ParseProtocol maps a policy-file protocol token to a Protocol. ok is
// false for an unknown token (taints the enclosing rule).
func ParseProtocol(tok string) (Protocol, bool) {
	switch tok {
	case "tcp", "TCP":
		return ProtocolPlain, true
	case "tls", "TLS":
		return ProtocolSecure, true
	default:
		return ProtocolUnset, false
	}
}
