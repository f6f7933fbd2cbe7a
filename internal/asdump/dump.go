// Package asdump implements the pretty-printer of SPEC_FULL.md section 6
// ("Dump format") and the JSON variant wired for
// the admin HTTP surface's /dump?format=json path (SPEC_FULL.md
// section 11).
package asdump

import (
	"fmt"
	"strings"

	"github.com/epics-asg/accessd/internal/asmodel"
	"github.com/epics-asg/accessd/internal/jsonx"
)

var accessName = [...]string{"NONE", "READ", "WRITE", "RPC"}
var trapOption = [...]string{"NOTRAPWRITE", "TRAPWRITE"}

func accessNameOf(a asmodel.Access) string {
	if int(a) < len(accessName) {
		return accessName[a]
	}
	return "NONE"
}

func trapOptionOf(trap bool) string {
	if trap {
		return trapOption[1]
	}
	return trapOption[0]
}

// Text renders the current snapshot in policy-language shape: UAG, HAG,
// ASG and RULE declarations with their predicates, in alphabetical name
// order. Unknown-but-tolerated constructs were never stored, so they are
// never reproduced here. The output is not re-parseable as a whole:
// authority chains are written as "AUTHORITY(name: root -> ... -> leaf)",
// each INPx line carries its current status and value, and each CALC line
// carries its last result, none of which is policy syntax.
func Text(snap *asmodel.Snapshot) string {
	var b strings.Builder
	for _, name := range snap.UAGOrder {
		uag := snap.UAGs[name]
		fmt.Fprintf(&b, "UAG(%s){%s}\n", uag.Name, strings.Join(uag.Users, ","))
	}
	for _, name := range snap.HAGOrder {
		hag := snap.HAGs[name]
		fmt.Fprintf(&b, "HAG(%s){%s}\n", hag.Name, strings.Join(hag.Hosts, ","))
	}
	for _, name := range snap.AuthorityOrder {
		chain := snap.Authorities[name]
		fmt.Fprintf(&b, "AUTHORITY(%s: %s)\n", chain.Name, strings.ReplaceAll(chain.Chain, "\n", " -> "))
	}
	for _, name := range snap.ASGOrder {
		asg := snap.ASGs[name]
		fmt.Fprintf(&b, "ASG(%s){\n", asg.Name)
		for _, in := range asg.Inputs {
			letter := rune('A' + in.Index)
			status := "INVALID"
			if (asg.InpBad>>uint(in.Index))&1 == 0 {
				status = fmt.Sprintf("VALID value=%g", asg.Values[in.Index])
			}
			fmt.Fprintf(&b, "  INP%c(%s) %s\n", letter, in.Name, status)
		}
		for _, rule := range asg.Rules {
			if rule.Ignore {
				continue // ignored rules are skipped in dump output
			}
			fmt.Fprintf(&b, "  RULE(%d,%s,%s){\n", rule.Level, accessNameOf(rule.Access), trapOptionOf(rule.Trap))
			if len(rule.UAGs) > 0 {
				fmt.Fprintf(&b, "    UAG(%s)\n", strings.Join(rule.UAGs, ","))
			}
			if len(rule.HAGs) > 0 {
				fmt.Fprintf(&b, "    HAG(%s)\n", strings.Join(rule.HAGs, ","))
			}
			if len(rule.Methods) > 0 {
				fmt.Fprintf(&b, "    METHOD(%s)\n", quoteJoin(rule.Methods))
			}
			if len(rule.Authorities) > 0 {
				fmt.Fprintf(&b, "    AUTHORITY(%s)\n", strings.Join(rule.Authorities, ","))
			}
			if rule.Calc != nil {
				fmt.Fprintf(&b, "    CALC(%q) [result=%s]\n", rule.Calc.Source, boolName(rule.Calc.Result))
			}
			if rule.HasProtocol {
				fmt.Fprintf(&b, "    PROTOCOL(%q)\n", rule.Protocol.String())
			}
			b.WriteString("  }\n")
		}
		b.WriteString("}\n")
	}
	return b.String()
}

func quoteJoin(ss []string) string {
	quoted := make([]string, len(ss))
	for i, s := range ss {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ",")
}

func boolName(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// jsonSnapshot is the structured shape sonic encodes for /dump?format=json.
type jsonSnapshot struct {
	ID          string            `json:"id"`
	UseClientIP bool              `json:"use_client_ip"`
	UAGs        []jsonUAG         `json:"uags"`
	HAGs        []jsonHAG         `json:"hags"`
	Authorities []jsonAuthority   `json:"authorities"`
	ASGs        []jsonASG         `json:"asgs"`
}

type jsonUAG struct {
	Name  string   `json:"name"`
	Users []string `json:"users"`
}

type jsonHAG struct {
	Name  string   `json:"name"`
	Hosts []string `json:"hosts"`
}

type jsonAuthority struct {
	Name  string `json:"name"`
	Chain string `json:"chain"`
}

type jsonRule struct {
	Level       int      `json:"level"`
	Access      string   `json:"access"`
	Trap        bool     `json:"trap"`
	UAGs        []string `json:"uags,omitempty"`
	HAGs        []string `json:"hags,omitempty"`
	Methods     []string `json:"methods,omitempty"`
	Authorities []string `json:"authorities,omitempty"`
	Calc        string   `json:"calc,omitempty"`
	CalcResult  *bool    `json:"calc_result,omitempty"`
	Protocol    string   `json:"protocol,omitempty"`
}

type jsonASG struct {
	Name  string     `json:"name"`
	Rules []jsonRule `json:"rules"`
}

// JSON renders the snapshot as JSON via jsonx's Sonic-backed encoder, for
// higher-throughput admin consumers than the text dump.
func JSON(snap *asmodel.Snapshot) ([]byte, error) {
	out := jsonSnapshot{ID: snap.ID, UseClientIP: snap.UseClientIP}
	for _, name := range snap.UAGOrder {
		uag := snap.UAGs[name]
		out.UAGs = append(out.UAGs, jsonUAG{Name: uag.Name, Users: uag.Users})
	}
	for _, name := range snap.HAGOrder {
		hag := snap.HAGs[name]
		out.HAGs = append(out.HAGs, jsonHAG{Name: hag.Name, Hosts: hag.Hosts})
	}
	for _, name := range snap.AuthorityOrder {
		chain := snap.Authorities[name]
		out.Authorities = append(out.Authorities, jsonAuthority{Name: chain.Name, Chain: chain.Chain})
	}
	for _, name := range snap.ASGOrder {
		asg := snap.ASGs[name]
		ja := jsonASG{Name: asg.Name}
		for _, rule := range asg.Rules {
			if rule.Ignore {
				continue
			}
			jr := jsonRule{
				Level:       rule.Level,
				Access:      accessNameOf(rule.Access),
				Trap:        rule.Trap,
				UAGs:        rule.UAGs,
				HAGs:        rule.HAGs,
				Methods:     rule.Methods,
				Authorities: rule.Authorities,
			}
			if rule.Calc != nil {
				jr.Calc = rule.Calc.Source
				res := rule.Calc.Result
				jr.CalcResult = &res
			}
			if rule.HasProtocol {
				jr.Protocol = rule.Protocol.String()
			}
			ja.Rules = append(ja.Rules, jr)
		}
		out.ASGs = append(out.ASGs, ja)
	}
	return jsonx.Marshal(out)
}
