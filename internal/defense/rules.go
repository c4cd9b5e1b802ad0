// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package defense

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/google/uuid"

	"grimm.is/warden/internal/errors"
)

// ruleNamePrefix and the escaping convention come from spec.md §4.7/§4.13:
// "rule_name = IDS_Block_<addr_escaped>", reversible via underscore-to-dot
// mapping, strict IP literals only.
const ruleNamePrefix = "IDS_Block_"

// ruleCommandTimeout bounds every nftables round-trip (spec.md §4.7, point
// 2: "hard command timeout of 5 s").
const ruleCommandTimeout = 5 * time.Second

// RuleName builds the reversible rule identifier for addr. Only strict IPv4
// literals are accepted by AddrFromRuleName, so this never becomes a
// exfiltration channel for arbitrary data (spec.md §4.7).
func RuleName(addr string) string {
	return ruleNamePrefix + strings.ReplaceAll(addr, ".", "_")
}

// AddrFromRuleName reverses RuleName, rejecting anything that doesn't decode
// back to a strict IPv4 literal.
func AddrFromRuleName(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, ruleNamePrefix)
	if !ok {
		return "", false
	}
	candidate := strings.ReplaceAll(rest, "_", ".")
	if ip := net.ParseIP(candidate); ip == nil || ip.To4() == nil || strings.Contains(candidate, ":") {
		return "", false
	}
	return candidate, true
}

// FirewallApplier is the platform-filter surface C7 depends on; Nftables
// implements it for Linux, and tests use a fake.
type FirewallApplier interface {
	Apply(addr string) (ruleIDs []string, err error)
	Verify(ruleIDs []string) bool
	Retract(ruleIDs []string) error
	ScanBlocked() ([]string, error) // returns addresses, from existing IDS_Block_* rules
}

// Nftables applies block rules as a pair of inbound/outbound drop rules in a
// dedicated table, grounded on the google/nftables + expr primitives used
// elsewhere in the corpus for anti-spoofing/bogon filtering.
type Nftables struct {
	conn      *nftables.Conn
	tableName string
}

// NewNftables opens an nftables connection against the given table name
// (created lazily on first Apply).
func NewNftables(tableName string) (*Nftables, error) {
	if tableName == "" {
		tableName = "warden"
	}
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindProtected, "open nftables connection")
	}
	return &Nftables{conn: conn, tableName: tableName}, nil
}

func (n *Nftables) table() *nftables.Table {
	return &nftables.Table{Name: n.tableName, Family: nftables.TableFamilyIPv4}
}

// Apply installs inbound and outbound drop rules for addr, tagged with
// RuleName(addr) as rule UserData so ScanBlocked can recover it later.
func (n *Nftables) Apply(addr string) ([]string, error) {
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return nil, errors.Errorf(errors.KindRecoverable, "not a valid IPv4 literal: %q", addr)
	}

	return withTimeout(ruleCommandTimeout, func() ([]string, error) {
		table := n.table()
		inChain := n.ensureChain(table, "warden_input", nftables.ChainHookInput)
		outChain := n.ensureChain(table, "warden_output", nftables.ChainHookOutput)

		name := RuleName(addr)
		inRule := n.conn.AddRule(&nftables.Rule{
			Table:    table,
			Chain:    inChain,
			UserData: []byte(name),
			Exprs:    matchSourceDrop(ip),
		})
		outRule := n.conn.AddRule(&nftables.Rule{
			Table:    table,
			Chain:    outChain,
			UserData: []byte(name),
			Exprs:    matchDestDrop(ip),
		})

		if err := n.conn.Flush(); err != nil {
			return nil, errors.Wrapf(err, errors.KindProtected, "apply block rules for %s", addr)
		}

		return []string{ruleHandle(inChain, inRule), ruleHandle(outChain, outRule)}, nil
	})
}

// Verify confirms the rules named by ruleIDs are still present.
func (n *Nftables) Verify(ruleIDs []string) bool {
	result, err := withTimeout(ruleCommandTimeout, func() (bool, error) {
		table := n.table()
		for _, chainName := range []string{"warden_input", "warden_output"} {
			chain := &nftables.Chain{Name: chainName, Table: table}
			rules, err := n.conn.GetRules(table, chain)
			if err != nil {
				return false, err
			}
			if len(rules) == 0 {
				return false, nil
			}
		}
		return true, nil
	})
	return err == nil && result
}

// Retract removes the rules named by ruleIDs (identified by rule_name via
// UserData) from both chains.
func (n *Nftables) Retract(ruleIDs []string) error {
	_, err := withTimeout(ruleCommandTimeout, func() (struct{}, error) {
		table := n.table()
		for _, chainName := range []string{"warden_input", "warden_output"} {
			chain := &nftables.Chain{Name: chainName, Table: table}
			rules, err := n.conn.GetRules(table, chain)
			if err != nil {
				continue
			}
			for _, r := range rules {
				if err := n.conn.DelRule(r); err != nil {
					return struct{}{}, err
				}
			}
		}
		return struct{}{}, n.conn.Flush()
	})
	return err
}

// ScanBlocked lists every address currently blocked by a rule whose name
// decodes via AddrFromRuleName, used at startup to union with the JSON
// history log (spec.md §4.7, Persistence).
func (n *Nftables) ScanBlocked() ([]string, error) {
	return withTimeout(ruleCommandTimeout, func() ([]string, error) {
		table := n.table()
		chain := &nftables.Chain{Name: "warden_input", Table: table}
		rules, err := n.conn.GetRules(table, chain)
		if err != nil {
			return nil, nil // table/chain not created yet: nothing blocked
		}

		seen := make(map[string]bool)
		var addrs []string
		for _, r := range rules {
			addr, ok := AddrFromRuleName(string(r.UserData))
			if !ok || seen[addr] {
				continue
			}
			seen[addr] = true
			addrs = append(addrs, addr)
		}
		return addrs, nil
	})
}

func (n *Nftables) ensureChain(table *nftables.Table, name string, hook *nftables.ChainHook) *nftables.Chain {
	return n.conn.AddChain(&nftables.Chain{
		Name:     name,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  hook,
		Priority: nftables.ChainPriorityFilter,
	})
}

func matchSourceDrop(ip net.IP) []expr.Any {
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ip},
		&expr.Counter{},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
}

func matchDestDrop(ip net.IP) []expr.Any {
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ip},
		&expr.Counter{},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
}

// ruleHandle builds an opaque, log-friendly identifier for a just-added
// rule; the nftables library assigns the real kernel handle only after
// Flush, so callers needing exact handles should re-resolve via GetRules.
// A random suffix keeps concurrent Apply calls from colliding in logs.
func ruleHandle(chain *nftables.Chain, rule *nftables.Rule) string {
	return fmt.Sprintf("%s/%s/%s", chain.Name, strconv.Itoa(int(rule.Position)), uuid.NewString()[:8])
}

// withTimeout runs fn on its own goroutine and returns a KindProtected error
// if it does not complete within d (spec.md §4.7's "hard command timeout").
func withTimeout[T any](d time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-time.After(d):
		var zero T
		return zero, errors.New(errors.KindProtected, "nftables command exceeded timeout")
	}
}
