// Package firewall wraps the nft command line tool. It owns the
// gateway's base rule set and the timed client/target pair set that
// enforces session authorization. The kernel evicts a pair on its own
// when the countdown elapses; removal here only needs to handle the
// explicit-termination path and must tolerate pairs that are already
// gone.
package firewall

import (
	"fmt"
	"strings"

	"github.com/castgate/castgate/internal/logging"
	"github.com/castgate/castgate/internal/validation"
)

// Config names the nft objects the orchestrator manages and the
// management endpoint the base rule set must keep reachable.
type Config struct {
	Family string // nft address family, e.g. "inet"
	Table  string
	Set    string

	ClientSubnet   string // CIDR the mobile clients live in
	ManagementIP   string
	ManagementPort int
}

// Pair is one authorized client/target tuple currently in the set.
type Pair struct {
	ClientIP string
	TargetIP string
	Timeout  string // remaining countdown as reported by nft, diagnostics only
	Expires  string
}

// Orchestrator performs all nft operations for the gateway. Every
// operation is independently atomic at the tool level; no additional
// locking is imposed on the set.
type Orchestrator struct {
	cfg    Config
	runner CommandRunner
	logger *logging.Logger
}

// New creates an orchestrator for the given nft namespace.
func New(cfg Config, logger *logging.Logger) (*Orchestrator, error) {
	if err := validation.ValidateIdentifier(cfg.Table); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}
	if err := validation.ValidateIdentifier(cfg.Set); err != nil {
		return nil, fmt.Errorf("set name: %w", err)
	}
	if cfg.Family != "ip" && cfg.Family != "inet" {
		return nil, fmt.Errorf("unsupported nft family: %s", cfg.Family)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		runner: DefaultCommandRunner,
		logger: logger.WithComponent("firewall"),
	}, nil
}

// SetRunner sets the command runner for testing.
func (o *Orchestrator) SetRunner(runner CommandRunner) {
	o.runner = runner
}

// Init installs the base rule set: the table, the timed pair set, and
// the input/output/forward chains with their static rules. Safe to run
// at every process start; objects that already exist are left alone,
// and static rules are only installed into chains created by this call
// so restarts do not accumulate duplicates.
func (o *Orchestrator) Init() error {
	if _, err := o.createObject("add", "table", o.cfg.Family, o.cfg.Table); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	if _, err := o.createObject("add", "set", o.cfg.Family, o.cfg.Table, o.cfg.Set,
		"{", "type", "ipv4_addr", ".", "ipv4_addr", ";", "flags", "timeout", ";", "}"); err != nil {
		return fmt.Errorf("create set: %w", err)
	}

	inputCreated, err := o.createChain("input", "filter", "input", "drop")
	if err != nil {
		return fmt.Errorf("create input chain: %w", err)
	}
	_, err = o.createChain("output", "filter", "output", "accept")
	if err != nil {
		return fmt.Errorf("create output chain: %w", err)
	}
	forwardCreated, err := o.createChain("forward", "filter", "forward", "drop")
	if err != nil {
		return fmt.Errorf("create forward chain: %w", err)
	}

	mgmtPort := fmt.Sprintf("%d", o.cfg.ManagementPort)

	if forwardCreated {
		forwardRules := [][]string{
			{"ct", "state", "established,related", "accept"},
			{"ip", "saddr", o.cfg.ClientSubnet, "ip", "daddr", o.cfg.ManagementIP, "tcp", "dport", mgmtPort, "accept"},
			{"ip", "saddr", o.cfg.ManagementIP, "ip", "daddr", o.cfg.ClientSubnet, "ct", "state", "established,related", "accept"},
			{"ip", "saddr", ".", "ip", "daddr", "@" + o.cfg.Set, "accept"},
		}
		for _, rule := range forwardRules {
			if err := o.addRule("forward", rule); err != nil {
				return fmt.Errorf("forward rule: %w", err)
			}
		}
	}

	if inputCreated {
		inputRules := [][]string{
			{"iif", "lo", "accept"},
			{"ct", "state", "established,related", "accept"},
			{"tcp", "dport", "{", "22,", mgmtPort, "}", "accept"},
			{"ip", "protocol", "icmp", "accept"},
		}
		for _, rule := range inputRules {
			if err := o.addRule("input", rule); err != nil {
				return fmt.Errorf("input rule: %w", err)
			}
		}
	}

	o.logger.Info("base rule set ready",
		"family", o.cfg.Family, "table", o.cfg.Table, "set", o.cfg.Set)
	return nil
}

// AddPair inserts a client/target tuple into the timed set. Re-adding
// an existing tuple replaces its countdown, which is exactly the
// semantics authorization needs.
func (o *Orchestrator) AddPair(clientIP, targetIP string, timeoutSeconds int) error {
	if !validation.IsIPv4(clientIP) {
		return fmt.Errorf("invalid client address: %q", clientIP)
	}
	if !validation.IsIPv4(targetIP) {
		return fmt.Errorf("invalid target address: %q", targetIP)
	}
	if timeoutSeconds <= 0 {
		return fmt.Errorf("invalid pair timeout: %ds", timeoutSeconds)
	}

	err := o.runNft("add", "element", o.cfg.Family, o.cfg.Table, o.cfg.Set,
		"{", clientIP, ".", targetIP, "timeout", fmt.Sprintf("%ds", timeoutSeconds), "}")
	if err != nil {
		return fmt.Errorf("add pair %s . %s: %w", clientIP, targetIP, err)
	}

	o.logger.Debug("pair added", "client", clientIP, "target", targetIP, "timeout_s", timeoutSeconds)
	return nil
}

// RemovePair deletes a tuple from the set. A tuple that is already
// gone, typically because its countdown fired first, is success.
func (o *Orchestrator) RemovePair(clientIP, targetIP string) error {
	if !validation.IsIPv4(clientIP) {
		return fmt.Errorf("invalid client address: %q", clientIP)
	}
	if !validation.IsIPv4(targetIP) {
		return fmt.Errorf("invalid target address: %q", targetIP)
	}

	err := o.runNft("delete", "element", o.cfg.Family, o.cfg.Table, o.cfg.Set,
		"{", clientIP, ".", targetIP, "}")
	if err != nil {
		if isAbsent(err) {
			o.logger.Debug("pair already absent", "client", clientIP, "target", targetIP)
			return nil
		}
		return fmt.Errorf("remove pair %s . %s: %w", clientIP, targetIP, err)
	}

	o.logger.Debug("pair removed", "client", clientIP, "target", targetIP)
	return nil
}

// ListPairs returns the current contents of the set. Diagnostics only;
// the session ledger is the durable source of truth.
func (o *Orchestrator) ListPairs() ([]Pair, error) {
	out, err := o.runner.Output("nft", "list", "set", o.cfg.Family, o.cfg.Table, o.cfg.Set)
	if err != nil {
		return nil, fmt.Errorf("list set %s: %w", o.cfg.Set, err)
	}
	return parseSetElements(string(out)), nil
}

// createObject runs an nft create and reports already-existing objects
// as success.
func (o *Orchestrator) createObject(args ...string) (created bool, err error) {
	if err := o.runNft(args...); err != nil {
		if alreadyExists(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) createChain(name, chainType, hook, policy string) (created bool, err error) {
	return o.createObject("add", "chain", o.cfg.Family, o.cfg.Table, name,
		"{", "type", chainType, "hook", hook, "priority", "filter", ";", "policy", policy, ";", "}")
}

func (o *Orchestrator) addRule(chain string, rule []string) error {
	args := append([]string{"add", "rule", o.cfg.Family, o.cfg.Table, chain}, rule...)
	return o.runNft(args...)
}

func (o *Orchestrator) runNft(args ...string) error {
	return o.runner.Run("nft", args...)
}

// alreadyExists matches the stderr nft emits when an object is already
// present.
func alreadyExists(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "File exists") || strings.Contains(msg, "already exists")
}

// isAbsent matches the stderr nft emits when a deleted element does not
// exist. Exit status and stderr text are the tool's only feedback
// channel.
func isAbsent(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "No such file or directory") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "element not found")
}

// parseSetElements extracts pairs from `nft list set` output of the form
//
//	elements = { 192.168.10.5 . 192.168.20.50 timeout 2h expires 1h59m, ... }
func parseSetElements(out string) []Pair {
	var pairs []Pair

	start := strings.Index(out, "elements = {")
	if start == -1 {
		return pairs
	}
	start += len("elements = {")
	end := strings.Index(out[start:], "}")
	if end == -1 {
		return pairs
	}

	for _, entry := range strings.Split(out[start:start+end], ",") {
		fields := strings.Fields(entry)
		if len(fields) < 3 || fields[1] != "." {
			continue
		}
		p := Pair{ClientIP: fields[0], TargetIP: fields[2]}
		for i := 3; i+1 < len(fields); i += 2 {
			switch fields[i] {
			case "timeout":
				p.Timeout = fields[i+1]
			case "expires":
				p.Expires = fields[i+1]
			}
		}
		pairs = append(pairs, p)
	}
	return pairs
}
