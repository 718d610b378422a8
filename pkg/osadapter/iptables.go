package osadapter

import (
	"context"

	"github.com/clusterkit/netprov/pkg/netkit"
)

// Rule is one iptables rule, expressed as the argument list that would
// follow -A/-D/-C (e.g. []string{"-t", "nat", "-A", "PREROUTING", "-p",
// "tcp", "--dport", "22", "-j", "ACCEPT"} minus the -A/-D/-C verb and chain
// duplication — callers pass the shared suffix and EnsureRule/DeleteRule
// supply the verb).
type Rule []string

// EnsureRule inserts rule if an equivalent rule is not already present,
// probing with -C (exact argument match, as the kernel itself compares it)
// rather than re-parsing `iptables -L` output.
func EnsureRule(ctx context.Context, rule Rule) error {
	present, err := ruleExists(ctx, rule)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	_, err = Run(ctx, "iptables", append([]string{"-A"}, rule...)...)
	return err
}

// DeleteRule removes rule if present. Deleting an absent rule is not an error.
func DeleteRule(ctx context.Context, rule Rule) error {
	present, err := ruleExists(ctx, rule)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	_, err = Run(ctx, "iptables", append([]string{"-D"}, rule...)...)
	return err
}

// ruleExists probes with `iptables -C`, which exits 0 when the rule is
// present and non-zero when absent. Any other failure (bad syntax, missing
// chain) propagates rather than being treated as "absent".
func ruleExists(ctx context.Context, rule Rule) (bool, error) {
	_, err := Run(ctx, "iptables", append([]string{"-C"}, rule...)...)
	if err == nil {
		return true, nil
	}
	if cmdErr, ok := err.(*netkit.ExternalCommandError); ok && cmdErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// SetForwardPolicyDrop sets the FORWARD chain's default policy to DROP.
func SetForwardPolicyDrop(ctx context.Context) error {
	_, err := Run(ctx, "iptables", "-P", "FORWARD", "DROP")
	return err
}

// EnableIPv4Forwarding turns on kernel IPv4 forwarding.
func EnableIPv4Forwarding(ctx context.Context) error {
	_, err := Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1")
	return err
}
