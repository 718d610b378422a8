// Package osadapter wraps the host tools (software switch CLI, kernel
// networking CLI, firewall CLI, sysfs) the lifecycle engine drives. Every
// exported function is a pure, idempotent wrapper around one externally
// observable state change.
package osadapter

import (
	"context"
	"os/exec"
	"strings"

	"github.com/clusterkit/netprov/pkg/metrics"
	"github.com/clusterkit/netprov/pkg/netkit"
)

// Runner executes host tooling commands, optionally inside a network
// namespace. A zero-value Runner runs in the host's default namespace.
type Runner struct {
	Netns string
}

// Host is the default runner, used by package-level helper functions.
var Host = &Runner{}

// Run executes tool with args, returning its combined output. netns, when
// set, prefixes the invocation with `ip netns exec <netns>`.
func (r *Runner) Run(ctx context.Context, tool string, args ...string) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ExternalCommandDuration, tool)

	name := tool
	fullArgs := args
	if r.Netns != "" {
		name = "ip"
		fullArgs = append([]string{"netns", "exec", r.Netns, tool}, args...)
	}

	cmd := exec.CommandContext(ctx, name, fullArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		metrics.ExternalCommandErrorsTotal.WithLabelValues(tool).Inc()
		return string(out), &netkit.ExternalCommandError{Tool: tool, Args: args, Output: string(out), Err: err}
	}
	return string(out), nil
}

// Run executes tool with args in the host's default namespace.
func Run(ctx context.Context, tool string, args ...string) (string, error) {
	return Host.Run(ctx, tool, args...)
}

// containsLine reports whether output contains line as a whole line,
// trimming surrounding whitespace — used by existence checks that scan
// CLI listing output.
func containsLine(output, line string) bool {
	for _, l := range strings.Split(output, "\n") {
		if strings.TrimSpace(l) == strings.TrimSpace(line) {
			return true
		}
	}
	return false
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}
