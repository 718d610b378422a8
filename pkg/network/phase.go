package network

import (
	"github.com/google/uuid"

	"github.com/clusterkit/netprov/pkg/log"
	"github.com/clusterkit/netprov/pkg/metrics"
	"github.com/clusterkit/netprov/pkg/netkit"
)

// RunPhase times fn, records its outcome against the phase metrics and
// wraps any returned error as a netkit.SetupError naming networkName and
// phase. Every concrete type's lifecycle methods call this so none has to
// repeat the instrumentation by hand.
//
// Each invocation is tagged with a fresh correlation ID logged at start and
// end, so a phase's scattered osadapter log lines can be grepped back
// together even when several networks run the same phase concurrently.
func RunPhase(typeName, networkName, phase string, fn func() error) error {
	runID := uuid.NewString()
	logger := log.WithNetwork(networkName)
	logger.Debug().Str("phase", phase).Str("run_id", runID).Msg("phase starting")

	timer := metrics.NewTimer()
	err := fn()
	timer.ObserveDurationVec(metrics.PhaseDuration, typeName, phase)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.PhaseTotal.WithLabelValues(typeName, phase, outcome).Inc()

	logger.Debug().Str("phase", phase).Str("run_id", runID).Str("outcome", outcome).Msg("phase finished")

	return netkit.Setup(networkName, phase, err)
}
