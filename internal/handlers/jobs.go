package handlers

import (
	"context"
	"time"

	"argumentum/bursar/pkg/config"
	"argumentum/bursar/pkg/logging"
)

// JobManager runs the periodic renewal sweep. The sweep is also reachable
// through POST /renewals/process so an external cron can drive it; both
// paths share the same idempotency keys and cannot double-grant.
type JobManager struct {
	renewals *RenewalService
	logger   logging.Logger
	interval time.Duration
	stopCh   chan struct{}
}

// NewJobManager creates a new job manager
func NewJobManager(log logging.Logger) *JobManager {
	return &JobManager{
		renewals: renewalService,
		logger:   log,
		interval: config.GetEnvDuration("RENEWAL_SWEEP_INTERVAL", time.Hour),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background sweep loop
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.WithField("interval", jm.interval).Info("Starting renewal sweep job")
	go jm.runRenewalSweep(ctx)
}

// Stop signals the background loop to exit
func (jm *JobManager) Stop() {
	close(jm.stopCh)
}

func (jm *JobManager) runRenewalSweep(ctx context.Context) {
	ticker := time.NewTicker(jm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			jm.sweep(ctx)
		case <-jm.stopCh:
			jm.logger.Info("Renewal sweep job stopped")
			return
		case <-ctx.Done():
			jm.logger.Info("Renewal sweep job context canceled")
			return
		}
	}
}

func (jm *JobManager) sweep(ctx context.Context) {
	outcomes, err := jm.renewals.ProcessDueRenewals(ctx, time.Now())
	if err != nil {
		jm.logger.WithError(err).Error("Renewal sweep failed")
		return
	}
	if len(outcomes) == 0 {
		return
	}

	counts := map[string]int{}
	for _, o := range outcomes {
		counts[o.Outcome]++
	}
	jm.logger.WithFields(logging.Fields{
		"processed": len(outcomes),
		"outcomes":  counts,
	}).Info("Renewal sweep complete")
}
