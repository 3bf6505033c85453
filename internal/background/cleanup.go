package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/dealergate/internal/models"
)

// Sweeper deletes rows that expired before now.
type Sweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// IntegrityVerifier walks the audit chain.
type IntegrityVerifier interface {
	VerifyIntegrity(ctx context.Context, from, to time.Time) (*models.IntegrityReport, error)
}

const (
	sweepTimeout     = 30 * time.Second
	integrityTimeout = 5 * time.Minute
)

// CleanupManager periodically sweeps expired tokens and re-verifies the
// audit chain. A failed verification is audited by the verifier itself.
type CleanupManager struct {
	sweepers          map[string]Sweeper
	verifier          IntegrityVerifier
	logger            *slog.Logger
	interval          time.Duration
	integrityInterval time.Duration
	now               func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewCleanupManager creates a cleanup manager. sweepers is keyed by a name
// used in logs. A nil verifier or non-positive integrityInterval disables
// the chain check.
func NewCleanupManager(
	sweepers map[string]Sweeper,
	verifier IntegrityVerifier,
	logger *slog.Logger,
	interval, integrityInterval time.Duration,
) *CleanupManager {
	return &CleanupManager{
		sweepers:          sweepers,
		verifier:          verifier,
		logger:            logger,
		interval:          interval,
		integrityInterval: integrityInterval,
		now:               time.Now,
		stopCh:            make(chan struct{}),
	}
}

// Start runs both tasks once, then on their intervals until ctx is done or
// Stop is called.
func (cm *CleanupManager) Start(ctx context.Context) {
	sweep := time.NewTicker(cm.interval)
	defer sweep.Stop()

	var integrityC <-chan time.Time
	if cm.verifier != nil && cm.integrityInterval > 0 {
		integrity := time.NewTicker(cm.integrityInterval)
		defer integrity.Stop()
		integrityC = integrity.C
		cm.runIntegrityCheck(ctx)
	}

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-sweep.C:
			cm.runCleanup(ctx)
		case <-integrityC:
			cm.runIntegrityCheck(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	now := cm.now()
	for name, s := range cm.sweepers {
		rows, err := s.DeleteExpired(cleanupCtx, now)
		if err != nil {
			cm.logger.Error("failed to sweep expired rows",
				slog.String("table", name), slog.Any("error", err))
			continue
		}
		if rows > 0 {
			cm.logger.Info("expired rows swept",
				slog.String("table", name), slog.Int64("rows_deleted", rows))
		}
	}
}

// runIntegrityCheck verifies the whole chain from the genesis entry, so
// every link is checked on each pass.
func (cm *CleanupManager) runIntegrityCheck(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, integrityTimeout)
	defer cancel()

	report, err := cm.verifier.VerifyIntegrity(checkCtx, time.Time{}, cm.now().Add(time.Second))
	if err != nil {
		cm.logger.Error("audit integrity check failed to run", slog.Any("error", err))
		return
	}
	if !report.Valid {
		cm.logger.Error("audit chain integrity violated",
			slog.Int("checked", report.Checked),
			slog.String("broken_at", report.BrokenAt),
			slog.Int("untrusted", len(report.Untrusted)))
		return
	}
	cm.logger.Info("audit chain verified", slog.Int("checked", report.Checked))
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
