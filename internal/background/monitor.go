package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/carewatch/internal/metrics"
	"github.com/BradenHooton/carewatch/internal/services"
)

// SnapshotSource reports the current security posture.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (services.MonitorSnapshot, error)
}

// SecurityMonitor periodically refreshes the lockout and unresolved-event gauges.
type SecurityMonitor struct {
	source   SnapshotSource
	recorder metrics.Recorder
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
}

// DefaultInterval is used when a non-positive interval is supplied.
const DefaultInterval = time.Minute

// NewSecurityMonitor creates a new security monitor
func NewSecurityMonitor(
	source SnapshotSource,
	recorder metrics.Recorder,
	logger *slog.Logger,
	interval time.Duration,
) *SecurityMonitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &SecurityMonitor{
		source:   source,
		recorder: recorder,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the refresh loop until Stop is called or ctx is cancelled.
func (m *SecurityMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Run immediately on startup
	m.refresh(ctx)

	for {
		select {
		case <-ticker.C:
			m.refresh(ctx)
		case <-m.stopCh:
			m.logger.Info("security monitor stopped")
			return
		case <-ctx.Done():
			m.logger.Info("security monitor context cancelled")
			return
		}
	}
}

func (m *SecurityMonitor) refresh(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	snap, err := m.source.Snapshot(refreshCtx)
	if err != nil {
		m.logger.Error("failed to refresh security gauges", slog.Any("error", err))
		return
	}

	m.recorder.SetLockedIPs(snap.LockedIPs)
	m.recorder.SetUnresolvedEvents(snap.UnresolvedEvents)

	if snap.LockedIPs > 0 {
		m.logger.Info("addresses currently locked out", slog.Int64("locked_ips", snap.LockedIPs))
	}
}

// Stop signals the monitor to stop
func (m *SecurityMonitor) Stop() {
	close(m.stopCh)
}
