package background

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/carewatch/internal/metrics"
	"github.com/BradenHooton/carewatch/internal/services"
	"github.com/stretchr/testify/assert"
)

type stubSource struct {
	snap services.MonitorSnapshot
	err  error
}

func (s *stubSource) Snapshot(ctx context.Context) (services.MonitorSnapshot, error) {
	return s.snap, s.err
}

type gaugeRecorder struct {
	metrics.NoopMetrics
	mu         sync.Mutex
	locked     int64
	unresolved int64
	updates    int
}

func (g *gaugeRecorder) SetLockedIPs(count int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked = count
	g.updates++
}

func (g *gaugeRecorder) SetUnresolvedEvents(count int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unresolved = count
}

func (g *gaugeRecorder) read() (int64, int64, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locked, g.unresolved, g.updates
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSecurityMonitor_RefreshesGauges(t *testing.T) {
	rec := &gaugeRecorder{}
	source := &stubSource{snap: services.MonitorSnapshot{LockedIPs: 2, UnresolvedEvents: 7}}
	m := NewSecurityMonitor(source, rec, discard(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, _, updates := rec.read()
		return updates == 1
	}, time.Second, 10*time.Millisecond)

	locked, unresolved, _ := rec.read()
	assert.Equal(t, int64(2), locked)
	assert.Equal(t, int64(7), unresolved)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}

func TestSecurityMonitor_KeepsGaugesOnError(t *testing.T) {
	rec := &gaugeRecorder{locked: 5}
	m := NewSecurityMonitor(&stubSource{err: errors.New("db down")}, rec, discard(), time.Hour)

	m.refresh(context.Background())

	locked, _, updates := rec.read()
	assert.Equal(t, int64(5), locked)
	assert.Zero(t, updates)
}

func TestSecurityMonitor_Stop(t *testing.T) {
	m := NewSecurityMonitor(&stubSource{}, &gaugeRecorder{}, discard(), time.Hour)

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	m.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestSecurityMonitor_NonPositiveIntervalUsesDefault(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second} {
		m := NewSecurityMonitor(&stubSource{}, &gaugeRecorder{}, discard(), interval)
		assert.Equal(t, DefaultInterval, m.interval)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			m.Start(ctx)
			close(done)
		}()
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("monitor did not stop on cancel")
		}
	}
}
