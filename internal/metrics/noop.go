package metrics

var _ Recorder = (*NoopMetrics)(nil)

// NoopMetrics discards everything. Used when METRICS_ENABLED=false.
type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (n *NoopMetrics) RecordAuditEvent(severity string)    {}
func (n *NoopMetrics) RecordLoginAttempt(success bool)     {}
func (n *NoopMetrics) RecordLockoutDecision(blocked bool)  {}
func (n *NoopMetrics) RecordStorageError(operation string) {}
func (n *NoopMetrics) SetLockedIPs(count int64)            {}
func (n *NoopMetrics) SetUnresolvedEvents(count int64)     {}
