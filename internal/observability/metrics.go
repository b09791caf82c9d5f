// Package observability provides the in-process instrumentation shared by
// the engines and the HTTP layer: per-run connection metrics, a circuit
// breaker, and context-scoped loggers.
package observability

import (
	"sync"
	"time"
)

// ConnectionType labels which external collaborator a metrics instance
// tracks.
type ConnectionType string

// OperationType labels the kind of work the collaborator performs.
type OperationType string

// Labels used by the engines.
const (
	ConnectionTypeEngine ConnectionType = "engine"

	OperationTypeEvaluate  OperationType = "evaluate"
	OperationTypeRemediate OperationType = "remediate"
)

// ConnectionMetrics accumulates request outcomes and latency for one unit
// of external work, here a single engine run over a source tree. It is
// written from the run's hot path and read once at the end via Summary.
type ConnectionMetrics struct {
	mu sync.Mutex

	connectionType ConnectionType
	operationType  OperationType
	endpoint       string

	totalRequests   int64
	successRequests int64
	failureRequests int64

	totalLatency time.Duration
	maxLatency   time.Duration
}

// NewConnectionMetrics creates metrics for one collaborator/operation pair.
// endpoint identifies the target, e.g. the source root being walked.
func NewConnectionMetrics(connType ConnectionType, opType OperationType, endpoint string) *ConnectionMetrics {
	return &ConnectionMetrics{
		connectionType: connType,
		operationType:  opType,
		endpoint:       endpoint,
	}
}

// RecordRequest counts an attempted operation.
func (cm *ConnectionMetrics) RecordRequest() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.totalRequests++
}

// RecordSuccess counts a successful operation and folds in its latency.
func (cm *ConnectionMetrics) RecordSuccess(duration time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.successRequests++
	cm.totalLatency += duration
	if duration > cm.maxLatency {
		cm.maxLatency = duration
	}
}

// RecordFailure counts a failed operation and folds in its latency.
func (cm *ConnectionMetrics) RecordFailure(duration time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.failureRequests++
	cm.totalLatency += duration
	if duration > cm.maxLatency {
		cm.maxLatency = duration
	}
}

// MetricsSummary is the point-in-time view of a ConnectionMetrics, logged
// at the end of an engine run.
type MetricsSummary struct {
	ConnectionType ConnectionType
	OperationType  OperationType
	Endpoint       string

	TotalRequests   int64
	SuccessRequests int64
	FailureRequests int64
	SuccessRate     float64
	AvgLatency      time.Duration
	MaxLatency      time.Duration
}

// Summary snapshots the accumulated counters. SuccessRate is over the
// completed (success + failure) operations; both rates and latencies are
// zero when nothing ran.
func (cm *ConnectionMetrics) Summary() MetricsSummary {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	s := MetricsSummary{
		ConnectionType:  cm.connectionType,
		OperationType:   cm.operationType,
		Endpoint:        cm.endpoint,
		TotalRequests:   cm.totalRequests,
		SuccessRequests: cm.successRequests,
		FailureRequests: cm.failureRequests,
		MaxLatency:      cm.maxLatency,
	}
	completed := cm.successRequests + cm.failureRequests
	if completed > 0 {
		s.SuccessRate = float64(cm.successRequests) / float64(completed)
		s.AvgLatency = cm.totalLatency / time.Duration(completed)
	}
	return s
}
