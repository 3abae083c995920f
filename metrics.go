package workers

import (
	"sort"
	"sync"
	"time"
)

// MetricsSnapshot is a point-in-time view of one client's request metrics.
type MetricsSnapshot struct {
	// Counters
	RequestsTotal   int `json:"requests_total"`
	RequestsSuccess int `json:"requests_success"`
	RequestsFailed  int `json:"requests_failed"`

	// Latency (milliseconds)
	LatencyAvgMs float64 `json:"latency_avg_ms"`
	LatencyP50Ms float64 `json:"latency_p50_ms"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`
	LatencyMinMs float64 `json:"latency_min_ms"`
	LatencyMaxMs float64 `json:"latency_max_ms"`

	// Pending requests
	InFlight    int `json:"in_flight"`
	MaxInFlight int `json:"max_in_flight"`

	// Heartbeat
	HeartbeatRttAvgMs  float64 `json:"heartbeat_rtt_avg_ms"`
	HeartbeatRttLastMs float64 `json:"heartbeat_rtt_last_ms"`
	HeartbeatMisses    int     `json:"heartbeat_misses"`

	Timestamp time.Time `json:"timestamp"`
}

// Metrics is a thread-safe request-metrics collector owned by one
// WorkerClient.
type Metrics struct {
	mu sync.Mutex

	maxLatencySamples int

	requestsTotal   int
	requestsSuccess int
	requestsFailed  int

	inFlight    int
	maxInFlight int

	latencies []float64

	heartbeatRtts   []float64
	heartbeatMisses int
}

// NewMetrics creates a collector keeping up to maxLatencySamples latency
// samples (default 1000).
func NewMetrics(maxLatencySamples int) *Metrics {
	if maxLatencySamples <= 0 {
		maxLatencySamples = 1000
	}
	return &Metrics{
		maxLatencySamples: maxLatencySamples,
		latencies:         make([]float64, 0, maxLatencySamples),
		heartbeatRtts:     make([]float64, 0, 100),
	}
}

// StartRequest marks a request as in flight and returns its start time for
// the matching EndRequest call.
func (m *Metrics) StartRequest() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestsTotal++
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	return time.Now()
}

// EndRequest records the request's outcome and returns its latency in
// milliseconds.
func (m *Metrics) EndRequest(start time.Time, success bool) float64 {
	latencyMs := float64(time.Since(start).Milliseconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
	if success {
		m.requestsSuccess++
	} else {
		m.requestsFailed++
	}
	if len(m.latencies) >= m.maxLatencySamples {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, latencyMs)
	return latencyMs
}

// RecordHeartbeatRTT records a heartbeat round-trip time, keeping the last
// 100 samples.
func (m *Metrics) RecordHeartbeatRTT(rttMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.heartbeatRtts) >= 100 {
		m.heartbeatRtts = m.heartbeatRtts[1:]
	}
	m.heartbeatRtts = append(m.heartbeatRtts, rttMs)
}

// RecordHeartbeatMiss counts a heartbeat that timed out or failed.
func (m *Metrics) RecordHeartbeatMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeatMisses++
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := MetricsSnapshot{
		RequestsTotal:   m.requestsTotal,
		RequestsSuccess: m.requestsSuccess,
		RequestsFailed:  m.requestsFailed,
		InFlight:        m.inFlight,
		MaxInFlight:     m.maxInFlight,
		HeartbeatMisses: m.heartbeatMisses,
		Timestamp:       time.Now(),
	}

	if len(m.latencies) > 0 {
		latencies := make([]float64, len(m.latencies))
		copy(latencies, m.latencies)
		sort.Float64s(latencies)

		n := len(latencies)
		snapshot.LatencyMinMs = latencies[0]
		snapshot.LatencyMaxMs = latencies[n-1]

		sum := 0.0
		for _, v := range latencies {
			sum += v
		}
		snapshot.LatencyAvgMs = sum / float64(n)

		snapshot.LatencyP50Ms = latencies[n*50/100]
		snapshot.LatencyP95Ms = latencies[n*95/100]
		snapshot.LatencyP99Ms = latencies[n*99/100]
	}

	if len(m.heartbeatRtts) > 0 {
		sum := 0.0
		for _, v := range m.heartbeatRtts {
			sum += v
		}
		snapshot.HeartbeatRttAvgMs = sum / float64(len(m.heartbeatRtts))
		snapshot.HeartbeatRttLastMs = m.heartbeatRtts[len(m.heartbeatRtts)-1]
	}
	return snapshot
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestsTotal = 0
	m.requestsSuccess = 0
	m.requestsFailed = 0
	m.inFlight = 0
	m.maxInFlight = 0
	m.latencies = make([]float64, 0, m.maxLatencySamples)
	m.heartbeatRtts = make([]float64, 0, 100)
	m.heartbeatMisses = 0
}
