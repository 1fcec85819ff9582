// Package metrics exposes operational counters over a Prometheus text
// exposition endpoint. Grounded on the teacher's Prometheus scraper
// (agent/internal/scraper/prometheus.go + base.go), which parses a remote
// /metrics endpoint with client_model + expfmt's TextParser; this package
// runs the same pair of libraries in the opposite direction, building
// client_model.MetricFamily values by hand and writing them out with
// expfmt's text encoder instead of parsing them.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Metrics holds every counter/gauge the core updates. All fields are safe
// for concurrent use: scalars are accessed via sync/atomic, the per-level
// firing counts via a guarding mutex (level set is not known until config
// load, so it cannot be a fixed array).
type Metrics struct {
	sessionsSensor  int64
	sessionsAlert   int64
	sessionsManager int64

	sensorAlertsPending int64
	sensorAlertsFired   int64

	managerBroadcastsSent int64
	watchdogEvictions     int64
	watchdogNotifications int64

	mu          sync.Mutex
	ruleFirings map[int]int64
}

// New returns a ready-to-use Metrics with all counters at zero.
func New() *Metrics {
	return &Metrics{ruleFirings: make(map[int]int64)}
}

// SetSessionCount records the current connected-session count for one node
// type. Called by cmd/server's periodic session-count sampler.
func (m *Metrics) SetSessionCount(nodeType string, n int) {
	switch nodeType {
	case "sensor":
		atomic.StoreInt64(&m.sessionsSensor, int64(n))
	case "alert":
		atomic.StoreInt64(&m.sessionsAlert, int64(n))
	case "manager":
		atomic.StoreInt64(&m.sessionsManager, int64(n))
	}
}

// SetSensorAlertsPending records the depth of the unconsumed sensor-alert
// queue, sampled once per sensoralert.Executer cycle.
func (m *Metrics) SetSensorAlertsPending(n int) {
	atomic.StoreInt64(&m.sensorAlertsPending, int64(n))
}

// IncSensorAlertsFired counts one alert-level firing fanned out to alert
// nodes, and attributes it to the firing level for the per-level series.
func (m *Metrics) IncSensorAlertsFired(level int) {
	atomic.AddInt64(&m.sensorAlertsFired, 1)
	m.mu.Lock()
	m.ruleFirings[level]++
	m.mu.Unlock()
}

// IncManagerBroadcastsSent counts one status push to a connected manager.
func (m *Metrics) IncManagerBroadcastsSent() {
	atomic.AddInt64(&m.managerBroadcastsSent, 1)
}

// IncWatchdogEvictions counts one session the watchdog closed for silence.
func (m *Metrics) IncWatchdogEvictions() {
	atomic.AddInt64(&m.watchdogEvictions, 1)
}

// IncWatchdogNotifications counts one "node unreachable" admin notification.
func (m *Metrics) IncWatchdogNotifications() {
	atomic.AddInt64(&m.watchdogNotifications, 1)
}

// Handler returns an http.Handler serving the current counters in
// Prometheus text exposition format at the negotiated content type.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		format := expfmt.Negotiate(r.Header)
		w.Header().Set("Content-Type", string(format))

		enc := expfmt.NewEncoder(w, format)
		for _, mf := range m.families() {
			if err := enc.Encode(mf); err != nil {
				return
			}
		}
	})
}

func (m *Metrics) families() []*dto.MetricFamily {
	counter := dto.MetricType_COUNTER
	gauge := dto.MetricType_GAUGE

	families := []*dto.MetricFamily{
		family("alertr_sessions_connected", "Currently connected sessions by node type.", gauge,
			gaugeMetric(float64(atomic.LoadInt64(&m.sessionsSensor)), "node_type", "sensor"),
			gaugeMetric(float64(atomic.LoadInt64(&m.sessionsAlert)), "node_type", "alert"),
			gaugeMetric(float64(atomic.LoadInt64(&m.sessionsManager)), "node_type", "manager"),
		),
		family("alertr_sensor_alerts_pending", "Unconsumed sensor alerts awaiting rule evaluation.", gauge,
			gaugeMetric(float64(atomic.LoadInt64(&m.sensorAlertsPending))),
		),
		family("alertr_sensor_alerts_fired_total", "Alert-level firings fanned out to alert nodes.", counter,
			counterMetric(float64(atomic.LoadInt64(&m.sensorAlertsFired))),
		),
		family("alertr_manager_broadcasts_sent_total", "Status snapshots pushed to manager nodes.", counter,
			counterMetric(float64(atomic.LoadInt64(&m.managerBroadcastsSent))),
		),
		family("alertr_watchdog_evictions_total", "Sessions closed by the connection watchdog for silence.", counter,
			counterMetric(float64(atomic.LoadInt64(&m.watchdogEvictions))),
		),
		family("alertr_watchdog_notifications_total", "Admin notifications sent for unreachable persistent nodes.", counter,
			counterMetric(float64(atomic.LoadInt64(&m.watchdogNotifications))),
		),
	}

	m.mu.Lock()
	levelMetrics := make([]*dto.Metric, 0, len(m.ruleFirings))
	for level, n := range m.ruleFirings {
		levelMetrics = append(levelMetrics, counterMetric(float64(n), "level", strconv.Itoa(level)))
	}
	m.mu.Unlock()
	if len(levelMetrics) > 0 {
		families = append(families, family("alertr_rule_firings_total", "Rule-chain firings per alert level.", counter, levelMetrics...))
	}

	return families
}

func family(name, help string, typ dto.MetricType, metrics ...*dto.Metric) *dto.MetricFamily {
	n, h, t := name, help, typ
	return &dto.MetricFamily{Name: &n, Help: &h, Type: &t, Metric: metrics}
}

func gaugeMetric(v float64, label ...string) *dto.Metric {
	val := v
	return &dto.Metric{Label: labelPairs(label), Gauge: &dto.Gauge{Value: &val}}
}

func counterMetric(v float64, label ...string) *dto.Metric {
	val := v
	return &dto.Metric{Label: labelPairs(label), Counter: &dto.Counter{Value: &val}}
}

// labelPairs builds LabelPairs from name/value argument pairs, e.g.
// labelPairs("node_type", "sensor").
func labelPairs(nameValue []string) []*dto.LabelPair {
	if len(nameValue) == 0 {
		return nil
	}
	pairs := make([]*dto.LabelPair, 0, len(nameValue)/2)
	for i := 0; i+1 < len(nameValue); i += 2 {
		n, v := nameValue[i], nameValue[i+1]
		pairs = append(pairs, &dto.LabelPair{Name: &n, Value: &v})
	}
	return pairs
}
