// Package metrics tracks service counters. Counters are kept twice: as
// atomic values snapshotted into the /status document, and as Prometheus
// counters scraped at /metrics.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postal-io/postal/internal/device"
)

// Metrics is safe for concurrent use.
type Metrics struct {
	devicesAdded   atomic.Int64
	devicesUpdated atomic.Int64
	devicesRemoved atomic.Int64
	notified       map[device.Type]*atomic.Int64

	promAdded    prometheus.Counter
	promUpdated  prometheus.Counter
	promRemoved  prometheus.Counter
	promNotified *prometheus.CounterVec
}

// Snapshot is the counter document served at /status.
type Snapshot struct {
	DevicesAdded   int64            `json:"devices_added"`
	DevicesUpdated int64            `json:"devices_updated"`
	DevicesRemoved int64            `json:"devices_removed"`
	Notified       map[string]int64 `json:"devices_notified"`
}

// New creates the metrics set and registers its Prometheus collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		notified: map[device.Type]*atomic.Int64{
			device.TypeAPS:  {},
			device.TypeC2DM: {},
			device.TypeGCM:  {},
		},
		promAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postal_devices_added_total",
			Help: "Devices registered through the API.",
		}),
		promUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postal_devices_updated_total",
			Help: "Devices updated through the API.",
		}),
		promRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postal_devices_removed_total",
			Help: "Devices unregistered through the API or gateway feedback.",
		}),
		promNotified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postal_devices_notified_total",
			Help: "Notifications enqueued to a gateway, by device type.",
		}, []string{"device_type"}),
	}
	if reg != nil {
		reg.MustRegister(m.promAdded, m.promUpdated, m.promRemoved, m.promNotified)
	}
	return m
}

func (m *Metrics) DeviceAdded() {
	m.devicesAdded.Add(1)
	m.promAdded.Inc()
}

func (m *Metrics) DeviceUpdated() {
	m.devicesUpdated.Add(1)
	m.promUpdated.Inc()
}

func (m *Metrics) DeviceRemoved() {
	m.devicesRemoved.Add(1)
	m.promRemoved.Inc()
}

func (m *Metrics) DeviceNotified(t device.Type) {
	if c, ok := m.notified[t]; ok {
		c.Add(1)
	}
	m.promNotified.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) Snapshot() Snapshot {
	notified := make(map[string]int64, len(m.notified))
	for t, c := range m.notified {
		notified[string(t)] = c.Load()
	}
	return Snapshot{
		DevicesAdded:   m.devicesAdded.Load(),
		DevicesUpdated: m.devicesUpdated.Load(),
		DevicesRemoved: m.devicesRemoved.Load(),
		Notified:       notified,
	}
}
