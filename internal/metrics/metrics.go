package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bridge holds the Prometheus instruments for the daemon. A nil *Bridge is
// valid and turns every recording call into a no-op, so callers never have
// to guard on whether metrics are enabled.
type Bridge struct {
	Registry *prometheus.Registry

	PollCycles    *prometheus.CounterVec
	CloudRequests *prometheus.CounterVec
	CloudLatency  *prometheus.HistogramVec
	TokenRenewals *prometheus.CounterVec
	Events        *prometheus.CounterVec
	Commands      *prometheus.CounterVec
	DevicesOnline prometheus.Gauge
	MeterKwh      *prometheus.GaugeVec
}

// New builds a registry with the bridge collectors plus the standard
// Go runtime and process collectors.
func New() *Bridge {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	b := &Bridge{
		Registry: reg,
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeamps_poll_cycles_total",
			Help: "Poll cycles run against the cloud API, by device and result.",
		}, []string{"device", "result"}),
		CloudRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeamps_cloud_requests_total",
			Help: "Requests issued to the Charge Amps cloud, by operation and result.",
		}, []string{"operation", "result"}),
		CloudLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chargeamps_cloud_request_duration_seconds",
			Help:    "Latency of Charge Amps cloud requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		TokenRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeamps_token_renewals_total",
			Help: "Token renewal attempts, by device and result.",
		}, []string{"device", "result"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeamps_events_total",
			Help: "Device events fired, by device and event name.",
		}, []string{"device", "event"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeamps_commands_total",
			Help: "Control commands handled, by action and result.",
		}, []string{"action", "result"}),
		DevicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chargeamps_devices_online",
			Help: "Number of devices currently syncing.",
		}),
		MeterKwh: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chargeamps_meter_kwh",
			Help: "Accumulated consumption meter per device connector.",
		}, []string{"device", "connector"}),
	}

	reg.MustRegister(
		b.PollCycles,
		b.CloudRequests,
		b.CloudLatency,
		b.TokenRenewals,
		b.Events,
		b.Commands,
		b.DevicesOnline,
		b.MeterKwh,
	)

	return b
}

// Handler serves the registry in the Prometheus exposition format. With
// metrics disabled it degrades to 404 so the API can mount it unconditionally.
func (b *Bridge) Handler() http.Handler {
	if b == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(b.Registry, promhttp.HandlerOpts{Registry: b.Registry})
}

// RecordPoll counts one poll cycle outcome for a device.
func (b *Bridge) RecordPoll(device, result string) {
	if b == nil {
		return
	}
	b.PollCycles.WithLabelValues(device, result).Inc()
}

// RecordCloudRequest counts one cloud call and observes its latency.
func (b *Bridge) RecordCloudRequest(operation, result string, seconds float64) {
	if b == nil {
		return
	}
	b.CloudRequests.WithLabelValues(operation, result).Inc()
	b.CloudLatency.WithLabelValues(operation).Observe(seconds)
}

// RecordRenewal counts one token renewal attempt.
func (b *Bridge) RecordRenewal(device, result string) {
	if b == nil {
		return
	}
	b.TokenRenewals.WithLabelValues(device, result).Inc()
}

// RecordEvent counts one fired device event.
func (b *Bridge) RecordEvent(device, event string) {
	if b == nil {
		return
	}
	b.Events.WithLabelValues(device, event).Inc()
}

// RecordCommand counts one handled control command.
func (b *Bridge) RecordCommand(action, result string) {
	if b == nil {
		return
	}
	b.Commands.WithLabelValues(action, result).Inc()
}

// SetDevicesOnline records how many devices are currently syncing.
func (b *Bridge) SetDevicesOnline(n int) {
	if b == nil {
		return
	}
	b.DevicesOnline.Set(float64(n))
}

// SetMeter mirrors a connector's accumulated consumption meter.
func (b *Bridge) SetMeter(device, connector string, kwh float64) {
	if b == nil {
		return
	}
	b.MeterKwh.WithLabelValues(device, connector).Set(kwh)
}
