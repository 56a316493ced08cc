package hapmatic

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks bridge activity on its own registry. A nil *Metrics is
// valid and counts nothing, so tests can wire adapters without it.
type Metrics struct {
	registry *prometheus.Registry

	Devices      prometheus.Gauge
	StateUpdates prometheus.Counter

	commands         *prometheus.CounterVec
	commandErrors    *prometheus.CounterVec
	commandsDeclined *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hapmatic_bridged_devices",
			Help: "Number of thermostats bridged to HomeKit",
		}),
		StateUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hapmatic_state_updates_total",
			Help: "State payloads received from the CCU",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hapmatic_commands_total",
			Help: "Commands forwarded to thermostats",
		}, []string{"command"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hapmatic_command_errors_total",
			Help: "Commands that failed at the device",
		}, []string{"command"}),
		commandsDeclined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hapmatic_commands_declined_total",
			Help: "Commands declined for unsupported modes or presets",
		}, []string{"command"}),
	}

	m.registry.MustRegister(
		m.Devices,
		m.StateUpdates,
		m.commands,
		m.commandErrors,
		m.commandsDeclined,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) commandSent(command string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command).Inc()
}

func (m *Metrics) commandFailed(command string) {
	if m == nil {
		return
	}
	m.commandErrors.WithLabelValues(command).Inc()
}

func (m *Metrics) commandDeclined(command string) {
	if m == nil {
		return
	}
	m.commandsDeclined.WithLabelValues(command).Inc()
}

func (m *Metrics) deviceAdded() {
	if m == nil {
		return
	}
	m.Devices.Inc()
}

func (m *Metrics) stateUpdate() {
	if m == nil {
		return
	}
	m.StateUpdates.Inc()
}
