package metrics

import (
	"net/http"

	"github.com/assistant-chat/realtime/internal/config"
	"github.com/assistant-chat/realtime/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the room collectors. A nil *Metrics is valid and records
// nothing, so components can run without a registry.
type Metrics struct {
	registry   *prometheus.Registry
	sessions   *prometheus.GaugeVec
	admissions *prometheus.CounterVec
	evictions  *prometheus.CounterVec
	frames     *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	deliveries *prometheus.CounterVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	sessions := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "room_sessions", Help: "Live sessions per room."}, []string{"room"})
	admissions := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "room_admissions_total", Help: "Upgrade attempts by outcome."}, []string{"result"})
	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "room_evictions_total", Help: "Sessions removed by reason."}, []string{"room", "reason"})
	frames := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "room_frames_total", Help: "Decoded inbound frames by type."}, []string{"room", "type"})
	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "room_frames_dropped_total", Help: "Inbound frames that failed to decode."}, []string{"room"})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "room_broadcast_deliveries_total", Help: "Envelopes queued to sessions."}, []string{"room"})
	r.MustRegister(sessions, admissions, evictions, frames, dropped, deliveries)

	return &Metrics{
		registry:   r,
		sessions:   sessions,
		admissions: admissions,
		evictions:  evictions,
		frames:     frames,
		dropped:    dropped,
		deliveries: deliveries,
	}
}

func (m *Metrics) SessionJoined(room string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(room).Inc()
}

func (m *Metrics) SessionLeft(room, reason string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(room).Dec()
	m.evictions.WithLabelValues(room, reason).Inc()
}

// Admission counts an upgrade attempt. It carries no room label: rejected
// requests name arbitrary rooms.
func (m *Metrics) Admission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

// ForgetRoom drops every series labelled with room.
func (m *Metrics) ForgetRoom(room string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"room": room}
	m.sessions.DeletePartialMatch(labels)
	m.evictions.DeletePartialMatch(labels)
	m.frames.DeletePartialMatch(labels)
	m.dropped.DeletePartialMatch(labels)
	m.deliveries.DeletePartialMatch(labels)
}

// Frame counts a decoded frame. Types outside the known set share the
// "other" label to bound cardinality.
func (m *Metrics) Frame(room string, t protocol.MessageType) {
	if m == nil {
		return
	}
	label := string(t)
	if !t.Known() {
		label = "other"
	}
	m.frames.WithLabelValues(room, label).Inc()
}

func (m *Metrics) FrameDropped(room string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(room).Inc()
}

func (m *Metrics) Delivered(room string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveries.WithLabelValues(room).Add(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
