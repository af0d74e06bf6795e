package session

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	openSessions    prometheus.Gauge
	connectAttempts prometheus.Counter
	connectFailures prometheus.Counter
	inboundAccepts  prometheus.Counter
	sendMisses      prometheus.Counter
	pingsSent       prometheus.Counter
	pingsReceived   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eind_sessions_open",
			Help: "Current number of open peer sessions.",
		}),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eind_session_connect_attempts_total",
			Help: "Outbound session connect attempts.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eind_session_connect_failures_total",
			Help: "Outbound session connects that failed at dial time.",
		}),
		inboundAccepts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eind_session_inbound_accepts_total",
			Help: "Inbound sessions accepted.",
		}),
		sendMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eind_session_send_misses_total",
			Help: "Send attempts with no open session for the target.",
		}),
		pingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eind_session_pings_sent_total",
			Help: "Heartbeat pings sent to open sessions.",
		}),
		pingsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eind_session_pings_received_total",
			Help: "Heartbeat pings received and discarded.",
		}),
	}

	reg.MustRegister(
		m.openSessions,
		m.connectAttempts,
		m.connectFailures,
		m.inboundAccepts,
		m.sendMisses,
		m.pingsSent,
		m.pingsReceived,
	)
	return m
}

func (m *Metrics) SetOpenSessions(n int) {
	if m == nil {
		return
	}
	m.openSessions.Set(float64(n))
}

func (m *Metrics) RecordConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *Metrics) RecordConnectFailure() {
	if m == nil {
		return
	}
	m.connectFailures.Inc()
}

func (m *Metrics) RecordInboundAccept() {
	if m == nil {
		return
	}
	m.inboundAccepts.Inc()
}

func (m *Metrics) RecordSendMiss() {
	if m == nil {
		return
	}
	m.sendMisses.Inc()
}

func (m *Metrics) RecordPingSent() {
	if m == nil {
		return
	}
	m.pingsSent.Inc()
}

func (m *Metrics) RecordPingReceived() {
	if m == nil {
		return
	}
	m.pingsReceived.Inc()
}
