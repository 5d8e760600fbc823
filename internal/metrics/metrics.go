package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/chatlink/internal/connection"
)

const namespace = "chatlink"

// Error kinds used for the errors_total label.
const (
	KindOpen      = "open"
	KindAuth      = "auth"
	KindSend      = "send"
	KindDecode    = "decode"
	KindStale     = "stale"
	KindTransport = "transport"
)

// Metrics holds the collectors for one client process.
type Metrics struct {
	registry *prometheus.Registry

	up         prometheus.Gauge
	state      prometheus.Gauge
	opened     prometheus.Counter
	closes     *prometheus.CounterVec
	attempts   prometheus.Counter
	delay      prometheus.Histogram
	stops      *prometheus.CounterVec
	received   prometheus.Counter
	sent       *prometheus.CounterVec
	errorsSeen *prometheus.CounterVec
}

// New creates the collectors and registers them with Go and process collectors
// on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		up: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "1 while the chat connection is open",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Connection state (0 idle, 1 connecting, 2 open, 3 closing, 4 closed)",
		}),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Total number of successful opens",
		}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_closes_total",
			Help:      "Total number of closes by close code",
		}, []string{"code"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnects",
		}),
		delay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Delay before each scheduled reconnect",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_stops_total",
			Help:      "Total number of times reconnection gave up, by reason",
		}, []string{"reason"}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of decoded inbound messages",
		}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of outbound messages by result",
		}, []string{"result"}),
		errorsSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of reported errors by kind",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.up, m.state, m.opened, m.closes, m.attempts, m.delay,
		m.stops, m.received, m.sent, m.errorsSeen,
	)

	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveState records a state transition.
func (m *Metrics) ObserveState(s connection.State) {
	m.state.Set(float64(s))
}

// ObserveSend records the result of Manager.Send.
func (m *Metrics) ObserveSend(ok bool) {
	if ok {
		m.sent.WithLabelValues("ok").Inc()
		return
	}
	m.sent.WithLabelValues("failed").Inc()
}

// Instrument returns callbacks that update the collectors and then call cb.
func (m *Metrics) Instrument(cb connection.Callbacks) connection.Callbacks {
	return connection.Callbacks{
		OnMessage: func(msg connection.Message) {
			m.received.Inc()
			if cb.OnMessage != nil {
				cb.OnMessage(msg)
			}
		},
		OnOpen: func() {
			m.opened.Inc()
			m.up.Set(1)
			m.ObserveState(connection.StateOpen)
			if cb.OnOpen != nil {
				cb.OnOpen()
			}
		},
		OnClose: func(ev connection.CloseEvent) {
			m.closes.WithLabelValues(strconv.Itoa(ev.Code)).Inc()
			m.up.Set(0)
			m.ObserveState(connection.StateClosed)
			if cb.OnClose != nil {
				cb.OnClose(ev)
			}
		},
		OnError: func(err error) {
			m.errorsSeen.WithLabelValues(ErrorKind(err)).Inc()
			if cb.OnError != nil {
				cb.OnError(err)
			}
		},
		OnSocketChange: cb.OnSocketChange,
		OnReconnectAttempt: func(a connection.ReconnectAttempt) {
			m.attempts.Inc()
			m.delay.Observe(a.Delay.Seconds())
			if cb.OnReconnectAttempt != nil {
				cb.OnReconnectAttempt(a)
			}
		},
		OnReconnectStop: func(reason connection.StopReason) {
			m.stops.WithLabelValues(string(reason)).Inc()
			if cb.OnReconnectStop != nil {
				cb.OnReconnectStop(reason)
			}
		},
	}
}

// ErrorKind classifies an error reported through OnError.
func ErrorKind(err error) string {
	var (
		openErr   *connection.OpenError
		sendErr   *connection.SendError
		decodeErr *connection.DecodeError
	)
	switch {
	case errors.As(err, &openErr):
		return KindOpen
	case errors.As(err, &sendErr):
		if sendErr.Auth {
			return KindAuth
		}
		return KindSend
	case errors.As(err, &decodeErr):
		return KindDecode
	case errors.Is(err, connection.ErrStaleConnection):
		return KindStale
	default:
		return KindTransport
	}
}
