package capture

import "github.com/prometheus/client_golang/prometheus"

// Metrics are prometheus instruments for capture progress
type Metrics struct {
	Recorded prometheus.Counter
	Failed   prometheus.Counter
	Retried  prometheus.Counter
	Errors   *prometheus.CounterVec
	Current  prometheus.Gauge
	Sessions *prometheus.CounterVec
}

// NewMetrics creates the capture instruments and registers them with reg,
// if it is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Recorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ptmrig", Subsystem: "capture", Name: "recorded_total",
			Help: "images attributed to a light",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ptmrig", Subsystem: "capture", Name: "failed_total",
			Help: "lights recorded as missing after exhausting retries",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ptmrig", Subsystem: "capture", Name: "retried_total",
			Help: "automatic retries after a polling timeout",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ptmrig", Subsystem: "capture", Name: "errors_total",
			Help: "device and session log errors",
		}, []string{"kind"}),
		Current: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ptmrig", Subsystem: "capture", Name: "current_light",
			Help: "1-based light being captured, 0 when idle",
		}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ptmrig", Subsystem: "capture", Name: "sessions_total",
			Help: "sessions by outcome",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Recorded, m.Failed, m.Retried, m.Errors, m.Current, m.Sessions)
	}
	return m
}

func (m *Metrics) observe(ev Event) {
	switch ev.Kind {
	case EventStarted, EventFired:
		m.Current.Set(float64(ev.Index + 1))
	case EventRecorded:
		m.Recorded.Inc()
	case EventFailed:
		m.Failed.Inc()
	case EventRetry:
		m.Retried.Inc()
	case EventDeviceError, EventLogError:
		m.Errors.WithLabelValues(ev.Kind.String()).Inc()
	case EventComplete, EventStopped:
		m.Current.Set(0)
		m.Sessions.WithLabelValues(ev.Kind.String()).Inc()
	}
}
