package async

import (
	"github.com/prometheus/client_golang/prometheus"
)

type schedulerMetrics struct {
	coroutines      prometheus.Counter
	coroutinesLive  prometheus.Gauge
	resumes         prometheus.Counter
	wakers          prometheus.Counter
	wakerTimeouts   prometheus.Counter
	eventsStarted   prometheus.Counter
	eventsActive    prometheus.Gauge
	coroutinePanics prometheus.Counter
}

func newSchedulerMetrics(registerer prometheus.Registerer) (*schedulerMetrics, error) {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace: "asyncbridge",
			Subsystem: "scheduler",
			Name:      name,
			Help:      help,
		}
	}
	m := &schedulerMetrics{
		coroutines:      prometheus.NewCounter(prometheus.CounterOpts(opts("coroutines_total", "Number of coroutines spawned."))),
		coroutinesLive:  prometheus.NewGauge(prometheus.GaugeOpts(opts("coroutines_live", "Number of coroutines not yet finished."))),
		resumes:         prometheus.NewCounter(prometheus.CounterOpts(opts("resumes_total", "Number of coroutine resumptions scheduled."))),
		wakers:          prometheus.NewCounter(prometheus.CounterOpts(opts("wakers_total", "Number of wakers created."))),
		wakerTimeouts:   prometheus.NewCounter(prometheus.CounterOpts(opts("waker_timeouts_total", "Number of wakers resolved by their timeout."))),
		eventsStarted:   prometheus.NewCounter(prometheus.CounterOpts(opts("events_started_total", "Number of events started."))),
		eventsActive:    prometheus.NewGauge(prometheus.GaugeOpts(opts("events_active", "Number of started events not yet stopped."))),
		coroutinePanics: prometheus.NewCounter(prometheus.CounterOpts(opts("coroutine_panics_total", "Number of coroutines that panicked."))),
	}
	if registerer != nil {
		for _, c := range [...]prometheus.Collector{
			m.coroutines, m.coroutinesLive, m.resumes, m.wakers,
			m.wakerTimeouts, m.eventsStarted, m.eventsActive, m.coroutinePanics,
		} {
			if err := registerer.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *schedulerMetrics) eventStarted() {
	m.eventsStarted.Inc()
	m.eventsActive.Inc()
}

func (m *schedulerMetrics) eventStopped() {
	m.eventsActive.Dec()
}
