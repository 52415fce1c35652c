package reactor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type loopMetrics struct {
	ticks       prometheus.Counter
	tasks       prometheus.Counter
	ioEvents    prometheus.Counter
	timersFired prometheus.Counter
	panics      prometheus.Counter
}

func newLoopMetrics(registerer prometheus.Registerer) (*loopMetrics, error) {
	m := &loopMetrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "asyncbridge",
			Subsystem: "reactor",
			Name:      "ticks_total",
			Help:      "Number of event loop iterations.",
		}),
		tasks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "asyncbridge",
			Subsystem: "reactor",
			Name:      "tasks_total",
			Help:      "Number of submitted tasks executed.",
		}),
		ioEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "asyncbridge",
			Subsystem: "reactor",
			Name:      "io_events_total",
			Help:      "Number of descriptor readiness events dispatched.",
		}),
		timersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "asyncbridge",
			Subsystem: "reactor",
			Name:      "timers_fired_total",
			Help:      "Number of timers that fired.",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "asyncbridge",
			Subsystem: "reactor",
			Name:      "panics_total",
			Help:      "Number of tasks or callbacks that panicked.",
		}),
	}
	if registerer != nil {
		for _, c := range [...]prometheus.Collector{m.ticks, m.tasks, m.ioEvents, m.timersFired, m.panics} {
			if err := registerer.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}
