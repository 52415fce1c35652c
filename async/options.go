package async

import (
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
)

type schedulerOptions struct {
	logger     *logiface.Logger[logiface.Event]
	registerer prometheus.Registerer
}

// Option configures a Scheduler.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithLogger sets the scheduler's logger, which is shared with the events it
// creates. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics registers the scheduler's collectors with registerer.
func WithMetrics(registerer prometheus.Registerer) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.registerer = registerer
		return nil
	}}
}

func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
