package reactor

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger         *logiface.Logger[logiface.Event]
	registerer     prometheus.Registerer
	maxPollTimeout time.Duration
	taskBudget     int
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the logger used for task panics and poll failures.
// A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics registers the loop's collectors with the given registerer.
// Collectors are always maintained; without this option they are simply not
// exported.
func WithMetrics(registerer prometheus.Registerer) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.registerer = registerer
		return nil
	}}
}

// WithMaxPollTimeout caps how long a single poll may block when no timer is
// pending. Defaults to 10 seconds.
func WithMaxPollTimeout(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d <= 0 {
			return errors.New("reactor: max poll timeout must be positive")
		}
		opts.maxPollTimeout = d
		return nil
	}}
}

// WithTaskBudget limits the number of submitted tasks executed per tick,
// before the loop polls for I/O again. Defaults to 1024.
func WithTaskBudget(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("reactor: task budget must be positive")
		}
		opts.taskBudget = n
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		maxPollTimeout: 10 * time.Second,
		taskBudget:     1024,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
