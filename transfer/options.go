package transfer

import (
	"github.com/joeycumines/logiface"
)

type transferOptions struct {
	logger *logiface.Logger[logiface.Event]
}

// Option configures a [Channel] or [Multi].
type Option interface {
	applyTransfer(*transferOptions) error
}

type optionImpl struct {
	applyTransferFunc func(*transferOptions) error
}

func (o *optionImpl) applyTransfer(opts *transferOptions) error {
	return o.applyTransferFunc(opts)
}

// WithLogger sets the logger, which defaults to the scheduler's.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *transferOptions) error {
		opts.logger = logger
		return nil
	}}
}

func resolveOptions(opts []Option, fallback *logiface.Logger[logiface.Event]) (*transferOptions, error) {
	cfg := &transferOptions{logger: fallback}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyTransfer(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
