package arkclient

import (
	"time"
)

const (
	defaultIntentGenerationInterval = 5 * time.Minute
	defaultIntentRescanInterval     = time.Minute
	defaultRPCTimeout               = 30 * time.Second
	defaultBatchRetryDelay          = 5 * time.Second
	resubscribeDelay                = time.Second
	maxStreamRetryDelay             = time.Minute
)

type serviceOptions struct {
	scheduler                Scheduler
	schedulerOpts            []SchedulerOption
	chainTime                ChainTimeProvider
	intentGenerationInterval time.Duration
	intentRescanInterval     time.Duration
	rpcTimeout               time.Duration
	batchRetryDelay          time.Duration
	sweepPolicies            []SweepPolicy
	sweepInterval            time.Duration
}

func newDefaultServiceOptions() *serviceOptions {
	return &serviceOptions{
		intentGenerationInterval: defaultIntentGenerationInterval,
		intentRescanInterval:     defaultIntentRescanInterval,
		rpcTimeout:               defaultRPCTimeout,
		batchRetryDelay:          defaultBatchRetryDelay,
		sweepInterval:            defaultSweepInterval,
	}
}

type ServiceOption func(*serviceOptions)

// WithScheduler replaces the default SimpleScheduler.
func WithScheduler(scheduler Scheduler) ServiceOption {
	return func(o *serviceOptions) {
		o.scheduler = scheduler
	}
}

// WithSchedulerOptions customizes the default SimpleScheduler.
func WithSchedulerOptions(opts ...SchedulerOption) ServiceOption {
	return func(o *serviceOptions) {
		o.schedulerOpts = append(o.schedulerOpts, opts...)
	}
}

// WithChainTimeProvider sets the source of the chain tip height, required
// to renew coins expiring at a block height.
func WithChainTimeProvider(provider ChainTimeProvider) ServiceOption {
	return func(o *serviceOptions) {
		o.chainTime = provider
	}
}

func WithIntentGenerationInterval(interval time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		if interval > 0 {
			o.intentGenerationInterval = interval
		}
	}
}

func WithIntentRescanInterval(interval time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		if interval > 0 {
			o.intentRescanInterval = interval
		}
	}
}

// WithRPCTimeout bounds every single request made to the server.
func WithRPCTimeout(timeout time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		if timeout > 0 {
			o.rpcTimeout = timeout
		}
	}
}

// WithBatchRetryDelay sets how long to wait before reopening a broken event
// stream.
func WithBatchRetryDelay(delay time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		if delay > 0 {
			o.batchRetryDelay = delay
		}
	}
}

// WithSweepPolicies replaces the default vhtlc sweep policy.
func WithSweepPolicies(policies ...SweepPolicy) ServiceOption {
	return func(o *serviceOptions) {
		o.sweepPolicies = append(o.sweepPolicies, policies...)
	}
}

func WithSweepInterval(interval time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		if interval > 0 {
			o.sweepInterval = interval
		}
	}
}

type SchedulerOption func(*SimpleScheduler)

// WithExpiryThreshold selects the coins expiring within the given duration.
func WithExpiryThreshold(threshold time.Duration) SchedulerOption {
	return func(s *SimpleScheduler) {
		s.threshold = threshold
	}
}

// WithExpiryThresholdHeight selects the coins expiring within the given
// number of blocks.
func WithExpiryThresholdHeight(blocks uint32) SchedulerOption {
	return func(s *SimpleScheduler) {
		s.thresholdHeight = blocks
	}
}

func WithIntentValidity(validity time.Duration) SchedulerOption {
	return func(s *SimpleScheduler) {
		if validity > 0 {
			s.validity = validity
		}
	}
}
