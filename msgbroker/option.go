package msgbroker

import "time"

// DefaultRegisterHandlerConfig is the default configuration for handler
// registration.
var DefaultRegisterHandlerConfig = RegisterHandlerConfig{
	AckDeadline: time.Second * 10,
}

// RegisterHandlerConfig configures a topic handler registration.
type RegisterHandlerConfig struct {
	AckDeadline time.Duration
}

// Option modifies a RegisterHandlerConfig.
type Option func(*RegisterHandlerConfig) error

// WithACKDeadline configures the deadline for the message broker subscription.
func WithACKDeadline(deadline time.Duration) Option {
	return func(c *RegisterHandlerConfig) error {
		c.AckDeadline = deadline
		return nil
	}
}

// ApplyRegisterHandlerOptions applies opts over the default configuration.
func ApplyRegisterHandlerOptions(opts ...Option) RegisterHandlerConfig {
	config := DefaultRegisterHandlerConfig
	for _, opt := range opts {
		_ = opt(&config)
	}
	return config
}
