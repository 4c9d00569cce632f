package event

import "go.uber.org/zap"

// Option configures an EventDispatcher.
type Option func(*config)

// config contains configuration for the dispatcher.
type config struct {
	// resolver invokes plain listener targets.
	resolver Resolver

	// locator backs the default resolver.
	locator Locator

	// logger receives debug output.
	logger *zap.Logger

	// registry stores listener records.
	registry *Registry
}

// defaultConfig returns the default configuration.
func defaultConfig() config {
	return config{
		logger: zap.NewNop(),
	}
}

// WithResolver sets the resolver used for plain listener targets.
// It takes precedence over WithLocator.
func WithResolver(r Resolver) Option {
	return func(c *config) {
		if r != nil {
			c.resolver = r
		}
	}
}

// WithLocator sets the locator of the default ReflectResolver.
func WithLocator(l Locator) Option {
	return func(c *config) {
		c.locator = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRegistry sets the registry, allowing several dispatchers to share listeners.
func WithRegistry(r *Registry) Option {
	return func(c *config) {
		if r != nil {
			c.registry = r
		}
	}
}
