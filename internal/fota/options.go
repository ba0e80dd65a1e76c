package fota

import (
	"io"
	"log"
	"time"
)

const (
	// DefaultAlignment is the flash page size the slot accepts writes in.
	DefaultAlignment = 256
	// DefaultRebootDelay leaves time for the upgrade response to reach the
	// server before the device resets.
	DefaultRebootDelay = time.Second
)

type config struct {
	alignment   int
	rebootDelay time.Duration
	logger      *log.Logger
}

func defaultConfig() config {
	return config{
		alignment:   DefaultAlignment,
		rebootDelay: DefaultRebootDelay,
		logger:      log.New(io.Discard, "", 0),
	}
}

// Option configures a Session.
type Option func(*config)

// WithAlignment sets the write quantum of the download slot.
func WithAlignment(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.alignment = n
		}
	}
}

// WithRebootDelay sets the delay between PerformUpgrade and the reset.
func WithRebootDelay(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.rebootDelay = d
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}
