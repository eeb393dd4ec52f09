package activity

import (
	"time"

	"github.com/veldtlabs/txwork/codec"
)

// Options configures per-activity behavior.
type Options struct {
	// Codec serializes the activity's input and result. Defaults to JSON.
	Codec codec.Codec

	// Timeout is the maximum duration one invocation may run before its
	// context is cancelled. Zero means no per-activity deadline.
	Timeout time.Duration
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Codec: &codec.JSON{},
	}
}

// Option is a functional option for configuring an activity definition.
type Option func(*Options)

// WithCodec sets the payload codec for the activity.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) {
		o.Codec = c
	}
}

// WithTimeout sets the maximum execution duration for one invocation.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}
