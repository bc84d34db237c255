package bus

import (
	"errors"
	"fmt"

	"github.com/MrWong99/attune/pkg/audio"
)

var (
	// ErrCapacityExceeded is returned by AddConsumer when the bus already
	// holds Config.MaxConsumers registrations.
	ErrCapacityExceeded = errors.New("bus: consumer capacity exceeded")

	// ErrDuplicateID is returned by AddConsumer when the id is already taken.
	ErrDuplicateID = errors.New("bus: duplicate consumer id")

	// ErrNotInitialized is returned by StartStreaming before Initialize.
	ErrNotInitialized = errors.New("bus: capture device not initialized")

	// ErrDisposed is returned by every mutating call after Close or device
	// loss.
	ErrDisposed = errors.New("bus: disposed")
)

// ConfigurationError reports a rejected registration or bus configuration.
// It is returned synchronously and never silently ignored.
type ConfigurationError struct {
	// Field names the offending setting ("id", "handler", "format", ...).
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("bus: invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// CaptureDeviceError reports that the capture device could not be opened
// (after the whole fallback ladder) or was lost while streaming.
type CaptureDeviceError struct {
	// Config is the profile requested by the caller.
	Config audio.CaptureConfig

	// Attempts counts the profiles tried before giving up. Zero for a device
	// lost while streaming.
	Attempts int

	// Lost is true when an open device disappeared.
	Lost bool

	Err error
}

func (e *CaptureDeviceError) Error() string {
	if e.Lost {
		return fmt.Sprintf("bus: capture device lost: %v", e.Err)
	}
	return fmt.Sprintf("bus: open capture device %q after %d profiles: %v", e.Config.Device, e.Attempts, e.Err)
}

func (e *CaptureDeviceError) Unwrap() error { return e.Err }

// ConsumerError reports a fault inside one consumer's handler. It is logged
// and counted against that consumer only.
type ConsumerError struct {
	ConsumerID string

	// Op is the callback or stage that failed ("frame", "chunk", "encode").
	Op string

	Err error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("bus: consumer %q %s: %v", e.ConsumerID, e.Op, e.Err)
}

func (e *ConsumerError) Unwrap() error { return e.Err }
