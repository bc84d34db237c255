package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/attune/internal/resilience"
	"github.com/MrWong99/attune/pkg/provider/vad"
)

// Config holds the multiplexer settings. Zero fields take the defaults listed
// on each field.
type Config struct {
	// MaxConsumers caps the number of registrations. Default 5.
	MaxConsumers int `yaml:"max_consumers"`

	// QueueSize is the per-consumer delivery queue length in frames. A full
	// queue drops the frame for that consumer only. Default 16.
	QueueSize int `yaml:"queue_size"`

	// Gating enables voice-activity gating: silent frames are counted but not
	// distributed.
	Gating bool `yaml:"gating"`

	// VAD configures the adaptive energy threshold used by the gate. The
	// sample rate is taken from the opened capture stream.
	VAD vad.Config `yaml:"vad"`

	// GateHangover keeps the gate open for this long after the last speech
	// frame so that consumers still see the trailing silence that ends an
	// utterance. It must be at least the conversation's trailing-silence
	// duration. Default 1s.
	GateHangover time.Duration `yaml:"gate_hangover"`

	// LatencyCeiling is the delivery latency above which a consumer is
	// unhealthy. Default 100ms.
	LatencyCeiling time.Duration `yaml:"latency_ceiling"`

	// LossThreshold is the loss ratio above which a consumer is unhealthy.
	// Default 0.05.
	LossThreshold float64 `yaml:"loss_threshold"`

	// HealthInterval is the health assessment period. Default 1s.
	HealthInterval time.Duration `yaml:"health_interval"`

	// ReadRetries is the number of consecutive transient read errors
	// tolerated before the device is declared lost. Default 3.
	ReadRetries int `yaml:"read_retries"`

	// OpenRetry governs retries per capture profile during Initialize.
	OpenRetry resilience.RetryPolicy `yaml:"open_retry"`
}

// DefaultConfig returns the default multiplexer settings.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.MaxConsumers == 0 {
		c.MaxConsumers = 5
	}
	if c.QueueSize == 0 {
		c.QueueSize = 16
	}
	if c.VAD == (vad.Config{}) {
		c.VAD = vad.DefaultConfig()
	}
	if c.GateHangover == 0 {
		c.GateHangover = time.Second
	}
	if c.LatencyCeiling == 0 {
		c.LatencyCeiling = 100 * time.Millisecond
	}
	if c.LossThreshold == 0 {
		c.LossThreshold = 0.05
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = time.Second
	}
	if c.ReadRetries == 0 {
		c.ReadRetries = 3
	}
	if c.OpenRetry == (resilience.RetryPolicy{}) {
		c.OpenRetry = resilience.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     time.Second,
			JitterPercent:  20,
		}
	}
	return c
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.MaxConsumers < 0 {
		errs = append(errs, fmt.Errorf("max_consumers must be >= 0, got %d", c.MaxConsumers))
	}
	if c.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("queue_size must be >= 0, got %d", c.QueueSize))
	}
	if c.LossThreshold < 0 || c.LossThreshold > 1 {
		errs = append(errs, fmt.Errorf("loss_threshold must be in [0, 1], got %g", c.LossThreshold))
	}
	if c.LatencyCeiling < 0 || c.HealthInterval < 0 || c.GateHangover < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.Gating && c.VAD != (vad.Config{}) {
		vc := c.VAD
		if vc.SampleRate == 0 {
			vc.SampleRate = 16000
		}
		if err := vc.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.OpenRetry.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
