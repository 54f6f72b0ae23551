package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/omrloop/internal/calibration"
	"github.com/banshee-data/omrloop/internal/demux"
	"github.com/banshee-data/omrloop/internal/estimator"
	"github.com/banshee-data/omrloop/internal/protocol"
	"github.com/banshee-data/omrloop/internal/ringchan"
	"github.com/banshee-data/omrloop/internal/serialmux"
	"github.com/banshee-data/omrloop/internal/session"
	"github.com/banshee-data/omrloop/internal/streamstats"
)

// ExampleConfigPath is the checked-in example with every key set to its
// default.
const ExampleConfigPath = "config/omrloop.example.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the experiment configuration file. Every field is optional;
// the Get* methods supply the defaults for omitted keys.
type Config struct {
	// Signal path
	RingCapacity   *int     `json:"ring_capacity,omitempty"`
	FlagByte       *int     `json:"flag_byte,omitempty"`
	BytesPerGroup  *int     `json:"bytes_per_group,omitempty"`
	MinWindowFill  *int     `json:"min_window_fill,omitempty"`
	ThresholdSigma *float64 `json:"threshold_sigma,omitempty"`
	ReadMax        *int     `json:"read_max,omitempty"`

	// Calibration
	ScaleFormula         *string  `json:"scale_formula,omitempty"`
	ExpectedTurnVelocity *float64 `json:"expected_turn_velocity,omitempty"`

	// Protocol
	CalibrationTrialSeconds *float64  `json:"calibration_trial_seconds,omitempty"`
	InterTrialSeconds       *float64  `json:"inter_trial_seconds,omitempty"`
	StepSpeeds              []float64 `json:"step_speeds,omitempty"`
	Reps                    *int      `json:"reps,omitempty"`
	DefaultGain             *float64  `json:"default_gain,omitempty"`

	// Frame loop
	Warmup        *string `json:"warmup,omitempty"`         // duration string like "10s"
	FrameInterval *string `json:"frame_interval,omitempty"` // duration string like "16ms"

	// Hardware
	Serial      *serialmux.PortOptions `json:"serial,omitempty"`
	SyncMessage *string                `json:"sync_message,omitempty"`

	// Telemetry
	MQTTBroker      *string `json:"mqtt_broker,omitempty"`
	MQTTTopicPrefix *string `json:"mqtt_topic_prefix,omitempty"`
}

// LoadConfig loads a Config from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	if c.RingCapacity != nil && *c.RingCapacity < 1 {
		return fmt.Errorf("ring_capacity must be positive, got %d", *c.RingCapacity)
	}
	if c.FlagByte != nil && (*c.FlagByte < 0 || *c.FlagByte > 255) {
		return fmt.Errorf("flag_byte must be between 0 and 255, got %d", *c.FlagByte)
	}
	if c.BytesPerGroup != nil && *c.BytesPerGroup != demux.DefaultGroupSize {
		return fmt.Errorf("bytes_per_group must be %d, got %d", demux.DefaultGroupSize, *c.BytesPerGroup)
	}
	if c.MinWindowFill != nil {
		if *c.MinWindowFill < streamstats.MinSamples {
			return fmt.Errorf("min_window_fill must be at least %d, got %d", streamstats.MinSamples, *c.MinWindowFill)
		}
		if *c.MinWindowFill > c.GetRingCapacity() {
			return fmt.Errorf("min_window_fill %d exceeds ring_capacity %d", *c.MinWindowFill, c.GetRingCapacity())
		}
	}
	if c.ThresholdSigma != nil && *c.ThresholdSigma < 0 {
		return fmt.Errorf("threshold_sigma must be non-negative, got %f", *c.ThresholdSigma)
	}
	if c.ReadMax != nil && *c.ReadMax < 0 {
		return fmt.Errorf("read_max must be non-negative, got %d", *c.ReadMax)
	}
	if _, err := c.scaleFunc(); err != nil {
		return err
	}
	if c.ExpectedTurnVelocity != nil && *c.ExpectedTurnVelocity <= 0 {
		return fmt.Errorf("expected_turn_velocity must be positive, got %f", *c.ExpectedTurnVelocity)
	}
	if c.CalibrationTrialSeconds != nil && *c.CalibrationTrialSeconds <= 0 {
		return fmt.Errorf("calibration_trial_seconds must be positive, got %f", *c.CalibrationTrialSeconds)
	}
	if c.InterTrialSeconds != nil && *c.InterTrialSeconds < 0 {
		return fmt.Errorf("inter_trial_seconds must be non-negative, got %f", *c.InterTrialSeconds)
	}
	for _, v := range c.StepSpeeds {
		if v <= 0 {
			return fmt.Errorf("step_speeds must be positive, got %v", c.StepSpeeds)
		}
	}
	if c.Reps != nil && *c.Reps < 1 {
		return fmt.Errorf("reps must be positive, got %d", *c.Reps)
	}
	if c.DefaultGain != nil && *c.DefaultGain < 0 {
		return fmt.Errorf("default_gain must be non-negative, got %f", *c.DefaultGain)
	}
	if c.Warmup != nil && *c.Warmup != "" {
		d, err := time.ParseDuration(*c.Warmup)
		if err != nil {
			return fmt.Errorf("invalid warmup '%s': %w", *c.Warmup, err)
		}
		if d < 0 {
			return fmt.Errorf("warmup must be non-negative, got %s", *c.Warmup)
		}
	}
	if c.FrameInterval != nil && *c.FrameInterval != "" {
		d, err := time.ParseDuration(*c.FrameInterval)
		if err != nil {
			return fmt.Errorf("invalid frame_interval '%s': %w", *c.FrameInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("frame_interval must be positive, got %s", *c.FrameInterval)
		}
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	if c.SyncMessage != nil && *c.SyncMessage == "" {
		return fmt.Errorf("sync_message must not be empty")
	}
	return nil
}

// GetRingCapacity returns the ring_capacity value or the default.
func (c *Config) GetRingCapacity() int {
	if c.RingCapacity == nil {
		return ringchan.DefaultCapacity
	}
	return *c.RingCapacity
}

// GetFlagByte returns the flag_byte value or the default.
func (c *Config) GetFlagByte() byte {
	if c.FlagByte == nil {
		return demux.DefaultFlag
	}
	return byte(*c.FlagByte)
}

// GetMinWindowFill returns the min_window_fill value or the default.
func (c *Config) GetMinWindowFill() int {
	if c.MinWindowFill == nil {
		return streamstats.MinSamples
	}
	return *c.MinWindowFill
}

// GetThresholdSigma returns the threshold_sigma value or the default.
func (c *Config) GetThresholdSigma() float64 {
	if c.ThresholdSigma == nil {
		return 2
	}
	return *c.ThresholdSigma
}

// GetReadMax returns the read_max value or the default of draining the
// source every tick.
func (c *Config) GetReadMax() int {
	if c.ReadMax == nil {
		return 0
	}
	return *c.ReadMax
}

// GetScaleFormula returns the scale_formula value or the default.
func (c *Config) GetScaleFormula() string {
	if c.ScaleFormula == nil || *c.ScaleFormula == "" {
		return calibration.ScaleSwimFraction
	}
	return *c.ScaleFormula
}

// GetExpectedTurnVelocity returns the expected_turn_velocity value or the default.
func (c *Config) GetExpectedTurnVelocity() float64 {
	if c.ExpectedTurnVelocity == nil {
		return calibration.DefaultExpectedTurnVelocity
	}
	return *c.ExpectedTurnVelocity
}

// GetCalibrationTrialSeconds returns the calibration_trial_seconds value or the default.
func (c *Config) GetCalibrationTrialSeconds() float64 {
	if c.CalibrationTrialSeconds == nil {
		return protocol.DefaultTrialSeconds
	}
	return *c.CalibrationTrialSeconds
}

// GetInterTrialSeconds returns inter_trial_seconds, defaulting to the
// trial length.
func (c *Config) GetInterTrialSeconds() float64 {
	if c.InterTrialSeconds == nil {
		return c.GetCalibrationTrialSeconds()
	}
	return *c.InterTrialSeconds
}

// GetStepSpeeds returns step_speeds or the default speed set.
func (c *Config) GetStepSpeeds() []float64 {
	if len(c.StepSpeeds) == 0 {
		return append([]float64(nil), protocol.DefaultStepSpeeds...)
	}
	return append([]float64(nil), c.StepSpeeds...)
}

// GetReps returns the reps value or the default.
func (c *Config) GetReps() int {
	if c.Reps == nil {
		return protocol.DefaultReps
	}
	return *c.Reps
}

// GetDefaultGain returns the default_gain value or the default.
func (c *Config) GetDefaultGain() float64 {
	if c.DefaultGain == nil {
		return 1
	}
	return *c.DefaultGain
}

// GetWarmup parses and returns the Warmup as a time.Duration.
func (c *Config) GetWarmup() time.Duration {
	return parseDurationOr(c.Warmup, 10*time.Second)
}

// GetFrameInterval parses and returns the FrameInterval as a time.Duration.
func (c *Config) GetFrameInterval() time.Duration {
	return parseDurationOr(c.FrameInterval, time.Second/60)
}

// GetSerial returns the normalized serial options or the defaults.
func (c *Config) GetSerial() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	if n, err := opts.Normalize(); err == nil {
		return n
	}
	n, _ := serialmux.PortOptions{}.Normalize()
	return n
}

// GetSyncMessage returns the sync_message value or the default.
func (c *Config) GetSyncMessage() string {
	if c.SyncMessage == nil {
		return string(serialmux.DefaultSyncMessage)
	}
	return *c.SyncMessage
}

// GetMQTTBroker returns the broker URL; empty disables telemetry.
func (c *Config) GetMQTTBroker() string {
	if c.MQTTBroker == nil {
		return ""
	}
	return *c.MQTTBroker
}

// GetMQTTTopicPrefix returns the mqtt_topic_prefix value or the default.
func (c *Config) GetMQTTTopicPrefix() string {
	if c.MQTTTopicPrefix == nil || *c.MQTTTopicPrefix == "" {
		return "omrloop"
	}
	return *c.MQTTTopicPrefix
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// StimulationSeconds is the total commanded time per direction in the
// calibration protocol.
func (c *Config) StimulationSeconds() float64 {
	return c.GetCalibrationTrialSeconds() * float64(c.GetReps()*len(c.GetStepSpeeds()))
}

func (c *Config) scaleFunc() (calibration.ScaleFunc, error) {
	return calibration.ScaleByName(c.GetScaleFormula(), c.GetExpectedTurnVelocity(), c.StimulationSeconds())
}

// Framing returns the demux framing.
func (c *Config) Framing() demux.Framing {
	return demux.Framing{Flag: c.GetFlagByte(), GroupSize: demux.DefaultGroupSize}
}

// SessionConfig assembles the session settings.
func (c *Config) SessionConfig() (session.Config, error) {
	scale, err := c.scaleFunc()
	if err != nil {
		return session.Config{}, err
	}
	framing := c.Framing()
	return session.Config{
		FrameInterval: c.GetFrameInterval(),
		Warmup:        c.GetWarmup(),
		ReadMax:       c.GetReadMax(),
		Framing:       framing,
		Calibration: calibration.Config{
			Window:         c.GetRingCapacity(),
			MinFill:        c.GetMinWindowFill(),
			ThresholdSigma: c.GetThresholdSigma(),
			Scale:          scale,
		},
		Estimator: estimator.Config{
			Capacity: c.GetRingCapacity(),
			MinFill:  c.GetMinWindowFill(),
			Framing:  framing,
		},
	}, nil
}

// CalibrationSchedule builds the open-loop step schedule: every step
// speed in every direction, Reps times.
func (c *Config) CalibrationSchedule() *protocol.Schedule {
	s := protocol.NewSchedule(protocol.StepOMR(c.GetStepSpeeds(), c.GetReps()), c.GetCalibrationTrialSeconds())
	s.InterTrialSeconds = c.GetInterTrialSeconds()
	return s
}

// ClosedLoopSchedule is the calibration grid replayed at DefaultGain.
func (c *Config) ClosedLoopSchedule() *protocol.Schedule {
	s := c.CalibrationSchedule()
	s.Trials = protocol.WithGain(s.Trials, c.GetDefaultGain())
	return s
}
