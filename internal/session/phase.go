package session

import (
	"fmt"

	"github.com/banshee-data/omrloop/internal/calibration"
	"github.com/banshee-data/omrloop/internal/recorder"
)

// Phase is the experiment stage a session is in.
type Phase int

const (
	// Idle is the state before the first phase starts and after the last ends.
	Idle Phase = iota
	// OpenLoopCalibration collects labeled data with commanded stimulus only.
	OpenLoopCalibration
	// ClosedLoop feeds the estimated fish velocity back into the stimulus.
	ClosedLoop
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case OpenLoopCalibration:
		return "open_loop_calibration"
	case ClosedLoop:
		return "closed_loop"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Command is what the trial state machine asks for on one tick.
type Command struct {
	// StimulusVelocity is the commanded grating velocity in deg/s, signed.
	StimulusVelocity float64
	// Gain scales the fish velocity fed back in closed loop; nil means 1.
	Gain *float64
	// Direction labels open-loop data.
	Direction calibration.Direction
	// InterTrial forces a zero record and pauses data collection.
	InterTrial bool
	// Done ends the phase before this tick starts.
	Done bool
}

// CommandSource is the upstream trial state machine, advanced by the frame
// time dt in seconds once per tick.
type CommandSource interface {
	Next(dt float64) Command
}

// Renderer draws one frame. Rendering is outside this module; the session
// only needs the sample and frame time.
type Renderer interface {
	Draw(phase Phase, s recorder.Sample, dt float64) error
}

// NopRenderer discards frames (headless runs).
type NopRenderer struct{}

func (NopRenderer) Draw(Phase, recorder.Sample, float64) error { return nil }

// Stepper is the per-phase behaviour of a tick, chosen once when the phase
// starts.
type Stepper interface {
	// Acquire drains the byte source and demultiplexes the burst.
	Acquire() error
	// Estimate produces the tick's velocity sample for cmd.
	Estimate(cmd Command) recorder.Sample
	// Draw renders the sample.
	Draw(s recorder.Sample, dt float64) error
}

// SyncTrigger marks trial boundaries on the acquisition hardware.
type SyncTrigger interface {
	Set(up bool) error
}

// TrialSummary aggregates one completed trial.
type TrialSummary struct {
	Phase        Phase                 `json:"phase"`
	Index        int                   `json:"index"`
	Direction    calibration.Direction `json:"direction"`
	Ticks        int                   `json:"ticks"`
	Seconds      float64               `json:"seconds"`
	MeanStimulus float64               `json:"mean_stimulus"`
	MeanFish     float64               `json:"mean_fish"`
	MeanTotal    float64               `json:"mean_total"`
}

// Observer is notified of session milestones. Implementations must not
// block.
type Observer interface {
	Calibrated(sessionID string, p calibration.Parameters)
	TrialFinished(sessionID string, t TrialSummary)
}
