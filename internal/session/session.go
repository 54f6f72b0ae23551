// Package session owns one experiment run: the byte source, open-loop data,
// calibrated parameters, live estimator and velocity log, driven one frame
// at a time through the calibration and closed-loop phases.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/omrloop/internal/calibration"
	"github.com/banshee-data/omrloop/internal/demux"
	"github.com/banshee-data/omrloop/internal/estimator"
	"github.com/banshee-data/omrloop/internal/export"
	"github.com/banshee-data/omrloop/internal/monitoring"
	"github.com/banshee-data/omrloop/internal/recorder"
	"github.com/banshee-data/omrloop/internal/serialmux"
	"github.com/banshee-data/omrloop/internal/timeutil"
)

var (
	// ErrDone is returned by Tick when the command source has finished the
	// current phase. No part of that tick was applied.
	ErrDone = errors.New("session: phase complete")
	// ErrNotCalibrated is returned when the closed loop is started without
	// parameters.
	ErrNotCalibrated = errors.New("session: not calibrated")
	// ErrAlreadyCalibrated is returned when parameters are set twice.
	ErrAlreadyCalibrated = errors.New("session: parameters already set")
	// ErrNoPhase is returned by Tick outside a phase.
	ErrNoPhase = errors.New("session: no phase started")
)

// sourceError marks a byte source failure, as opposed to a malformed burst.
type sourceError struct{ err error }

func (e sourceError) Error() string { return "byte source: " + e.err.Error() }
func (e sourceError) Unwrap() error { return e.err }

// Config holds the per-session settings.
type Config struct {
	// FrameInterval paces the frame loop.
	FrameInterval time.Duration
	// Warmup is the time at the start of each phase during which frames
	// are drawn but no command is issued and no data collected.
	Warmup time.Duration
	// ReadMax caps the bytes taken from the source per tick; 0 drains it.
	ReadMax     int
	Framing     demux.Framing
	Calibration calibration.Config
	Estimator   estimator.Config
}

// DefaultConfig returns a 60 Hz loop with the reference warm-up.
func DefaultConfig() Config {
	return Config{
		FrameInterval: time.Second / 60,
		Warmup:        10 * time.Second,
		Framing:       demux.DefaultFraming(),
		Calibration:   calibration.DefaultConfig(),
		Estimator:     estimator.DefaultConfig(),
	}
}

// Deps are the collaborators of a session. Source and the command source
// of each phase that is run are required; the rest may be nil.
type Deps struct {
	ID                  string
	Source              serialmux.ByteSource
	CalibrationCommands CommandSource
	ClosedLoopCommands  CommandSource
	Renderer            Renderer
	Sink                export.Sink
	Trigger             SyncTrigger
	Observer            Observer
}

// Stats are the session counters.
type Stats struct {
	Ticks           int64       `json:"ticks"`
	WarmupTicks     int64       `json:"warmup_ticks"`
	SourceErrors    int64       `json:"source_errors"`
	MalformedBursts int64       `json:"malformed_bursts"`
	TriggerErrors   int64       `json:"trigger_errors"`
	RenderErrors    int64       `json:"render_errors"`
	BytesRead       int64       `json:"bytes_read"`
	Trials          int         `json:"trials"`
	Demux           demux.Stats `json:"demux"`
}

// Session is driven from a single goroutine; the snapshot accessors
// (Status, Velocity, Parameters) may be called from others.
type Session struct {
	id   string
	cfg  Config
	deps Deps

	mu        sync.Mutex
	phase     Phase
	step      Stepper
	commands  CommandSource
	elapsed   float64
	warmedUp  bool
	collector *calibration.Collector
	params    *calibration.Parameters
	exp       *calibration.Export
	est       *estimator.Estimator
	rec       *recorder.Recorder
	demuxed   demux.Stats
	stats     Stats
	last      recorder.Sample
	trial     trialAccumulator
	lastErr   string // last logged source error, to log repeats once
}

type trialAccumulator struct {
	active bool
	TrialSummary
}

// New validates cfg and deps and returns an idle session.
func New(deps Deps, cfg Config) (*Session, error) {
	if deps.Source == nil {
		return nil, errors.New("session: byte source is required")
	}
	if err := cfg.Framing.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Calibration.Validate(); err != nil {
		return nil, err
	}
	if cfg.FrameInterval <= 0 {
		return nil, fmt.Errorf("session: frame interval must be positive, got %v", cfg.FrameInterval)
	}
	if cfg.Estimator.Capacity != cfg.Calibration.Window || cfg.Estimator.MinFill != cfg.Calibration.MinFill {
		return nil, fmt.Errorf("session: estimator window %d/%d must match calibration window %d/%d",
			cfg.Estimator.Capacity, cfg.Estimator.MinFill, cfg.Calibration.Window, cfg.Calibration.MinFill)
	}
	if deps.ID == "" {
		deps.ID = uuid.NewString()
	}
	if deps.Renderer == nil {
		deps.Renderer = NopRenderer{}
	}
	return &Session{
		id:        deps.ID,
		cfg:       cfg,
		deps:      deps,
		collector: calibration.NewCollector(),
		rec:       recorder.New(0),
	}, nil
}

// ID returns the session identifier used for persisted output.
func (s *Session) ID() string { return s.id }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// StartCalibration enters the open-loop phase.
func (s *Session) StartCalibration() error {
	if s.deps.CalibrationCommands == nil {
		return errors.New("session: no calibration command source")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enter(OpenLoopCalibration, s.deps.CalibrationCommands, &calibrationStep{
		drawer:    drawer{phase: OpenLoopCalibration, renderer: s.deps.Renderer},
		s:         s,
		collector: s.collector,
	})
	return nil
}

// StartClosedLoop enters the closed-loop phase. Parameters must be set.
func (s *Session) StartClosedLoop() error {
	if s.deps.ClosedLoopCommands == nil {
		return errors.New("session: no closed-loop command source")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		return ErrNotCalibrated
	}
	est, err := estimator.New(*s.params, s.cfg.Estimator)
	if err != nil {
		return err
	}
	s.est = est
	s.enter(ClosedLoop, s.deps.ClosedLoopCommands, &closedLoopStep{
		drawer: drawer{phase: ClosedLoop, renderer: s.deps.Renderer},
		s:      s,
		est:    est,
	})
	return nil
}

func (s *Session) enter(p Phase, cmds CommandSource, step Stepper) {
	s.phase = p
	s.commands = cmds
	s.step = step
	s.elapsed = 0
	s.warmedUp = s.cfg.Warmup <= 0
	s.trial = trialAccumulator{}
	monitoring.Logf("session %s: entering %s", s.id, p)
}

// Tick runs one frame: Acquire, Estimate, Record, Draw. It returns ErrDone
// without applying anything when the phase's command source is finished.
// Source failures and malformed bursts are counted and logged, and the
// tick continues with no new samples.
func (s *Session) Tick(dt float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.step == nil {
		return ErrNoPhase
	}

	s.elapsed += dt
	if !s.warmedUp {
		if s.elapsed < s.cfg.Warmup.Seconds() {
			return s.warmupTick(dt)
		}
		s.warmedUp = true
		// discard everything that arrived during the warm-up
		if err := s.deps.Source.Flush(); err != nil {
			s.stats.SourceErrors++
			monitoring.Logf("session %s: flush after warm-up: %v", s.id, err)
		}
	}

	cmd := s.commands.Next(dt)
	if cmd.Done {
		s.endTrial()
		s.setTrigger(false)
		return ErrDone
	}
	s.trackTrial(cmd)

	if err := s.step.Acquire(); err != nil {
		s.noteAcquireError(err)
	}
	sample := s.step.Estimate(cmd)
	if s.phase == ClosedLoop {
		s.rec.RecordSample(sample)
	}
	s.accumulate(sample, dt)
	s.last = sample
	s.stats.Ticks++

	if err := s.step.Draw(sample, dt); err != nil {
		s.stats.RenderErrors++
		monitoring.Logf("session %s: draw: %v", s.id, err)
	}
	return nil
}

func (s *Session) warmupTick(dt float64) error {
	if s.phase == ClosedLoop {
		s.rec.RecordZero()
	}
	s.last = recorder.Sample{}
	s.stats.WarmupTicks++
	if err := s.step.Draw(recorder.Sample{}, dt); err != nil {
		s.stats.RenderErrors++
		monitoring.Logf("session %s: draw: %v", s.id, err)
	}
	return nil
}

func (s *Session) readBurst() ([]byte, error) {
	b, err := s.deps.Source.Read(s.cfg.ReadMax)
	if err != nil {
		return nil, sourceError{err}
	}
	s.stats.BytesRead += int64(len(b))
	return b, nil
}

func (s *Session) noteAcquireError(err error) {
	var se sourceError
	switch {
	case errors.As(err, &se):
		s.stats.SourceErrors++
		if msg := err.Error(); msg != s.lastErr {
			s.lastErr = msg
			monitoring.Logf("session %s: %v (tick %d continues with no samples)", s.id, err, s.stats.Ticks)
		}
	case errors.Is(err, demux.ErrNoSyncMarker):
		s.stats.MalformedBursts++
		monitoring.Logf("session %s: discarding burst: %v", s.id, err)
	default:
		monitoring.Logf("session %s: acquire: %v", s.id, err)
	}
}

func (s *Session) setTrigger(up bool) {
	if s.deps.Trigger == nil {
		return
	}
	if err := s.deps.Trigger.Set(up); err != nil {
		s.stats.TriggerErrors++
		monitoring.Logf("session %s: sync trigger: %v", s.id, err)
	}
}

func (s *Session) trackTrial(cmd Command) {
	switch {
	case cmd.InterTrial && s.trial.active:
		s.endTrial()
		s.setTrigger(false)
	case !cmd.InterTrial && !s.trial.active:
		s.trial = trialAccumulator{active: true, TrialSummary: TrialSummary{
			Phase:     s.phase,
			Index:     s.stats.Trials,
			Direction: cmd.Direction,
		}}
		s.setTrigger(true)
	}
}

func (s *Session) accumulate(sample recorder.Sample, dt float64) {
	if !s.trial.active {
		return
	}
	s.trial.Ticks++
	s.trial.Seconds += dt
	s.trial.MeanStimulus += sample.Stimulus
	s.trial.MeanFish += sample.Fish
	s.trial.MeanTotal += sample.Total
}

func (s *Session) endTrial() {
	if !s.trial.active {
		return
	}
	sum := s.trial.TrialSummary
	s.trial = trialAccumulator{}
	if sum.Ticks > 0 {
		n := float64(sum.Ticks)
		sum.MeanStimulus /= n
		sum.MeanFish /= n
		sum.MeanTotal /= n
	}
	s.stats.Trials++
	monitoring.Logf("session %s: %s trial %d (%s) done: %d ticks, mean stimulus %.2f fish %.2f total %.2f",
		s.id, sum.Phase, sum.Index, sum.Direction, sum.Ticks, sum.MeanStimulus, sum.MeanFish, sum.MeanTotal)
	if s.deps.Observer != nil {
		s.deps.Observer.TrialFinished(s.id, sum)
	}
}

// Calibrate runs the calibration engine over the open-loop data collected
// so far, stores the parameters for the closed loop and writes the export
// to the sink. Parameters can only be set once.
func (s *Session) Calibrate(ctx context.Context) (calibration.Parameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.params != nil {
		return calibration.Parameters{}, ErrAlreadyCalibrated
	}
	monitoring.Logf("session %s: calibrating from %v samples", s.id, s.collector.Lens())
	params, exp, err := calibration.Calibrate(s.collector, s.cfg.Calibration)
	if err != nil {
		return calibration.Parameters{}, err
	}
	s.params = &params
	s.exp = exp
	if s.deps.Observer != nil {
		s.deps.Observer.Calibrated(s.id, params)
	}
	if s.deps.Sink != nil {
		if err := s.deps.Sink.WriteCalibration(ctx, s.id, exp); err != nil {
			return params, fmt.Errorf("session: write calibration: %w", err)
		}
	}
	return params, nil
}

// UseParameters installs previously stored parameters instead of running
// the open-loop phase.
func (s *Session) UseParameters(p calibration.Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params != nil {
		return ErrAlreadyCalibrated
	}
	s.params = &p
	return nil
}

// Parameters returns the calibrated parameters, if any.
func (s *Session) Parameters() (calibration.Parameters, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		return calibration.Parameters{}, false
	}
	return *s.params, true
}

// CalibrationExport returns the export of the calibration run, if one ran
// in this session.
func (s *Session) CalibrationExport() *calibration.Export {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exp
}

// SaveVelocity writes the velocity trace recorded so far to the sink.
func (s *Session) SaveVelocity(ctx context.Context) error {
	if s.deps.Sink == nil {
		return nil
	}
	trace := s.Velocity(0)
	if err := s.deps.Sink.WriteVelocity(ctx, s.id, trace); err != nil {
		return fmt.Errorf("session: write velocity: %w", err)
	}
	monitoring.Logf("session %s: saved %d velocity samples", s.id, trace.Len())
	return nil
}

// Velocity returns a copy of the last n recorded ticks, all of them when
// n <= 0.
func (s *Session) Velocity(n int) recorder.Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Export().Tail(n)
}

// Stats returns the counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Session) statsLocked() Stats {
	st := s.stats
	st.Demux = s.demuxed
	if s.est != nil {
		d := s.est.DemuxStats()
		st.Demux.Bursts += d.Bursts
		st.Demux.Bytes += d.Bytes
		st.Demux.Samples += d.Samples
		st.Demux.Malformed += d.Malformed
	}
	return st
}

// Status is a point-in-time view of the session for the status API.
type Status struct {
	ID         string                  `json:"id"`
	Phase      Phase                   `json:"phase"`
	Elapsed    float64                 `json:"elapsed"`
	WarmingUp  bool                    `json:"warming_up"`
	InTrial    bool                    `json:"in_trial"`
	Trial      int                     `json:"trial"`
	Last       recorder.Sample         `json:"last"`
	Recorded   int                     `json:"recorded"`
	Collected  map[string][2]int       `json:"collected"`
	Calibrated bool                    `json:"calibrated"`
	Params     *calibration.Parameters `json:"params,omitempty"`
	Stats      Stats                   `json:"stats"`
	RingFill   [2]int                  `json:"ring_fill"`
}

// Status returns a snapshot taken between ticks.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:         s.id,
		Phase:      s.phase,
		Elapsed:    s.elapsed,
		WarmingUp:  s.step != nil && !s.warmedUp,
		InTrial:    s.trial.active,
		Trial:      s.stats.Trials,
		Last:       s.last,
		Recorded:   s.rec.Len(),
		Collected:  s.collector.Lens(),
		Calibrated: s.params != nil,
		Stats:      s.statsLocked(),
	}
	if s.params != nil {
		p := *s.params
		st.Params = &p
	}
	if s.est != nil {
		st.RingFill[0], st.RingFill[1] = s.est.Fill()
	}
	return st
}

// Finish leaves the current phase and lowers the trigger.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endTrial()
	s.setTrigger(false)
	s.step = nil
	s.commands = nil
	s.phase = Idle
}

// RunCalibration starts the open-loop phase and ticks it on clock until
// the command source is done or ctx is cancelled.
func (s *Session) RunCalibration(ctx context.Context, clock timeutil.Clock) error {
	if err := s.StartCalibration(); err != nil {
		return err
	}
	return s.run(ctx, clock)
}

// RunClosedLoop starts the closed-loop phase and ticks it on clock until
// the command source is done or ctx is cancelled.
func (s *Session) RunClosedLoop(ctx context.Context, clock timeutil.Clock) error {
	if err := s.StartClosedLoop(); err != nil {
		return err
	}
	return s.run(ctx, clock)
}

func (s *Session) run(ctx context.Context, clock timeutil.Clock) error {
	defer s.Finish()

	ticker := clock.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()
	frames := timeutil.NewFrameDelta(clock.Now())

	for {
		// cancellation is only observed between ticks
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			err := s.Tick(frames.Next(now))
			if errors.Is(err, ErrDone) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}
