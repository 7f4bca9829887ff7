// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package job

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Pioreactor/pioreactor-sub001/internal/pubsub"
	"github.com/Pioreactor/pioreactor-sub001/pkg/logging"
)

// DodgingMode is the output of desiredDodgingMode: whether a dodging-capable
// job should currently be running continuously or pausing around OD
// samples.
type DodgingMode int

const (
	ModeContinuous DodgingMode = iota
	ModeDodging
)

// desiredDodgingMode is a pure function of (enable, odState) alone,
// exhaustively testable over the 2x5 grid. Dodging
// only makes sense while the OD job itself isn't already torn down, so
// disconnected/lost fall back to continuous — there's nothing left to dodge
// around.
func desiredDodgingMode(enable bool, odState JobState) DodgingMode {
	if !enable {
		return ModeContinuous
	}
	switch odState {
	case StateReady, StateSleeping, StateInit:
		return ModeDodging
	default:
		return ModeContinuous
	}
}

// DodgingTimingError is returned by computeODTiming when the configured
// delays and action runtime leave no positive wait window.
type DodgingTimingError struct {
	Interval, ODDuration, PreDelay, PostDelay, AfterAction float64
}

func (e *DodgingTimingError) Error() string {
	return fmt.Sprintf("job: dodging infeasible: interval=%.3f od_duration=%.3f pre=%.3f post=%.3f after_action=%.3f leaves no positive wait window",
		e.Interval, e.ODDuration, e.PreDelay, e.PostDelay, e.AfterAction)
}

// odTiming is the computed schedule of one OD cycle:
// [pre_delay][od_duration][post_delay][after_action][wait_window].
type odTiming struct {
	WaitWindow float64
}

// computeODTiming checks feasibility of one OD cycle: the wait window is
// positive iff the sum of the other four terms is strictly less than
// interval.
func computeODTiming(interval, odDuration, preDelay, postDelay, afterAction float64) (odTiming, error) {
	waitWindow := interval - odDuration - preDelay - postDelay - afterAction
	if waitWindow <= 0 {
		return odTiming{}, &DodgingTimingError{
			Interval: interval, ODDuration: odDuration, PreDelay: preDelay,
			PostDelay: postDelay, AfterAction: afterAction,
		}
	}
	return odTiming{WaitWindow: waitWindow}, nil
}

// timeToNextOD aligns the schedule to the OD job's own cadence, not reset
// to a fresh
// `interval` on every dodging-job restart. At an exact interval boundary
// (now-firstODObsTime is a multiple of interval) this returns a full
// interval, never zero — a zero return would mean "fire immediately",
// which is wrong the instant after an OD sample just landed.
func timeToNextOD(interval, firstODObsTime, now float64) float64 {
	elapsed := math.Mod(now-firstODObsTime, interval)
	if elapsed < 0 {
		elapsed += interval
	}
	remainder := interval - elapsed
	if remainder <= 0 {
		return interval
	}
	return remainder
}

// DodgingOptions configures a DodgingJob.
type DodgingOptions struct {
	EnableDodgingOD   bool
	PreDelayDuration  time.Duration // >= 250ms
	PostDelayDuration time.Duration // >= 250ms
	Interval          time.Duration
	ODDuration        time.Duration // ~1s

	// BeforeOD and AfterOD are the user hooks called around each OD
	// sample.
	BeforeOD func(ctx context.Context) time.Duration // returns measured runtime
	AfterOD  func(ctx context.Context)

	// InitializeContinuous/InitializeDodging run once, on entry into
	// that mode.
	InitializeContinuous func()
	InitializeDodging    func()

	// ODUnit/ODExperiment/ODJobName identify the OD-reading job whose
	// $state topic this scheduler watches to flip modes.
	ODUnit, ODExperiment, ODJobName string

	Broker Broker
	Logger logging.Logger
}

// DodgingJob wraps a *Job, watches the OD job's retained $state topic, and
// aligns a RepeatedTimer to the OD cadence whenever dodging mode is
// active.
type DodgingJob struct {
	*Job

	opts DodgingOptions

	mu         sync.Mutex
	mode       DodgingMode
	modeInited bool
	timer      *RepeatedTimer

	firstODObsTime float64
	haveFirstObs   bool
}

// NewDodgingJob wraps job with the dodging mix-in and subscribes to the OD
// job's $state topic to drive mode transitions. The minimum pre/post delay
// of 250ms is enforced here rather than trusted from the caller.
func NewDodgingJob(j *Job, opts DodgingOptions) (*DodgingJob, error) {
	if opts.PreDelayDuration < 250*time.Millisecond {
		opts.PreDelayDuration = 250 * time.Millisecond
	}
	if opts.PostDelayDuration < 250*time.Millisecond {
		opts.PostDelayDuration = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger
	}

	d := &DodgingJob{Job: j, opts: opts}

	// Pausing the job pauses the timer; resuming unpauses it.
	j.OnEnter(StateSleeping, func(*Job) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.timer != nil {
			d.timer.Pause()
		}
		return nil
	})
	j.OnTransition(StateSleeping, StateReady, func(*Job) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.timer != nil {
			d.timer.Unpause()
		}
		return nil
	})

	stateTopic := pubsub.StateTopic(opts.ODUnit, opts.ODExperiment, opts.ODJobName)
	if opts.Broker != nil {
		if err := opts.Broker.Subscribe(stateTopic, pubsub.ExactlyOnce, d.onODState); err != nil {
			return nil, fmt.Errorf("job: dodging: subscribing to OD state: %w", err)
		}
	}

	if err := d.applyMode(desiredDodgingMode(opts.EnableDodgingOD, StateReady)); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *DodgingJob) onODState(m pubsub.Message) {
	d.mu.Lock()
	enable := d.opts.EnableDodgingOD
	d.mu.Unlock()

	if err := d.applyMode(desiredDodgingMode(enable, JobState(m.Payload))); err != nil {
		d.opts.Logger.Error("dodging timing infeasible after OD state change", "error", err)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.CleanUp(ctx)
	}
}

// applyMode switches between continuous and dodging operation, calling the
// corresponding Initialize* hook exactly once per entry into that mode.
func (d *DodgingJob) applyMode(mode DodgingMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.modeInited && d.mode == mode {
		return nil
	}

	if d.timer != nil {
		d.timer.Cancel()
		d.timer = nil
	}

	switch mode {
	case ModeContinuous:
		if d.opts.InitializeContinuous != nil {
			d.opts.InitializeContinuous()
		}
	case ModeDodging:
		timing, err := computeODTiming(
			d.opts.Interval.Seconds(),
			d.opts.ODDuration.Seconds(),
			d.opts.PreDelayDuration.Seconds(),
			d.opts.PostDelayDuration.Seconds(),
			0, // after_action measured per-cycle below
		)
		if err != nil {
			return err
		}
		_ = timing
		if d.opts.InitializeDodging != nil {
			d.opts.InitializeDodging()
		}
		d.timer = NewRepeatedTimer(d.opts.Interval, d.runDodgeCycle)
		d.timer.Start()
	}

	d.mode = mode
	d.modeInited = true
	return nil
}

// runDodgeCycle executes one [pre_delay][od_duration+post_delay is the OD
// job's own concern][after_action][wait_window] cycle: this scheduler only
// owns the pre/post delay and the user's before/after hooks, since the OD
// sample itself is taken by the unrelated OD-reading job it is dodging
// around.
func (d *DodgingJob) runDodgeCycle() {
	ctx := context.Background()
	time.Sleep(d.opts.PreDelayDuration)

	var afterAction time.Duration
	if d.opts.BeforeOD != nil {
		afterAction = d.opts.BeforeOD(ctx)
	}

	time.Sleep(d.opts.PostDelayDuration)

	if d.opts.AfterOD != nil {
		d.opts.AfterOD(ctx)
	}

	if _, err := computeODTiming(
		d.opts.Interval.Seconds(),
		d.opts.ODDuration.Seconds(),
		d.opts.PreDelayDuration.Seconds(),
		d.opts.PostDelayDuration.Seconds(),
		afterAction.Seconds(),
	); err != nil {
		d.opts.Logger.Error("dodging timing became infeasible mid-run", "error", err)
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.CleanUp(cctx)
	}
}

// CleanUp cancels the dodging timer before delegating to the embedded
// Job's clean-up.
func (d *DodgingJob) CleanUp(ctx context.Context) error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Cancel()
		d.timer = nil
	}
	d.mu.Unlock()
	return d.Job.CleanUp(ctx)
}

// RepeatedTimer is the scheduled-work primitive jobs use for periodic
// activity: start/pause/unpause/cancel/runImmediately/runAfter.
type RepeatedTimer struct {
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	paused  bool
	cancel  context.CancelFunc
	started bool
}

// NewRepeatedTimer creates a timer that calls fn every interval once
// started.
func NewRepeatedTimer(interval time.Duration, fn func()) *RepeatedTimer {
	return &RepeatedTimer{interval: interval, fn: fn}
}

// Start begins the repeating schedule. Safe to call once; subsequent calls
// are no-ops.
func (t *RepeatedTimer) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	go t.loop(ctx)
}

func (t *RepeatedTimer) loop(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			paused := t.paused
			t.mu.Unlock()
			if !paused {
				t.fn()
			}
		}
	}
}

// Pause suspends firing without cancelling the timer.
func (t *RepeatedTimer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = true
}

// Unpause resumes firing.
func (t *RepeatedTimer) Unpause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = false
}

// RunImmediately fires fn once, synchronously, outside the regular
// schedule.
func (t *RepeatedTimer) RunImmediately() {
	t.fn()
}

// RunAfter fires fn once after d, independent of the regular schedule.
func (t *RepeatedTimer) RunAfter(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// Cancel stops the timer permanently. Idempotent.
func (t *RepeatedTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
