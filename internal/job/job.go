// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Pioreactor/pioreactor-sub001/internal/pubsub"
	"github.com/Pioreactor/pioreactor-sub001/pkg/logging"
)

// Broker is the subset of internal/pubsub.Client a Job needs. An interface
// so tests can substitute a fake without dialing a real broker; *pubsub.
// Client satisfies it as-is.
type Broker interface {
	Publish(topic string, payload []byte, qos pubsub.QoS, retain bool) error
	Subscribe(topic string, qos pubsub.QoS, handler pubsub.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
	Disconnect(quiesce time.Duration)
}

// Manager is the subset of internal/store.JobManager a Job needs.
type Manager interface {
	RegisterAndSetRunning(unit, experiment, jobName, jobSource string, pid int, leader string, isLongRunning bool) (int64, error)
	SetNotRunning(jobID int64) error
	IsJobRunning(jobName string) (bool, error)
	UpsertSetting(jobID int64, setting string, value *string) error
}

// TransitionHook runs when a job enters or moves between states. Errors are
// logged but never block the transition.
type TransitionHook func(j *Job) error

// Options configures a new Job. PublishedSettings/Setters describe the
// embedding job type's declarative capability registry: which settings the
// broker may mutate, and the typed setter (if any) for each.
type Options struct {
	Unit          string
	Experiment    string
	JobName       string
	JobSource     string // "user", "experiment_profile", "mcp", ...
	PID           int
	Leader        string
	IsLongRunning bool

	Broker  Broker
	Manager Manager
	Logger  logging.Logger

	PublishedSettings map[string]PublishedSetting
	Setters           map[string]Setter
}

// Job is the lifecycle state machine and published-settings fan-out every
// background control loop embeds. Construction is two-phase: New returns
// an initialized-but-not-ready Job; the embedding type then runs its own
// setup and finally calls MarkReady.
type Job struct {
	unit          string
	experiment    string
	jobName       string
	jobSource     string
	pid           int
	leader        string
	isLongRunning bool

	jobID int64

	broker  Broker
	manager Manager
	logger  logging.Logger

	mu       sync.RWMutex
	state    JobState
	settings map[string]PublishedSetting
	values   map[string]string // name -> last published raw JSON-ish string value
	setters  map[string]Setter

	onEnter      map[JobState][]TransitionHook
	onTransition map[[2]JobState][]TransitionHook

	blocking  chan struct{}
	cleanedUp bool

	unregisterSignal func()
}

// New validates the name, checks for a duplicate instance, registers with
// the Job Manager, opens the broker subscriptions, merges settings schemas,
// and publishes the initial "init" state. It does not run the embedding
// type's own setup and does not call MarkReady — the caller does both, in
// that order.
func New(ctx context.Context, opts Options) (*Job, error) {
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger
	}

	if err := ValidateJobName(opts.JobName); err != nil {
		return nil, err
	}

	if running, err := opts.Manager.IsJobRunning(opts.JobName); err != nil {
		return nil, fmt.Errorf("job: checking for duplicate: %w", err)
	} else if running {
		return nil, ErrJobPresent
	}

	jobID, err := opts.Manager.RegisterAndSetRunning(opts.Unit, opts.Experiment, opts.JobName, opts.JobSource, opts.PID, opts.Leader, opts.IsLongRunning)
	if err != nil {
		return nil, fmt.Errorf("job: registering with job manager: %w", err)
	}

	settings := map[string]PublishedSetting{
		"state": {Datatype: DatatypeString, Settable: false, Persist: true},
	}
	for name, s := range opts.PublishedSettings {
		settings[name] = s
	}
	for name, s := range settings {
		if err := validateSettingSchema(name, s); err != nil {
			_ = opts.Manager.SetNotRunning(jobID)
			return nil, fmt.Errorf("job: %s: %w", name, err)
		}
	}

	j := &Job{
		unit:          opts.Unit,
		experiment:    opts.Experiment,
		jobName:       opts.JobName,
		jobSource:     opts.JobSource,
		pid:           opts.PID,
		leader:        opts.Leader,
		isLongRunning: opts.IsLongRunning,
		jobID:         jobID,
		broker:        opts.Broker,
		manager:       opts.Manager,
		logger:        opts.Logger.With("job_name", opts.JobName, "unit", opts.Unit, "experiment", opts.Experiment),
		state:         StateInit,
		settings:      settings,
		values:        make(map[string]string),
		setters:       opts.Setters,
		onEnter:       make(map[JobState][]TransitionHook),
		onTransition:  make(map[[2]JobState][]TransitionHook),
		blocking:      make(chan struct{}),
	}

	j.unregisterSignal = registerCleanupHandler(j)

	if err := j.publishState(StateInit); err != nil {
		j.logger.Warn("failed to publish initial state", "error", err)
	}

	settingsSetTopic := fmt.Sprintf("pioreactor/%s/%s/%s/+/set", j.unit, j.experiment, j.jobName)
	broadcastSetTopic := fmt.Sprintf("pioreactor/$broadcast/%s/%s/+/set", j.experiment, j.jobName)
	stateTopic := pubsub.StateTopic(j.unit, j.experiment, j.jobName)

	if err := j.broker.Subscribe(settingsSetTopic, pubsub.ExactlyOnce, j.onSettingSet); err != nil {
		_ = j.CleanUp(ctx)
		return nil, fmt.Errorf("job: subscribing to settings-set topic: %w", err)
	}
	if err := j.broker.Subscribe(broadcastSetTopic, pubsub.ExactlyOnce, j.onSettingSet); err != nil {
		_ = j.CleanUp(ctx)
		return nil, fmt.Errorf("job: subscribing to broadcast settings-set topic: %w", err)
	}
	if err := j.broker.Subscribe(stateTopic, pubsub.ExactlyOnce, j.onStateDivergence); err != nil {
		_ = j.CleanUp(ctx)
		return nil, fmt.Errorf("job: subscribing to state-divergence topic: %w", err)
	}

	return j, nil
}

// MarkReady advertises the job as ready once the embedding type's own
// setup has completed. A crash during that setup must never leave "ready"
// retained on the broker, which is why this is called last rather than
// from inside New.
func (j *Job) MarkReady() error {
	return j.SetState(StateReady)
}

// JobID returns the Job Manager row id assigned at registration.
func (j *Job) JobID() int64 { return j.jobID }

// State returns the job's current lifecycle state.
func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// OnEnter registers a hook run whenever the job enters state.
func (j *Job) OnEnter(state JobState, hook TransitionHook) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onEnter[state] = append(j.onEnter[state], hook)
}

// OnTransition registers a hook run on the specific from->to transition.
func (j *Job) OnTransition(from, to JobState, hook TransitionHook) {
	j.mu.Lock()
	defer j.mu.Unlock()
	key := [2]JobState{from, to}
	j.onTransition[key] = append(j.onTransition[key], hook)
}

// SetState performs a validated lifecycle transition, publishing the new
// state and then running transition hooks followed by state-entry hooks.
func (j *Job) SetState(to JobState) error {
	j.mu.Lock()
	from := j.state
	if from == to {
		j.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		j.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	j.state = to
	transitionHooks := append([]TransitionHook(nil), j.onTransition[[2]JobState{from, to}]...)
	enterHooks := append([]TransitionHook(nil), j.onEnter[to]...)
	j.mu.Unlock()

	if err := j.publishState(to); err != nil {
		j.logger.Warn("failed to publish state transition", "from", from, "to", to, "error", err)
	}

	for _, hook := range transitionHooks {
		if err := hook(j); err != nil {
			j.logger.Warn("transition hook failed", "from", from, "to", to, "error", err)
		}
	}
	for _, hook := range enterHooks {
		if err := hook(j); err != nil {
			j.logger.Warn("state-entry hook failed", "state", to, "error", err)
		}
	}
	return nil
}

func (j *Job) publishState(state JobState) error {
	j.mu.Lock()
	j.values["state"] = string(state)
	j.mu.Unlock()

	if err := j.manager.UpsertSetting(j.jobID, "state", strPtr(string(state))); err != nil {
		j.logger.Warn("failed to record state in job manager", "error", err)
	}
	return j.broker.Publish(pubsub.StateTopic(j.unit, j.experiment, j.jobName), []byte(state), pubsub.ExactlyOnce, true)
}

// PublishSetting fans out a new value for a declared setting: the value is
// published to the broker (retained) and upserted in the Job Manager.
func (j *Job) PublishSetting(name string, value any) error {
	j.mu.RLock()
	spec, ok := j.settings[name]
	j.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}

	encoded, err := encodeSetting(spec.Datatype, value)
	if err != nil {
		return err
	}

	j.mu.Lock()
	j.values[name] = encoded
	j.mu.Unlock()

	topicName := name
	if name == "state" {
		topicName = "$state"
	}
	if err := j.broker.Publish(pubsub.SettingTopic(j.unit, j.experiment, j.jobName, topicName), []byte(encoded), pubsub.ExactlyOnce, true); err != nil {
		return err
	}
	return j.manager.UpsertSetting(j.jobID, name, strPtr(encoded))
}

// Get returns the last-published raw value of a setting.
func (j *Job) Get(name string) (string, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	v, ok := j.values[name]
	return v, ok
}

// onSettingSet ingests a `.../<name>/set` message: unknown settings log at
// debug and are ignored; non-settable settings log a warning and are
// ignored; a registered Setter is called in preference to a direct
// assignment.
func (j *Job) onSettingSet(m pubsub.Message) {
	_, _, _, setting, ok := pubsub.ParseSettingSetTopic(m.Topic)
	if !ok {
		return
	}

	if setting == "$state" {
		j.onStateSet(string(m.Payload))
		return
	}

	j.mu.RLock()
	spec, known := j.settings[setting]
	setter, hasSetter := j.setters[setting]
	j.mu.RUnlock()

	if !known {
		j.logger.Debug("ignoring set for unknown setting", "setting", setting)
		return
	}
	if !spec.Settable {
		j.logger.Warn("ignoring set for non-settable setting", "setting", setting)
		return
	}

	if hasSetter {
		if err := setter(m.Payload); err != nil {
			j.logger.Warn("setter rejected value", "setting", setting, "error", err)
			return
		}
	}

	j.mu.Lock()
	j.values[setting] = string(m.Payload)
	j.mu.Unlock()

	if err := j.manager.UpsertSetting(j.jobID, setting, strPtr(string(m.Payload))); err != nil {
		j.logger.Warn("failed to record setting in job manager", "setting", setting, "error", err)
	}
	if err := j.broker.Publish(pubsub.SettingTopic(j.unit, j.experiment, j.jobName, setting), m.Payload, pubsub.ExactlyOnce, true); err != nil {
		j.logger.Warn("failed to republish setting", "setting", setting, "error", err)
	}
}

// RepublishSettings re-publishes the retained value of every published
// setting, state included. Wired as the broker client's reconnect hook so
// a broker restart (which may have dropped retained state, or fired the
// last-will) converges back to this process's view.
func (j *Job) RepublishSettings() {
	j.mu.RLock()
	values := make(map[string]string, len(j.values))
	for name, v := range j.values {
		values[name] = v
	}
	j.mu.RUnlock()

	for name, v := range values {
		topicName := name
		if name == "state" {
			topicName = "$state"
		}
		if err := j.broker.Publish(pubsub.SettingTopic(j.unit, j.experiment, j.jobName, topicName), []byte(v), pubsub.ExactlyOnce, true); err != nil {
			j.logger.Debug("failed to republish setting after reconnect", "setting", name, "error", err)
		}
	}
}

// onStateSet handles a `.../$state/set` message, the broker-side way to
// drive a job's lifecycle remotely: "sleeping" pauses, "ready" resumes,
// "disconnected" runs the full clean-up (in its own goroutine, since
// clean-up disconnects the very connection this callback arrived on).
func (j *Job) onStateSet(requested string) {
	switch JobState(requested) {
	case StateSleeping:
		if err := j.SetState(StateSleeping); err != nil {
			j.logger.Warn("cannot pause", "error", err)
		}
	case StateReady:
		if err := j.SetState(StateReady); err != nil {
			j.logger.Warn("cannot resume", "error", err)
		}
	case StateDisconnected:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = j.CleanUp(ctx)
		}()
	default:
		j.logger.Warn("ignoring request for unreachable state", "requested", requested)
	}
}

// onStateDivergence repairs broker/local state divergence: a retained
// $state of "lost" while the local state is not init means the broker's
// view and this process's view disagree (most likely this process survived
// a reconnect that re-armed the last-will before the first state republish
// landed). Republish the real state once, after a short delay.
func (j *Job) onStateDivergence(m pubsub.Message) {
	if string(m.Payload) != pubsub.LostState {
		return
	}
	current := j.State()
	if current == StateInit {
		return
	}

	go func() {
		time.Sleep(time.Second)
		if err := j.publishState(j.State()); err != nil {
			j.logger.Debug("failed to republish state after divergence", "error", err)
		}
	}()
}

// BlockUntilDisconnected blocks until CleanUp has completed or ctx is
// cancelled.
func (j *Job) BlockUntilDisconnected(ctx context.Context) error {
	select {
	case <-j.blocking:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CleanUp is the idempotent exit path: set disconnected, run
// disconnection hooks (a failing hook is logged as a warning and does not
// stop the clean-up), clear non-persistent settings from the broker and Job
// Manager, deregister, disconnect.
func (j *Job) CleanUp(ctx context.Context) error {
	j.mu.Lock()
	if j.cleanedUp {
		j.mu.Unlock()
		return nil
	}
	j.cleanedUp = true
	settingsSnapshot := make(map[string]PublishedSetting, len(j.settings))
	for k, v := range j.settings {
		settingsSnapshot[k] = v
	}
	j.mu.Unlock()

	if j.State() != StateDisconnected {
		if err := j.SetState(StateDisconnected); err != nil {
			j.logger.Debug("failed to set disconnected during clean-up", "error", err)
		}
	}

	for name, spec := range settingsSnapshot {
		if spec.Persist || name == "state" {
			continue
		}
		topicName := name
		if err := j.broker.Publish(pubsub.SettingTopic(j.unit, j.experiment, j.jobName, topicName), nil, pubsub.ExactlyOnce, true); err != nil {
			j.logger.Debug("failed to clear non-persistent setting on broker", "setting", name, "error", err)
		}
		if err := j.manager.UpsertSetting(j.jobID, name, nil); err != nil {
			j.logger.Debug("failed to clear non-persistent setting in job manager", "setting", name, "error", err)
		}
	}

	if err := j.manager.SetNotRunning(j.jobID); err != nil {
		j.logger.Debug("failed to mark job not running", "error", err)
	}

	if j.unregisterSignal != nil {
		j.unregisterSignal()
	}

	j.broker.Disconnect(time.Second)
	close(j.blocking)
	return nil
}

func strPtr(s string) *string { return &s }

func encodeSetting(datatype SettingDatatype, value any) (string, error) {
	switch datatype {
	case DatatypeJSON:
		b, err := json.Marshal(value)
		return string(b), err
	default:
		return fmt.Sprintf("%v", value), nil
	}
}
