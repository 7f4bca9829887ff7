// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package job

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Pioreactor/pioreactor-sub001/internal/pubsub"
)

// fakeBroker is an in-memory stand-in for internal/pubsub.Client: a
// retained-topic store plus subscriber callbacks, enough to exercise the
// framework's publish/subscribe contract without a real broker.
type fakeBroker struct {
	mu       sync.Mutex
	retained map[string][]byte
	subs     map[string][]pubsub.MessageHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{retained: make(map[string][]byte), subs: make(map[string][]pubsub.MessageHandler)}
}

func (b *fakeBroker) Publish(topic string, payload []byte, qos pubsub.QoS, retain bool) error {
	b.mu.Lock()
	if retain {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = append([]byte(nil), payload...)
		}
	}
	handlers := append([]pubsub.MessageHandler(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(pubsub.Message{Topic: topic, Payload: payload, Retain: retain, Qos: qos})
	}
	return nil
}

func (b *fakeBroker) Subscribe(topic string, qos pubsub.QoS, handler pubsub.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
	return nil
}

func (b *fakeBroker) IsConnected() bool { return true }

func (b *fakeBroker) Disconnect(time.Duration) {}

func (b *fakeBroker) retainedString(topic string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.retained[topic]
	return string(v), ok
}

// publishSet simulates a client publishing to the .../<setting>/set topic
// directly against the retained-topic map's subscriber list, bypassing the
// settingsSetTopic wildcard matching that a real broker performs (the fake
// subscribes literal topics only, so tests target the exact topic a Job
// subscribes to).
func (b *fakeBroker) publishSet(unit, experiment, jobName, setting string, payload []byte) {
	wildcard := "pioreactor/" + unit + "/" + experiment + "/" + jobName + "/+/set"
	b.mu.Lock()
	handlers := append([]pubsub.MessageHandler(nil), b.subs[wildcard]...)
	b.mu.Unlock()
	topic := pubsub.SettingSetTopic(unit, experiment, jobName, setting)
	for _, h := range handlers {
		h(pubsub.Message{Topic: topic, Payload: payload})
	}
}

// fakeManager is an in-memory stand-in for internal/store.JobManager.
type fakeManager struct {
	mu       sync.Mutex
	nextID   int64
	running  map[string]int64 // job_name -> job_id, only while is_running
	settings map[int64]map[string]*string
	// longRunning records the is_long_running_job flag of each registered row.
	longRunning map[int64]bool
}

func newFakeManager() *fakeManager {
	return &fakeManager{running: make(map[string]int64), settings: make(map[int64]map[string]*string), longRunning: make(map[int64]bool)}
}

func (m *fakeManager) RegisterAndSetRunning(unit, experiment, jobName, jobSource string, pid int, leader string, isLongRunning bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.running[jobName] = id
	m.settings[id] = make(map[string]*string)
	m.longRunning[id] = isLongRunning
	return id, nil
}

func (m *fakeManager) SetNotRunning(jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, id := range m.running {
		if id == jobID {
			delete(m.running, name)
		}
	}
	return nil
}

func (m *fakeManager) IsJobRunning(jobName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[jobName]
	return ok, nil
}

func (m *fakeManager) UpsertSetting(jobID int64, setting string, value *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings[jobID] == nil {
		m.settings[jobID] = make(map[string]*string)
	}
	m.settings[jobID][setting] = value
	return nil
}

func testOptions(broker *fakeBroker, manager *fakeManager, unit, experiment, jobName string) Options {
	return Options{
		Unit: unit, Experiment: experiment, JobName: jobName, JobSource: "user",
		PID: 1, Leader: unit, Broker: broker, Manager: manager,
	}
}

// TestStartAndGracefulStop walks a job through construction, ready, and a
// broker-initiated disconnect.
func TestStartAndGracefulStop(t *testing.T) {
	broker := newFakeBroker()
	manager := newFakeManager()

	running, err := manager.IsJobRunning("stirring")
	require.NoError(t, err)
	require.False(t, running)

	j, err := New(context.Background(), testOptions(broker, manager, "u", "e", "stirring"))
	require.NoError(t, err)

	state, ok := broker.retainedString(pubsub.StateTopic("u", "e", "stirring"))
	require.True(t, ok)
	require.Equal(t, "init", state)

	require.NoError(t, j.MarkReady())
	state, ok = broker.retainedString(pubsub.StateTopic("u", "e", "stirring"))
	require.True(t, ok)
	require.Equal(t, "ready", state)

	running, err = manager.IsJobRunning("stirring")
	require.NoError(t, err)
	require.True(t, running)

	// A remote client stops the job through the broker.
	broker.publishSet("u", "e", "stirring", "$state", []byte("disconnected"))
	require.Eventually(t, func() bool {
		state, _ := broker.retainedString(pubsub.StateTopic("u", "e", "stirring"))
		return state == "disconnected"
	}, time.Second, 5*time.Millisecond)

	running, err = manager.IsJobRunning("stirring")
	require.NoError(t, err)
	require.False(t, running)

	// CleanUp after the broker-driven disconnect is a no-op.
	require.NoError(t, j.CleanUp(context.Background()))
}

// TestDuplicateRejected checks a second instance of a running job is
// refused and the first is untouched.
func TestDuplicateRejected(t *testing.T) {
	broker := newFakeBroker()
	manager := newFakeManager()

	j1, err := New(context.Background(), testOptions(broker, manager, "u", "e", "stirring"))
	require.NoError(t, err)
	require.NoError(t, j1.MarkReady())

	_, err = New(context.Background(), testOptions(broker, manager, "u", "e", "stirring"))
	require.ErrorIs(t, err, ErrJobPresent)

	require.Equal(t, StateReady, j1.State())
}

func TestNewWorkerJobRefusesInactiveNode(t *testing.T) {
	broker := newFakeBroker()
	manager := newFakeManager()

	inactive := func(unit string) (bool, error) { return false, nil }
	_, err := NewWorkerJob(context.Background(), testOptions(broker, manager, "u", "e", "stirring"), inactive)
	require.ErrorIs(t, err, ErrNotActiveWorker)

	running, err := manager.IsJobRunning("stirring")
	require.NoError(t, err)
	require.False(t, running)
}

func TestNewLongRunningJobBypassesActiveCheckAndMarksRow(t *testing.T) {
	broker := newFakeBroker()
	manager := newFakeManager()

	j, err := NewLongRunningJob(context.Background(), testOptions(broker, manager, "u", "e", "monitor"))
	require.NoError(t, err)
	require.True(t, manager.longRunning[manager.nextID])
	require.NoError(t, j.MarkReady())
	require.NoError(t, j.CleanUp(context.Background()))
}

func TestNewPluginJobRequiresPluginName(t *testing.T) {
	broker := newFakeBroker()
	manager := newFakeManager()

	_, err := NewPluginJob(context.Background(), testOptions(broker, manager, "u", "e", "my_plugin_job"), "")
	require.ErrorIs(t, err, ErrMissingPluginName)

	j, err := NewPluginJob(context.Background(), testOptions(broker, manager, "u", "e", "my_plugin_job"), "my_plugin")
	require.NoError(t, err)
	require.NoError(t, j.CleanUp(context.Background()))
}

// TestSettingsFanOut checks a .../set message updates the job's value and
// the retained topic.
func TestSettingsFanOut(t *testing.T) {
	broker := newFakeBroker()
	manager := newFakeManager()

	opts := testOptions(broker, manager, "u", "e", "stirring")
	opts.PublishedSettings = map[string]PublishedSetting{
		"target_rpm": {Datatype: DatatypeFloat, Settable: true},
	}

	var targetRPM float64
	opts.Setters = map[string]Setter{
		"target_rpm": func(raw []byte) error {
			v, err := strconv.ParseFloat(string(raw), 64)
			if err != nil {
				return err
			}
			targetRPM = v
			return nil
		},
	}

	j, err := New(context.Background(), opts)
	require.NoError(t, err)
	require.NoError(t, j.MarkReady())

	broker.publishSet("u", "e", "stirring", "target_rpm", []byte("500"))

	require.Equal(t, float64(500), targetRPM)
	value, ok := broker.retainedString(pubsub.SettingTopic("u", "e", "stirring", "target_rpm"))
	require.True(t, ok)
	require.Equal(t, "500", value)
}

func TestPersistenceContract(t *testing.T) {
	broker := newFakeBroker()
	manager := newFakeManager()

	opts := testOptions(broker, manager, "u", "e", "mixer")
	opts.PublishedSettings = map[string]PublishedSetting{
		"volatile": {Datatype: DatatypeFloat, Settable: false, Persist: false},
		"sticky":   {Datatype: DatatypeFloat, Settable: false, Persist: true},
	}
	j, err := New(context.Background(), opts)
	require.NoError(t, err)
	require.NoError(t, j.MarkReady())

	require.NoError(t, j.PublishSetting("volatile", 1.5))
	require.NoError(t, j.PublishSetting("sticky", 2.5))

	require.NoError(t, j.CleanUp(context.Background()))

	_, ok := broker.retainedString(pubsub.SettingTopic("u", "e", "mixer", "volatile"))
	require.False(t, ok, "non-persistent setting must be cleared")

	stickyVal, ok := broker.retainedString(pubsub.SettingTopic("u", "e", "mixer", "sticky"))
	require.True(t, ok)
	require.Equal(t, "2.5", stickyVal)

	require.Nil(t, manager.settings[j.JobID()]["volatile"])
}

func TestStateSetPausesAndResumes(t *testing.T) {
	broker := newFakeBroker()
	manager := newFakeManager()
	j, err := New(context.Background(), testOptions(broker, manager, "u", "e", "stirring"))
	require.NoError(t, err)
	require.NoError(t, j.MarkReady())

	broker.publishSet("u", "e", "stirring", "$state", []byte("sleeping"))
	require.Equal(t, StateSleeping, j.State())

	broker.publishSet("u", "e", "stirring", "$state", []byte("ready"))
	require.Equal(t, StateReady, j.State())

	// "lost" is never self-assignable, even via the broker.
	broker.publishSet("u", "e", "stirring", "$state", []byte("lost"))
	require.Equal(t, StateReady, j.State())

	require.NoError(t, j.CleanUp(context.Background()))
}

func TestCleanUpIsIdempotent(t *testing.T) {
	broker := newFakeBroker()
	manager := newFakeManager()
	j, err := New(context.Background(), testOptions(broker, manager, "u", "e", "pump"))
	require.NoError(t, err)

	require.NoError(t, j.CleanUp(context.Background()))
	require.NoError(t, j.CleanUp(context.Background()))
}

func TestBlockUntilDisconnected(t *testing.T) {
	broker := newFakeBroker()
	manager := newFakeManager()
	j, err := New(context.Background(), testOptions(broker, manager, "u", "e", "pump"))
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = j.CleanUp(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, j.BlockUntilDisconnected(ctx))
}

func TestValidateJobName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"stirring", true},
		{"od_reading", true},
		{"Stirring", false},
		{"stir-ring", false},
		{"$broadcast", false},
		{"", false},
	}
	for _, tc := range cases {
		err := ValidateJobName(tc.name)
		if tc.ok {
			require.NoError(t, err, tc.name)
		} else {
			require.Error(t, err, tc.name)
		}
	}
}
