// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, broker *fakeBroker, name string) *Client {
	t.Helper()
	c := &Client{
		unit:       "worker1",
		experiment: "exp1",
		clientName: name,
		outbound:   make(chan outboundMessage, 16),
		done:       make(chan struct{}),
	}
	fake := newFakeMQTTClient(broker)
	fake.self = fake
	client, err := newClientWithRaw(c, fake)
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(0) })
	return client
}

func TestClientPublishAndSubscribe(t *testing.T) {
	broker := newFakeBroker()
	pub := newTestClient(t, broker, "pub")
	sub := newTestClient(t, broker, "sub")

	received := make(chan Message, 1)
	require.NoError(t, sub.Subscribe("pioreactor/worker1/exp1/stirring/$state", ExactlyOnce, func(m Message) {
		received <- m
	}))

	require.NoError(t, pub.Publish("pioreactor/worker1/exp1/stirring/$state", []byte("ready"), ExactlyOnce, true))

	select {
	case m := <-received:
		assert.Equal(t, "ready", string(m.Payload))
		assert.True(t, m.Retain)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestClientSubscribeSeesRetainedMessage(t *testing.T) {
	broker := newFakeBroker()
	pub := newTestClient(t, broker, "pub")

	require.NoError(t, pub.Publish("pioreactor/worker1/exp1/stirring/$state", []byte("init"), ExactlyOnce, true))

	sub := newTestClient(t, broker, "sub")
	received := make(chan Message, 1)
	require.NoError(t, sub.Subscribe("pioreactor/worker1/exp1/stirring/$state", ExactlyOnce, func(m Message) {
		received <- m
	}))

	select {
	case m := <-received:
		assert.Equal(t, "init", string(m.Payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for retained message on subscribe")
	}
}

func TestClientIsConnected(t *testing.T) {
	broker := newFakeBroker()
	c := newTestClient(t, broker, "pub")
	assert.True(t, c.IsConnected())
}

func TestClientPublishFromWithinCallbackDoesNotDeadlock(t *testing.T) {
	broker := newFakeBroker()
	sub := newTestClient(t, broker, "sub")
	pub := newTestClient(t, broker, "pub")

	done := make(chan struct{})
	require.NoError(t, sub.Subscribe("pioreactor/worker1/exp1/stirring/target_rpm/set", ExactlyOnce, func(m Message) {
		// A subscription callback publishing back out must not block on
		// the same connection it was delivered over.
		_ = pub.Publish("pioreactor/worker1/exp1/stirring/target_rpm", m.Payload, ExactlyOnce, true)
		close(done)
	}))

	require.NoError(t, pub.Publish("pioreactor/worker1/exp1/stirring/target_rpm/set", []byte("500"), ExactlyOnce, false))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback-triggered publish deadlocked")
	}
}
