// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWebSocketServer(t *testing.T) {
	source := &fakeSource{}
	server := NewWebSocketServer(source)

	require.NotNil(t, server)
	assert.Equal(t, source, server.source)
	assert.NotNil(t, server.upgrader)
}

func TestHandleWebSocket_Upgrade(t *testing.T) {
	server := NewWebSocketServer(&fakeSource{})

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.NotNil(t, conn)
}

func TestHandleWebSocket_DeliversFrames(t *testing.T) {
	source := &fakeSource{
		watchFunc: func(ctx context.Context) (<-chan Frame, error) {
			ch := make(chan Frame, 1)
			ch <- Frame{
				Type:      StreamTypeJobState,
				Unit:      "unit1",
				JobName:   "stirring",
				Data:      map[string]string{"state": "ready"},
				Timestamp: time.Now(),
			}
			return ch, nil
		},
	}
	server := NewWebSocketServer(source)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, StreamTypeJobState, frame.Type)
}

func TestHandleWebSocket_SubscriptionFilter(t *testing.T) {
	frames := make(chan Frame, 2)
	source := &fakeSource{
		watchFunc: func(ctx context.Context) (<-chan Frame, error) {
			return frames, nil
		},
	}
	server := NewWebSocketServer(source)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(subscribeRequest{Streams: []StreamType{StreamTypeGrowthRate}}))
	time.Sleep(50 * time.Millisecond)

	frames <- Frame{Type: StreamTypeJobState, Unit: "unit1", Timestamp: time.Now()}
	frames <- Frame{Type: StreamTypeGrowthRate, Unit: "unit1", Timestamp: time.Now()}

	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, StreamTypeGrowthRate, frame.Type)
}

func TestSubscription_DefaultWantsAll(t *testing.T) {
	sub := &subscription{}
	assert.True(t, sub.wants(StreamTypeJobState))
	assert.True(t, sub.wants(StreamTypeODReading))
}

func TestSubscription_SetNarrows(t *testing.T) {
	sub := &subscription{}
	sub.set([]StreamType{StreamTypeODReading})
	assert.False(t, sub.wants(StreamTypeJobState))
	assert.True(t, sub.wants(StreamTypeODReading))
}
