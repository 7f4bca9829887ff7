// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package streaming

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamType identifies the kind of telemetry frame carried over the
// dashboard feed.
type StreamType string

const (
	StreamTypeJobState   StreamType = "job_state"
	StreamTypeODReading  StreamType = "od_reading"
	StreamTypeGrowthRate StreamType = "growth_rate"
)

// Frame is a single telemetry event pushed to dashboard subscribers. It
// deliberately carries only the fields every stream type shares; Data holds
// the stream-specific payload (an internal/job state transition, an
// internal/streamdata.ODReading, or an internal/growth.GrowthRate).
type Frame struct {
	Type      StreamType  `json:"type"`
	Unit      string      `json:"unit"`
	JobName   string      `json:"job_name,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Source produces telemetry frames until ctx is cancelled. internal/catalog
// supplies the concrete implementation that fans in internal/pubsub,
// internal/store and internal/growth events.
type Source interface {
	Watch(ctx context.Context) (<-chan Frame, error)
}

// subscribeRequest lets a dashboard client narrow the frames it wants after
// connecting. An empty or absent request means "everything".
type subscribeRequest struct {
	Streams []StreamType `json:"streams,omitempty"`
}

// WebSocketServer exposes a Source over a single long-lived WebSocket
// connection for the leader's live dashboard feed.
type WebSocketServer struct {
	source   Source
	upgrader websocket.Upgrader
}

// NewWebSocketServer creates a WebSocket server backed by source.
func NewWebSocketServer(source Source) *WebSocketServer {
	return &WebSocketServer{
		source: source,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades the request and streams frames until the client
// disconnects or the request context is cancelled.
func (ws *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("dashboard stream upgrade error: %v", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("dashboard stream close error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames, err := ws.source.Watch(ctx)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"error": "failed to start stream: " + err.Error()})
		return
	}

	sub := &subscription{}

	go ws.readSubscriptions(conn, cancel, sub)
	ws.writeFrames(ctx, conn, frames, sub)
}

func (ws *WebSocketServer) readSubscriptions(conn *websocket.Conn, cancel context.CancelFunc, sub *subscription) {
	defer cancel()

	for {
		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("dashboard stream read error: %v", err)
			}
			return
		}
		sub.set(req.Streams)
	}
}

func (ws *WebSocketServer) writeFrames(ctx context.Context, conn *websocket.Conn, frames <-chan Frame, sub *subscription) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if !sub.wants(frame.Type) {
				continue
			}
			if err := conn.WriteJSON(frame); err != nil {
				log.Printf("dashboard stream write error: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscription tracks the stream types a connected client has asked for.
type subscription struct {
	mu      sync.RWMutex
	streams []StreamType
}

func (s *subscription) set(streams []StreamType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = streams
}

func (s *subscription) wants(t StreamType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.streams) == 0 {
		return true
	}
	for _, want := range s.streams {
		if want == t {
			return true
		}
	}
	return false
}
