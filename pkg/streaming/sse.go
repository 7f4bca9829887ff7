// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// SSEEvent represents a Server-Sent Event frame.
type SSEEvent struct {
	ID    string      `json:"id,omitempty"`
	Event string      `json:"event,omitempty"`
	Data  interface{} `json:"data"`
	Retry int         `json:"retry,omitempty"`
}

// SSEServer exposes a Source over Server-Sent Events as an alternative
// transport to WebSocketServer for clients that only need a one-way feed
// (e.g. a browser EventSource).
type SSEServer struct {
	source Source
}

// NewSSEServer creates a Server-Sent Events server backed by source.
func NewSSEServer(source Source) *SSEServer {
	return &SSEServer{source: source}
}

// HandleSSE handles Server-Sent Events connections. The optional "streams"
// query parameter restricts delivery to a comma-separated list of stream
// types (job_state, od_reading, growth_rate); omitted means all of them.
func (sse *SSEServer) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	wanted := parseStreamTypes(r.URL.Query().Get("streams"))

	frames, err := sse.source.Watch(ctx)
	if err != nil {
		sse.writeSSEEvent(w, flusher, SSEEvent{
			Event: "error",
			Data:  map[string]string{"error": "failed to start stream: " + err.Error()},
		})
		return
	}

	sse.writeSSEEvent(w, flusher, SSEEvent{
		Event: "connected",
		Data:  map[string]string{"status": "connected"},
	})

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				sse.writeSSEEvent(w, flusher, SSEEvent{
					Event: "stream_closed",
					Data:  map[string]string{"status": "closed"},
				})
				return
			}
			if !wantsStream(wanted, frame.Type) {
				continue
			}
			sse.writeSSEEvent(w, flusher, SSEEvent{
				ID:    fmt.Sprintf("%s-%d", frame.Unit, frame.Timestamp.UnixNano()),
				Event: string(frame.Type),
				Data:  frame,
			})
		}
	}
}

func (sse *SSEServer) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event SSEEvent) {
	if event.ID != "" {
		fmt.Fprintf(w, "id: %s\n", event.ID)
	}
	if event.Event != "" {
		fmt.Fprintf(w, "event: %s\n", event.Event)
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		fmt.Fprintf(w, "data: {\"error\": \"failed to marshal data\"}\n")
	} else {
		fmt.Fprintf(w, "data: %s\n", string(data))
	}

	if event.Retry > 0 {
		fmt.Fprintf(w, "retry: %d\n", event.Retry)
	}

	fmt.Fprint(w, "\n")
	flusher.Flush()
}

func parseStreamTypes(raw string) []StreamType {
	if raw == "" {
		return nil
	}
	var out []StreamType
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, StreamType(trimmed))
		}
	}
	return out
}

func wantsStream(wanted []StreamType, t StreamType) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		if w == t {
			return true
		}
	}
	return false
}
