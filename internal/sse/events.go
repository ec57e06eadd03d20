// Package sse implements Server-Sent Events delivery of live counter updates
// to connected web clients.
package sse

import "time"

// EventType represents the type of SSE event.
type EventType string

const (
	// EventConnected confirms a new stream and carries its stream ID.
	EventConnected EventType = "connected"
	// EventCounterUpdate carries a formatted counter/leaderboard payload.
	EventCounterUpdate EventType = "counter.update"
	// EventHeartbeat represents a connection keepalive event.
	EventHeartbeat EventType = "heartbeat"
)

// Event represents an SSE event to be sent to one client.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Type      EventType `json:"type"`
}

// ConnectedEventData is the data payload for the initial connected event.
// Clients use StreamID as the delivery target when registering a session.
type ConnectedEventData struct {
	ClientID string `json:"client_id"`
	StreamID int64  `json:"stream_id"`
}

// CounterUpdateEventData is the data payload for counter update events.
type CounterUpdateEventData struct {
	Text string `json:"text"`
}

// HeartbeatEventData is the data payload for heartbeat events.
type HeartbeatEventData struct {
	ServerTime time.Time `json:"server_time"`
}

// NewCounterUpdateEvent creates a counter.update event.
func NewCounterUpdateEvent(text string) Event {
	return Event{
		Type:      EventCounterUpdate,
		Data:      CounterUpdateEventData{Text: text},
		Timestamp: time.Now(),
	}
}

// NewHeartbeatEvent creates a heartbeat event.
func NewHeartbeatEvent() Event {
	return Event{
		Type:      EventHeartbeat,
		Data:      HeartbeatEventData{ServerTime: time.Now()},
		Timestamp: time.Now(),
	}
}
