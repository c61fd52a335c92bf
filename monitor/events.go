package monitor

import "time"

// EventType tags every frame on the monitor wire (spec §6.3).
type EventType string

const (
	EventActiveSessions EventType = "active_sessions"
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"
	EventClientInput    EventType = "client_input"
	EventServerMessage  EventType = "server_message"
	EventWatchResponse  EventType = "watch_response"
)

// ClientInfo is the nested client block of SessionInfo.
type ClientInfo struct {
	RemoteAddr string `json:"remote_addr"`
}

// SessionInfo is the public snapshot of a session exposed to monitor
// subscribers (spec §6.3 SessionInfo).
type SessionInfo struct {
	ID        string     `json:"id"`
	Transport string     `json:"transport"`
	Client    ClientInfo `json:"client"`
	IsNewest  bool       `json:"is_newest"`
	CreatedAt time.Time  `json:"created_at"`
}

// activeSessionsEvent := { type, sessions: [SessionInfo] }
type activeSessionsEvent struct {
	Type     EventType     `json:"type"`
	Sessions []SessionInfo `json:"sessions"`
}

// sessionStartedEvent := { type, session: SessionInfo }
type sessionStartedEvent struct {
	Type    EventType   `json:"type"`
	Session SessionInfo `json:"session"`
}

// sessionEndedEvent := { type, session: { id } }
type sessionEndedEvent struct {
	Type    EventType      `json:"type"`
	Session sessionEndedID `json:"session"`
}

type sessionEndedID struct {
	ID string `json:"id"`
}

// dataPayload carries a text batch with its timestamp.
type dataPayload struct {
	Text string    `json:"text"`
	Ts   time.Time `json:"ts"`
}

// dataEvent covers both client_input and server_message, which share a
// shape: { type, session_id, data: { text, ts } }.
type dataEvent struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Data      dataPayload `json:"data"`
}

// watchResponseEvent := { type, session_id, status, error? }
type watchResponseEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// Command is an inbound subscriber request (spec §6.3 Command, and
// supplemented feature 4: commands travel the same socket as events).
type Command struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

const (
	CommandWatchSession = "watch_session"
	CommandStopWatching = "stop_watching"
)
