// Package monitor implements the process-wide publish/subscribe bus of
// spec §4.H: a live copy of every session's lifecycle and traffic,
// fanned out to external observers over a WebSocket endpoint. Grounded
// on mrf-agent-racer/backend/internal/ws/broadcast.go and server.go's
// hub-with-bounded-subscriber-queues shape; no pack repo runs a monitor
// bus over Telnet/TCP, only over WebSocket/HTTP, matching spec §6.3.
package monitor

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coriolis-labs/multiterm/internal/errs"
	"github.com/coriolis-labs/multiterm/internal/logging"
)

var log = logging.New("monitor", nil)

// Bus is the process-wide singleton described in spec §9: constructed
// once at startup and passed by reference to every server and session,
// never reached through an ambient global.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	sessions    map[string]SessionInfo
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		sessions:    make(map[string]SessionInfo),
	}
}

// Subscribe registers a new observer, sends it an immediate
// active_sessions snapshot, and returns the handle it reads Events from.
func (b *Bus) Subscribe() *Subscriber {
	sub := newSubscriber(uuid.NewString(), DefaultQueueSize)

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	snap := b.snapshotLocked()
	b.mu.Unlock()

	sub.send(mustMarshal(activeSessionsEvent{Type: EventActiveSessions, Sessions: snap}))
	return sub
}

// Unsubscribe removes a subscriber from the bus and disconnects it.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub.id)
	b.mu.Unlock()
	sub.disconnect()
}

// HandleCommand applies a subscriber's watch_session/stop_watching
// request (supplemented feature 4) and sends back a watch_response.
func (b *Bus) HandleCommand(sub *Subscriber, cmd Command) {
	resp := watchResponseEvent{Type: EventWatchResponse, SessionID: cmd.SessionID}
	switch cmd.Type {
	case CommandWatchSession:
		sub.watch(cmd.SessionID)
		resp.Status = "success"
	case CommandStopWatching:
		// stop_watching on an unwatched session is still success
		// (spec §8 idempotence property).
		sub.unwatch(cmd.SessionID)
		resp.Status = "stopped"
	default:
		resp.Status = "success"
		resp.Error = "unknown command type"
	}
	sub.send(mustMarshal(resp))
}

// SessionStarted records a new session in the index and broadcasts
// session_started to every subscriber (spec §3: "bus guarantees every
// subscriber receives session_started/session_ended bracketing every
// data event for that session").
func (b *Bus) SessionStarted(info SessionInfo) {
	b.mu.Lock()
	b.sessions[info.ID] = info
	b.mu.Unlock()

	b.broadcast(mustMarshal(sessionStartedEvent{Type: EventSessionStarted, Session: info}))
}

// SessionEnded removes a session from the index and broadcasts
// session_ended to every subscriber.
func (b *Bus) SessionEnded(sessionID string) {
	b.mu.Lock()
	delete(b.sessions, sessionID)
	b.mu.Unlock()

	b.broadcast(mustMarshal(sessionEndedEvent{
		Type:    EventSessionEnded,
		Session: sessionEndedID{ID: sessionID},
	}))
}

// ClientInput publishes one cleaned line/batch read from a session, to
// subscribers currently watching that session.
func (b *Bus) ClientInput(sessionID, text string, ts time.Time) {
	b.publishToWatchers(sessionID, mustMarshal(dataEvent{
		Type:      EventClientInput,
		SessionID: sessionID,
		Data:      dataPayload{Text: text, Ts: ts},
	}))
}

// ServerMessage publishes one outbound line/batch written to a session,
// to subscribers currently watching that session.
func (b *Bus) ServerMessage(sessionID, text string, ts time.Time) {
	b.publishToWatchers(sessionID, mustMarshal(dataEvent{
		Type:      EventServerMessage,
		SessionID: sessionID,
		Data:      dataPayload{Text: text, Ts: ts},
	}))
}

func (b *Bus) publishToWatchers(sessionID string, frame []byte) {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.isWatching(sessionID) {
			continue
		}
		b.deliver(s, frame)
	}
}

func (b *Bus) broadcast(frame []byte) {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, frame)
	}
}

func (b *Bus) deliver(s *Subscriber, frame []byte) {
	if s.send(frame) {
		return
	}
	log.Warningf("subscriber %s overflowed its queue, disconnecting: %v", s.id, errs.ErrSlowConsumer)
	b.Unsubscribe(s)
}

// Snapshot returns the current session index, each entry's IsNewest
// recomputed on the spot (spec §9 Open Question: greatest createdAt,
// ties broken by id, not cached on the session).
func (b *Bus) Snapshot() []SessionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked()
}

func (b *Bus) snapshotLocked() []SessionInfo {
	out := make([]SessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	newestIdx := -1
	for i, s := range out {
		if newestIdx == -1 {
			newestIdx = i
			continue
		}
		best := out[newestIdx]
		if s.CreatedAt.After(best.CreatedAt) || (s.CreatedAt.Equal(best.CreatedAt) && s.ID > best.ID) {
			newestIdx = i
		}
	}
	for i := range out {
		out[i].IsNewest = i == newestIdx
	}
	return out
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every value passed to mustMarshal is a package-local struct of
		// strings/times/bools; a marshal failure here is a programmer error.
		panic(err)
	}
	return b
}
