package monitor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, sub *Subscriber) map[string]any {
	select {
	case frame := <-sub.Events():
		var m map[string]any
		require.NoError(t, json.Unmarshal(frame, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSubscribeReceivesActiveSessionsSnapshot(t *testing.T) {
	bus := NewBus()
	bus.SessionStarted(SessionInfo{ID: "s1", Transport: "tcp", CreatedAt: time.Now()})

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	evt := drain(t, sub)
	assert.Equal(t, string(EventActiveSessions), evt["type"])
	sessions := evt["sessions"].([]any)
	require.Len(t, sessions, 1)
}

func TestSessionStartedAndEndedBroadcastToAllSubscribers(t *testing.T) {
	bus := NewBus()
	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()
	defer bus.Unsubscribe(sub1)
	defer bus.Unsubscribe(sub2)

	drain(t, sub1) // initial empty snapshot
	drain(t, sub2)

	bus.SessionStarted(SessionInfo{ID: "s1", Transport: "tcp", CreatedAt: time.Now()})
	for _, sub := range []*Subscriber{sub1, sub2} {
		evt := drain(t, sub)
		assert.Equal(t, string(EventSessionStarted), evt["type"])
	}

	bus.SessionEnded("s1")
	for _, sub := range []*Subscriber{sub1, sub2} {
		evt := drain(t, sub)
		assert.Equal(t, string(EventSessionEnded), evt["type"])
	}
}

func TestClientInputOnlyDeliveredToWatchers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	drain(t, sub) // initial snapshot

	bus.ClientInput("s1", "hello", time.Now())
	select {
	case <-sub.Events():
		t.Fatal("unwatched subscriber should not receive client_input")
	case <-time.After(50 * time.Millisecond):
	}

	bus.HandleCommand(sub, Command{Type: CommandWatchSession, SessionID: "s1"})
	drain(t, sub) // watch_response

	bus.ClientInput("s1", "hello", time.Now())
	evt := drain(t, sub)
	assert.Equal(t, string(EventClientInput), evt["type"])
	assert.Equal(t, "s1", evt["session_id"])

	bus.ClientInput("s2", "other", time.Now())
	select {
	case <-sub.Events():
		t.Fatal("subscriber watching s1 should not receive s2's events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopWatchingUnwatchedSessionStillSucceeds(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	drain(t, sub)

	bus.HandleCommand(sub, Command{Type: CommandStopWatching, SessionID: "unknown"})
	evt := drain(t, sub)
	assert.Equal(t, string(EventWatchResponse), evt["type"])
	assert.Equal(t, "stopped", evt["status"])
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	bus := NewBus()
	sub := newSubscriber("slow", 1)
	bus.mu.Lock()
	bus.subscribers[sub.id] = sub
	bus.mu.Unlock()

	// Fill the bounded queue, then push past it.
	bus.SessionStarted(SessionInfo{ID: "a", CreatedAt: time.Now()})
	bus.SessionStarted(SessionInfo{ID: "b", CreatedAt: time.Now()})

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("expected slow consumer to be disconnected")
	}
}

func TestSnapshotComputesIsNewestByCreatedAtThenID(t *testing.T) {
	bus := NewBus()
	now := time.Now()
	bus.SessionStarted(SessionInfo{ID: "a", CreatedAt: now})
	bus.SessionStarted(SessionInfo{ID: "b", CreatedAt: now})

	snap := bus.Snapshot()
	require.Len(t, snap, 2)
	for _, s := range snap {
		if s.ID == "b" {
			assert.True(t, s.IsNewest)
		} else {
			assert.False(t, s.IsNewest)
		}
	}
}
