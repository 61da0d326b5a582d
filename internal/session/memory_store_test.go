package session

import (
	"testing"

	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-broker/internal/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subs(clientID string, filters ...string) []subscription.Subscription {
	result := make([]subscription.Subscription, 0, len(filters))
	for _, filter := range filters {
		result = append(result, subscription.Subscription{ClientID: clientID, Filter: filter, QoS: mqtt.QoS1})
	}
	return result
}

func TestMemorySessionStore(t *testing.T) {
	store := NewMemoryStore()
	assert.True(t, store.SaveSession("1", nil, subs("1", "a")))
	assert.True(t, store.SaveSession("2", nil, subs("2", "b")))
	assert.True(t, store.SaveSession("3", nil, subs("3", "c")))

	session, ok := store.GetSession("2")
	require.True(t, ok, "Except got client id 2")
	assert.Equal(t, "2", session.ClientID)

	assert.True(t, store.ClearSession("1"))
	_, ok = store.GetSession("1")
	assert.False(t, ok, "Except session 1 to be gone")
	assert.False(t, store.ClearSession("1"))
	assert.Equal(t, 2, store.Len())
}

func TestSaveSessionWithoutStateDoesNotCreate(t *testing.T) {
	store := NewMemoryStore()
	assert.False(t, store.SaveSession("c1", nil, nil))
	assert.Equal(t, 0, store.Len())

	inflight := []InflightMessage{{PacketID: 7, Message: mqtt.Message{Topic: "t", QoS: mqtt.QoS1}}}
	assert.True(t, store.SaveSession("c1", inflight, nil))
	session, ok := store.GetSession("c1")
	require.True(t, ok)
	assert.Len(t, session.Inflight, 1)
	assert.Equal(t, uint16(7), session.InflightList()[0].PacketID)
}

func TestSaveSessionReplacesStateAndKeepsOutgoing(t *testing.T) {
	store := NewMemoryStore()
	store.SaveSession("c1", []InflightMessage{{PacketID: 1}}, subs("c1", "a/#"))
	require.True(t, store.Append("c1", mqtt.Message{Topic: "a/1"}))

	store.SaveSession("c1", nil, subs("c1", "b"))
	session, _ := store.GetSession("c1")
	assert.Empty(t, session.Inflight)
	require.Len(t, session.Subscriptions, 1)
	assert.Equal(t, "b", session.Subscriptions[0].Filter)
	assert.Len(t, session.Outgoing, 1, "queued messages survive a second save")
	assert.False(t, session.Live())
}

func TestAppendAndAttachKeepFIFO(t *testing.T) {
	store := NewMemoryStore()
	store.SaveSession("c1", nil, subs("c1", "a/+"))

	for _, topic := range []string{"a/1", "a/2", "a/3"} {
		require.True(t, store.Append("c1", mqtt.Message{Topic: topic}))
	}
	assert.False(t, store.Append("missing", mqtt.Message{Topic: "a/1"}))

	pending, ok := store.Attach("c1")
	require.True(t, ok)
	require.Len(t, pending, 3)
	assert.Equal(t, "a/1", pending[0].Topic)
	assert.Equal(t, "a/3", pending[2].Topic)

	// 在线会话不再接收离线消息
	assert.False(t, store.Append("c1", mqtt.Message{Topic: "a/4"}))
	session, _ := store.GetSession("c1")
	assert.True(t, session.Live())
	assert.Empty(t, session.Outgoing)

	_, ok = store.Attach("missing")
	assert.False(t, ok)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	store := NewMemoryStore()
	store.SaveSession("c1", nil, subs("c1", "a"))

	session, _ := store.GetSession("c1")
	session.Subscriptions[0].Filter = "mutated"
	session.Outgoing = append(session.Outgoing, mqtt.Message{Topic: "x"})

	fresh, _ := store.GetSession("c1")
	assert.Equal(t, "a", fresh.Subscriptions[0].Filter)
	assert.Empty(t, fresh.Outgoing)

	list := store.ListSessions()
	require.Len(t, list, 1)
	assert.True(t, list[0].Matches("a"))
	assert.False(t, list[0].Matches("b"))
}

func TestOfflineListsDetachedSessions(t *testing.T) {
	store := NewMemoryStore()
	store.SaveSession("b", nil, subs("b", "x"))
	store.SaveSession("a", nil, subs("a", "x"))
	assert.Equal(t, []string{"a", "b"}, store.Offline())

	_, ok := store.Attach("a")
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, store.Offline())
}
