package retained

import (
	"testing"

	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyUpsertsOnePerTopic(t *testing.T) {
	store := NewStore()
	store.Apply(mqtt.Message{Topic: "a/b", Payload: []byte("1"), QoS: mqtt.QoS1, Retain: true})
	store.Apply(mqtt.Message{Topic: "a/b", Payload: []byte("2"), QoS: mqtt.QoS2, Retain: true})

	assert.Equal(t, 1, store.Len())
	msg, ok := store.Get("a/b")
	require.True(t, ok)
	assert.Equal(t, "2", string(msg.Payload))
	assert.Equal(t, mqtt.QoS2, msg.QoS)
	assert.True(t, msg.Retain)
}

func TestApplyEmptyPayloadDeletes(t *testing.T) {
	store := NewStore()
	store.Apply(mqtt.Message{Topic: "a/b", Payload: []byte("1"), Retain: true})

	assert.True(t, store.Apply(mqtt.Message{Topic: "a/b", Retain: true}))
	_, ok := store.Get("a/b")
	assert.False(t, ok)
	assert.Empty(t, store.Match("a/b"))

	assert.False(t, store.Apply(mqtt.Message{Topic: "never/stored", Retain: true}))
}

func TestMatchUsesFilterWildcards(t *testing.T) {
	store := NewStore()
	for _, topic := range []string{"sensors/room1/temp", "sensors/room2/temp", "sensors/room1/hum"} {
		store.Apply(mqtt.Message{Topic: topic, Payload: []byte(topic), Retain: true})
	}

	matched := store.Match("sensors/+/temp")
	require.Len(t, matched, 2)
	assert.Equal(t, "sensors/room1/temp", matched[0].Topic)
	assert.Equal(t, "sensors/room2/temp", matched[1].Topic)

	assert.Len(t, store.Match("sensors/#"), 3)
	assert.Len(t, store.Match("sensors/room1/hum"), 1)
}

func TestApplyCopiesPayload(t *testing.T) {
	store := NewStore()
	payload := []byte("abc")
	store.Apply(mqtt.Message{Topic: "t", Payload: payload, Retain: true})
	payload[0] = 'x'

	msg, _ := store.Get("t")
	assert.Equal(t, "abc", string(msg.Payload))
}
