package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-broker/internal/auth"
	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-broker/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type connAck struct {
	code           mqtt.ConnAckCode
	sessionPresent bool
}

type subAck struct {
	packetID uint16
	granted  []byte
}

type fakeClient struct {
	addr     string
	failAcks bool

	mu        sync.Mutex
	connAcks  []connAck
	subAcks   []subAck
	unsubAcks []uint16
	messages  []mqtt.Message
	restored  []session.InflightMessage
	inflight  []session.InflightMessage
	closed    int
}

func newFakeClient(addr string) *fakeClient {
	return &fakeClient{addr: addr}
}

var errBrokenPipe = errors.New("broken pipe")

func (c *fakeClient) SendConnAck(code mqtt.ConnAckCode, sessionPresent bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connAcks = append(c.connAcks, connAck{code: code, sessionPresent: sessionPresent})
	return nil
}

func (c *fakeClient) SendSubAck(packetID uint16, granted []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAcks {
		return errBrokenPipe
	}
	c.subAcks = append(c.subAcks, subAck{packetID: packetID, granted: granted})
	return nil
}

func (c *fakeClient) SendUnsubAck(packetID uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAcks {
		return errBrokenPipe
	}
	c.unsubAcks = append(c.unsubAcks, packetID)
	return nil
}

func (c *fakeClient) SendPublish(msg mqtt.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *fakeClient) RestoreInflight(msgs []session.InflightMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restored = append(c.restored, msgs...)
}

func (c *fakeClient) Inflight() []session.InflightMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.InflightMessage(nil), c.inflight...)
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeClient) RemoteAddr() string { return c.addr }

func (c *fakeClient) received() []mqtt.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mqtt.Message(nil), c.messages...)
}

func (c *fakeClient) lastConnAck() connAck {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connAcks[len(c.connAcks)-1]
}

func (c *fakeClient) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newBroker(t *testing.T, options Options) *Broker {
	t.Helper()
	b := New(options)
	b.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

func connect(t *testing.T, b *Broker, clientID string, clean bool) *fakeClient {
	t.Helper()
	client := newFakeClient(clientID + "-addr")
	b.Connected(client)
	code, resolved := b.ConnectReceived(client, ConnectRequest{
		ProtocolName:    "MQTT",
		ProtocolVersion: mqtt.ProtocolV311,
		ClientID:        clientID,
		CleanSession:    clean,
	})
	require.Equal(t, mqtt.Accepted, code)
	require.Equal(t, clientID, resolved)
	return client
}

func waitMessages(t *testing.T, client *fakeClient, n int) []mqtt.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(client.received()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return client.received()
}

// settle 等待调度器处理完已入队的任务
func settle(t *testing.T, b *Broker) {
	t.Helper()
	require.Eventually(t, func() bool {
		return b.Dispatcher().Pending() == 0
	}, 2*time.Second, time.Millisecond)
}

func TestConnectAdmission(t *testing.T) {
	deny := auth.NewGate(auth.Func(func(username, password string) bool {
		return username == "admin" && password == "secret"
	}))
	longID := strings.Repeat("x", 24)

	tests := []struct {
		name    string
		request ConnectRequest
		want    mqtt.ConnAckCode
	}{
		{"unsupported version", ConnectRequest{ProtocolVersion: 5, ClientID: "a", CleanSession: true, Username: "admin", Password: "secret"}, mqtt.UnacceptableProtocol},
		{"v3 id too long", ConnectRequest{ProtocolVersion: mqtt.ProtocolV31, ClientID: longID, CleanSession: true, Username: "admin", Password: "secret"}, mqtt.IdentifierRejected},
		{"v4 long id accepted", ConnectRequest{ProtocolVersion: mqtt.ProtocolV311, ClientID: longID, CleanSession: true, Username: "admin", Password: "secret"}, mqtt.Accepted},
		{"empty id persistent", ConnectRequest{ProtocolVersion: mqtt.ProtocolV311, ClientID: "", CleanSession: false, Username: "admin", Password: "secret"}, mqtt.IdentifierRejected},
		{"bad credentials", ConnectRequest{ProtocolVersion: mqtt.ProtocolV311, ClientID: "a", CleanSession: true, Username: "admin", Password: "nope"}, mqtt.NotAuthorized},
		{"version checked before credentials", ConnectRequest{ProtocolVersion: 2, ClientID: "a", CleanSession: true}, mqtt.UnacceptableProtocol},
		{"accepted", ConnectRequest{ProtocolVersion: mqtt.ProtocolV31, ClientID: "a", CleanSession: true, Username: "admin", Password: "secret"}, mqtt.Accepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBroker(t, Options{Gate: deny})
			client := newFakeClient("addr")
			b.Connected(client)
			code, _ := b.ConnectReceived(client, tt.request)
			assert.Equal(t, tt.want, code)
			assert.Equal(t, tt.want, client.lastConnAck().code)
			if tt.want != mqtt.Accepted {
				// 拒绝后由传输层关闭连接
				assert.Equal(t, 0, client.closeCount())
				assert.Equal(t, 0, b.Registry().Len())
			}
		})
	}
}

func TestDefaultGateAcceptsEverything(t *testing.T) {
	b := newBroker(t, Options{})
	client := newFakeClient("addr")
	code, _ := b.ConnectReceived(client, ConnectRequest{ProtocolVersion: mqtt.ProtocolV311, ClientID: "a", CleanSession: true, Username: "any"})
	assert.Equal(t, mqtt.Accepted, code)
}

func TestEmptyClientIDGetsGeneratedID(t *testing.T) {
	b := newBroker(t, Options{})
	client := newFakeClient("addr")
	code, clientID := b.ConnectReceived(client, ConnectRequest{ProtocolVersion: mqtt.ProtocolV311, CleanSession: true})
	require.Equal(t, mqtt.Accepted, code)
	assert.Len(t, clientID, 36)

	registered, ok := b.Registry().Lookup(clientID)
	require.True(t, ok)
	assert.Same(t, client, registered)
}

func TestLegacyClientIDLimitIsConfigurable(t *testing.T) {
	b := newBroker(t, Options{LegacyClientIDMaxLength: 4})
	client := newFakeClient("addr")
	code, _ := b.ConnectReceived(client, ConnectRequest{ProtocolVersion: mqtt.ProtocolV31, ClientID: "abcde", CleanSession: true})
	assert.Equal(t, mqtt.IdentifierRejected, code)
}

func TestTakeoverClosesPreviousOwner(t *testing.T) {
	b := newBroker(t, Options{})
	first := connect(t, b, "dup", true)
	second := connect(t, b, "dup", true)

	assert.Equal(t, 1, first.closeCount())
	assert.Equal(t, 0, second.closeCount())
	registered, ok := b.Registry().Lookup("dup")
	require.True(t, ok)
	assert.Same(t, second, registered)
	assert.Equal(t, 1, b.Registry().Len())

	// 旧连接的读协程随后报告断开，不能影响新连接
	b.ConnectionClosed(first)
	registered, ok = b.Registry().Lookup("dup")
	require.True(t, ok)
	assert.Same(t, second, registered)
	assert.Equal(t, 1, first.closeCount())
}

func TestPersistentSessionRoundTrip(t *testing.T) {
	b := newBroker(t, Options{})
	subscriber := connect(t, b, "sub", false)
	b.SubscribeReceived(subscriber, 1, []TopicRequest{{Filter: "a/#", QoS: mqtt.QoS1}})
	b.Disconnected(subscriber)
	assert.Equal(t, 1, subscriber.closeCount())
	assert.Equal(t, 0, b.Index().Count())

	publisher := connect(t, b, "pub", true)
	require.NoError(t, b.PublishReceived(publisher, mqtt.Message{Topic: "a/1", Payload: []byte("m1"), QoS: mqtt.QoS2}))
	require.NoError(t, b.PublishReceived(publisher, mqtt.Message{Topic: "a/2", Payload: []byte("m2"), QoS: mqtt.QoS0}))
	require.NoError(t, b.PublishReceived(publisher, mqtt.Message{Topic: "b/1", Payload: []byte("other"), QoS: mqtt.QoS1}))
	settle(t, b)

	stored, ok := b.Sessions().GetSession("sub")
	require.True(t, ok)
	require.Len(t, stored.Outgoing, 2)

	reconnected := connect(t, b, "sub", false)
	assert.True(t, reconnected.lastConnAck().sessionPresent)

	got := waitMessages(t, reconnected, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", string(got[0].Payload))
	assert.Equal(t, mqtt.QoS1, got[0].QoS)
	assert.Equal(t, "m2", string(got[1].Payload))
	assert.Equal(t, mqtt.QoS0, got[1].QoS)

	// 回放后恢复实时投递
	require.NoError(t, b.PublishReceived(publisher, mqtt.Message{Topic: "a/3", Payload: []byte("m3"), QoS: mqtt.QoS1}))
	got = waitMessages(t, reconnected, 3)
	assert.Equal(t, "m3", string(got[2].Payload))
	settle(t, b)
	assert.Len(t, reconnected.received(), 3)
}

func TestSessionPresentOnlyForV311(t *testing.T) {
	b := newBroker(t, Options{})
	first := connect(t, b, "legacy", false)
	b.SubscribeReceived(first, 1, []TopicRequest{{Filter: "t", QoS: mqtt.QoS0}})
	b.Disconnected(first)

	client := newFakeClient("legacy-addr")
	code, _ := b.ConnectReceived(client, ConnectRequest{ProtocolVersion: mqtt.ProtocolV31, ClientID: "legacy"})
	require.Equal(t, mqtt.Accepted, code)
	assert.False(t, client.lastConnAck().sessionPresent)
	// 会话仍然被恢复
	_, ok := b.Index().Lookup("t", "legacy")
	assert.True(t, ok)
}

func TestRestoredInflightIsHandedToNewConnection(t *testing.T) {
	b := newBroker(t, Options{})
	first := connect(t, b, "inflight", false)
	first.inflight = []session.InflightMessage{
		{PacketID: 2, Message: mqtt.Message{Topic: "t", Payload: []byte("b"), QoS: mqtt.QoS2}, Released: true},
		{PacketID: 1, Message: mqtt.Message{Topic: "t", Payload: []byte("a"), QoS: mqtt.QoS1}},
	}
	b.ConnectionClosed(first)

	second := connect(t, b, "inflight", false)
	second.mu.Lock()
	restored := append([]session.InflightMessage(nil), second.restored...)
	second.mu.Unlock()
	require.Len(t, restored, 2)
	assert.Equal(t, uint16(1), restored[0].PacketID)
	assert.True(t, restored[1].Released)
}

func TestCleanSessionResetsStoredState(t *testing.T) {
	b := newBroker(t, Options{})
	first := connect(t, b, "c", false)
	b.SubscribeReceived(first, 1, []TopicRequest{{Filter: "t", QoS: mqtt.QoS1}})
	b.Disconnected(first)
	_, ok := b.Sessions().GetSession("c")
	require.True(t, ok)

	second := connect(t, b, "c", true)
	assert.False(t, second.lastConnAck().sessionPresent)
	_, ok = b.Sessions().GetSession("c")
	assert.False(t, ok)
	_, ok = b.Index().Lookup("t", "c")
	assert.False(t, ok)

	// 清除会话断开后不保存任何状态
	b.SubscribeReceived(second, 2, []TopicRequest{{Filter: "t", QoS: mqtt.QoS1}})
	b.Disconnected(second)
	assert.Equal(t, 0, b.Sessions().Len())
}

func TestSubscribeGrantsRequestedQoSAndRejectsInvalidFilters(t *testing.T) {
	b := newBroker(t, Options{})
	client := connect(t, b, "s", true)
	b.SubscribeReceived(client, 7, []TopicRequest{
		{Filter: "a/+/c", QoS: mqtt.QoS2},
		{Filter: "a/#/c", QoS: mqtt.QoS1},
		{Filter: "x", QoS: 3},
		{Filter: "b", QoS: mqtt.QoS0},
	})

	client.mu.Lock()
	acks := append([]subAck(nil), client.subAcks...)
	client.mu.Unlock()
	require.Len(t, acks, 1)
	assert.Equal(t, uint16(7), acks[0].packetID)
	assert.Equal(t, []byte{0x02, SubAckFailure, SubAckFailure, 0x00}, acks[0].granted)
	assert.Equal(t, 2, b.Index().Count())
}

func TestUnsubscribeRemovesFilters(t *testing.T) {
	b := newBroker(t, Options{})
	client := connect(t, b, "u", true)
	b.SubscribeReceived(client, 1, []TopicRequest{{Filter: "a", QoS: mqtt.QoS0}, {Filter: "b", QoS: mqtt.QoS0}})
	b.UnsubscribeReceived(client, 2, []string{"a", "missing"})

	client.mu.Lock()
	unsubAcks := append([]uint16(nil), client.unsubAcks...)
	client.mu.Unlock()
	assert.Equal(t, []uint16{2}, unsubAcks)
	_, ok := b.Index().Lookup("a", "u")
	assert.False(t, ok)
	_, ok = b.Index().Lookup("b", "u")
	assert.True(t, ok)
}

func TestAckFailureClosesClient(t *testing.T) {
	b := newBroker(t, Options{})
	client := connect(t, b, "f", true)
	client.failAcks = true
	b.SubscribeReceived(client, 1, []TopicRequest{{Filter: "a", QoS: mqtt.QoS0}})

	assert.Equal(t, 1, client.closeCount())
	_, ok := b.Registry().Lookup("f")
	assert.False(t, ok)
	assert.Equal(t, 0, b.Index().Count())
}

func TestWillPublishedOnAbnormalCloseOnly(t *testing.T) {
	b := newBroker(t, Options{})
	watcher := connect(t, b, "watcher", true)
	b.SubscribeReceived(watcher, 1, []TopicRequest{{Filter: "wills/#", QoS: mqtt.QoS1}})

	connectWithWill := func(clientID string) *fakeClient {
		client := newFakeClient(clientID)
		code, _ := b.ConnectReceived(client, ConnectRequest{
			ProtocolVersion: mqtt.ProtocolV311,
			ClientID:        clientID,
			CleanSession:    true,
			Will:            &mqtt.Message{Topic: "wills/" + clientID, Payload: []byte("gone"), QoS: mqtt.QoS1},
		})
		require.Equal(t, mqtt.Accepted, code)
		return client
	}

	graceful := connectWithWill("graceful")
	b.Disconnected(graceful)
	abrupt := connectWithWill("abrupt")
	b.ConnectionClosed(abrupt)
	b.ConnectionClosed(abrupt)

	waitMessages(t, watcher, 1)
	settle(t, b)
	got := watcher.received()
	require.Len(t, got, 1)
	assert.Equal(t, "wills/abrupt", got[0].Topic)
	assert.Equal(t, 1, abrupt.closeCount())
}

func TestPublishBeforeConnectIsRejected(t *testing.T) {
	b := newBroker(t, Options{})
	client := newFakeClient("early")
	b.Connected(client)
	assert.ErrorIs(t, b.PublishReceived(client, mqtt.Message{Topic: "t"}), ErrNotConnected)
}

func TestPublishClearsDup(t *testing.T) {
	b := newBroker(t, Options{})
	subscriber := connect(t, b, "s", true)
	b.SubscribeReceived(subscriber, 1, []TopicRequest{{Filter: "t", QoS: mqtt.QoS1}})
	publisher := connect(t, b, "p", true)
	require.NoError(t, b.PublishReceived(publisher, mqtt.Message{Topic: "t", Payload: []byte("x"), QoS: mqtt.QoS1, Dup: true}))

	got := waitMessages(t, subscriber, 1)
	assert.False(t, got[0].Dup)
}

func TestSensorsScenario(t *testing.T) {
	b := newBroker(t, Options{})
	a := connect(t, b, "A", true)
	b.SubscribeReceived(a, 1, []TopicRequest{{Filter: "sensors/+/temp", QoS: mqtt.QoS1}})

	publisher := connect(t, b, "B", true)
	require.NoError(t, b.PublishReceived(publisher, mqtt.Message{
		Topic:   "sensors/room1/temp",
		Payload: []byte("21.5"),
		QoS:     mqtt.QoS2,
		Retain:  true,
	}))

	got := waitMessages(t, a, 1)
	assert.Equal(t, "sensors/room1/temp", got[0].Topic)
	assert.Equal(t, mqtt.QoS1, got[0].QoS)
	assert.Equal(t, "21.5", string(got[0].Payload))

	stored, ok := b.Retained().Get("sensors/room1/temp")
	require.True(t, ok)
	assert.Equal(t, "21.5", string(stored.Payload))

	c := connect(t, b, "C", true)
	b.SubscribeReceived(c, 1, []TopicRequest{{Filter: "sensors/room1/temp", QoS: mqtt.QoS2}})
	retainedMsgs := waitMessages(t, c, 1)
	assert.Equal(t, "21.5", string(retainedMsgs[0].Payload))
	assert.True(t, retainedMsgs[0].Retain)
	assert.Equal(t, mqtt.QoS2, retainedMsgs[0].QoS)

	settle(t, b)
	assert.Len(t, a.received(), 1)
}

func TestRetainedDeleteStopsDelivery(t *testing.T) {
	b := newBroker(t, Options{})
	publisher := connect(t, b, "p", true)
	require.NoError(t, b.PublishReceived(publisher, mqtt.Message{Topic: "t", Payload: []byte("v"), Retain: true}))
	require.NoError(t, b.PublishReceived(publisher, mqtt.Message{Topic: "t", Retain: true}))
	settle(t, b)
	assert.Equal(t, 0, b.Retained().Len())

	late := connect(t, b, "late", true)
	b.SubscribeReceived(late, 1, []TopicRequest{{Filter: "t", QoS: mqtt.QoS0}})
	settle(t, b)
	assert.Empty(t, late.received())
}

func TestStopClosesEveryConnection(t *testing.T) {
	b := New(Options{})
	b.Start()
	first := connect(t, b, "one", true)
	second := connect(t, b, "two", false)
	b.SubscribeReceived(second, 1, []TopicRequest{{Filter: "t", QoS: mqtt.QoS1}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))

	assert.Equal(t, 1, first.closeCount())
	assert.Equal(t, 1, second.closeCount())
	assert.Equal(t, 0, b.Registry().Len())
	_, ok := b.Sessions().GetSession("two")
	assert.True(t, ok)
}
