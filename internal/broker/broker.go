// Package broker 连接生命周期编排：准入、接管、会话恢复、订阅处理以及统一的关闭流程
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-broker/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-broker/internal/retained"
	"github.com/life-stream-dev/life-stream-broker/internal/session"
	"github.com/life-stream-dev/life-stream-broker/internal/subscription"
)

var ErrNotConnected = errors.New("client has not completed CONNECT")

type Broker struct {
	options Options

	index      *subscription.Index
	sessions   *session.MemoryStore
	retained   *retained.Store
	registry   *connection.Registry
	dispatcher *dispatcher.Dispatcher

	// lifecycle 串行化接管与关闭，保证同一客户端标识的清理和恢复不会交错。
	// 持有期间只会依次获取各存储自己的锁
	lifecycle sync.Mutex
}

func New(options Options) *Broker {
	if options.LegacyClientIDMaxLength <= 0 {
		options.LegacyClientIDMaxLength = DefaultLegacyClientIDMaxLength
	}
	if options.Observer == nil {
		options.Observer = nopObserver{}
	}
	b := &Broker{
		options:  options,
		index:    subscription.NewIndex(),
		sessions: session.NewMemoryStore(),
		retained: retained.NewStore(),
		registry: connection.NewRegistry(),
	}
	b.dispatcher = dispatcher.New(b.index, b.sessions, b.retained, b.registry, options.DispatchObserver)
	return b
}

func (b *Broker) Start() {
	b.dispatcher.Start()
	logger.InfoF("Broker started")
}

func (b *Broker) Index() *subscription.Index { return b.index }
func (b *Broker) Sessions() *session.MemoryStore { return b.sessions }
func (b *Broker) Retained() *retained.Store { return b.retained }
func (b *Broker) Registry() *connection.Registry { return b.registry }
func (b *Broker) Dispatcher() *dispatcher.Dispatcher { return b.dispatcher }

// Connected 传输层接受新连接后调用
func (b *Broker) Connected(client connection.Client) {
	b.registry.Add(client)
}

// admit 按顺序执行准入检查，遇到第一个失败即返回
func (b *Broker) admit(request ConnectRequest) mqtt.ConnAckCode {
	if !request.ProtocolVersion.Supported() {
		return mqtt.UnacceptableProtocol
	}
	if request.ProtocolVersion == mqtt.ProtocolV31 && len(request.ClientID) > b.options.LegacyClientIDMaxLength {
		return mqtt.IdentifierRejected
	}
	if request.ClientID == "" && !request.CleanSession {
		return mqtt.IdentifierRejected
	}
	if !b.options.Gate.Check(request.Username, request.Password) {
		return mqtt.NotAuthorized
	}
	return mqtt.Accepted
}

// ConnectReceived 处理 CONNECT，返回 CONNACK 返回码以及最终使用的客户端标识。
// 拒绝时只发送 CONNACK，关闭连接由传输层负责
func (b *Broker) ConnectReceived(client connection.Client, request ConnectRequest) (mqtt.ConnAckCode, string) {
	conn := b.registry.Add(client)

	code := b.admit(request)
	if code != mqtt.Accepted {
		logger.WarnF("[%s] Connection rejected: %s", client.RemoteAddr(), code)
		b.options.Observer.ConnectRejected(code)
		if err := client.SendConnAck(code, false); err != nil {
			logger.DebugF("[%s] Fail to send CONNACK, details: %v", client.RemoteAddr(), err)
		}
		return code, request.ClientID
	}

	clientID := request.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
		logger.DebugF("[%s] Assigned client id %s", client.RemoteAddr(), clientID)
	}

	sessionPresent := b.attach(conn, clientID, request)
	if request.ProtocolVersion != mqtt.ProtocolV311 {
		sessionPresent = false
	}

	if err := client.SendConnAck(mqtt.Accepted, sessionPresent); err != nil {
		logger.WarnF("[%s] Fail to send CONNACK, details: %v", clientID, err)
		b.closeClient(conn)
		return mqtt.Accepted, clientID
	}
	b.options.Observer.ClientConnected(clientID)
	logger.InfoF("[%s] Client connected from %s, clean_session=%v, session_present=%v",
		clientID, client.RemoteAddr(), request.CleanSession, sessionPresent)
	return mqtt.Accepted, clientID
}

// attach 完成接管与会话恢复，返回是否恢复了已有会话
func (b *Broker) attach(conn *connection.Connection, clientID string, request ConnectRequest) bool {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if previous, ok := b.registry.Owner(clientID); ok && previous != conn {
		logger.InfoF("[%s] Closing previous connection %s", clientID, previous.Client.RemoteAddr())
		b.closeLocked(previous)
	}

	conn.CleanSession = request.CleanSession
	conn.ProtocolVersion = request.ProtocolVersion
	conn.Username = request.Username
	conn.Will = request.Will
	b.registry.Bind(clientID, conn)

	if request.CleanSession {
		b.sessions.ClearSession(clientID)
		return false
	}

	stored, ok := b.sessions.GetSession(clientID)
	if !ok {
		return false
	}

	conn.Client.RestoreInflight(stored.InflightList())
	for _, sub := range stored.Subscriptions {
		if err := b.index.Subscribe(sub.Filter, sub.QoS, clientID); err != nil {
			logger.WarnF("[%s] Fail to restore subscription %s, details: %v", clientID, sub.Filter, err)
			continue
		}
		b.enqueue(clientID, b.dispatcher.EnqueueRetained(sub.Filter, clientID))
	}
	// 即使离线队列为空也要回放：会话在回放时才重新标记为在线
	b.enqueue(clientID, b.dispatcher.EnqueueFlush(clientID))
	logger.DebugF("[%s] Session restored: subscriptions=%d, inflight=%d, outgoing=%d",
		clientID, len(stored.Subscriptions), len(stored.Inflight), len(stored.Outgoing))
	return true
}

func (b *Broker) enqueue(clientID string, err error) {
	if err != nil {
		logger.DebugF("[%s] Dispatcher rejected work item, details: %v", clientID, err)
	}
}

// accepted 返回已完成 CONNECT 的连接记录
func (b *Broker) accepted(client connection.Client) (*connection.Connection, bool) {
	conn, ok := b.registry.Get(client)
	if !ok || conn.ClientID == "" || conn.Closing() {
		return nil, false
	}
	return conn, true
}

// PublishReceived 清除 DUP 标志后交给调度器
func (b *Broker) PublishReceived(client connection.Client, msg mqtt.Message) error {
	conn, ok := b.accepted(client)
	if !ok {
		return ErrNotConnected
	}
	msg = msg.Clone()
	msg.Dup = false
	logger.DebugF("[%s] PUBLISH topic=%s qos=%d retain=%v bytes=%d",
		conn.ClientID, msg.Topic, msg.QoS, msg.Retain, len(msg.Payload))
	return b.dispatcher.Publish(msg)
}

// SubscribeReceived 逐个登记过滤器，回复 SUBACK 后再请求下发保留消息
func (b *Broker) SubscribeReceived(client connection.Client, packetID uint16, topics []TopicRequest) {
	conn, ok := b.accepted(client)
	if !ok {
		return
	}
	clientID := conn.ClientID

	granted := make([]byte, len(topics))
	filters := make([]string, 0, len(topics))
	for i, topic := range topics {
		if !topic.QoS.Valid() {
			granted[i] = SubAckFailure
			continue
		}
		if err := b.index.Subscribe(topic.Filter, topic.QoS, clientID); err != nil {
			logger.WarnF("[%s] Subscribe %q rejected, details: %v", clientID, topic.Filter, err)
			granted[i] = SubAckFailure
			continue
		}
		granted[i] = byte(topic.QoS)
		filters = append(filters, topic.Filter)
	}

	if err := client.SendSubAck(packetID, granted); err != nil {
		logger.WarnF("[%s] Fail to send SUBACK, details: %v", clientID, err)
		b.closeClient(conn)
		return
	}
	logger.DebugF("[%s] SUBSCRIBE %v granted %v", clientID, filters, granted)

	for _, filter := range filters {
		b.enqueue(clientID, b.dispatcher.EnqueueRetained(filter, clientID))
	}
}

func (b *Broker) UnsubscribeReceived(client connection.Client, packetID uint16, filters []string) {
	conn, ok := b.accepted(client)
	if !ok {
		return
	}
	for _, filter := range filters {
		b.index.Unsubscribe(filter, conn.ClientID)
	}
	if err := client.SendUnsubAck(packetID); err != nil {
		logger.WarnF("[%s] Fail to send UNSUBACK, details: %v", conn.ClientID, err)
		b.closeClient(conn)
		return
	}
	logger.DebugF("[%s] UNSUBSCRIBE %v", conn.ClientID, filters)
}

// Disconnected 收到 DISCONNECT，遗嘱作废
func (b *Broker) Disconnected(client connection.Client) {
	conn, ok := b.registry.Get(client)
	if !ok {
		return
	}
	conn.MarkGraceful()
	b.closeClient(conn)
}

// ConnectionClosed 连接异常断开或读写出错
func (b *Broker) ConnectionClosed(client connection.Client) {
	conn, ok := b.registry.Get(client)
	if !ok {
		return
	}
	b.closeClient(conn)
}

func (b *Broker) closeClient(conn *connection.Connection) {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	b.closeLocked(conn)
}

// closeLocked 统一的关闭流程，对同一连接只执行一次
func (b *Broker) closeLocked(conn *connection.Connection) {
	if !conn.Claim() {
		return
	}
	clientID := conn.ClientID

	if clientID != "" {
		if conn.Will != nil && !conn.Graceful() {
			logger.DebugF("[%s] Publishing will message on %s", clientID, conn.Will.Topic)
			b.enqueue(clientID, b.dispatcher.Publish(conn.Will.Clone()))
		}
		if owner, ok := b.registry.Owner(clientID); ok && owner == conn {
			if !conn.CleanSession {
				b.sessions.SaveSession(clientID, conn.Client.Inflight(), b.index.SubscriptionsOf(clientID))
			}
			b.index.UnsubscribeAll(clientID)
		}
	}

	b.registry.Remove(conn)
	if err := conn.Client.Close(); err != nil {
		logger.DebugF("[%s] Error occured while closing connection, details: %v", conn.Client.RemoteAddr(), err)
	}

	if clientID != "" {
		b.options.Observer.ClientDisconnected(clientID)
		logger.InfoF("[%s] Client disconnected", clientID)
	}
}

// Stop 等待调度器处理完已入队的消息，然后关闭全部连接
func (b *Broker) Stop(ctx context.Context) error {
	logger.InfoF("Stopping broker")
	err := b.dispatcher.Stop(ctx)
	for _, conn := range b.registry.All() {
		b.closeClient(conn)
	}
	return err
}

func (b *Broker) Invoke(ctx context.Context) error {
	return b.Stop(ctx)
}
