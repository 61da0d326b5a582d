// Package dispatcher 串行处理所有跨客户端的投递决策：保留消息下发、会话离线队列回放、新消息分发
package dispatcher

import (
	"context"
	"errors"
	"sync"

	"github.com/life-stream-dev/life-stream-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-broker/internal/retained"
	"github.com/life-stream-dev/life-stream-broker/internal/session"
	"github.com/life-stream-dev/life-stream-broker/internal/subscription"
)

var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Resolver 按客户端标识查找在线连接，由连接注册表实现
type Resolver interface {
	Lookup(clientID string) (connection.Client, bool)
}

type retainedRequest struct {
	filter   string
	clientID string
}

// Dispatcher 三个无界队列加一个容量为 1 的唤醒信号，由单个 goroutine 消费
type Dispatcher struct {
	index    *subscription.Index
	sessions *session.MemoryStore
	retained *retained.Store
	clients  Resolver
	observer Observer

	mu            sync.Mutex
	retainedQueue []retainedRequest
	flushQueue    []string
	publishQueue  []mqtt.Message
	active        int // 已取出但尚未处理完的任务数
	stopped       bool

	wake      chan struct{}
	done      chan struct{}
	startOnce sync.Once
}

func New(index *subscription.Index, sessions *session.MemoryStore, store *retained.Store, clients Resolver, observer Observer) *Dispatcher {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Dispatcher{
		index:    index,
		sessions: sessions,
		retained: store,
		clients:  clients,
		observer: observer,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start 启动工作协程，重复调用无效
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// Stop 拒绝新的任务，等待已入队的任务全部处理完毕
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.signal()
	d.Start()

	select {
	case <-d.done:
		logger.InfoF("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// EnqueueRetained 为刚订阅 filter 的客户端请求下发匹配的保留消息
func (d *Dispatcher) EnqueueRetained(filter, clientID string) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	d.retainedQueue = append(d.retainedQueue, retainedRequest{filter: filter, clientID: clientID})
	d.mu.Unlock()
	d.signal()
	return nil
}

// EnqueueFlush 请求把会话离线队列回放给已重新连接的客户端
func (d *Dispatcher) EnqueueFlush(clientID string) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	d.flushQueue = append(d.flushQueue, clientID)
	d.mu.Unlock()
	d.signal()
	return nil
}

// Publish 把一条新消息加入分发队列
func (d *Dispatcher) Publish(msg mqtt.Message) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	d.publishQueue = append(d.publishQueue, msg)
	d.mu.Unlock()
	d.signal()
	return nil
}

// Pending 尚未处理完的任务数，包括正在处理的一批
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.retainedQueue) + len(d.flushQueue) + len(d.publishQueue) + d.active
}

func (d *Dispatcher) finish() {
	d.mu.Lock()
	d.active = 0
	d.mu.Unlock()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	logger.DebugF("Dispatcher started")

	for {
		// 按类别整批处理：保留消息请求 -> 会话回放 -> 新消息
		d.mu.Lock()
		retainedBatch := d.retainedQueue
		d.retainedQueue = nil
		d.active = len(retainedBatch)
		d.mu.Unlock()
		for _, request := range retainedBatch {
			d.deliverRetained(request)
		}
		d.finish()

		d.mu.Lock()
		flushBatch := d.flushQueue
		d.flushQueue = nil
		d.active = len(flushBatch)
		d.mu.Unlock()
		for _, clientID := range flushBatch {
			d.flushSession(clientID)
		}
		d.finish()

		d.mu.Lock()
		publishBatch := d.publishQueue
		d.publishQueue = nil
		d.active = len(publishBatch)
		d.mu.Unlock()
		for _, msg := range publishBatch {
			d.dispatch(msg)
		}
		d.finish()

		d.mu.Lock()
		idle := len(d.retainedQueue) == 0 && len(d.flushQueue) == 0 && len(d.publishQueue) == 0
		stopped := d.stopped
		d.mu.Unlock()

		if !idle {
			continue
		}
		if stopped {
			return
		}
		<-d.wake
	}
}

func (d *Dispatcher) send(client connection.Client, clientID string, msg mqtt.Message) {
	if err := client.SendPublish(msg); err != nil {
		logger.WarnF("[%s] Fail to deliver message on %s, details: %v", clientID, msg.Topic, err)
		d.observer.DeliveryFailed(clientID, err)
		return
	}
	d.observer.MessageDelivered(clientID, msg.QoS)
}

func (d *Dispatcher) deliverRetained(request retainedRequest) {
	sub, ok := d.index.Lookup(request.filter, request.clientID)
	if !ok {
		// 订阅在请求处理前已被取消
		return
	}
	client, ok := d.clients.Lookup(request.clientID)
	if !ok {
		return
	}
	for _, msg := range d.retained.Match(request.filter) {
		msg.QoS = mqtt.MinQoS(sub.QoS, msg.QoS)
		msg.Retain = true
		d.send(client, request.clientID, msg)
	}
}

func (d *Dispatcher) flushSession(clientID string) {
	client, ok := d.clients.Lookup(clientID)
	if !ok {
		// 客户端已再次断开，离线队列留到下次重连
		logger.DebugF("[%s] Session flush skipped, client is not connected", clientID)
		return
	}
	pending, ok := d.sessions.Attach(clientID)
	if !ok {
		return
	}
	if len(pending) > 0 {
		logger.DebugF("[%s] Replaying %d queued messages", clientID, len(pending))
	}
	for _, msg := range pending {
		qos := msg.QoS
		if sub, ok := d.index.MatchOne(msg.Topic, clientID); ok {
			qos = mqtt.MinQoS(sub.QoS, msg.QoS)
		}
		msg.QoS = qos
		d.send(client, clientID, msg)
	}
}

func (d *Dispatcher) dispatch(msg mqtt.Message) {
	d.observer.MessagePublished(msg)

	if msg.Retain {
		removed := d.retained.Apply(msg)
		d.observer.RetainedChanged(msg.Topic, removed)
	}

	subscribers := d.index.MatchPublish(msg.Topic)

	// 会话尚未附着到连接的客户端一律走离线队列，由随后的会话回放送达
	detached := make(map[string]bool)
	for _, stored := range d.sessions.ListSessions() {
		if !stored.Live() {
			detached[stored.ClientID] = stored.Matches(msg.Topic)
		}
	}

	for _, sub := range subscribers {
		if _, ok := detached[sub.ClientID]; ok {
			detached[sub.ClientID] = true
			continue
		}
		client, ok := d.clients.Lookup(sub.ClientID)
		if !ok {
			continue
		}
		out := msg.Clone()
		out.QoS = mqtt.MinQoS(sub.QoS, msg.QoS)
		d.send(client, sub.ClientID, out)
	}

	for clientID, matched := range detached {
		if !matched {
			continue
		}
		if d.sessions.Append(clientID, msg.Clone()) {
			d.observer.MessageQueued(clientID)
		}
	}
}
