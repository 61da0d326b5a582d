// Package session 保存非清除会话客户端在断开期间的状态（仅在进程内存中）
package session

import (
	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-broker/internal/subscription"
)

// InflightMessage 已发送但尚未被接收方完全确认的 QoS 1/2 消息
type InflightMessage struct {
	PacketID uint16
	Message  mqtt.Message
	Released bool // QoS 2：已收到 PUBREC 并发出 PUBREL，等待 PUBCOMP
}

// BrokerSession 客户端的持久会话。Subscriptions 中不保存任何连接引用，
// 在线连接通过连接注册表按 ClientID 查找
type BrokerSession struct {
	ClientID      string
	Subscriptions []subscription.Subscription
	Inflight      map[uint16]InflightMessage
	Outgoing      []mqtt.Message // 离线期间匹配到的消息，重连后按 FIFO 投递

	live bool
}

func NewBrokerSession(clientID string) *BrokerSession {
	return &BrokerSession{
		ClientID:      clientID,
		Subscriptions: []subscription.Subscription{},
		Inflight:      make(map[uint16]InflightMessage),
		Outgoing:      []mqtt.Message{},
	}
}

// Live 会话是否已挂到在线连接上
func (session *BrokerSession) Live() bool {
	return session.live
}

// Matches 已保存的订阅中是否有覆盖 topic 的
func (session *BrokerSession) Matches(topic string) bool {
	for _, sub := range session.Subscriptions {
		if subscription.Match(sub.Filter, topic) {
			return true
		}
	}
	return false
}

// InflightList 按报文标识符升序返回在途消息
func (session *BrokerSession) InflightList() []InflightMessage {
	list := make([]InflightMessage, 0, len(session.Inflight))
	for _, msg := range session.Inflight {
		list = append(list, msg)
	}
	sortInflight(list)
	return list
}

func (session *BrokerSession) clone() *BrokerSession {
	result := &BrokerSession{
		ClientID:      session.ClientID,
		Subscriptions: append([]subscription.Subscription(nil), session.Subscriptions...),
		Inflight:      make(map[uint16]InflightMessage, len(session.Inflight)),
		Outgoing:      append([]mqtt.Message(nil), session.Outgoing...),
		live:          session.live,
	}
	for id, msg := range session.Inflight {
		result.Inflight[id] = msg
	}
	return result
}
