package session

import (
	"slices"
	"sync"

	"github.com/life-stream-dev/life-stream-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-broker/internal/subscription"
)

// MemoryStore 会话存储，进程重启后全部丢失
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*BrokerSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*BrokerSession)}
}

func sortInflight(list []InflightMessage) {
	slices.SortFunc(list, func(a, b InflightMessage) int {
		return int(a.PacketID) - int(b.PacketID)
	})
}

// SaveSession 在非清除会话客户端断开时保存其订阅与在途消息。
// 会话不存在且没有任何需要保存的状态时不创建，返回值表示会话是否存在
func (ms *MemoryStore) SaveSession(clientID string, inflight []InflightMessage, subscriptions []subscription.Subscription) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	session, ok := ms.sessions[clientID]
	if !ok {
		if len(subscriptions) == 0 && len(inflight) == 0 {
			return false
		}
		session = NewBrokerSession(clientID)
		ms.sessions[clientID] = session
	}

	session.live = false
	session.Subscriptions = make([]subscription.Subscription, 0, len(subscriptions))
	for _, sub := range subscriptions {
		session.Subscriptions = append(session.Subscriptions, subscription.Subscription{
			ClientID: clientID,
			Filter:   sub.Filter,
			QoS:      sub.QoS,
		})
	}
	session.Inflight = make(map[uint16]InflightMessage, len(inflight))
	for _, msg := range inflight {
		session.Inflight[msg.PacketID] = msg
	}

	logger.DebugF("Session saved: client_id=%s, subscriptions=%d, inflight=%d, outgoing=%d",
		clientID, len(session.Subscriptions), len(session.Inflight), len(session.Outgoing))
	return true
}

// GetSession 返回会话快照
func (ms *MemoryStore) GetSession(clientID string) (*BrokerSession, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	session, ok := ms.sessions[clientID]
	if !ok {
		return nil, false
	}
	return session.clone(), true
}

func (ms *MemoryStore) ClearSession(clientID string) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.sessions[clientID]; !ok {
		return false
	}
	delete(ms.sessions, clientID)
	logger.DebugF("Session cleared: client_id=%s", clientID)
	return true
}

// ListSessions 返回全部会话的快照
func (ms *MemoryStore) ListSessions() []*BrokerSession {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	result := make([]*BrokerSession, 0, len(ms.sessions))
	for _, session := range ms.sessions {
		result = append(result, session.clone())
	}
	slices.SortFunc(result, func(a, b *BrokerSession) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		}
		return 0
	})
	return result
}

// Append 把消息追加到离线会话的待发队列；会话不存在或已在线时返回 false
func (ms *MemoryStore) Append(clientID string, msg mqtt.Message) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	session, ok := ms.sessions[clientID]
	if !ok || session.live {
		return false
	}
	session.Outgoing = append(session.Outgoing, msg)
	return true
}

// Attach 把会话标记为在线并取走全部待发消息（按到达顺序）
func (ms *MemoryStore) Attach(clientID string) ([]mqtt.Message, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	session, ok := ms.sessions[clientID]
	if !ok {
		return nil, false
	}
	pending := session.Outgoing
	session.Outgoing = []mqtt.Message{}
	session.live = true
	return pending, true
}

func (ms *MemoryStore) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.sessions)
}

// Offline 返回全部未连接会话的客户端标识
func (ms *MemoryStore) Offline() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	result := make([]string, 0, len(ms.sessions))
	for id, session := range ms.sessions {
		if !session.live {
			result = append(result, id)
		}
	}
	slices.Sort(result)
	return result
}
