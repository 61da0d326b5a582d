// Package retained 保存每个主题最后一条保留消息
package retained

import (
	"sort"
	"sync"

	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-broker/internal/subscription"
)

// Store 以精确主题为键的保留消息表
type Store struct {
	mu       sync.RWMutex
	messages map[string]mqtt.Message
}

func NewStore() *Store {
	return &Store{messages: make(map[string]mqtt.Message)}
}

// Apply 处理一条带 retain 标志的发布：空负载删除该主题的保留消息，否则覆盖。
// 返回值表示保留消息是否被删除
func (s *Store) Apply(msg mqtt.Message) (removed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(msg.Payload) == 0 {
		_, existed := s.messages[msg.Topic]
		delete(s.messages, msg.Topic)
		return existed
	}
	stored := msg.Clone()
	stored.Retain = true
	stored.Dup = false
	s.messages[msg.Topic] = stored
	return false
}

func (s *Store) Get(topic string) (mqtt.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[topic]
	return msg, ok
}

// Match 返回主题被 filter 覆盖的全部保留消息，按主题排序
func (s *Store) Match(filter string) []mqtt.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []mqtt.Message
	for topic, msg := range s.messages {
		if subscription.Match(filter, topic) {
			results = append(results, msg)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Topic < results[j].Topic
	})
	return results
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
