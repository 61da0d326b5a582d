// Package subscription 实现了主题订阅索引：通配符过滤器到订阅客户端的映射
package subscription

import (
	"slices"
	"strings"
	"sync"

	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
)

// Subscription 一条订阅，(ClientID, Filter) 唯一
type Subscription struct {
	ClientID string
	Filter   string
	QoS      mqtt.QoS

	seq uint64
}

// TopicTreeNode 主题订阅树节点
type TopicTreeNode struct {
	Level  string // 当前层级名称（如 "football"）
	parent *TopicTreeNode

	// 直接子节点（精确匹配）
	Children map[string]*TopicTreeNode

	// 通配符
	WildcardPlus *TopicTreeNode           // "+" 通配符子节点（单层）
	WildcardHash map[string]*Subscription // 以 "#" 结尾的订阅（多层），key=ClientID

	// 终端订阅者（当前路径的精确匹配订阅），key=ClientID
	Terminals map[string]*Subscription
}

// Index 订阅索引。所有读写都经过同一把锁，返回值是调用时刻的快照
type Index struct {
	mu       sync.RWMutex
	root     *TopicTreeNode
	byClient map[string]map[string]*Subscription // ClientID -> Filter -> Subscription
	nextSeq  uint64
}

func NewIndex() *Index {
	return &Index{
		root:     createNode(nil, ""),
		byClient: make(map[string]map[string]*Subscription),
	}
}

// locate 返回过滤器对应的节点以及存放订阅的集合
func (idx *Index) locate(filter string, create bool) (*TopicTreeNode, map[string]*Subscription) {
	levels := strings.Split(filter, levelSeparator)
	node := idx.root
	for _, level := range levels {
		if level == multiLevelWild {
			return node, node.WildcardHash
		}
		if create {
			node = node.getOrCreateChild(level)
			continue
		}
		if level == singleLevelWild {
			node = node.WildcardPlus
		} else {
			node = node.Children[level]
		}
		if node == nil {
			return nil, nil
		}
	}
	return node, node.Terminals
}

// Subscribe 注册订阅；同一客户端重复订阅同一过滤器时原地更新 QoS
func (idx *Index) Subscribe(filter string, qos mqtt.QoS, clientID string) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.byClient[clientID][filter]; ok {
		existing.QoS = qos
		return nil
	}

	_, bucket := idx.locate(filter, true)
	idx.nextSeq++
	sub := &Subscription{ClientID: clientID, Filter: filter, QoS: qos, seq: idx.nextSeq}
	bucket[clientID] = sub

	filters, ok := idx.byClient[clientID]
	if !ok {
		filters = make(map[string]*Subscription)
		idx.byClient[clientID] = filters
	}
	filters[filter] = sub
	return nil
}

func (idx *Index) removeLocked(filter, clientID string) bool {
	filters, ok := idx.byClient[clientID]
	if !ok {
		return false
	}
	if _, ok := filters[filter]; !ok {
		return false
	}
	delete(filters, filter)
	if len(filters) == 0 {
		delete(idx.byClient, clientID)
	}

	node, bucket := idx.locate(filter, false)
	if node == nil {
		return true
	}
	delete(bucket, clientID)
	node.prune()
	return true
}

// Unsubscribe 删除单个订阅，返回该订阅此前是否存在
func (idx *Index) Unsubscribe(filter, clientID string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.removeLocked(filter, clientID)
}

// UnsubscribeAll 删除客户端的全部订阅，返回被删除的过滤器
func (idx *Index) UnsubscribeAll(clientID string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	filters := make([]string, 0, len(idx.byClient[clientID]))
	for filter := range idx.byClient[clientID] {
		filters = append(filters, filter)
	}
	for _, filter := range filters {
		idx.removeLocked(filter, clientID)
	}
	slices.Sort(filters)
	return filters
}

func collect(dst []*Subscription, src map[string]*Subscription) []*Subscription {
	for _, sub := range src {
		dst = append(dst, sub)
	}
	return dst
}

func (idx *Index) walk(node *TopicTreeNode, levels []string, i int, dollar bool, results []*Subscription) []*Subscription {
	wildcardAllowed := !(i == 0 && dollar)

	// '#' 同时匹配零个层级，因此 "a/#" 也匹配 "a"
	if wildcardAllowed {
		results = collect(results, node.WildcardHash)
	}
	if i == len(levels) {
		return collect(results, node.Terminals)
	}
	if child, ok := node.Children[levels[i]]; ok {
		results = idx.walk(child, levels, i+1, dollar, results)
	}
	if node.WildcardPlus != nil && wildcardAllowed {
		results = idx.walk(node.WildcardPlus, levels, i+1, dollar, results)
	}
	return results
}

func (idx *Index) matchLocked(topic string) []*Subscription {
	levels := strings.Split(topic, levelSeparator)
	matched := idx.walk(idx.root, levels, 0, strings.HasPrefix(topic, "$"), nil)
	// 先订阅者优先，保证去重结果稳定
	slices.SortFunc(matched, func(a, b *Subscription) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return matched
}

// MatchPublish 返回匹配 topic 的订阅，每个客户端至多一条（保留最先遇到的那条）
func (idx *Index) MatchPublish(topic string) []Subscription {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	matched := idx.matchLocked(topic)
	seen := make(map[string]struct{}, len(matched))
	results := make([]Subscription, 0, len(matched))
	for _, sub := range matched {
		if _, ok := seen[sub.ClientID]; ok {
			continue
		}
		seen[sub.ClientID] = struct{}{}
		results = append(results, *sub)
	}
	return results
}

// MatchOne 与 MatchPublish 相同，但只考虑指定客户端
func (idx *Index) MatchOne(topic, clientID string) (Subscription, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	filters := idx.byClient[clientID]
	var best *Subscription
	for filter, sub := range filters {
		if !Match(filter, topic) {
			continue
		}
		if best == nil || sub.seq < best.seq {
			best = sub
		}
	}
	if best == nil {
		return Subscription{}, false
	}
	return *best, true
}

// Lookup 按 (Filter, ClientID) 精确查找订阅
func (idx *Index) Lookup(filter, clientID string) (Subscription, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	sub, ok := idx.byClient[clientID][filter]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// SubscriptionsOf 返回客户端的全部订阅（包括相互重叠的），按订阅先后排序
func (idx *Index) SubscriptionsOf(clientID string) []Subscription {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	results := make([]Subscription, 0, len(idx.byClient[clientID]))
	for _, sub := range idx.byClient[clientID] {
		results = append(results, *sub)
	}
	slices.SortFunc(results, func(a, b Subscription) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return results
}

// Count 返回订阅总数
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	total := 0
	for _, filters := range idx.byClient {
		total += len(filters)
	}
	return total
}
