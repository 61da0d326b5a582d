package subscription

import (
	"errors"
	"fmt"
	"strings"
)

const (
	levelSeparator  = "/"
	singleLevelWild = "+"
	multiLevelWild  = "#"
)

var (
	ErrInvalidFilter = errors.New("invalid topic filter")
	ErrInvalidTopic  = errors.New("invalid topic name")
)

// ValidateFilter 校验订阅过滤器：'+' 必须独占一层，'#' 必须独占最后一层
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidFilter)
	}
	levels := strings.Split(filter, levelSeparator)
	for i, level := range levels {
		if strings.Contains(level, multiLevelWild) {
			if level != multiLevelWild || i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level, filter: %s", ErrInvalidFilter, filter)
			}
		}
		if strings.Contains(level, singleLevelWild) && level != singleLevelWild {
			return fmt.Errorf("%w: '+' must occupy an entire level, filter: %s", ErrInvalidFilter, filter)
		}
	}
	return nil
}

// ValidateTopic 校验发布主题，发布主题中不允许出现通配符
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, singleLevelWild+multiLevelWild) {
		return fmt.Errorf("%w: wildcards are not allowed, topic: %s", ErrInvalidTopic, topic)
	}
	return nil
}

// Match 判断 filter 是否覆盖 topic。以 '$' 开头的主题不会被第一层的通配符匹配
func Match(filter, topic string) bool {
	filterLevels := strings.Split(filter, levelSeparator)
	topicLevels := strings.Split(topic, levelSeparator)
	dollar := strings.HasPrefix(topic, "$")

	for i, level := range filterLevels {
		if level == multiLevelWild {
			return !(i == 0 && dollar)
		}
		if i >= len(topicLevels) {
			return false
		}
		if level == singleLevelWild {
			if i == 0 && dollar {
				return false
			}
			continue
		}
		if level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}

func createNode(parent *TopicTreeNode, level string) *TopicTreeNode {
	return &TopicTreeNode{
		Level:        level,
		parent:       parent,
		Children:     map[string]*TopicTreeNode{},
		WildcardHash: map[string]*Subscription{},
		Terminals:    map[string]*Subscription{},
	}
}

func (node *TopicTreeNode) getOrCreateChild(level string) *TopicTreeNode {
	if level == singleLevelWild {
		if node.WildcardPlus == nil {
			node.WildcardPlus = createNode(node, level)
		}
		return node.WildcardPlus
	}
	child, ok := node.Children[level]
	if !ok {
		child = createNode(node, level)
		node.Children[level] = child
	}
	return child
}

func (node *TopicTreeNode) empty() bool {
	return len(node.Children) == 0 && node.WildcardPlus == nil &&
		len(node.WildcardHash) == 0 && len(node.Terminals) == 0
}

// prune 自底向上删除已经没有订阅者的节点
func (node *TopicTreeNode) prune() {
	for current := node; current != nil && current.parent != nil && current.empty(); {
		parent := current.parent
		if parent.WildcardPlus == current {
			parent.WildcardPlus = nil
		} else {
			delete(parent.Children, current.Level)
		}
		current.parent = nil
		current = parent
	}
}
