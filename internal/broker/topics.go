package broker

import (
	"strings"
	"sync"
	"time"

	"github.com/emberq/emberq/internal/packet"
	"github.com/emberq/emberq/internal/packet/utils"
)

// TopicIndex answers two questions: which clients does a concrete topic
// reach, and what retained snapshot should a new subscription replay.
// Filters live in a trie keyed by level; `+` and `#` are stored as
// literal levels, never expanded. Retained messages live in a flat map
// keyed by concrete topic.
type TopicIndex struct {
	mu   sync.RWMutex
	root *topicNode

	retainedMu sync.RWMutex
	retained   map[string]*RetainedMessage
}

type topicNode struct {
	children    map[string]*topicNode
	subscribers map[string]packet.QoSLevel // client id -> granted QoS
}

// RetainedMessage is the last message seen on a topic with RETAIN=1.
type RetainedMessage struct {
	Topic     string
	Payload   []byte
	QoS       packet.QoSLevel
	Timestamp time.Time
}

func newTopicNode() *topicNode {
	return &topicNode{
		children:    make(map[string]*topicNode),
		subscribers: make(map[string]packet.QoSLevel),
	}
}

func NewTopicIndex() *TopicIndex {
	return &TopicIndex{
		root:     newTopicNode(),
		retained: make(map[string]*RetainedMessage),
	}
}

// Add validates the filter and subscribes the client at the node the
// filter addresses. Re-adding the same filter replaces the QoS.
func (t *TopicIndex) Add(clientID, filter string, qos packet.QoSLevel) error {
	if err := utils.ValidateTopicFilter(filter); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	for _, level := range utils.SplitTopic(filter) {
		child, ok := node.children[level]
		if !ok {
			child = newTopicNode()
			node.children[level] = child
		}
		node = child
	}
	node.subscribers[clientID] = qos
	return nil
}

// Remove unsubscribes the client from one filter, pruning interior
// nodes left empty.
func (t *TopicIndex) Remove(clientID, filter string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(t.root, utils.SplitTopic(filter), clientID)
}

func (t *TopicIndex) removeLocked(node *topicNode, levels []string, clientID string) bool {
	if len(levels) == 0 {
		delete(node.subscribers, clientID)
		return len(node.subscribers) == 0 && len(node.children) == 0
	}

	child, ok := node.children[levels[0]]
	if !ok {
		return false
	}
	if t.removeLocked(child, levels[1:], clientID) {
		delete(node.children, levels[0])
	}
	return len(node.subscribers) == 0 && len(node.children) == 0
}

// RemoveAll walks the trie and removes the client from every node.
func (t *TopicIndex) RemoveAll(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	removeAllLocked(t.root, clientID)
}

func removeAllLocked(node *topicNode, clientID string) {
	delete(node.subscribers, clientID)
	for level, child := range node.children {
		removeAllLocked(child, clientID)
		if len(child.subscribers) == 0 && len(child.children) == 0 {
			delete(node.children, level)
		}
	}
}

// Matches returns every client whose subscriptions reach the concrete
// topic, each at the highest QoS among its matching filters.
func (t *TopicIndex) Matches(topic string) map[string]packet.QoSLevel {
	levels := utils.SplitTopic(topic)
	matches := make(map[string]packet.QoSLevel)

	t.mu.RLock()
	defer t.mu.RUnlock()
	// Topics starting with '$' are not matched by wildcards at the top
	// level (MQTT 3.1.1 §4.7.2).
	systemTopic := strings.HasPrefix(topic, "$")
	matchLocked(t.root, levels, !systemTopic, matches)
	return matches
}

func matchLocked(node *topicNode, levels []string, wildcardsAllowed bool, matches map[string]packet.QoSLevel) {
	if len(levels) == 0 {
		mergeSubscribers(matches, node.subscribers)
		// A trailing '#' child also matches the exact topic: a/b/# covers a/b.
		if hash, ok := node.children["#"]; ok {
			mergeSubscribers(matches, hash.subscribers)
		}
		return
	}

	if wildcardsAllowed {
		if hash, ok := node.children["#"]; ok {
			mergeSubscribers(matches, hash.subscribers)
		}
		if plus, ok := node.children["+"]; ok {
			matchLocked(plus, levels[1:], true, matches)
		}
	}
	if child, ok := node.children[levels[0]]; ok {
		matchLocked(child, levels[1:], true, matches)
	}
}

// mergeSubscribers keeps the highest QoS when a client already matched
// through another filter.
func mergeSubscribers(matches map[string]packet.QoSLevel, subscribers map[string]packet.QoSLevel) {
	for clientID, qos := range subscribers {
		if existing, ok := matches[clientID]; !ok || qos > existing {
			matches[clientID] = qos
		}
	}
}

// SetRetained replaces the retained entry for a concrete topic; an
// empty payload deletes it (MQTT 3.1.1 §3.3.1.3).
func (t *TopicIndex) SetRetained(topic string, payload []byte, qos packet.QoSLevel) {
	t.retainedMu.Lock()
	defer t.retainedMu.Unlock()

	if len(payload) == 0 {
		delete(t.retained, topic)
		return
	}

	t.retained[topic] = &RetainedMessage{
		Topic:     topic,
		Payload:   payload,
		QoS:       qos,
		Timestamp: time.Now(),
	}
}

// RetainedForFilter returns the retained messages whose topics match the
// filter, for replay to a fresh subscription.
func (t *TopicIndex) RetainedForFilter(filter string) []*RetainedMessage {
	if utils.ValidateTopicFilter(filter) != nil {
		return nil
	}
	filterLevels := utils.SplitTopic(filter)

	t.retainedMu.RLock()
	defer t.retainedMu.RUnlock()

	var matched []*RetainedMessage
	for topic, msg := range t.retained {
		if filterMatchesTopic(filterLevels, utils.SplitTopic(topic), strings.HasPrefix(topic, "$")) {
			matched = append(matched, msg)
		}
	}
	return matched
}

// filterMatchesTopic walks filter levels against topic levels with the
// same wildcard semantics the trie match uses.
func filterMatchesTopic(filter, topic []string, systemTopic bool) bool {
	for i, level := range filter {
		if level == "#" {
			return !(systemTopic && i == 0)
		}
		if i >= len(topic) {
			return false
		}
		if level == "+" {
			if systemTopic && i == 0 {
				return false
			}
			continue
		}
		if level != topic[i] {
			return false
		}
	}
	return len(filter) == len(topic)
}

// RetainedCount reports the number of topics holding a retained message.
func (t *TopicIndex) RetainedCount() int {
	t.retainedMu.RLock()
	defer t.retainedMu.RUnlock()
	return len(t.retained)
}
