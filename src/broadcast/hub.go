package broadcast

import (
	"sync"

	"github.com/nhirsama/Goster-GPS/src/inter"
	"github.com/nhirsama/Goster-GPS/src/metrics"
)

// AllTopics 订阅全部设备
const AllTopics = "*"

// DefaultBuffer 每个订阅者的缓冲区大小
const DefaultBuffer = 64

// Hub 按设备分主题的广播中心
// 发布是非阻塞的：订阅者缓冲区满时丢弃该消息
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

// Subscription 一个订阅，C 在取消订阅后关闭
type Subscription struct {
	C     <-chan inter.Message
	topic string
	ch    chan inter.Message
	hub   *Hub
	once  sync.Once
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe 订阅某个设备的消息，topic 为 AllTopics 时接收全部
func (h *Hub) Subscribe(topic string) *Subscription {
	ch := make(chan inter.Message, h.buffer)
	sub := &Subscription{C: ch, topic: topic, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Topic 订阅的主题
func (s *Subscription) Topic() string {
	return s.topic
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[s.topic]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.topics, s.topic)
	}
	close(s.ch)
}

// Publish 实现 inter.Publisher
func (h *Hub) Publish(msg inter.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.deliver(h.topics[msg.DeviceID], msg)
	if msg.DeviceID != AllTopics {
		h.deliver(h.topics[AllTopics], msg)
	}
}

func (h *Hub) deliver(subs map[*Subscription]struct{}, msg inter.Message) {
	for sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			metrics.BroadcastDropped.Inc()
		}
	}
}

// SubscriberCount 当前订阅者数量
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.topics {
		n += len(subs)
	}
	return n
}

// Close 关闭全部订阅，之后的发布被忽略
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for topic, subs := range h.topics {
		for sub := range subs {
			close(sub.ch)
		}
		delete(h.topics, topic)
	}
}
