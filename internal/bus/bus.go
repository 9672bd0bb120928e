// Package bus 提供进程内消息总线: 引擎与注册表的出站通知经总线
// fan-out 到多个订阅者 (SSE 流、桌面桥、事件落盘)。
//
// 桥接:
//   - gateway/sse.go — 总线消息自动转发到 SSE 订阅连接
//   - cmd/canvas — 总线消息转发到桌面窗口事件
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/multi-agent/turn-engine/pkg/logger"
)

// ========================================
// 消息类型
// ========================================

// Message 总线消息。
type Message struct {
	Topic     string          `json:"topic"`  // unit.updated / turn.finalized / artifact.created
	Source    string          `json:"source"` // 来源组件: engine / registry / gateway / sandbox
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq"` // 全局序列号
}

// Topic 常量。引擎自身的主题 (unit.updated / turn.finalized / turn.abandoned /
// steps.updated) 定义在 engine 包, 这里只声明总线层面与外围组件的主题。
const (
	// TopicUnit 内容单元事件前缀。
	TopicUnit = "unit"
	// TopicTurn 回合生命周期事件前缀。
	TopicTurn = "turn"
	// TopicSteps 工具步骤事件前缀。
	TopicSteps = "steps"
	// TopicArtifact 工件事件前缀。
	TopicArtifact = "artifact"

	// TopicArtifactCreated 工件新建。
	TopicArtifactCreated = "artifact.created"
	// TopicArtifactUpdated 工件更新 (实时输出追加 / 负载覆盖)。
	TopicArtifactUpdated = "artifact.updated"

	// TopicSessionReset 会话重置广播。
	TopicSessionReset = "session.reset"

	// TopicSandboxOutput 沙箱进程输出。
	TopicSandboxOutput = "sandbox.output"

	// TopicPatrolStatus 回合巡检快照。
	TopicPatrolStatus = "patrol.status"

	// TopicAll 广播 (所有订阅者收到)。
	TopicAll = "*"
)

// ========================================
// Subscriber
// ========================================

// Subscriber 订阅者。
type Subscriber struct {
	ID     string       // 唯一标识
	Filter string       // topic 前缀过滤 ("turn" / "artifact" / "*")
	Ch     chan Message // 消息通道
}

// ========================================
// MessageBus — topic pub/sub
// ========================================

// defaultQueue 订阅者通道容量的缺省值。
const defaultQueue = 64

// MessageBus 进程内消息总线。
//
// 支持 topic 前缀匹配和广播:
//   - 订阅 "turn" → 收到 turn.finalized, turn.abandoned
//   - 订阅 "*" → 收到所有消息
//   - 发布 artifact.created → 匹配 "artifact", "artifact.created", "*" 的订阅者
type MessageBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // key = subscriber ID
	seq         int64
	queue       int
	dropped     int64
	onPublish   func(Message) // 可选: 每条消息的全局回调 (用于桥接落盘/桌面)
}

// NewMessageBus 创建消息总线。queueSize <= 0 时用缺省容量。
func NewMessageBus(queueSize int) *MessageBus {
	if queueSize <= 0 {
		queueSize = defaultQueue
	}
	return &MessageBus{
		subscribers: make(map[string]*Subscriber),
		queue:       queueSize,
	}
}

// SetOnPublish 设置全局发布回调。
func (b *MessageBus) SetOnPublish(fn func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Publish 发布消息到匹配的订阅者。
//
// seq 递增和 fan-out 在同一把锁下执行, 保证消息到达顺序与 seq 一致。
// 订阅者通道满时该订阅者丢失本条消息, 发布者绝不阻塞。
func (b *MessageBus) Publish(msg Message) {
	b.mu.Lock()
	b.seq++
	msg.Seq = b.seq
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	onPub := b.onPublish

	for _, sub := range b.subscribers {
		if matchTopic(sub.Filter, msg.Topic) {
			select {
			case sub.Ch <- msg:
			default:
				b.dropped++
			}
		}
	}
	b.mu.Unlock()

	// 全局回调在锁外执行 (回调可能耗时, 避免持锁太久)
	if onPub != nil {
		onPub(msg)
	}
}

// PublishJSON 序列化负载并发布。序列化失败记日志后丢弃该条消息。
func (b *MessageBus) PublishJSON(topic, source string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Error("bus: 负载序列化失败, 消息丢弃",
			logger.FieldTopic, topic,
			logger.FieldSource, source,
			logger.FieldError, err.Error())
		return
	}
	b.Publish(Message{Topic: topic, Source: source, Payload: raw})
}

// Subscribe 订阅消息。filter 为 topic 前缀 ("turn" / "artifact" / "*")。
// 同 id 重复订阅会替换旧订阅并关闭其通道。
func (b *MessageBus) Subscribe(id, filter string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[id]; ok {
		close(old.Ch)
	}
	sub := &Subscriber{
		ID:     id,
		Filter: filter,
		Ch:     make(chan Message, b.queue),
	}
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe 取消订阅并关闭通道。
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount 返回当前订阅者数量。
func (b *MessageBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Seq 返回当前序列号。
func (b *MessageBus) Seq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Dropped 返回因订阅者通道满而丢弃的消息总数。
func (b *MessageBus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// ========================================
// Topic 匹配
// ========================================

// matchTopic 检查 topic 是否匹配 filter。
//
// 规则:
//   - filter "*" 匹配所有 topic
//   - filter "turn" 匹配 "turn", "turn.finalized", "turn.abandoned"
//   - filter "artifact.created" 只匹配 "artifact.created"
func matchTopic(filter, topic string) bool {
	if filter == TopicAll {
		return true
	}
	if topic == filter {
		return true
	}
	// 前缀匹配: filter="turn" 匹配 topic="turn.finalized"
	if len(topic) > len(filter) && topic[:len(filter)] == filter && topic[len(filter)] == '.' {
		return true
	}
	return false
}
