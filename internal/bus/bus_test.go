package bus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// ========================================
// MessageBus 测试
// ========================================

func TestPublishSubscribe(t *testing.T) {
	b := NewMessageBus(0)
	sub := b.Subscribe("s1", "turn")

	b.Publish(Message{
		Topic:   "turn.finalized",
		Source:  "engine",
		Payload: json.RawMessage(`{"turnId":"t1"}`),
	})

	select {
	case msg := <-sub.Ch:
		if msg.Topic != "turn.finalized" {
			t.Errorf("topic = %q, want turn.finalized", msg.Topic)
		}
		if msg.Seq != 1 {
			t.Errorf("seq = %d, want 1", msg.Seq)
		}
		if msg.Timestamp.IsZero() {
			t.Errorf("timestamp not stamped")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
}

func TestTopicFiltering(t *testing.T) {
	b := NewMessageBus(0)
	subTurn := b.Subscribe("st", "turn")
	subArtifact := b.Subscribe("sa", "artifact")
	subAll := b.Subscribe("sall", "*")

	b.Publish(Message{Topic: "turn.abandoned", Source: "engine"})

	// turn 订阅者收到
	select {
	case <-subTurn.Ch:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("subTurn should receive turn.abandoned")
	}

	// artifact 订阅者不收
	select {
	case <-subArtifact.Ch:
		t.Fatal("subArtifact should not receive turn.abandoned")
	case <-time.After(50 * time.Millisecond):
	}

	// 通配订阅者收到
	select {
	case <-subAll.Ch:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("subAll should receive with '*' filter")
	}
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"*", "anything", true},
		{"*", "turn.finalized", true},
		{"turn", "turn", true},
		{"turn", "turn.finalized", true},
		{"turn", "turn.abandoned", true},
		{"turn", "turns.finalized", false},
		{"artifact", "artifact.created", true},
		{"artifact.created", "artifact.created", true},
		{"artifact.created", "artifact.updated", false},
		{"session", "session.reset", true},
		{"session", "steps.updated", false},
	}
	for _, tc := range tests {
		got := matchTopic(tc.filter, tc.topic)
		if got != tc.want {
			t.Errorf("matchTopic(%q, %q) = %v, want %v", tc.filter, tc.topic, got, tc.want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewMessageBus(0)
	b.Subscribe("s1", "*")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe("s1")
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
}

func TestResubscribeReplacesOld(t *testing.T) {
	b := NewMessageBus(0)
	old := b.Subscribe("s1", "turn")
	_ = b.Subscribe("s1", "artifact")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1 after resubscribe", b.SubscriberCount())
	}
	// 旧通道已关闭
	select {
	case _, ok := <-old.Ch:
		if ok {
			t.Error("old channel delivered a message, want closed")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("old channel not closed")
	}
}

func TestPublishJSON(t *testing.T) {
	b := NewMessageBus(0)
	sub := b.Subscribe("s1", "steps")

	b.PublishJSON("steps.updated", "engine", map[string]any{"turnId": "t1", "toolCount": 2})

	select {
	case msg := <-sub.Ch:
		var decoded struct {
			TurnID    string `json:"turnId"`
			ToolCount int    `json:"toolCount"`
		}
		if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
			t.Fatalf("payload unmarshal error: %v", err)
		}
		if decoded.TurnID != "t1" || decoded.ToolCount != 2 {
			t.Errorf("payload = %+v", decoded)
		}
		if msg.Source != "engine" {
			t.Errorf("source = %q, want engine", msg.Source)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
}

func TestFullSubscriberDropsNotBlocks(t *testing.T) {
	b := NewMessageBus(2)
	sub := b.Subscribe("slow", "*")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Message{Topic: "turn.finalized"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on full subscriber channel")
	}
	if b.Dropped() != 8 {
		t.Errorf("dropped = %d, want 8", b.Dropped())
	}
	// 通道里仍是最早的两条
	msg := <-sub.Ch
	if msg.Seq != 1 {
		t.Errorf("first buffered seq = %d, want 1", msg.Seq)
	}
}

func TestOnPublishCallback(t *testing.T) {
	b := NewMessageBus(0)
	var captured Message
	b.SetOnPublish(func(msg Message) {
		captured = msg
	})

	b.Publish(Message{Topic: "session.reset", Source: "gateway"})

	if captured.Topic != "session.reset" {
		t.Errorf("captured topic = %q, want session.reset", captured.Topic)
	}
	if captured.Seq != 1 {
		t.Errorf("captured seq = %d, want 1", captured.Seq)
	}
}

func TestSeq(t *testing.T) {
	b := NewMessageBus(0)
	b.Publish(Message{Topic: "t1"})
	b.Publish(Message{Topic: "t2"})
	b.Publish(Message{Topic: "t3"})
	if b.Seq() != 3 {
		t.Errorf("seq = %d, want 3", b.Seq())
	}
}

// TestPublishConcurrentSeqOrder 验证并发 Publish 下 seq 唯一且覆盖完整区间。
func TestPublishConcurrentSeqOrder(t *testing.T) {
	b := NewMessageBus(0)
	sub := b.Subscribe("order-check", "*")

	const n = 50
	done := make(chan struct{})

	for i := 0; i < n; i++ {
		go func() {
			b.Publish(Message{Topic: "unit.updated", Source: "engine"})
		}()
	}

	go func() {
		received := make([]int64, 0, n)
		for i := 0; i < n; i++ {
			msg := <-sub.Ch
			received = append(received, msg.Seq)
		}

		seen := make(map[int64]bool)
		for _, s := range received {
			if seen[s] {
				t.Errorf("duplicate seq %d", s)
			}
			seen[s] = true
		}
		if len(seen) != n {
			t.Errorf("expected %d unique seq, got %d", n, len(seen))
		}

		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for concurrent messages")
	}
}

// TestPublish_DoesNotBlockSubscribe 验证并发 Publish + Subscribe/Unsubscribe 不死锁。
func TestPublish_DoesNotBlockSubscribe(t *testing.T) {
	b := NewMessageBus(0)

	const iterations = 500
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			b.Publish(Message{Topic: "unit.updated"})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			id := "temp-sub"
			sub := b.Subscribe(id, "*")
			_ = sub.Ch
			b.Unsubscribe(id)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			_ = b.SubscriberCount()
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("DEADLOCK: Publish + Subscribe/Unsubscribe concurrent access timed out")
	}

	if b.Seq() != int64(iterations) {
		t.Errorf("seq = %d, want %d", b.Seq(), iterations)
	}
}
