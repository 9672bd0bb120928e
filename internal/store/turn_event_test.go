// turn_event_test.go — 事件留档与回放集成测试 (需要真实 PostgreSQL)。
package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/multi-agent/turn-engine/internal/event"
)

func TestTurnEventStore(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	store := NewTurnEventStore(pool)
	ctx := context.Background()
	sessionID := uuid.NewString()

	insert := func(seq int64, eventType string, payload string) {
		t.Helper()
		err := store.Insert(ctx, &TurnEvent{
			SessionID: sessionID,
			Seq:       seq,
			EventType: eventType,
			TurnID:    "turn-1",
			Payload:   json.RawMessage(payload),
		})
		if err != nil {
			t.Fatalf("insert seq %d: %v", seq, err)
		}
	}

	insert(1, event.TypePartialResponse, `{"turnId":"turn-1","ownerName":"Ava","text":"Hello"}`)
	insert(2, event.TypePartialResponse, `{"turnId":"turn-1","ownerName":"Ava","done":true}`)
	insert(3, "bogus-kind", `{}`)

	t.Run("DuplicateSeqAbsorbed", func(t *testing.T) {
		insert(1, event.TypePartialResponse, `{"turnId":"turn-1","text":"dup"}`)
		events, err := store.ListBySession(ctx, sessionID, 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("got %d events, want 3 (duplicate absorbed)", len(events))
		}
	})

	t.Run("ListBySession_SeqAscending", func(t *testing.T) {
		events, err := store.ListBySession(ctx, sessionID, 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for i, e := range events {
			if e.Seq != int64(i+1) {
				t.Errorf("events[%d].Seq = %d, want %d", i, e.Seq, i+1)
			}
		}
	})

	t.Run("ListByTurn", func(t *testing.T) {
		events, err := store.ListByTurn(ctx, "turn-1", 10)
		if err != nil {
			t.Fatalf("list by turn: %v", err)
		}
		if len(events) < 3 {
			t.Errorf("got %d events for turn-1, want >= 3", len(events))
		}
	})

	t.Run("Replay_SkipsMalformed", func(t *testing.T) {
		var seqs []int64
		var msgs []event.Message
		replayed, err := store.Replay(ctx, sessionID, func(seq int64, msg event.Message) {
			seqs = append(seqs, seq)
			msgs = append(msgs, msg)
		})
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if replayed != 2 {
			t.Fatalf("replayed %d events, want 2 (bogus-kind skipped)", replayed)
		}
		if seqs[0] != 1 || seqs[1] != 2 {
			t.Errorf("replay seqs = %v, want [1 2]", seqs)
		}
		if _, ok := msgs[0].(event.ResponseDelta); !ok {
			t.Errorf("msgs[0] is %T, want ResponseDelta", msgs[0])
		}
		if _, ok := msgs[1].(event.TurnDone); !ok {
			t.Errorf("msgs[1] is %T, want TurnDone", msgs[1])
		}
	})

	t.Run("Cleanup_KeepsFreshRows", func(t *testing.T) {
		deleted, err := store.Cleanup(ctx, 30)
		if err != nil {
			t.Fatalf("cleanup: %v", err)
		}
		if deleted < 0 {
			t.Errorf("deleted = %d", deleted)
		}
		events, err := store.ListBySession(ctx, sessionID, 10)
		if err != nil {
			t.Fatalf("list after cleanup: %v", err)
		}
		if len(events) != 3 {
			t.Errorf("cleanup removed fresh rows, %d left, want 3", len(events))
		}
	})
}
