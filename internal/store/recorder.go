// recorder.go — 弹性事件录制: DB 优先 + 内存暂存降级。
//
// 正常: Record → turn_events 落库
// DB 异常: Record → 有界内存暂存 → 后台轮询补写, 恢复后排空
package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multi-agent/turn-engine/internal/event"
	"github.com/multi-agent/turn-engine/pkg/logger"
	"github.com/multi-agent/turn-engine/pkg/util"
)

const (
	defaultSpoolLimit = 4096
	flushInterval     = 5 * time.Second
	insertTimeout     = 5 * time.Second
)

// Recorder 入站事件录制器。
//
// seq 在录制时按会话单调递增, 回放依赖该顺序。
// 录制失败不影响引擎处理: 失败事件进入内存暂存, 后台定期补写;
// 暂存满时丢弃最旧事件并计数, 不阻塞入站路径。
type Recorder struct {
	events *TurnEventStore

	mu        sync.Mutex
	sessionID string
	seq       int64
	spool     []TurnEvent
	spoolMax  int

	healthy atomic.Bool
	dropped atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRecorder 创建录制器。spoolMax <= 0 时取默认上限。
func NewRecorder(events *TurnEventStore, sessionID string, spoolMax int) *Recorder {
	if spoolMax <= 0 {
		spoolMax = defaultSpoolLimit
	}
	r := &Recorder{
		events:    events,
		sessionID: sessionID,
		spoolMax:  spoolMax,
		stopCh:    make(chan struct{}),
	}
	r.healthy.Store(true)
	return r
}

// Start 启动后台补写协程。
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.flushLoop(ctx)
}

// Stop 停止后台补写并做最后一次排空。
func (r *Recorder) Stop() {
	close(r.stopCh)
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	r.Flush(ctx)
}

// Record 录制一条入站事件, 返回其在当前会话内的 seq。
func (r *Recorder) Record(ctx context.Context, env event.Envelope, turnID string) int64 {
	r.mu.Lock()
	r.seq++
	te := TurnEvent{
		SessionID: r.sessionID,
		Seq:       r.seq,
		EventType: env.Type,
		TurnID:    turnID,
		Payload:   env.Data,
	}
	r.mu.Unlock()

	if r.healthy.Load() {
		err := r.tryInsert(ctx, &te)
		if err == nil {
			return te.Seq
		}
		r.healthy.Store(false)
		logger.Warn("recorder: insert failed, switching to memory spool",
			logger.FieldSeq, te.Seq,
			logger.FieldError, err)
	}

	r.enqueue(te)
	return te.Seq
}

// SwitchSession 切换到新会话, seq 重新从 1 计数。
// 暂存中的旧会话事件保留原会话标识, 补写不受影响。
func (r *Recorder) SwitchSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = sessionID
	r.seq = 0
}

// SessionID 返回当前会话 ID。
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Seq 返回当前会话已录制的最大 seq。
func (r *Recorder) Seq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Healthy 返回 DB 写入是否健康。
func (r *Recorder) Healthy() bool { return r.healthy.Load() }

// SpoolDepth 返回暂存队列深度。
func (r *Recorder) SpoolDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spool)
}

// Dropped 返回因暂存溢出被丢弃的事件数。
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Flush 尝试把暂存事件按序补写入库, 返回补写条数。
// 任一条失败即停止, 剩余放回队头等下一轮; 整批写完恢复健康标记。
func (r *Recorder) Flush(ctx context.Context) int {
	r.mu.Lock()
	if len(r.spool) == 0 {
		r.mu.Unlock()
		return 0
	}
	batch := r.spool
	r.spool = nil
	r.mu.Unlock()

	flushed := 0
	for i := range batch {
		if err := r.tryInsert(ctx, &batch[i]); err != nil {
			r.requeue(batch[i:])
			if flushed > 0 {
				logger.Info("recorder: partial spool flush",
					logger.FieldCount, flushed,
					logger.FieldError, err)
			}
			return flushed
		}
		flushed++
	}

	wasUnhealthy := !r.healthy.Load()
	r.healthy.Store(true)
	if wasUnhealthy {
		logger.Info("recorder: db recovered, spool drained", logger.FieldCount, flushed)
	}
	return flushed
}

// tryInsert 单条落库, 吸收底层 panic 为错误。
func (r *Recorder) tryInsert(ctx context.Context, te *TurnEvent) error {
	return util.SafeCall("TurnEventStore.Insert", func() error {
		return r.events.Insert(ctx, te)
	})
}

// enqueue 进入暂存队列, 满时丢最旧。
func (r *Recorder) enqueue(te TurnEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.spool) >= r.spoolMax {
		n := copy(r.spool, r.spool[1:])
		r.spool = r.spool[:n]
		r.dropped.Add(1)
	}
	r.spool = append(r.spool, te)
}

// requeue 把未写入的事件放回队头 (保持 seq 顺序), 超限丢最旧。
func (r *Recorder) requeue(pending []TurnEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	merged := make([]TurnEvent, 0, len(pending)+len(r.spool))
	merged = append(merged, pending...)
	merged = append(merged, r.spool...)
	if over := len(merged) - r.spoolMax; over > 0 {
		merged = merged[over:]
		r.dropped.Add(int64(over))
	}
	r.spool = merged
}

// flushLoop 后台补写: 定期尝试排空暂存。
func (r *Recorder) flushLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(context.Background(), insertTimeout)
			r.Flush(flushCtx)
			cancel()
		}
	}
}
