// Package monitor 回合巡检: 周期扫描流式回合, 发现停滞并 (可选) 自动放弃。
//
// 生产者崩溃会留下永远处于 streaming 的回合, 缓冲与步骤日志随之滞留。
// 巡检用内容指纹判定停滞 (快照不变即停滞), 不要求引擎额外记时间戳。
package monitor

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/multi-agent/turn-engine/internal/bus"
	"github.com/multi-agent/turn-engine/internal/engine"
	"github.com/multi-agent/turn-engine/internal/event"
	"github.com/multi-agent/turn-engine/pkg/logger"
	"github.com/multi-agent/turn-engine/pkg/util"
)

const (
	defaultInterval   = 15 * time.Second
	defaultStuckAfter = 10 * time.Minute
)

// StatusNames 有效状态名。
var StatusNames = []string{"streaming", "stalled", "finalized", "abandoned"}

// Ingest 放弃注入回调。与网关入站链路同签名, 自动放弃照常被录制。
type Ingest func(ctx context.Context, env event.Envelope) (int64, error)

// Options 巡检配置。Engine 必填。
type Options struct {
	Engine *engine.Engine
	Bus    *bus.MessageBus // 可空: 不发布巡检快照
	Ingest Ingest          // 可空: 仅报告

	Interval    time.Duration // <= 0 → 15s
	StuckAfter  time.Duration // <= 0 → 10min
	AutoAbandon bool          // 停滞回合自动放弃 (需要 Ingest)
}

// Patrol 回合巡检器。
type Patrol struct {
	engine      *engine.Engine
	bus         *bus.MessageBus
	ingest      Ingest
	interval    time.Duration
	stuckAfter  time.Duration
	autoAbandon bool

	mu     sync.Mutex
	memory map[string]*fingerprint // 回合内容指纹缓存
}

type fingerprint struct {
	digest       uint64
	lastChangeAt time.Time
}

// NewPatrol 创建巡检器。
func NewPatrol(opts Options) *Patrol {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = defaultStuckAfter
	}
	return &Patrol{
		engine:      opts.Engine,
		bus:         opts.Bus,
		ingest:      opts.Ingest,
		interval:    opts.Interval,
		stuckAfter:  opts.StuckAfter,
		autoAbandon: opts.AutoAbandon,
		memory:      make(map[string]*fingerprint),
	}
}

// ========================================
// ClassifyTurn — 状态分类
// ========================================

// ClassifyTurn 根据阶段与停滞时长分类回合状态。
// 终态回合保持原阶段名; 流式回合停滞达到阈值判 stalled。
func ClassifyTurn(phase string, stagnant, stuckAfter time.Duration) string {
	if phase != "streaming" {
		return phase
	}
	if stagnant >= stuckAfter {
		return "stalled"
	}
	return "streaming"
}

// ========================================
// RunOnce — 单次巡检
// ========================================

// TurnHealth 单个回合巡检快照。
type TurnHealth struct {
	TurnID      string `json:"turnId"`
	Phase       string `json:"phase"`
	Status      string `json:"status"`
	StagnantSec int    `json:"stagnantSec"`
	Units       int    `json:"units"`
	Steps       int    `json:"steps"`
}

// Report 巡检结果。
type Report struct {
	Ts      time.Time      `json:"ts"`
	Summary map[string]int `json:"summary"`
	Turns   []TurnHealth   `json:"turns"`
}

// RunOnce 执行一次巡检周期 + 总线推送。
func (p *Patrol) RunOnce(ctx context.Context) *Report {
	now := time.Now()
	turns := p.engine.Turns()

	healths := make([]TurnHealth, 0, len(turns))
	for id, phase := range turns {
		if phase != "streaming" {
			p.forget(id)
			healths = append(healths, TurnHealth{TurnID: id, Phase: phase, Status: phase})
			continue
		}

		snap, err := p.engine.SnapshotTurn(id)
		if err != nil {
			// 回合在 Turns 与 Snapshot 之间消失 (并发重置), 下轮再看
			p.forget(id)
			continue
		}

		stagnant := p.computeStagnant(id, snapshotDigest(snap), now)
		status := ClassifyTurn(phase, stagnant, p.stuckAfter)
		healths = append(healths, TurnHealth{
			TurnID:      id,
			Phase:       phase,
			Status:      status,
			StagnantSec: int(stagnant.Seconds()),
			Units:       len(snap.Units),
			Steps:       len(snap.Steps),
		})

		if status == "stalled" && p.autoAbandon && p.ingest != nil {
			logger.Warn("patrol: abandoning stalled turn",
				logger.FieldTurnID, id,
				"stagnant_sec", int(stagnant.Seconds()))
			if _, err := p.ingest(ctx, event.EncodeAbandonTurn(id)); err != nil {
				logger.Warn("patrol: abandon failed",
					logger.FieldTurnID, id, logger.FieldError, err)
			}
			p.forget(id)
		}
	}
	sort.Slice(healths, func(i, j int) bool { return healths[i].TurnID < healths[j].TurnID })
	p.prune(turns)

	report := &Report{Ts: now, Summary: summarize(healths), Turns: healths}
	if p.bus != nil {
		p.bus.PublishJSON(bus.TopicPatrolStatus, "monitor", report)
	}
	return report
}

// ========================================
// Start — 定期巡检
// ========================================

// Start 启动定期巡检, ctx 取消时退出。
func (p *Patrol) Start(ctx context.Context) {
	util.SafeGo(func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.RunOnce(ctx)
			}
		}
	})
	logger.Infow("patrol started",
		"interval_sec", int(p.interval.Seconds()),
		"stuck_sec", int(p.stuckAfter.Seconds()),
		"auto_abandon", p.autoAbandon)
}

// ========================================
// 内部工具
// ========================================

// computeStagnant 计算内容停滞时长 (指纹对比)。
func (p *Patrol) computeStagnant(turnID string, digest uint64, now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, ok := p.memory[turnID]
	if !ok || prev.digest != digest {
		p.memory[turnID] = &fingerprint{digest: digest, lastChangeAt: now}
		return 0
	}
	return now.Sub(prev.lastChangeAt)
}

func (p *Patrol) forget(turnID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.memory, turnID)
}

// prune 清掉已不存在回合的指纹 (会话重置后不漏内存)。
func (p *Patrol) prune(turns map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.memory {
		if _, ok := turns[id]; !ok {
			delete(p.memory, id)
		}
	}
}

// snapshotDigest 计算回合内容指纹: 单元 HTML + 步骤数 + 步骤摘要。
func snapshotDigest(snap engine.TurnSnapshot) uint64 {
	h := fnv.New64a()
	for _, u := range snap.Units {
		fmt.Fprintf(h, "%s|%s;", u.Owner, u.Channel)
		_, _ = h.Write([]byte(u.HTML))
	}
	fmt.Fprintf(h, "#%d:%s", len(snap.Steps), snap.StepSummary)
	return h.Sum64()
}

func summarize(healths []TurnHealth) map[string]int {
	summary := make(map[string]int, len(StatusNames))
	for _, name := range StatusNames {
		summary[name] = 0
	}
	for _, h := range healths {
		summary[h.Status]++
	}
	return summary
}
