// Package engine 是回合渲染引擎的核心: 接收已解码的入站事件,
// 维护流式缓冲、内容单元、工具步骤与工件注册表, 并在回合终结时
// 恰好一次地执行完整 markdown 渲染。
//
// 并发模型: 引擎持唯一一把 RWMutex, 所有状态变更在锁内串行,
// 等价于单一逻辑变更线程; 读路径返回深拷贝快照。通知回调一律在
// 解锁后调用, 回调内再进引擎是安全的。
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/multi-agent/turn-engine/internal/artifact"
	"github.com/multi-agent/turn-engine/internal/event"
	"github.com/multi-agent/turn-engine/internal/render"
	apperrors "github.com/multi-agent/turn-engine/pkg/errors"
	"github.com/multi-agent/turn-engine/pkg/logger"
)

// ========================================
// 可插拔依赖
// ========================================

// Renderer 终结时的完整渲染。实现必须是纯函数式的:
// 同一 (turnID, text) 重复调用产出相同结果且不泄漏中间状态。
type Renderer interface {
	RenderFinal(turnID, text string) (string, error)
}

// Notify 出站通知回调, 总在锁外调用; nil 表示不通知。
type Notify func(topic string, payload any)

// ========================================
// 出站主题与负载
// ========================================

const (
	TopicUnitUpdated   = "unit.updated"
	TopicTurnFinalized = "turn.finalized"
	TopicTurnAbandoned = "turn.abandoned"
	TopicStepsUpdated  = "steps.updated"
)

// UnitUpdate unit/updated 负载: 单元渲染槽的最新内容。
type UnitUpdate struct {
	TurnID  string `json:"turnId"`
	Owner   string `json:"owner"`
	Channel string `json:"channel"`
	HTML    string `json:"html"`
	Final   bool   `json:"final"`
	Created bool   `json:"created"`
}

// TurnFinalized turn/finalized 负载。
type TurnFinalized struct {
	TurnID     string `json:"turnId"`
	Units      int    `json:"units"`
	DurationMS int64  `json:"durationMs"`
}

// TurnAbandoned turn/abandoned 负载。
type TurnAbandoned struct {
	TurnID string `json:"turnId"`
}

// StepsUpdate steps/updated 负载: 摘要 + 进行中工具 + 计数。
type StepsUpdate struct {
	TurnID     string   `json:"turnId"`
	Summary    string   `json:"summary"`
	Active     []string `json:"active"`
	ToolCount  int      `json:"toolCount"`
	AgentCount int      `json:"agentCount"`
}

// notification 锁内收集、解锁后发出的一条通知。
type notification struct {
	topic   string
	payload any
}

// ========================================
// 回合阶段
// ========================================

type turnPhase int

const (
	phaseStreaming turnPhase = iota
	phaseFinalized
	phaseAbandoned
)

func (p turnPhase) String() string {
	switch p {
	case phaseStreaming:
		return "streaming"
	case phaseFinalized:
		return "finalized"
	case phaseAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// turnState 回合的阶段机。streaming → finalized 或 streaming → abandoned,
// 两者都是终态; 记录保留到会话重置, 用于吸收迟到的重复事件。
type turnState struct {
	phase      turnPhase
	startedAt  time.Time
	finishedAt time.Time
}

// ========================================
// Engine
// ========================================

// Options 引擎构造参数。零值字段取默认。
type Options struct {
	// Registry 工件注册表; nil 时内建一个不通知的注册表。
	Registry *artifact.Registry
	// Renderer 终结渲染; nil 时用挂接 Registry 的 markdown 渲染器。
	Renderer Renderer
	// Notify 出站通知回调。
	Notify Notify
	// StepSummaryMaxRunes 步骤摘要符文上限, <= 0 取 120。
	StepSummaryMaxRunes int
}

// Engine 回合渲染引擎。
type Engine struct {
	mu    sync.RWMutex
	turns map[string]*turnState
	acc   *Accumulator
	units *UnitTable
	steps *StepTracker

	reg      *artifact.Registry
	renderer Renderer
	notify   Notify
}

// New 创建引擎。
func New(opts Options) *Engine {
	reg := opts.Registry
	if reg == nil {
		reg = artifact.NewRegistry(0, 0, nil)
	}
	r := opts.Renderer
	if r == nil {
		r = render.NewMarkdown(reg)
	}
	return &Engine{
		turns:    make(map[string]*turnState),
		acc:      NewAccumulator(),
		units:    NewUnitTable(),
		steps:    NewStepTracker(opts.StepSummaryMaxRunes),
		reg:      reg,
		renderer: r,
		notify:   opts.Notify,
	}
}

// Registry 返回引擎挂接的工件注册表。
func (e *Engine) Registry() *artifact.Registry {
	return e.reg
}

// Apply 应用一个已解码事件。解码失败在边界处已丢弃,
// 这里只会收到封闭联合的成员; 未知成员记日志后丢弃, 不会崩溃。
func (e *Engine) Apply(msg event.Message) {
	switch m := msg.(type) {
	case event.ResponseDelta:
		e.applyDelta(m)
	case event.TurnDone:
		e.applyDone(m)
	case event.ToolStep:
		e.applyStep(m)
	case event.ArtifactPayload:
		e.applyArtifactPayload(m)
	case event.LiveProcess:
		e.applyLiveProcess(m)
	case event.AbandonTurn:
		e.Abandon(m.TurnID)
	case nil:
	default:
		logger.Warn("engine: 未处理的事件变体被丢弃",
			logger.FieldEventType, fmt.Sprintf("%T", msg))
	}
}

// ensureTurnLocked 首个事件惰性建回合。
func (e *Engine) ensureTurnLocked(turnID string) *turnState {
	t, ok := e.turns[turnID]
	if !ok {
		t = &turnState{phase: phaseStreaming, startedAt: time.Now()}
		e.turns[turnID] = t
		logger.Debug("engine: 新回合开始", logger.FieldTurnID, turnID)
	}
	return t
}

// emit 解锁后逐条发出通知。
func (e *Engine) emit(notes []notification) {
	if e.notify == nil {
		return
	}
	for _, n := range notes {
		e.notify(n.topic, n.payload)
	}
}

// ========================================
// 入站处理: 流式增量
// ========================================

// applyDelta 处理 partial-response 增量: 追加缓冲并刷新流式视图。
func (e *Engine) applyDelta(m event.ResponseDelta) {
	owner := m.ResolvedOwner()
	if owner == "" {
		logger.Debug("engine: 无归属的增量被忽略", logger.FieldTurnID, m.TurnID)
		return
	}

	e.mu.Lock()
	t := e.ensureTurnLocked(m.TurnID)
	if t.phase != phaseStreaming {
		e.mu.Unlock()
		logger.Warn("engine: 回合已收尾, 迟到增量被丢弃",
			logger.FieldTurnID, m.TurnID,
			logger.FieldPhase, t.phase.String(),
			logger.FieldLen, len(m.Text))
		return
	}
	notes := e.appendLocked(m.TurnID, owner, m.Channel, m.Text)
	e.mu.Unlock()

	e.emit(notes)
}

// appendLocked 增量落地: 缓冲追加 → 净化流式文本 → 单元渲染槽覆盖。
// 快路径, 不进 markdown 渲染器。
func (e *Engine) appendLocked(turnID, owner, channel, fragment string) []notification {
	streaming := e.acc.Append(turnID, owner, fragment)
	unit, created := e.units.Upsert(turnID, owner, channel, streaming)
	if created {
		logger.Debug("engine: 新内容单元",
			logger.FieldTurnID, turnID,
			logger.FieldOwner, owner,
			logger.FieldChannel, channel)
	}
	return []notification{{TopicUnitUpdated, UnitUpdate{
		TurnID:  unit.TurnID,
		Owner:   unit.Owner,
		Channel: unit.Channel,
		HTML:    unit.HTML,
		Final:   unit.Final,
		Created: created,
	}}}
}

// ========================================
// 入站处理: 工具步骤
// ========================================

// applyStep 处理 tool-step: start 建瞬态指示, end 落永久日志。
func (e *Engine) applyStep(m event.ToolStep) {
	owner := m.ResolvedOwner()
	if owner == "" {
		logger.Debug("engine: 无归属的步骤被忽略",
			logger.FieldTurnID, m.TurnID, logger.FieldToolName, m.Tool)
		return
	}

	e.mu.Lock()
	t := e.ensureTurnLocked(m.TurnID)
	if t.phase != phaseStreaming {
		e.mu.Unlock()
		logger.Warn("engine: 回合已收尾, 迟到步骤被丢弃",
			logger.FieldTurnID, m.TurnID,
			logger.FieldToolName, m.Tool,
			logger.FieldPhase, t.phase.String())
		return
	}
	switch m.Phase {
	case event.PhaseStart:
		if !e.steps.Start(m.TurnID, owner, m.Tool, m.FromTeam(), m.Extra) {
			logger.Debug("engine: 重复的步骤开始被吸收",
				logger.FieldTurnID, m.TurnID, logger.FieldToolName, m.Tool)
		}
	case event.PhaseEnd:
		e.steps.End(m.TurnID, owner, m.Tool, m.FromTeam(), m.Extra)
	}
	notes := []notification{e.stepsNoteLocked(m.TurnID)}
	e.mu.Unlock()

	e.emit(notes)
}

// stepsNoteLocked 组装 steps/updated 通知。
func (e *Engine) stepsNoteLocked(turnID string) notification {
	toolCount, agentCount := e.steps.Counts(turnID)
	return notification{TopicStepsUpdated, StepsUpdate{
		TurnID:     turnID,
		Summary:    e.steps.Summary(turnID),
		Active:     e.steps.ActiveTools(turnID),
		ToolCount:  toolCount,
		AgentCount: agentCount,
	}}
}

// ========================================
// 入站处理: 工件与实时进程
// ========================================

// applyArtifactPayload 处理带外负载。带归属的负载是生成完成事件,
// 直接物化并立即可见; 无归属的负载无处展示, 缓存待文本引用时提取。
func (e *Engine) applyArtifactPayload(m event.ArtifactPayload) {
	if m.Owner != "" {
		e.reg.Materialize(m.ArtifactID, artifact.KindImage, m.Payload)
		return
	}
	e.reg.CachePendingPayload(m.ArtifactID, m.Payload)
}

// applyLiveProcess 处理实时进程事件, 整体转发注册表。
// start 带命令的是终端运行, 不带命令的是实时预览面。
func (e *Engine) applyLiveProcess(m event.LiveProcess) {
	switch m.Phase {
	case event.PhaseStart:
		kind := artifact.KindTerminal
		if m.Command == "" {
			kind = artifact.KindLiveView
		}
		e.reg.EnsureLive(m.ArtifactID, kind, m.Command)
	case event.PhaseOutput:
		e.reg.AppendLiveOutput(m.ArtifactID, m.Stdout+m.Stderr)
	case event.PhaseEnd:
		code := -1
		if m.ExitCode != nil {
			code = *m.ExitCode
		} else {
			logger.Warn("engine: 进程结束事件缺少退出码",
				logger.FieldArtifactID, m.ArtifactID)
		}
		e.reg.FinishLive(m.ArtifactID, code)
	}
}

// ========================================
// 读路径
// ========================================

// TurnSnapshot 回合的深拷贝视图。
type TurnSnapshot struct {
	TurnID      string        `json:"turnId"`
	Phase       string        `json:"phase"`
	Units       []ContentUnit `json:"units"`
	Steps       []StepEntry   `json:"steps"`
	StepSummary string        `json:"stepSummary"`
	StartedAt   time.Time     `json:"startedAt"`
	FinishedAt  time.Time     `json:"finishedAt"`
}

// SnapshotTurn 返回回合快照; 未知或已放弃的回合返回 ErrNotFound。
func (e *Engine) SnapshotTurn(turnID string) (TurnSnapshot, error) {
	const op = "Engine.SnapshotTurn"
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.turns[turnID]
	if !ok || t.phase == phaseAbandoned {
		return TurnSnapshot{}, apperrors.Wrapf(apperrors.ErrNotFound, op, "turn %q", turnID)
	}
	return TurnSnapshot{
		TurnID:      turnID,
		Phase:       t.phase.String(),
		Units:       e.units.SnapshotTurn(turnID),
		Steps:       e.steps.SnapshotLog(turnID),
		StepSummary: e.steps.Summary(turnID),
		StartedAt:   t.startedAt,
		FinishedAt:  t.finishedAt,
	}, nil
}

// FinalText 返回 (turn, owner) 的完整累计文本。
// 回合终结或放弃后缓冲已释放, 返回 false。
func (e *Engine) FinalText(turnID, owner string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.acc.FinalText(turnID, owner)
}

// StreamingUnit 返回单元快照 (流式视图轮询用)。
func (e *Engine) StreamingUnit(turnID, owner, channel string) (ContentUnit, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.units.Get(turnID, owner, channel)
}

// Turns 返回已知回合 id → 阶段名。
func (e *Engine) Turns() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.turns))
	for id, t := range e.turns {
		out[id] = t.phase.String()
	}
	return out
}

// Reset 清空全部回合状态与工件注册表 (会话重置)。
func (e *Engine) Reset() {
	e.mu.Lock()
	n := len(e.turns)
	e.turns = make(map[string]*turnState)
	e.acc = NewAccumulator()
	e.units = NewUnitTable()
	e.steps = NewStepTracker(e.steps.maxSummaryRunes)
	e.mu.Unlock()

	e.reg.Reset()
	logger.Info("engine: 会话已重置", logger.FieldCount, n)
}
