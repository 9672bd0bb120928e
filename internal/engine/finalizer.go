// finalizer.go — 回合终结: 恰好一次的完整渲染与放弃路径。
package engine

import (
	"time"

	"github.com/multi-agent/turn-engine/internal/event"
	"github.com/multi-agent/turn-engine/internal/render"
	"github.com/multi-agent/turn-engine/pkg/logger"
	"github.com/multi-agent/turn-engine/pkg/util"
)

// applyDone 处理完成事件。尾随文本先按普通增量落地, 再跑终结渲染;
// 阶段翻转与渲染在同一临界区内, 重复完成事件只会看到非 streaming
// 阶段并被吸收, 这就是恰好一次的来源。
func (e *Engine) applyDone(m event.TurnDone) {
	e.mu.Lock()
	t := e.ensureTurnLocked(m.TurnID)
	if t.phase != phaseStreaming {
		phase := t.phase.String()
		e.mu.Unlock()
		logger.Info("engine: 重复的完成事件被吸收",
			logger.FieldTurnID, m.TurnID, logger.FieldPhase, phase)
		return
	}

	var notes []notification
	if owner := m.ResolvedOwner(); m.Text != "" && owner != "" {
		notes = append(notes, e.appendLocked(m.TurnID, owner, m.Channel, m.Text)...)
	}
	notes = append(notes, e.finalizeLocked(m.TurnID)...)

	released := e.acc.Release(m.TurnID)
	e.steps.ClearActive(m.TurnID)
	t.phase = phaseFinalized
	t.finishedAt = time.Now()

	units := len(e.units.ForTurn(m.TurnID))
	durMS := t.finishedAt.Sub(t.startedAt).Milliseconds()
	notes = append(notes,
		e.stepsNoteLocked(m.TurnID),
		notification{TopicTurnFinalized, TurnFinalized{
			TurnID:     m.TurnID,
			Units:      units,
			DurationMS: durMS,
		}})
	e.mu.Unlock()

	e.emit(notes)
	logger.Info("engine: 回合已终结",
		logger.FieldTurnID, m.TurnID,
		logger.FieldCount, units,
		"buffers_released", released,
		logger.FieldDurationMS, durMS)
}

// finalizeLocked 对回合内每个单元覆盖最终渲染。渲染按 owner 缓存,
// 同一 (turn, owner) 至多进一次渲染器; 渲染器在锁内运行,
// 注册表的通知回调因此不得回调引擎。
func (e *Engine) finalizeLocked(turnID string) []notification {
	var notes []notification
	renderedByOwner := make(map[string]string)

	for _, u := range e.units.ForTurn(turnID) {
		html, ok := renderedByOwner[u.Owner]
		if !ok {
			text, found := e.acc.FinalText(turnID, u.Owner)
			if !found {
				// 缓冲已释放说明该 owner 在本回合被提前收走, 单元保持原渲染。
				logger.Warn("engine: 终结时缓冲缺失, 单元跳过",
					logger.FieldTurnID, turnID, logger.FieldOwner, u.Owner)
				continue
			}
			html = e.renderFinalLocked(turnID, u.Owner, text)
			renderedByOwner[u.Owner] = html
		}
		u.HTML = html
		u.Final = true
		u.UpdatedAt = time.Now()
		notes = append(notes, notification{TopicUnitUpdated, UnitUpdate{
			TurnID:  u.TurnID,
			Owner:   u.Owner,
			Channel: u.Channel,
			HTML:    u.HTML,
			Final:   true,
		}})
	}
	return notes
}

// renderFinalLocked 调渲染器并兜底: 出错或 panic 时单元降级为
// 净化后的原始文本, 回合照常终结, 绝不让一次渲染失败拖垮回合。
func (e *Engine) renderFinalLocked(turnID, owner, text string) string {
	var html string
	err := util.SafeCall("Renderer.RenderFinal", func() error {
		var rerr error
		html, rerr = e.renderer.RenderFinal(turnID, text)
		return rerr
	})
	if err != nil {
		logger.Warn("engine: 最终渲染失败, 单元降级为净化文本",
			logger.FieldTurnID, turnID,
			logger.FieldOwner, owner,
			logger.FieldError, err.Error())
		return render.SanitizeStreaming(text)
	}
	return html
}

// Abandon 放弃回合: 丢弃缓冲、单元、步骤与回合级铸造索引,
// 不跑渲染。放弃未知或已收尾的回合是记录日志的无操作。
func (e *Engine) Abandon(turnID string) {
	e.mu.Lock()
	t, ok := e.turns[turnID]
	if !ok {
		e.mu.Unlock()
		logger.Warn("engine: 放弃未知回合, 无操作", logger.FieldTurnID, turnID)
		return
	}
	if t.phase != phaseStreaming {
		phase := t.phase.String()
		e.mu.Unlock()
		logger.Warn("engine: 回合已收尾, 放弃请求被忽略",
			logger.FieldTurnID, turnID, logger.FieldPhase, phase)
		return
	}

	buffers := e.acc.Release(turnID)
	units := e.units.Release(turnID)
	e.steps.Release(turnID)
	t.phase = phaseAbandoned
	t.finishedAt = time.Now()
	e.mu.Unlock()

	e.reg.ReleaseTurn(turnID)
	if e.notify != nil {
		e.notify(TopicTurnAbandoned, TurnAbandoned{TurnID: turnID})
	}
	logger.Info("engine: 回合已放弃",
		logger.FieldTurnID, turnID,
		"buffers_released", buffers,
		"units_released", units)
}
