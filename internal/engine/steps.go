// steps.go — 工具步骤的瞬态指示 + 永久日志 + 计数摘要。
package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// stepKey 瞬态指示键。同键同时至多一个进行中步骤。
type stepKey struct {
	turnID string
	owner  string
	tool   string
}

// StepStatus 步骤状态。
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
)

// StepEntry 永久步骤日志项。只追加, 结束时原位更新状态, 从不删除。
type StepEntry struct {
	Owner     string          `json:"owner"`
	Tool      string          `json:"tool"`
	SubAgent  bool            `json:"subAgent"`
	Status    StepStatus      `json:"status"`
	StartedAt time.Time       `json:"startedAt"`
	EndedAt   time.Time       `json:"endedAt"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// StepTracker 步骤跟踪器。瞬态指示随 end 消失, 永久日志随回合存续,
// 摘要在每次变更后重算。
//
// 自身不持锁: Engine 串行化所有变更。
type StepTracker struct {
	active          map[stepKey]*StepEntry
	logs            map[string][]*StepEntry
	maxSummaryRunes int
}

// NewStepTracker 创建跟踪器。maxSummaryRunes <= 0 时用 120。
func NewStepTracker(maxSummaryRunes int) *StepTracker {
	if maxSummaryRunes <= 0 {
		maxSummaryRunes = 120
	}
	return &StepTracker{
		active:          make(map[stepKey]*StepEntry),
		logs:            make(map[string][]*StepEntry),
		maxSummaryRunes: maxSummaryRunes,
	}
}

// Start 记录步骤开始: 建瞬态指示并追加日志项。
// 同键重复 start (开始事件重放) 不再追加, 返回 false。
func (t *StepTracker) Start(turnID, owner, tool string, subAgent bool, extra json.RawMessage) bool {
	k := stepKey{turnID: turnID, owner: owner, tool: tool}
	if _, ok := t.active[k]; ok {
		return false
	}
	e := &StepEntry{
		Owner:     owner,
		Tool:      tool,
		SubAgent:  subAgent,
		Status:    StepRunning,
		StartedAt: time.Now(),
		Extra:     extra,
	}
	t.active[k] = e
	t.logs[turnID] = append(t.logs[turnID], e)
	return true
}

// End 记录步骤结束: 清瞬态指示, 原位把日志项置为 completed。
// 没有对应 start 时直接追加一条已完成项, 日志仍然完整。
func (t *StepTracker) End(turnID, owner, tool string, subAgent bool, extra json.RawMessage) {
	k := stepKey{turnID: turnID, owner: owner, tool: tool}
	now := time.Now()
	if e, ok := t.active[k]; ok {
		e.Status = StepCompleted
		e.EndedAt = now
		if len(extra) > 0 {
			e.Extra = extra
		}
		delete(t.active, k)
		return
	}
	t.logs[turnID] = append(t.logs[turnID], &StepEntry{
		Owner:     owner,
		Tool:      tool,
		SubAgent:  subAgent,
		Status:    StepCompleted,
		StartedAt: now,
		EndedAt:   now,
		Extra:     extra,
	})
}

// ActiveTools 返回该回合进行中的工具名, 字典序去重。
func (t *StepTracker) ActiveTools(turnID string) []string {
	seen := make(map[string]bool)
	var tools []string
	for k := range t.active {
		if k.turnID == turnID && !seen[k.tool] {
			seen[k.tool] = true
			tools = append(tools, k.tool)
		}
	}
	sort.Strings(tools)
	return tools
}

// Counts 返回该回合日志里 (工具步骤数, 子代理步骤数)。
func (t *StepTracker) Counts(turnID string) (int, int) {
	entries := t.logs[turnID]
	agents := lo.CountBy(entries, func(e *StepEntry) bool { return e.SubAgent })
	return len(entries) - agents, agents
}

// SnapshotLog 按追加序返回该回合日志的深拷贝。
func (t *StepTracker) SnapshotLog(turnID string) []StepEntry {
	src := t.logs[turnID]
	entries := make([]StepEntry, 0, len(src))
	for _, e := range src {
		entries = append(entries, *e)
	}
	return entries
}

// Summary 重算该回合的人类可读摘要, 超长按符文截断。
func (t *StepTracker) Summary(turnID string) string {
	var parts []string
	if tools := t.ActiveTools(turnID); len(tools) > 0 {
		parts = append(parts, "正在使用 "+strings.Join(tools, ", "))
	}
	toolCount, agentCount := t.Counts(turnID)
	if toolCount > 0 {
		parts = append(parts, fmt.Sprintf("%d 个工具步骤", toolCount))
	}
	if agentCount > 0 {
		parts = append(parts, fmt.Sprintf("%d 个子代理任务", agentCount))
	}
	if len(parts) == 0 {
		return ""
	}
	return compactOneLine(strings.Join(parts, " · "), t.maxSummaryRunes)
}

// ClearActive 清该回合全部瞬态指示 (回合终结时日志保留)。
func (t *StepTracker) ClearActive(turnID string) {
	for k := range t.active {
		if k.turnID == turnID {
			delete(t.active, k)
		}
	}
}

// Release 丢弃该回合全部指示与日志。
func (t *StepTracker) Release(turnID string) {
	t.ClearActive(turnID)
	delete(t.logs, turnID)
}

// compactOneLine 把文本压成单行并按符文数截断。
func compactOneLine(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
