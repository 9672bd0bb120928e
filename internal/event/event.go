// Package event 定义引擎入站事件的封闭联合。
//
// 传输层 (WebSocket 注入、REST、会话回放) 携带松散的 {type, data} 信封;
// Decode 在边界处一次性解码为有限的变体集合, 下游组件对 Message 做穷举
// 类型开关, 不再逐字段探测字符串标签。
package event

import (
	"encoding/json"

	"github.com/multi-agent/turn-engine/pkg/util"
)

// Envelope 传输信封。Data 的结构由 Type 决定, 由 Decode 解出。
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	// Seq 由录制器在落库时写入, 回放时用于排序; 线格式中不出现。
	Seq int64 `json:"-"`
}

// ========================================
// 线格式类型常量
// ========================================

const (
	TypePartialResponse = "partial-response"
	TypeToolStep        = "tool-step"
	TypeArtifactPayload = "artifact-payload"
	TypeLiveProcess     = "live-process"
	TypeAbandonTurn     = "abandon-turn"
)

// 渠道取值。未知渠道在解码时归一化为 ChannelPrimary。
const (
	ChannelPrimary = "primary"
	ChannelLog     = "log"
)

// 工具步骤 / 沙箱进程阶段。
const (
	PhaseStart  = "start"
	PhaseEnd    = "end"
	PhaseOutput = "output"
)

// ========================================
// 封闭联合
// ========================================

// Message 解码后的入站事件。实现类型是封闭集合:
// ResponseDelta, TurnDone, ToolStep, ArtifactPayload, LiveProcess, AbandonTurn。
type Message interface {
	isMessage()
}

// ResponseDelta 流式文本增量 (partial-response, done=false)。
type ResponseDelta struct {
	TurnID  string
	Owner   string // ownerName, 可为空
	Team    string // teamName, 可为空
	Channel string // ChannelPrimary | ChannelLog
	Text    string
}

// TurnDone 回合完成 (partial-response, done=true)。
// Text 为可选的尾部增量, 在最终渲染前并入缓冲。
type TurnDone struct {
	TurnID  string
	Owner   string
	Team    string
	Channel string
	Text    string
}

// ToolStep 工具步骤开始/结束。
type ToolStep struct {
	TurnID string
	Phase  string // PhaseStart | PhaseEnd
	Tool   string
	Owner  string
	Team   string
	Extra  json.RawMessage // 透传给步骤日志, 引擎不解析
}

// ArtifactPayload 带外工件负载。与文本流无顺序保证:
// 负载可能先于引用它的文本到达, 也可能在之后。
type ArtifactPayload struct {
	TurnID     string // 可选
	ArtifactID string
	Payload    string
	Owner      string // 可选
}

// LiveProcess 终端/沙箱进程事件。
type LiveProcess struct {
	ArtifactID string
	Phase      string // PhaseStart | PhaseOutput | PhaseEnd
	Command    string
	Stdout     string
	Stderr     string
	ExitCode   *int // 仅 PhaseEnd 携带
}

// AbandonTurn 显式放弃回合: 释放缓冲与单元, 不触发最终渲染。
type AbandonTurn struct {
	TurnID string
}

func (ResponseDelta) isMessage()   {}
func (TurnDone) isMessage()        {}
func (ToolStep) isMessage()        {}
func (ArtifactPayload) isMessage() {}
func (LiveProcess) isMessage()     {}
func (AbandonTurn) isMessage()     {}

// ========================================
// 归属解析
// ========================================

// ResolvedOwner 内容归属名: ownerName 优先, 其次 teamName。
// 两者皆空表示该事件不产生内容单元, 引擎静默忽略。
func (d ResponseDelta) ResolvedOwner() string { return util.FirstNonEmpty(d.Owner, d.Team) }

// ResolvedOwner 同 ResponseDelta; 空归属的 TurnDone 仍会终结整个回合。
func (d TurnDone) ResolvedOwner() string { return util.FirstNonEmpty(d.Owner, d.Team) }

// ResolvedOwner 步骤归属名。
func (s ToolStep) ResolvedOwner() string { return util.FirstNonEmpty(s.Owner, s.Team) }

// FromTeam 步骤是否来自子代理 (仅携带 teamName)。
// 步骤计数器按此区分 tool / sub-agent 两类。
func (s ToolStep) FromTeam() bool { return s.Owner == "" && s.Team != "" }
