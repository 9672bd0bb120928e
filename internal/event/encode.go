// encode.go — 本地产生的事件 → {type, data} 信封。
//
// 沙箱进程事件在服务端本地产生, 不经过入站传输层;
// 编码为信封后与入站事件走同一条录制/回放链路。
package event

import "encoding/json"

// EncodeLiveProcess 构造 live-process 信封。
func EncodeLiveProcess(p LiveProcess) Envelope {
	data, _ := json.Marshal(liveProcessWire{
		ArtifactID: p.ArtifactID,
		Phase:      p.Phase,
		Command:    p.Command,
		Stdout:     p.Stdout,
		Stderr:     p.Stderr,
		ExitCode:   p.ExitCode,
	})
	return Envelope{Type: TypeLiveProcess, Data: data}
}

// EncodeAbandonTurn 构造 abandon-turn 信封 (REST 放弃入口用)。
func EncodeAbandonTurn(turnID string) Envelope {
	data, _ := json.Marshal(abandonTurnWire{TurnID: turnID})
	return Envelope{Type: TypeAbandonTurn, Data: data}
}

// TurnOf 返回事件归属的回合 ID; 不携带回合的事件返回空串。
func TurnOf(m Message) string {
	switch v := m.(type) {
	case ResponseDelta:
		return v.TurnID
	case TurnDone:
		return v.TurnID
	case ToolStep:
		return v.TurnID
	case ArtifactPayload:
		return v.TurnID
	case AbandonTurn:
		return v.TurnID
	default:
		return ""
	}
}
