// decode.go — {type, data} 信封 → 封闭联合的边界解码。
//
// 纯函数, 无状态, 热路径安全。解码失败返回 ErrMalformedEvent 包装错误,
// 调用方记录警告并丢弃该事件, 不得中断同一回合后续事件的处理。
package event

import (
	"encoding/json"

	apperrors "github.com/multi-agent/turn-engine/pkg/errors"
)

// ========================================
// 线格式负载 (仅解码用)
// ========================================

type partialResponseWire struct {
	TurnID    string `json:"turnId"`
	OwnerName string `json:"ownerName,omitempty"`
	TeamName  string `json:"teamName,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Text      string `json:"text,omitempty"`
	Streaming bool   `json:"streaming,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

type toolStepWire struct {
	TurnID    string          `json:"turnId"`
	Phase     string          `json:"phase"`
	ToolName  string          `json:"toolName"`
	OwnerName string          `json:"ownerName,omitempty"`
	TeamName  string          `json:"teamName,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

type artifactPayloadWire struct {
	TurnID     string `json:"turnId,omitempty"`
	ArtifactID string `json:"artifactId"`
	Payload    string `json:"payload"`
	OwnerName  string `json:"ownerName,omitempty"`
}

type liveProcessWire struct {
	ArtifactID string `json:"artifactId"`
	Phase      string `json:"phase"`
	Command    string `json:"command,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
}

type abandonTurnWire struct {
	TurnID string `json:"turnId"`
}

// ========================================
// 解码入口
// ========================================

const opDecode = "Event.Decode"

// DecodeEnvelope 解析原始字节为信封并解码其负载。
func DecodeEnvelope(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedEvent, opDecode, "invalid envelope json")
	}
	return Decode(env.Type, env.Data)
}

// Decode 把一个 {type, data} 信封解码为封闭联合的一个变体。
func Decode(typ string, data json.RawMessage) (Message, error) {
	switch typ {
	case TypePartialResponse:
		return decodePartialResponse(data)
	case TypeToolStep:
		return decodeToolStep(data)
	case TypeArtifactPayload:
		return decodeArtifactPayload(data)
	case TypeLiveProcess:
		return decodeLiveProcess(data)
	case TypeAbandonTurn:
		return decodeAbandonTurn(data)
	default:
		return nil, apperrors.Wrapf(apperrors.ErrMalformedEvent, opDecode, "unknown event type %q", typ)
	}
}

func decodePartialResponse(data json.RawMessage) (Message, error) {
	var w partialResponseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedEvent, opDecode, "partial-response: bad json")
	}
	if w.TurnID == "" {
		return nil, apperrors.Wrap(apperrors.ErrMalformedEvent, opDecode, "partial-response: field turnId missing")
	}
	ch := normalizeChannel(w.Channel)
	if w.Done {
		return TurnDone{TurnID: w.TurnID, Owner: w.OwnerName, Team: w.TeamName, Channel: ch, Text: w.Text}, nil
	}
	return ResponseDelta{TurnID: w.TurnID, Owner: w.OwnerName, Team: w.TeamName, Channel: ch, Text: w.Text}, nil
}

func decodeToolStep(data json.RawMessage) (Message, error) {
	var w toolStepWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedEvent, opDecode, "tool-step: bad json")
	}
	if w.TurnID == "" {
		return nil, apperrors.Wrap(apperrors.ErrMalformedEvent, opDecode, "tool-step: field turnId missing")
	}
	if w.ToolName == "" {
		return nil, apperrors.Wrap(apperrors.ErrMalformedEvent, opDecode, "tool-step: field toolName missing")
	}
	if w.Phase != PhaseStart && w.Phase != PhaseEnd {
		return nil, apperrors.Wrapf(apperrors.ErrMalformedEvent, opDecode, "tool-step: bad phase %q", w.Phase)
	}
	return ToolStep{
		TurnID: w.TurnID,
		Phase:  w.Phase,
		Tool:   w.ToolName,
		Owner:  w.OwnerName,
		Team:   w.TeamName,
		Extra:  w.Extra,
	}, nil
}

func decodeArtifactPayload(data json.RawMessage) (Message, error) {
	var w artifactPayloadWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedEvent, opDecode, "artifact-payload: bad json")
	}
	if w.ArtifactID == "" {
		return nil, apperrors.Wrap(apperrors.ErrMalformedEvent, opDecode, "artifact-payload: field artifactId missing")
	}
	return ArtifactPayload{
		TurnID:     w.TurnID,
		ArtifactID: w.ArtifactID,
		Payload:    w.Payload,
		Owner:      w.OwnerName,
	}, nil
}

func decodeLiveProcess(data json.RawMessage) (Message, error) {
	var w liveProcessWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedEvent, opDecode, "live-process: bad json")
	}
	if w.ArtifactID == "" {
		return nil, apperrors.Wrap(apperrors.ErrMalformedEvent, opDecode, "live-process: field artifactId missing")
	}
	if w.Phase != PhaseStart && w.Phase != PhaseOutput && w.Phase != PhaseEnd {
		return nil, apperrors.Wrapf(apperrors.ErrMalformedEvent, opDecode, "live-process: bad phase %q", w.Phase)
	}
	return LiveProcess{
		ArtifactID: w.ArtifactID,
		Phase:      w.Phase,
		Command:    w.Command,
		Stdout:     w.Stdout,
		Stderr:     w.Stderr,
		ExitCode:   w.ExitCode,
	}, nil
}

func decodeAbandonTurn(data json.RawMessage) (Message, error) {
	var w abandonTurnWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedEvent, opDecode, "abandon-turn: bad json")
	}
	if w.TurnID == "" {
		return nil, apperrors.Wrap(apperrors.ErrMalformedEvent, opDecode, "abandon-turn: field turnId missing")
	}
	return AbandonTurn{TurnID: w.TurnID}, nil
}

// normalizeChannel 未知渠道归并到 primary, 避免为拼写错误的渠道建孤儿单元。
func normalizeChannel(ch string) string {
	switch ch {
	case ChannelPrimary, ChannelLog:
		return ch
	default:
		return ChannelPrimary
	}
}
