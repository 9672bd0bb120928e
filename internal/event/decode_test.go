package event

import (
	"encoding/json"
	"errors"
	"testing"

	apperrors "github.com/multi-agent/turn-engine/pkg/errors"
)

// ─── partial-response → ResponseDelta / TurnDone ───

func TestDecode_PartialResponseDelta(t *testing.T) {
	data, _ := json.Marshal(map[string]any{
		"turnId":    "t1",
		"ownerName": "Assistant",
		"channel":   "primary",
		"text":      "Hel",
		"streaming": true,
	})

	msg, err := Decode(TypePartialResponse, data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	d, ok := msg.(ResponseDelta)
	if !ok {
		t.Fatalf("Decode() = %T, want ResponseDelta", msg)
	}
	if d.TurnID != "t1" {
		t.Errorf("TurnID = %q, want 't1'", d.TurnID)
	}
	if d.Owner != "Assistant" {
		t.Errorf("Owner = %q, want 'Assistant'", d.Owner)
	}
	if d.Channel != ChannelPrimary {
		t.Errorf("Channel = %q, want %q", d.Channel, ChannelPrimary)
	}
	if d.Text != "Hel" {
		t.Errorf("Text = %q, want 'Hel'", d.Text)
	}
}

func TestDecode_PartialResponseDone(t *testing.T) {
	data, _ := json.Marshal(map[string]any{
		"turnId":    "t1",
		"ownerName": "Assistant",
		"done":      true,
		"text":      "tail",
	})

	msg, err := Decode(TypePartialResponse, data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	d, ok := msg.(TurnDone)
	if !ok {
		t.Fatalf("Decode() = %T, want TurnDone", msg)
	}
	if d.TurnID != "t1" {
		t.Errorf("TurnID = %q, want 't1'", d.TurnID)
	}
	if d.Text != "tail" {
		t.Errorf("Text = %q, want 'tail'", d.Text)
	}
}

func TestDecode_DoneWithoutText(t *testing.T) {
	data, _ := json.Marshal(map[string]any{"turnId": "t1", "done": true})
	msg, err := Decode(TypePartialResponse, data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	d, ok := msg.(TurnDone)
	if !ok {
		t.Fatalf("Decode() = %T, want TurnDone", msg)
	}
	if d.Text != "" {
		t.Errorf("Text = %q, want empty", d.Text)
	}
}

func TestDecode_ChannelNormalization(t *testing.T) {
	cases := []struct {
		name    string
		channel string
		want    string
	}{
		{"primary kept", "primary", ChannelPrimary},
		{"log kept", "log", ChannelLog},
		{"empty falls back", "", ChannelPrimary},
		{"unknown falls back", "reasoning", ChannelPrimary},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, _ := json.Marshal(map[string]any{"turnId": "t1", "channel": tc.channel})
			msg, err := Decode(TypePartialResponse, data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got := msg.(ResponseDelta).Channel; got != tc.want {
				t.Errorf("Channel = %q, want %q", got, tc.want)
			}
		})
	}
}

// ─── tool-step → ToolStep ───

func TestDecode_ToolStep(t *testing.T) {
	data, _ := json.Marshal(map[string]any{
		"turnId":   "t1",
		"phase":    "start",
		"toolName": "web_search",
		"teamName": "Research",
	})

	msg, err := Decode(TypeToolStep, data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	s, ok := msg.(ToolStep)
	if !ok {
		t.Fatalf("Decode() = %T, want ToolStep", msg)
	}
	if s.Phase != PhaseStart {
		t.Errorf("Phase = %q, want %q", s.Phase, PhaseStart)
	}
	if s.Tool != "web_search" {
		t.Errorf("Tool = %q, want 'web_search'", s.Tool)
	}
	if s.Team != "Research" {
		t.Errorf("Team = %q, want 'Research'", s.Team)
	}
}

func TestDecode_ToolStepBadPhase(t *testing.T) {
	data, _ := json.Marshal(map[string]any{"turnId": "t1", "phase": "running", "toolName": "x"})
	_, err := Decode(TypeToolStep, data)
	if !errors.Is(err, apperrors.ErrMalformedEvent) {
		t.Errorf("err = %v, want ErrMalformedEvent", err)
	}
}

// ─── artifact-payload → ArtifactPayload ───

func TestDecode_ArtifactPayload(t *testing.T) {
	data, _ := json.Marshal(map[string]any{
		"artifactId": "img-1",
		"payload":    "BASE64",
	})

	msg, err := Decode(TypeArtifactPayload, data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	p, ok := msg.(ArtifactPayload)
	if !ok {
		t.Fatalf("Decode() = %T, want ArtifactPayload", msg)
	}
	if p.ArtifactID != "img-1" {
		t.Errorf("ArtifactID = %q, want 'img-1'", p.ArtifactID)
	}
	if p.Payload != "BASE64" {
		t.Errorf("Payload = %q, want 'BASE64'", p.Payload)
	}
	if p.TurnID != "" {
		t.Errorf("TurnID = %q, want empty (optional field)", p.TurnID)
	}
}

// ─── live-process → LiveProcess ───

func TestDecode_LiveProcessPhases(t *testing.T) {
	cases := []struct {
		name  string
		body  map[string]any
		phase string
	}{
		{"start with command", map[string]any{"artifactId": "term-1", "phase": "start", "command": "python run.py"}, PhaseStart},
		{"output chunk", map[string]any{"artifactId": "term-1", "phase": "output", "stdout": "line\n"}, PhaseOutput},
		{"end with exit code", map[string]any{"artifactId": "term-1", "phase": "end", "exitCode": 0}, PhaseEnd},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, _ := json.Marshal(tc.body)
			msg, err := Decode(TypeLiveProcess, data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			lp, ok := msg.(LiveProcess)
			if !ok {
				t.Fatalf("Decode() = %T, want LiveProcess", msg)
			}
			if lp.Phase != tc.phase {
				t.Errorf("Phase = %q, want %q", lp.Phase, tc.phase)
			}
		})
	}
}

func TestDecode_LiveProcessExitCode(t *testing.T) {
	data, _ := json.Marshal(map[string]any{"artifactId": "term-1", "phase": "end", "exitCode": 42})
	msg, err := Decode(TypeLiveProcess, data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	lp := msg.(LiveProcess)
	if lp.ExitCode == nil {
		t.Fatal("ExitCode is nil")
	}
	if *lp.ExitCode != 42 {
		t.Errorf("ExitCode = %d, want 42", *lp.ExitCode)
	}
}

func TestDecode_LiveProcessNoExitCode(t *testing.T) {
	data, _ := json.Marshal(map[string]any{"artifactId": "term-1", "phase": "output"})
	msg, _ := Decode(TypeLiveProcess, data)
	if lp := msg.(LiveProcess); lp.ExitCode != nil {
		t.Errorf("ExitCode = %d, want nil", *lp.ExitCode)
	}
}

// ─── abandon-turn → AbandonTurn ───

func TestDecode_AbandonTurn(t *testing.T) {
	data, _ := json.Marshal(map[string]any{"turnId": "t9"})
	msg, err := Decode(TypeAbandonTurn, data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	a, ok := msg.(AbandonTurn)
	if !ok {
		t.Fatalf("Decode() = %T, want AbandonTurn", msg)
	}
	if a.TurnID != "t9" {
		t.Errorf("TurnID = %q, want 't9'", a.TurnID)
	}
}

// ─── 格式错误: 丢弃但不中断 ───

func TestDecode_MalformedEvents(t *testing.T) {
	cases := []struct {
		name string
		typ  string
		body map[string]any
	}{
		{"unknown type", "telemetry-ping", map[string]any{"turnId": "t1"}},
		{"partial-response missing turnId", TypePartialResponse, map[string]any{"text": "x"}},
		{"tool-step missing turnId", TypeToolStep, map[string]any{"phase": "start", "toolName": "x"}},
		{"tool-step missing toolName", TypeToolStep, map[string]any{"turnId": "t1", "phase": "start"}},
		{"artifact-payload missing artifactId", TypeArtifactPayload, map[string]any{"payload": "B64"}},
		{"live-process missing artifactId", TypeLiveProcess, map[string]any{"phase": "start"}},
		{"live-process bad phase", TypeLiveProcess, map[string]any{"artifactId": "a", "phase": "tick"}},
		{"abandon-turn missing turnId", TypeAbandonTurn, map[string]any{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, _ := json.Marshal(tc.body)
			_, err := Decode(tc.typ, data)
			if !errors.Is(err, apperrors.ErrMalformedEvent) {
				t.Errorf("err = %v, want ErrMalformedEvent", err)
			}
		})
	}
}

func TestDecode_BadJSON(t *testing.T) {
	for _, typ := range []string{TypePartialResponse, TypeToolStep, TypeArtifactPayload, TypeLiveProcess, TypeAbandonTurn} {
		if _, err := Decode(typ, json.RawMessage(`{not json`)); !errors.Is(err, apperrors.ErrMalformedEvent) {
			t.Errorf("Decode(%q, bad json) err = %v, want ErrMalformedEvent", typ, err)
		}
	}
}

// ─── 信封解码 ───

func TestDecodeEnvelope(t *testing.T) {
	raw := []byte(`{"type":"partial-response","data":{"turnId":"t1","ownerName":"Assistant","text":"hi"}}`)
	msg, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if d, ok := msg.(ResponseDelta); !ok || d.Text != "hi" {
		t.Errorf("DecodeEnvelope() = %#v, want ResponseDelta with Text 'hi'", msg)
	}
}

func TestDecodeEnvelope_InvalidJSON(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`garbage`)); !errors.Is(err, apperrors.ErrMalformedEvent) {
		t.Errorf("err = %v, want ErrMalformedEvent", err)
	}
}

// ─── 归属解析 ───

func TestResolvedOwner(t *testing.T) {
	cases := []struct {
		name  string
		owner string
		team  string
		want  string
	}{
		{"owner wins over team", "Assistant", "Research", "Assistant"},
		{"team fallback", "", "Research", "Research"},
		{"both empty", "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := ResponseDelta{Owner: tc.owner, Team: tc.team}
			if got := d.ResolvedOwner(); got != tc.want {
				t.Errorf("ResolvedOwner() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestToolStep_FromTeam(t *testing.T) {
	cases := []struct {
		name  string
		owner string
		team  string
		want  bool
	}{
		{"owner present", "Assistant", "", false},
		{"owner and team", "Assistant", "Research", false},
		{"team only", "", "Research", true},
		{"neither", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := ToolStep{Owner: tc.owner, Team: tc.team}
			if got := s.FromTeam(); got != tc.want {
				t.Errorf("FromTeam() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEncodeLiveProcessRoundTrip(t *testing.T) {
	code := 2
	env := EncodeLiveProcess(LiveProcess{
		ArtifactID: "artifact-3",
		Phase:      PhaseEnd,
		ExitCode:   &code,
	})
	if env.Type != TypeLiveProcess {
		t.Fatalf("envelope type = %q, want %q", env.Type, TypeLiveProcess)
	}

	msg, err := Decode(env.Type, env.Data)
	if err != nil {
		t.Fatalf("decode encoded envelope: %v", err)
	}
	lp, ok := msg.(LiveProcess)
	if !ok {
		t.Fatalf("decoded %T, want LiveProcess", msg)
	}
	if lp.ArtifactID != "artifact-3" || lp.Phase != PhaseEnd {
		t.Errorf("round trip lost fields: %+v", lp)
	}
	if lp.ExitCode == nil || *lp.ExitCode != 2 {
		t.Errorf("exit code = %v, want 2", lp.ExitCode)
	}
}

func TestTurnOf(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want string
	}{
		{"delta", ResponseDelta{TurnID: "t1"}, "t1"},
		{"done", TurnDone{TurnID: "t2"}, "t2"},
		{"tool step", ToolStep{TurnID: "t3"}, "t3"},
		{"artifact payload", ArtifactPayload{TurnID: "t4"}, "t4"},
		{"anonymous artifact payload", ArtifactPayload{}, ""},
		{"abandon", AbandonTurn{TurnID: "t5"}, "t5"},
		{"live process has no turn", LiveProcess{ArtifactID: "a1"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TurnOf(tc.msg); got != tc.want {
				t.Errorf("TurnOf() = %q, want %q", got, tc.want)
			}
		})
	}
}
