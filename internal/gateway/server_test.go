package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/turn-engine/internal/artifact"
	"github.com/multi-agent/turn-engine/internal/bus"
	"github.com/multi-agent/turn-engine/internal/engine"
	"github.com/multi-agent/turn-engine/internal/live"
)

func init() { gin.SetMode(gin.TestMode) }

// ─── 测试辅助 ───

// newTestServer 组装 引擎→总线 全通的网关。默认无历史 store、
// 无录制、无沙箱, mutate 可按用例改写 Options。
func newTestServer(t *testing.T, mutate func(*Options)) (*Server, *engine.Engine, *bus.MessageBus) {
	t.Helper()
	b := bus.NewMessageBus(256)
	reg := artifact.NewRegistry(0, 0, func(change string, art artifact.Artifact) {
		topic := bus.TopicArtifactCreated
		if change == artifact.ChangeUpdated {
			topic = bus.TopicArtifactUpdated
		}
		b.PublishJSON(topic, "registry", art)
	})
	eng := engine.New(engine.Options{
		Registry: reg,
		Notify: func(topic string, payload any) {
			b.PublishJSON(topic, "engine", payload)
		},
	})

	opts := Options{Engine: eng, Bus: b}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s, eng, b
}

// doJSON 直接打到路由器, 不走真实网络。
func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// dataOf 取统一响应里的 data 对象。
func dataOf(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal response %q: %v", w.Body.String(), err)
	}
	if !out.Success {
		t.Fatalf("response not successful: %s", w.Body.String())
	}
	return out.Data
}

// eventually 轮询直到条件满足或超时。
func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// ─── 构造 ───

func TestNewServerValidation(t *testing.T) {
	b := bus.NewMessageBus(0)
	eng := engine.New(engine.Options{})

	if _, err := NewServer(Options{Bus: b}); err == nil {
		t.Fatal("expected error without engine")
	}
	if _, err := NewServer(Options{Engine: eng}); err == nil {
		t.Fatal("expected error without bus")
	}
	if _, err := NewServer(Options{Engine: eng, Bus: b}); err != nil {
		t.Fatalf("NewServer: %v", err)
	}
}

// ─── 健康检查 ───

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	data := dataOf(t, w)
	if data["status"] != "ok" {
		t.Errorf("status = %v, want %q", data["status"], "ok")
	}
	if _, ok := data["session_id"]; ok {
		t.Error("session_id present without recorder")
	}
}

// ─── 沙箱路由 ───

func TestSandboxDisabled(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodPost, "/api/sandbox/run", map[string]any{"artifactId": "term-1", "command": "echo hi"}},
		{http.MethodPost, "/api/sandbox/stop", map[string]any{"artifactId": "term-1"}},
		{http.MethodGet, "/api/sandbox/runs", nil},
	} {
		w := doJSON(t, s, tc.method, tc.path, tc.body)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s: status = %d, want %d", tc.method, tc.path, w.Code, http.StatusServiceUnavailable)
		}
	}
}

func TestSandboxRun(t *testing.T) {
	s, eng, b := newTestServer(t, func(o *Options) {
		o.Sandbox = &live.Options{
			WorkRoot:       t.TempDir(),
			MaxConcurrent:  2,
			Timeout:        10 * time.Second,
			MaxOutputBytes: 4096,
		}
	})
	sub := b.Subscribe("test-sandbox", bus.TopicSandboxOutput)
	defer b.Unsubscribe("test-sandbox")

	w := doJSON(t, s, http.MethodPost, "/api/sandbox/run",
		map[string]any{"artifactId": "term-run-1", "command": "echo canvas"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	// start 事件同步送达: 返回时工件已存在
	if _, err := eng.Registry().Reopen("term-run-1"); err != nil {
		t.Fatalf("artifact missing right after run: %v", err)
	}

	eventually(t, 5*time.Second, func() bool {
		art, err := eng.Registry().Reopen("term-run-1")
		return err == nil && art.Done
	})
	art, _ := eng.Registry().Reopen("term-run-1")
	if art.ExitCode == nil || *art.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", art.ExitCode)
	}
	if !strings.Contains(art.Payload, "canvas") {
		t.Errorf("payload = %q, want output of echo", art.Payload)
	}

	select {
	case msg := <-sub.Ch:
		if msg.Topic != bus.TopicSandboxOutput {
			t.Errorf("topic = %q, want %q", msg.Topic, bus.TopicSandboxOutput)
		}
		if !strings.Contains(string(msg.Payload), "canvas") {
			t.Errorf("sandbox output payload = %s, want chunk text", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Error("no sandbox.output message on bus")
	}
}

func TestSandboxRunRejectsBadInput(t *testing.T) {
	s, _, _ := newTestServer(t, func(o *Options) {
		o.Sandbox = &live.Options{WorkRoot: t.TempDir()}
	})

	w := doJSON(t, s, http.MethodPost, "/api/sandbox/run",
		map[string]any{"artifactId": "artifact-7", "command": "echo hi"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("reserved prefix: status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = doJSON(t, s, http.MethodPost, "/api/sandbox/run",
		map[string]any{"artifactId": "term-2", "command": "   "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank command: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestSandboxDuplicateAndStop(t *testing.T) {
	s, eng, _ := newTestServer(t, func(o *Options) {
		o.Sandbox = &live.Options{WorkRoot: t.TempDir(), Timeout: 30 * time.Second}
	})

	w := doJSON(t, s, http.MethodPost, "/api/sandbox/run",
		map[string]any{"artifactId": "term-long", "command": "sleep 30"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}

	w = doJSON(t, s, http.MethodPost, "/api/sandbox/run",
		map[string]any{"artifactId": "term-long", "command": "sleep 30"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate run: status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = doJSON(t, s, http.MethodGet, "/api/sandbox/runs", nil)
	if !strings.Contains(w.Body.String(), "term-long") {
		t.Errorf("active runs = %s, want term-long listed", w.Body.String())
	}

	w = doJSON(t, s, http.MethodPost, "/api/sandbox/stop",
		map[string]any{"artifactId": "term-long"})
	if data := dataOf(t, w); data["stopped"] != true {
		t.Errorf("stopped = %v, want true", data["stopped"])
	}

	eventually(t, 5*time.Second, func() bool {
		art, err := eng.Registry().Reopen("term-long")
		return err == nil && art.Done
	})

	w = doJSON(t, s, http.MethodPost, "/api/sandbox/stop",
		map[string]any{"artifactId": "term-long"})
	if data := dataOf(t, w); data["stopped"] != false {
		t.Errorf("stop after finish = %v, want false", data["stopped"])
	}
}
