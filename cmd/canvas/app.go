// app.go — Wails 绑定: 快照读取 + 事件注入桥。
//
// 前端通过 window.go.main.App.XXX() 调用。
//
// 核心方法:
//   - PushEvent(envelopeJSON): 事件信封注入, 与 WS /api/ingest 同一条链路
//   - SnapshotTurn/ReopenArtifact: 终稿与工件展示
//   - handleBusMessage: 总线消息 → Wails 事件 → 前端渲染
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wailsapp/wails/v3/pkg/application"

	"github.com/multi-agent/turn-engine/internal/bus"
	"github.com/multi-agent/turn-engine/internal/engine"
	"github.com/multi-agent/turn-engine/internal/event"
	"github.com/multi-agent/turn-engine/internal/gateway"
	"github.com/multi-agent/turn-engine/pkg/logger"
	"github.com/multi-agent/turn-engine/pkg/util"
)

// App Wails 绑定 — 前端通过 window.go.main.App.XXX() 调用。
type App struct {
	srv      *gateway.Server
	eng      *engine.Engine
	wailsApp *application.App
}

// NewApp 创建 App 实例。
func NewApp(srv *gateway.Server, eng *engine.Engine) *App {
	return &App{srv: srv, eng: eng}
}

const busBridgeSampleEvery int64 = 120

var busBridgeSeq atomic.Int64

// shouldLogBusBridge 高频 topic (增量/输出) 抽样记录, 其余全量。
func shouldLogBusBridge(topic string, seq int64) bool {
	if strings.HasPrefix(topic, engine.TopicUnitUpdated) ||
		strings.HasPrefix(topic, engine.TopicStepsUpdated) ||
		strings.HasPrefix(topic, bus.TopicSandboxOutput) {
		return seq%busBridgeSampleEvery == 0
	}
	return true
}

// buildBusEventPayload 组装 bus-event 的 Wails 事件负载。
func buildBusEventPayload(msg bus.Message) map[string]any {
	return map[string]any{
		"topic":  msg.Topic,
		"source": msg.Source,
		"seq":    msg.Seq,
		"data":   string(msg.Payload),
	}
}

// handleBusMessage 将总线消息转发到 Wails 前端。
//
// 事件链路: engine/registry → bus.Publish → Wails runtime Events → 前端渲染。
func (a *App) handleBusMessage(msg bus.Message) {
	seq := busBridgeSeq.Add(1)
	if a.wailsApp == nil {
		return
	}
	a.wailsApp.Event.Emit("bus-event", buildBusEventPayload(msg))
	if shouldLogBusBridge(msg.Topic, seq) {
		logger.Info("bus bridge emitted",
			logger.FieldTopic, msg.Topic,
			logger.FieldSeq, msg.Seq)
	}
}

// ServiceStartup Wails v3 Service 生命周期: 应用启动时调用。
func (a *App) ServiceStartup(_ context.Context, _ application.ServiceOptions) error {
	logger.Info("canvas service ready")
	return nil
}

func (a *App) shutdown() {
	r := a.srv.Runner()
	if r == nil {
		return
	}
	done := make(chan struct{})
	util.SafeGo(func() {
		r.StopAll()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

// ========================================
// 事件注入桥
// ========================================

// PushEvent 注入一个事件信封 (JSON 字符串), 与 WS 注入同一条录制链路。
//
// 前端使用:
//
//	await window.go.main.App.PushEvent('{"type":"partial-response","data":{...}}')
func (a *App) PushEvent(envelopeJSON string) (string, error) {
	var env event.Envelope
	if err := json.Unmarshal([]byte(envelopeJSON), &env); err != nil {
		return "", fmt.Errorf("push event: parse envelope: %w", err)
	}
	seq, err := a.srv.Ingest(context.Background(), env)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(map[string]int64{"seq": seq})
	if err != nil {
		return "", fmt.Errorf("push event: marshal result: %w", err)
	}
	return string(data), nil
}

// AbandonTurn 放弃回合 (不渲染终稿, 释放缓冲)。
func (a *App) AbandonTurn(turnID string) error {
	logger.Info("ui: abandon turn", logger.FieldSource, "ui", logger.FieldTurnID, turnID)
	_, err := a.srv.Ingest(context.Background(), event.EncodeAbandonTurn(turnID))
	return err
}

// ResetSession 清空画布并开始新会话, 返回新会话 ID (无录制时为空)。
func (a *App) ResetSession(label string) string {
	logger.Info("ui: reset session", logger.FieldSource, "ui")
	return a.srv.ResetSession(context.Background(), label)
}

// ========================================
// 快照读取
// ========================================

// SnapshotTurn 返回回合快照 JSON。
func (a *App) SnapshotTurn(turnID string) (string, error) {
	snap, err := a.eng.SnapshotTurn(turnID)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("snapshot turn: marshal: %w", err)
	}
	return string(data), nil
}

// ListTurns 返回回合 ID → 阶段映射 JSON。
func (a *App) ListTurns() (string, error) {
	data, err := json.Marshal(a.eng.Turns())
	if err != nil {
		return "", fmt.Errorf("list turns: marshal: %w", err)
	}
	return string(data), nil
}

// ReopenArtifact 重开一个工件, 返回完整快照 JSON。
func (a *App) ReopenArtifact(id string) (string, error) {
	art, err := a.eng.Registry().Reopen(id)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(art)
	if err != nil {
		return "", fmt.Errorf("reopen artifact: marshal: %w", err)
	}
	return string(data), nil
}

// ListArtifacts 返回全部工件快照 JSON。
func (a *App) ListArtifacts() (string, error) {
	data, err := json.Marshal(a.eng.Registry().Snapshot())
	if err != nil {
		return "", fmt.Errorf("list artifacts: marshal: %w", err)
	}
	return string(data), nil
}

// ========================================
// 沙箱
// ========================================

// RunSandbox 在本地沙箱执行命令, 输出流入指定终端工件。
func (a *App) RunSandbox(artifactID, command string) error {
	logger.Info("ui: run sandbox", logger.FieldSource, "ui",
		logger.FieldArtifactID, artifactID)
	r := a.srv.Runner()
	if r == nil {
		return fmt.Errorf("run sandbox: sandbox disabled")
	}
	return r.Run(artifactID, command)
}

// StopSandbox 停止一次沙箱运行。运行不存在时返回 false。
func (a *App) StopSandbox(artifactID string) bool {
	r := a.srv.Runner()
	if r == nil {
		return false
	}
	return r.Stop(artifactID)
}

// ActiveSandboxRuns 返回进行中的沙箱运行 ID。
func (a *App) ActiveSandboxRuns() []string {
	r := a.srv.Runner()
	if r == nil {
		return []string{}
	}
	return r.ActiveRuns()
}

// GetBuildInfo 返回当前桌面应用构建信息 (JSON 字符串)。
func (a *App) GetBuildInfo() string {
	data, err := json.Marshal(currentBuildInfo())
	if err != nil {
		logger.Warn("GetBuildInfo: marshal failed", logger.FieldError, err)
		return "{}"
	}
	return string(data)
}
