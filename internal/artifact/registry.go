// registry.go — 工件注册表: 幂等铸造、带外负载缓存、占位看门狗。
package artifact

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/multi-agent/turn-engine/pkg/errors"
	"github.com/multi-agent/turn-engine/pkg/logger"
)

const (
	defaultPendingWait  = 30 * time.Second
	defaultMaxLiveBytes = 256 * 1024
)

// mintKey 文本铸造去重键。同一回合内重复渲染同一负载复用 id;
// 不同回合即使负载相同也铸造新 id。
type mintKey struct {
	turnID string
	kind   Kind
	digest [sha256.Size]byte
}

// Registry 会话级工件注册表。
//
// 不变式: 任一 id 在任一时刻至多存在 {pending 负载, 工件记录} 之一, 不会两者并存。
// 工件随会话存活, 可反复 Reopen; 仅 Reset 整体清空。
type Registry struct {
	mu      sync.RWMutex
	counter int                  // 顺序 id 分配器
	items   map[string]*Artifact // id → 记录
	pending map[string]string    // id → 先于文本引用到达的负载
	// referenced 记录文本引用过但尚无负载的 id; 对应的占位看门狗在
	// pendingTimers 中, 超时后铸造 Unavailable 占位。
	referenced    map[string]bool
	pendingTimers map[string]*time.Timer
	mintDedup     map[string]map[mintKey]string // turnID → 去重索引 (回合释放时整组丢弃)

	pendingWait  time.Duration
	maxLiveBytes int
	notify       NotifyFunc
}

// NewRegistry 创建注册表。pendingWait/maxLiveBytes 非正值时取默认
// (30s / 256KB); notify 可为 nil。
func NewRegistry(pendingWait time.Duration, maxLiveBytes int, notify NotifyFunc) *Registry {
	if pendingWait <= 0 {
		pendingWait = defaultPendingWait
	}
	if maxLiveBytes <= 0 {
		maxLiveBytes = defaultMaxLiveBytes
	}
	return &Registry{
		items:         make(map[string]*Artifact),
		pending:       make(map[string]string),
		referenced:    make(map[string]bool),
		pendingTimers: make(map[string]*time.Timer),
		mintDedup:     make(map[string]map[mintKey]string),
		pendingWait:   pendingWait,
		maxLiveBytes:  maxLiveBytes,
		notify:        notify,
	}
}

// ========================================
// 文本渲染路径
// ========================================

// MintFromText 为最终渲染中发现的围栏块铸造 code/diagram 工件, 返回生成的 id。
// 同一回合内相同 (kind, 负载) 的重复铸造返回已有 id。
func (r *Registry) MintFromText(turnID string, kind Kind, payload string) string {
	key := mintKey{turnID: turnID, kind: kind, digest: sha256.Sum256([]byte(payload))}

	r.mu.Lock()
	if byTurn, ok := r.mintDedup[turnID]; ok {
		if id, ok := byTurn[key]; ok {
			r.mu.Unlock()
			logger.Debug("artifact: duplicate mint absorbed",
				logger.FieldArtifactID, id, logger.FieldTurnID, turnID)
			return id
		}
	}
	r.counter++
	id := fmt.Sprintf("%s%d", GeneratedIDPrefix, r.counter)
	art := &Artifact{ID: id, Kind: kind, Payload: payload, CreatedAt: time.Now()}
	r.items[id] = art
	if r.mintDedup[turnID] == nil {
		r.mintDedup[turnID] = make(map[mintKey]string)
	}
	r.mintDedup[turnID][key] = id
	snapshot := art.clone()
	r.mu.Unlock()

	logger.Info("artifact: minted from text",
		logger.FieldArtifactID, id,
		logger.FieldKind, string(kind),
		logger.FieldTurnID, turnID,
		logger.FieldLen, len(payload))
	r.emit(ChangeCreated, snapshot)
	return id
}

// MintLabeled 同 MintFromText, 并记录围栏语言标签。
func (r *Registry) MintLabeled(turnID string, kind Kind, lang, payload string) string {
	id := r.MintFromText(turnID, kind, payload)
	r.mu.Lock()
	if art, ok := r.items[id]; ok && art.Lang == "" {
		art.Lang = lang
	}
	r.mu.Unlock()
	return id
}

// MintImage 文本中出现图像引用时调用, 幂等:
//   - 工件已存在 → 原样返回 id;
//   - 有 pending 负载 → 提升为工件, 删除 pending 项;
//   - 两者皆无 → 登记"已引用无负载", 启动占位看门狗, 仍返回 id,
//     解析推迟到之后送达负载的任一路径。
func (r *Registry) MintImage(id string) string {
	r.mu.Lock()
	if _, ok := r.items[id]; ok {
		r.mu.Unlock()
		return id
	}
	if strings.HasPrefix(id, GeneratedIDPrefix) {
		r.mu.Unlock()
		logger.Warn("artifact: reserved prefix rejected",
			logger.FieldOp, "Registry.MintImage", logger.FieldArtifactID, id)
		return id
	}
	if payload, ok := r.pending[id]; ok {
		art := r.storeLocked(id, KindImage, payload)
		delete(r.pending, id)
		snapshot := art.clone()
		r.mu.Unlock()

		logger.Info("artifact: pending payload promoted",
			logger.FieldArtifactID, id, logger.FieldLen, len(payload))
		r.emit(ChangeCreated, snapshot)
		return id
	}
	r.referenced[id] = true
	r.startPlaceholderTimerLocked(id)
	r.mu.Unlock()

	logger.Info("artifact: referenced with no payload yet", logger.FieldArtifactID, id)
	return id
}

// ========================================
// 带外负载路径
// ========================================

// CachePendingPayload 缓存先于文本引用到达的负载。
// 工件已存在 → 迟到的重复负载, 吸收为 no-op;
// id 已被文本引用 → 立即解析为工件;
// 否则存入 pending (覆盖同 id 的早先条目)。
func (r *Registry) CachePendingPayload(id, payload string) {
	if strings.HasPrefix(id, GeneratedIDPrefix) {
		logger.Warn("artifact: reserved prefix rejected",
			logger.FieldOp, "Registry.CachePendingPayload", logger.FieldArtifactID, id)
		return
	}

	r.mu.Lock()
	if _, ok := r.items[id]; ok {
		r.mu.Unlock()
		logger.Debug("artifact: late duplicate payload absorbed", logger.FieldArtifactID, id)
		return
	}
	if r.referenced[id] {
		art := r.storeLocked(id, KindImage, payload)
		snapshot := art.clone()
		r.mu.Unlock()

		logger.Info("artifact: payload resolved pending reference",
			logger.FieldArtifactID, id, logger.FieldLen, len(payload))
		r.emit(ChangeCreated, snapshot)
		return
	}
	r.pending[id] = payload
	r.mu.Unlock()

	logger.Debug("artifact: payload cached ahead of reference",
		logger.FieldArtifactID, id, logger.FieldLen, len(payload))
}

// Materialize 带外路径直接创建/覆盖工件记录, 无视 pending 状态。
// 与 MintImage 对同一 id 收敛到同一条最终记录。
func (r *Registry) Materialize(id string, kind Kind, payload string) {
	if strings.HasPrefix(id, GeneratedIDPrefix) {
		logger.Warn("artifact: reserved prefix rejected",
			logger.FieldOp, "Registry.Materialize", logger.FieldArtifactID, id)
		return
	}

	r.mu.Lock()
	_, existed := r.items[id]
	art := r.storeLocked(id, kind, payload)
	delete(r.pending, id)
	snapshot := art.clone()
	r.mu.Unlock()

	change := ChangeCreated
	if existed {
		change = ChangeUpdated
	}
	logger.Info("artifact: materialized",
		logger.FieldArtifactID, id, logger.FieldKind, string(kind), logger.FieldLen, len(payload))
	r.emit(change, snapshot)
}

// ========================================
// live 工件 (terminal / live-view)
// ========================================

// EnsureLive 创建 live 工件。已存在时为 no-op (重复 start 幂等),
// 仅在原记录缺命令时补记。
func (r *Registry) EnsureLive(id string, kind Kind, command string) {
	if strings.HasPrefix(id, GeneratedIDPrefix) {
		logger.Warn("artifact: reserved prefix rejected",
			logger.FieldOp, "Registry.EnsureLive", logger.FieldArtifactID, id)
		return
	}
	if !kind.IsLive() {
		logger.Warn("artifact: non-live kind on live path, coerced to terminal",
			logger.FieldArtifactID, id, logger.FieldKind, string(kind))
		kind = KindTerminal
	}

	r.mu.Lock()
	if art, ok := r.items[id]; ok {
		if art.Command == "" && command != "" {
			art.Command = command
		}
		r.mu.Unlock()
		logger.Debug("artifact: duplicate live start absorbed", logger.FieldArtifactID, id)
		return
	}
	art := &Artifact{ID: id, Kind: kind, Command: command, CreatedAt: time.Now()}
	r.items[id] = art
	r.clearPendingLocked(id)
	snapshot := art.clone()
	r.mu.Unlock()

	logger.Info("artifact: live started",
		logger.FieldArtifactID, id, logger.FieldKind, string(kind), logger.FieldCommand, command)
	r.emit(ChangeCreated, snapshot)
}

// AppendLiveOutput 追加 live 输出。超过 maxLiveBytes 时丢弃最旧字节
// (环形语义)。start 缺失时防御性创建 terminal 记录, 乱序进程事件不致崩溃。
func (r *Registry) AppendLiveOutput(id, chunk string) {
	if chunk == "" {
		return
	}

	r.mu.Lock()
	art, ok := r.items[id]
	if !ok {
		if strings.HasPrefix(id, GeneratedIDPrefix) {
			r.mu.Unlock()
			logger.Warn("artifact: reserved prefix rejected",
				logger.FieldOp, "Registry.AppendLiveOutput", logger.FieldArtifactID, id)
			return
		}
		art = &Artifact{ID: id, Kind: KindTerminal, CreatedAt: time.Now()}
		r.items[id] = art
		logger.Warn("artifact: live output before start, record created defensively",
			logger.FieldArtifactID, id)
	}
	if art.Done {
		r.mu.Unlock()
		logger.Debug("artifact: output after finish dropped", logger.FieldArtifactID, id)
		return
	}
	art.Payload += chunk
	if over := len(art.Payload) - r.maxLiveBytes; over > 0 {
		art.Payload = art.Payload[over:]
	}
	snapshot := art.clone()
	r.mu.Unlock()

	r.emit(ChangeUpdated, snapshot)
}

// FinishLive 标记 live 工件结束并记录退出码。重复结束为 no-op。
func (r *Registry) FinishLive(id string, exitCode int) {
	r.mu.Lock()
	art, ok := r.items[id]
	if !ok {
		if strings.HasPrefix(id, GeneratedIDPrefix) {
			r.mu.Unlock()
			logger.Warn("artifact: reserved prefix rejected",
				logger.FieldOp, "Registry.FinishLive", logger.FieldArtifactID, id)
			return
		}
		art = &Artifact{ID: id, Kind: KindTerminal, CreatedAt: time.Now()}
		r.items[id] = art
		logger.Warn("artifact: finish before start, record created defensively",
			logger.FieldArtifactID, id)
	}
	if art.Done {
		r.mu.Unlock()
		logger.Debug("artifact: duplicate live finish absorbed", logger.FieldArtifactID, id)
		return
	}
	art.Done = true
	art.ExitCode = &exitCode
	snapshot := art.clone()
	r.mu.Unlock()

	logger.Info("artifact: live finished",
		logger.FieldArtifactID, id, logger.FieldExitCode, exitCode)
	r.emit(ChangeUpdated, snapshot)
}

// ========================================
// 读取与生命周期
// ========================================

// Reopen 按 id 查找工件, 返回深拷贝快照。未知 id 返回 ErrNotFound,
// 调用方记录日志后继续, 不致命。
func (r *Registry) Reopen(id string) (Artifact, error) {
	r.mu.RLock()
	art, ok := r.items[id]
	if !ok {
		r.mu.RUnlock()
		return Artifact{}, apperrors.Wrapf(apperrors.ErrNotFound, "Registry.Reopen", "artifact %q", id)
	}
	out := art.clone()
	r.mu.RUnlock()
	return out, nil
}

// Snapshot 返回全部工件的深拷贝, 按创建时间升序 (同刻按 id)。
func (r *Registry) Snapshot() []Artifact {
	r.mu.RLock()
	out := make([]Artifact, 0, len(r.items))
	for _, art := range r.items {
		out = append(out, art.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len 当前工件数。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// ReleaseTurn 丢弃某回合的铸造去重索引。工件本身随会话存活。
func (r *Registry) ReleaseTurn(turnID string) {
	r.mu.Lock()
	delete(r.mintDedup, turnID)
	r.mu.Unlock()
}

// Reset 清空注册表并停掉全部占位看门狗。会话重置时调用。
func (r *Registry) Reset() {
	r.mu.Lock()
	for id, timer := range r.pendingTimers {
		timer.Stop()
		delete(r.pendingTimers, id)
	}
	n := len(r.items)
	r.items = make(map[string]*Artifact)
	r.pending = make(map[string]string)
	r.referenced = make(map[string]bool)
	r.mintDedup = make(map[string]map[mintKey]string)
	r.counter = 0
	r.mu.Unlock()

	logger.Info("artifact: registry reset", logger.FieldCount, n)
}

// ========================================
// 内部
// ========================================

// storeLocked 写入记录并清理同 id 的 referenced/看门狗状态。调用方持写锁。
func (r *Registry) storeLocked(id string, kind Kind, payload string) *Artifact {
	art := &Artifact{ID: id, Kind: kind, Payload: payload, CreatedAt: time.Now()}
	r.items[id] = art
	r.clearPendingLocked(id)
	return art
}

// clearPendingLocked 撤销 id 的引用登记并停掉看门狗。调用方持写锁。
func (r *Registry) clearPendingLocked(id string) {
	delete(r.referenced, id)
	if timer, ok := r.pendingTimers[id]; ok {
		timer.Stop()
		delete(r.pendingTimers, id)
	}
}

// startPlaceholderTimerLocked 为被引用但无负载的 id 启动看门狗; 已有则不重启。
// 调用方持写锁。
func (r *Registry) startPlaceholderTimerLocked(id string) {
	if _, ok := r.pendingTimers[id]; ok {
		return
	}
	r.pendingTimers[id] = time.AfterFunc(r.pendingWait, func() {
		r.expirePending(id)
	})
}

// expirePending 看门狗回调: 负载在等待窗口内始终未到, 铸造永久 Unavailable
// 占位, UI 显示有界的"不可用"而非无限期的空缺。
func (r *Registry) expirePending(id string) {
	r.mu.Lock()
	delete(r.pendingTimers, id)
	if !r.referenced[id] {
		// 等待期间已被某条路径解析
		r.mu.Unlock()
		return
	}
	delete(r.referenced, id)
	art := &Artifact{ID: id, Kind: KindImage, Unavailable: true, CreatedAt: time.Now()}
	r.items[id] = art
	snapshot := art.clone()
	r.mu.Unlock()

	logger.Warn("artifact: payload never arrived, unavailable placeholder minted",
		logger.FieldArtifactID, id,
		logger.FieldDurationMS, r.pendingWait.Milliseconds())
	r.emit(ChangeCreated, snapshot)
}

// emit 锁外调用通知回调。
func (r *Registry) emit(change string, art Artifact) {
	if r.notify != nil {
		r.notify(change, art)
	}
}
