// blocks.go — (turn, owner, channel) → 内容单元的惰性映射。
package engine

import (
	"time"
)

// unitKey 单元键。同键终身复用同一单元, 绝不重建。
type unitKey struct {
	turnID  string
	owner   string
	channel string
}

// ContentUnit 一个可渲染的内容单元。头部标签即 owner 名,
// HTML 是唯一的渲染槽: 流式快路径逐片覆盖, 最终慢路径整体覆盖一次。
type ContentUnit struct {
	TurnID    string    `json:"turnId"`
	Owner     string    `json:"owner"`
	Channel   string    `json:"channel"`
	HTML      string    `json:"html"`
	Final     bool      `json:"final"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UnitTable 单元表。查找用显式映射, 遍历按回合内创建序;
// 建单元是一次性的慢操作, 其后的流式更新只覆盖渲染槽。
//
// 自身不持锁: Engine 串行化所有变更。
type UnitTable struct {
	units map[unitKey]*ContentUnit
	order map[string][]unitKey
}

// NewUnitTable 创建空单元表。
func NewUnitTable() *UnitTable {
	return &UnitTable{
		units: make(map[unitKey]*ContentUnit),
		order: make(map[string][]unitKey),
	}
}

// Upsert 惰性建单元并覆盖渲染槽, 返回 (快照, 是否新建)。
func (t *UnitTable) Upsert(turnID, owner, channel, html string) (ContentUnit, bool) {
	k := unitKey{turnID: turnID, owner: owner, channel: channel}
	u, ok := t.units[k]
	if !ok {
		now := time.Now()
		u = &ContentUnit{
			TurnID:    turnID,
			Owner:     owner,
			Channel:   channel,
			CreatedAt: now,
		}
		t.units[k] = u
		t.order[turnID] = append(t.order[turnID], k)
	}
	u.HTML = html
	u.UpdatedAt = time.Now()
	return *u, !ok
}

// Get 返回单元快照。
func (t *UnitTable) Get(turnID, owner, channel string) (ContentUnit, bool) {
	u, ok := t.units[unitKey{turnID: turnID, owner: owner, channel: channel}]
	if !ok {
		return ContentUnit{}, false
	}
	return *u, true
}

// ForTurn 按创建序返回该回合单元的引用。调用方只在持 Engine 锁时使用。
func (t *UnitTable) ForTurn(turnID string) []*ContentUnit {
	keys := t.order[turnID]
	units := make([]*ContentUnit, 0, len(keys))
	for _, k := range keys {
		units = append(units, t.units[k])
	}
	return units
}

// SnapshotTurn 按创建序返回该回合单元的深拷贝。
func (t *UnitTable) SnapshotTurn(turnID string) []ContentUnit {
	keys := t.order[turnID]
	units := make([]ContentUnit, 0, len(keys))
	for _, k := range keys {
		units = append(units, *t.units[k])
	}
	return units
}

// Release 丢弃该回合全部单元, 返回释放数。
func (t *UnitTable) Release(turnID string) int {
	keys := t.order[turnID]
	for _, k := range keys {
		delete(t.units, k)
	}
	delete(t.order, turnID)
	return len(keys)
}
