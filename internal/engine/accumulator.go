// accumulator.go — 按 (turn, owner) 累积原始文本片段。
package engine

import (
	"sort"
	"strings"

	"github.com/multi-agent/turn-engine/internal/render"
)

// bufKey 缓冲键。turn id 是隔离边界, owner 是回合内的内容归属。
type bufKey struct {
	turnID string
	owner  string
}

// Accumulator 流式文本缓冲。值永远是该键全部片段按到达序的精确拼接,
// 终结前只追加, 终结时读取一次后丢弃。
//
// 自身不持锁: Engine 串行化所有变更 (单一逻辑变更线程)。
type Accumulator struct {
	bufs map[bufKey]*strings.Builder
}

// NewAccumulator 创建空缓冲表。
func NewAccumulator() *Accumulator {
	return &Accumulator{bufs: make(map[bufKey]*strings.Builder)}
}

// Append 追加片段 (首片建缓冲), 返回净化后的整段流式文本, 换行已转 <br>。
// 不运行 markdown 渲染器: 未闭合的围栏不能按完整语法解析,
// 逐片全量重渲染既浪费又会重复铸造工件。
func (a *Accumulator) Append(turnID, owner, fragment string) string {
	k := bufKey{turnID: turnID, owner: owner}
	b, ok := a.bufs[k]
	if !ok {
		b = &strings.Builder{}
		a.bufs[k] = b
	}
	b.WriteString(fragment)
	return render.SanitizeStreaming(b.String())
}

// FinalText 读取完整累计文本, 不变更。缓冲不存在 (未建或已释放) 返回 false。
func (a *Accumulator) FinalText(turnID, owner string) (string, bool) {
	b, ok := a.bufs[bufKey{turnID: turnID, owner: owner}]
	if !ok {
		return "", false
	}
	return b.String(), true
}

// Owners 返回该回合持有缓冲的 owner, 字典序。
func (a *Accumulator) Owners(turnID string) []string {
	var owners []string
	for k := range a.bufs {
		if k.turnID == turnID {
			owners = append(owners, k.owner)
		}
	}
	sort.Strings(owners)
	return owners
}

// Release 丢弃该回合全部缓冲, 返回释放数。终结与放弃各调用一次。
func (a *Accumulator) Release(turnID string) int {
	n := 0
	for k := range a.bufs {
		if k.turnID == turnID {
			delete(a.bufs, k)
			n++
		}
	}
	return n
}
