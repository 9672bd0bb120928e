// Package artifact 工件注册表: id → 工件记录的会话级映射。
//
// 两个生产者: 最终渲染 pass (铸造 code/diagram/image) 与带外负载路径
// (图像生成、终端/沙箱进程)。两条路径对同一 id 必须收敛到同一条最终记录。
package artifact

import "time"

// Kind 工件类型。
type Kind string

const (
	KindCode     Kind = "code"
	KindDiagram  Kind = "diagram"
	KindImage    Kind = "image"
	KindLiveView Kind = "live-view"
	KindTerminal Kind = "terminal"
)

// GeneratedIDPrefix 引擎生成 id 的保留前缀 (artifact-1, artifact-2, ...)。
// 外部入口拒绝携带此前缀的 id, 保证两个命名空间不碰撞。
const GeneratedIDPrefix = "artifact-"

// IsLive live-view/terminal 为调用方供 id 的回合级单例, 结束前内容可增长;
// 其余类型创建后不可变。
func (k Kind) IsLive() bool {
	return k == KindLiveView || k == KindTerminal
}

// Artifact 工件记录。
type Artifact struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Payload     string    `json:"payload"`
	Lang        string    `json:"lang,omitempty"`        // code/diagram: 围栏语言标签
	Command     string    `json:"command,omitempty"`     // live 类: 启动命令
	ExitCode    *int      `json:"exitCode,omitempty"`    // live 类: 进程退出码
	Done        bool      `json:"done,omitempty"`        // live 类: 进程已结束
	Unavailable bool      `json:"unavailable,omitempty"` // 引用后负载始终未到, 超时占位
	CreatedAt   time.Time `json:"createdAt"`
}

// clone 深拷贝 (ExitCode 指针不共享)。
func (a *Artifact) clone() Artifact {
	out := *a
	if a.ExitCode != nil {
		code := *a.ExitCode
		out.ExitCode = &code
	}
	return out
}

// 通知事件类型。
const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
)

// NotifyFunc 工件创建/更新回调。在注册表锁外调用; nil 表示不通知。
type NotifyFunc func(change string, art Artifact)
