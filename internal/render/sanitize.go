// sanitize.go — 两级净化: 流式快路径与最终慢路径共用的出口策略。
package render

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// streamingPolicy 流式视图: 剥掉一切标记, 只留转义后的文本。
var streamingPolicy = bluemonday.StrictPolicy()

// finalPolicy 最终视图: UGC 基线 + 工件卡片与 chroma 高亮所需的标记。
var finalPolicy = newFinalPolicy()

func newFinalPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("span", "figure", "figcaption")
	p.AllowAttrs("class").Globally()
	p.AllowAttrs("data-artifact-id", "data-artifact-kind", "data-lang").OnElements("div", "img")
	return p
}

// SanitizeStreaming 净化整段累计文本并把换行转为 <br>。
// 不经过 markdown 渲染器: 半截输入 (未闭合围栏) 不得按完整语法解析,
// 且逐片全量重渲染既浪费又会重复铸造工件。
func SanitizeStreaming(text string) string {
	escaped := streamingPolicy.Sanitize(text)
	return strings.ReplaceAll(escaped, "\n", "<br>")
}

// sanitizeFinal 最终 HTML 的出口净化。UI 层按约定原样插入返回值。
func sanitizeFinal(html string) string {
	return finalPolicy.Sanitize(html)
}
