// highlight.go — 围栏代码的 chroma 高亮预览。
//
// class 模式输出 (WithClasses), 配色由前端样式表决定, HTML 里不内联样式。
package render

import (
	stdhtml "html"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// highlightCode 渲染高亮 HTML。词法分析失败时回退为转义的 <pre>。
func highlightCode(lang, code string) string {
	lexer := lexers.Get(lang)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return plainPre(code)
	}
	formatter := chromahtml.New(chromahtml.WithClasses(true))
	var sb strings.Builder
	if err := formatter.Format(&sb, styles.Get("github"), iterator); err != nil {
		return plainPre(code)
	}
	return sb.String()
}

// plainPre 高亮不可用时的转义回退, diagram 源码预览也走这里。
func plainPre(code string) string {
	return "<pre><code>" + stdhtml.EscapeString(code) + "</code></pre>"
}
