// Package render 最终渲染管线: markdown → 工件铸造 → 高亮 → 净化 HTML。
//
// 渲染是纯函数: 同一最终文本对同一注册表状态渲染两次, 输出逐字节一致;
// 工件铸造经注册表的回合级去重, 重复 pass 不产生重复工件。
package render

import (
	"bytes"
	stdhtml "html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	ghtml "github.com/yuin/goldmark/renderer/html"
	gutil "github.com/yuin/goldmark/util"

	"github.com/multi-agent/turn-engine/internal/artifact"
	apperrors "github.com/multi-agent/turn-engine/pkg/errors"
)

// ArtifactScheme 图像目标里引用工件的 URI 方案: ![alt](artifact:<id>)。
const ArtifactScheme = "artifact:"

// diagramLangs 这些围栏语言铸造 diagram 工件, 其余围栏铸造 code。
var diagramLangs = map[string]bool{
	"mermaid":  true,
	"dot":      true,
	"graphviz": true,
}

// Markdown 最终文本的完整渲染器。流式路径见 SanitizeStreaming。
type Markdown struct {
	reg *artifact.Registry
}

// NewMarkdown 创建绑定到注册表的渲染器。
func NewMarkdown(reg *artifact.Registry) *Markdown {
	return &Markdown{reg: reg}
}

// RenderFinal 渲染一个 (turn, owner) 的最终文本为净化 HTML。
// 每次调用构建独立的解析管线; 最终渲染是慢路径, 每对键只发生一次,
// pass 级状态 (turnID 绑定的铸造) 不跨调用泄漏。
func (m *Markdown) RenderFinal(turnID, text string) (string, error) {
	nr := &artifactNodeRenderer{reg: m.reg, turnID: turnID}
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(
			ghtml.WithHardWraps(),
			ghtml.WithUnsafe(), // 出口统一由 sanitizeFinal 把关
			renderer.WithNodeRenderers(gutil.Prioritized(nr, 200)),
		),
	)
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return "", apperrors.Wrapf(apperrors.ErrRenderFailed, "Markdown.RenderFinal", "convert: %v", err)
	}
	return sanitizeFinal(buf.String()), nil
}

// ========================================
// goldmark 节点拦截
// ========================================

// artifactNodeRenderer 接管围栏代码块与图像节点:
// 围栏铸造 code/diagram 工件并渲染工件卡片; artifact: 方案的图像按 id 解析。
type artifactNodeRenderer struct {
	reg    *artifact.Registry
	turnID string
}

func (r *artifactNodeRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCodeBlock)
	reg.Register(ast.KindImage, r.renderImage)
}

func (r *artifactNodeRenderer) renderFencedCodeBlock(w gutil.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.FencedCodeBlock)
	lang := string(n.Language(source))
	code := fencedLines(n, source)

	kind := artifact.KindCode
	if diagramLangs[strings.ToLower(lang)] {
		kind = artifact.KindDiagram
	}
	id := r.reg.MintLabeled(r.turnID, kind, lang, code)

	writeArtifactCard(w, id, kind, lang, code)
	return ast.WalkContinue, nil
}

func (r *artifactNodeRenderer) renderImage(w gutil.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Image)
	dest := string(n.Destination)
	alt := imageAltText(n, source)

	if id, ok := strings.CutPrefix(dest, ArtifactScheme); ok && id != "" {
		r.reg.MintImage(id)
		_, _ = w.WriteString(`<img class="artifact-image" data-artifact-id="`)
		_, _ = w.WriteString(stdhtml.EscapeString(id))
		_, _ = w.WriteString(`" alt="`)
		_, _ = w.WriteString(stdhtml.EscapeString(alt))
		_, _ = w.WriteString(`">`)
		return ast.WalkSkipChildren, nil
	}

	// 普通图像: 标准 <img>, URL 合法性交给净化策略
	_, _ = w.WriteString(`<img src="`)
	_, _ = w.WriteString(stdhtml.EscapeString(dest))
	_, _ = w.WriteString(`" alt="`)
	_, _ = w.WriteString(stdhtml.EscapeString(alt))
	_, _ = w.WriteString(`">`)
	return ast.WalkSkipChildren, nil
}

// writeArtifactCard 工件卡片: data-artifact-id 供 UI 打开查看器, 卡片内嵌预览。
func writeArtifactCard(w gutil.BufWriter, id string, kind artifact.Kind, lang, code string) {
	_, _ = w.WriteString(`<div class="artifact-card" data-artifact-id="`)
	_, _ = w.WriteString(stdhtml.EscapeString(id))
	_, _ = w.WriteString(`" data-artifact-kind="`)
	_, _ = w.WriteString(string(kind))
	_, _ = w.WriteString(`"`)
	if lang != "" {
		_, _ = w.WriteString(` data-lang="`)
		_, _ = w.WriteString(stdhtml.EscapeString(lang))
		_, _ = w.WriteString(`"`)
	}
	_, _ = w.WriteString(`>`)
	if kind == artifact.KindDiagram {
		_, _ = w.WriteString(plainPre(code))
	} else {
		_, _ = w.WriteString(highlightCode(lang, code))
	}
	_, _ = w.WriteString(`</div>`)
}

// fencedLines 围栏块原文 (含行尾换行)。
func fencedLines(n *ast.FencedCodeBlock, source []byte) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
	return sb.String()
}

// imageAltText 图像替代文本 (仅文本子节点)。
func imageAltText(n ast.Node, source []byte) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			sb.Write(t.Segment.Value(source))
		}
	}
	return sb.String()
}
