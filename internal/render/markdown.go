package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"
	"github.com/mattn/go-runewidth"
)

// Cursor is the typing-cursor glyph appended to the open end of streamed
// content.
const Cursor = "▍"

// Renderer turns a Markdown prefix into styled terminal text. It re-parses
// the revealed prefix on every call; each call does work bounded by the
// revealed text, never the full eventual text.
type Renderer struct {
	width int

	heading    lipgloss.Style
	bold       lipgloss.Style
	italic     lipgloss.Style
	strike     lipgloss.Style
	inlineCode lipgloss.Style
	codeBlock  lipgloss.Style
	quote      lipgloss.Style
	linkDest   lipgloss.Style
	rule       lipgloss.Style
	diagram    lipgloss.Style
}

// NewRenderer constructs a Renderer for the given terminal width.
func NewRenderer(width int) *Renderer {
	if width < 20 {
		width = 20
	}
	return &Renderer{
		width:      width,
		heading:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		bold:       lipgloss.NewStyle().Bold(true),
		italic:     lipgloss.NewStyle().Italic(true),
		strike:     lipgloss.NewStyle().Strikethrough(true),
		inlineCode: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		codeBlock:  lipgloss.NewStyle().Foreground(lipgloss.Color("7")),
		quote:      lipgloss.NewStyle().Faint(true),
		linkDest:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		rule:       lipgloss.NewStyle().Faint(true),
		diagram:    lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Underline(true),
	}
}

// Render parses source and returns styled terminal text. When withCursor is
// set, the cursor glyph is appended to the structural node that closes at
// the furthest source offset, except while that node is an unfinished
// diagram block.
func (r *Renderer) Render(source string, withCursor bool) string {
	if strings.TrimSpace(source) == "" {
		if withCursor {
			return Cursor
		}
		return ""
	}

	p := parser.NewWithExtensions(parser.CommonExtensions &^ parser.Autolink)
	doc := p.Parse([]byte(source))

	w := &walker{r: r}
	suppressed := false
	if withCursor {
		target := furthestLeaf(doc)
		if insideDiagramBlock(target) {
			suppressed = true
		} else {
			w.cursorTarget = target
		}
	}

	blocks := w.renderBlocks(doc.GetChildren())
	out := strings.Join(blocks, "\n\n")

	// A cursor request with no placeable node still shows at the end.
	if withCursor && !suppressed && !w.placed && !strings.HasSuffix(out, Cursor) {
		out += Cursor
	}
	return out
}

// furthestLeaf returns the leaf whose end offset is the furthest seen. The
// parser emits nodes in source order, so the last leaf in document order
// closes at the maximum offset.
func furthestLeaf(doc ast.Node) ast.Node {
	var last ast.Node
	ast.WalkFunc(doc, func(node ast.Node, entering bool) ast.WalkStatus {
		if !entering {
			return ast.GoToNext
		}
		switch node.(type) {
		case *ast.Text, *ast.Code, *ast.CodeBlock:
			last = node
		}
		return ast.GoToNext
	})
	return last
}

func insideDiagramBlock(node ast.Node) bool {
	cb, ok := node.(*ast.CodeBlock)
	return ok && isDiagramInfo(cb.Info)
}

func isDiagramInfo(info []byte) bool {
	return strings.TrimSpace(string(info)) == "mermaid"
}

type walker struct {
	r            *Renderer
	cursorTarget ast.Node
	placed       bool
}

// cursorFor returns the glyph to append after node's rendered text, at most
// once per render and never when the text already ends in the glyph
// (siblings can close at the same offset).
func (w *walker) cursorFor(node ast.Node, rendered string) string {
	if w.cursorTarget == nil || node != w.cursorTarget {
		return ""
	}
	w.cursorTarget = nil
	w.placed = true
	if strings.HasSuffix(rendered, Cursor) {
		return ""
	}
	return Cursor
}

func (w *walker) renderBlocks(nodes []ast.Node) []string {
	var blocks []string
	for _, node := range nodes {
		if block := w.renderBlock(node); block != "" {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func (w *walker) renderBlock(node ast.Node) string {
	switch n := node.(type) {
	case *ast.Paragraph:
		return w.wrap(w.renderInlines(n.GetChildren()), "")

	case *ast.Heading:
		text := w.renderInlines(n.GetChildren())
		prefix := strings.Repeat("#", n.Level) + " "
		return w.r.heading.Render(prefix + text)

	case *ast.CodeBlock:
		return w.renderCodeBlock(n)

	case *ast.BlockQuote:
		inner := strings.Join(w.renderBlocks(n.GetChildren()), "\n\n")
		var quoted []string
		for _, line := range strings.Split(inner, "\n") {
			quoted = append(quoted, w.r.quote.Render("│ ")+line)
		}
		return strings.Join(quoted, "\n")

	case *ast.List:
		return w.renderList(n)

	case *ast.HorizontalRule:
		return w.r.rule.Render(strings.Repeat("─", w.r.width))

	case *ast.HTMLBlock:
		return string(n.Literal)

	default:
		// Unknown block: render whatever inline content it has.
		return w.wrap(w.renderInlines(node.GetChildren()), "")
	}
}

func (w *walker) renderCodeBlock(n *ast.CodeBlock) string {
	code := strings.TrimRight(string(n.Literal), "\n")

	if isDiagramInfo(n.Info) {
		url, err := DiagramURL(code)
		if err != nil {
			url = "(diagram encoding failed)"
		}
		label := w.r.diagram.Render("mermaid diagram → " + url)
		return label + w.cursorFor(n, label)
	}

	var lines []string
	for _, line := range strings.Split(code, "\n") {
		lines = append(lines, "  "+w.r.codeBlock.Render(line))
	}
	out := strings.Join(lines, "\n")
	return out + w.cursorFor(n, out)
}

func (w *walker) renderList(n *ast.List) string {
	ordered := n.ListFlags&ast.ListTypeOrdered != 0
	var items []string
	index := n.Start
	if index == 0 {
		index = 1
	}

	for _, child := range n.GetChildren() {
		item, ok := child.(*ast.ListItem)
		if !ok {
			continue
		}
		marker := "• "
		if ordered {
			marker = fmt.Sprintf("%d. ", index)
			index++
		}

		inner := strings.Join(w.renderBlocks(item.GetChildren()), "\n")
		indent := strings.Repeat(" ", runewidth.StringWidth(marker))
		lines := strings.Split(inner, "\n")
		for i, line := range lines {
			if i == 0 {
				lines[i] = marker + line
			} else {
				lines[i] = indent + line
			}
		}
		items = append(items, strings.Join(lines, "\n"))
	}
	return strings.Join(items, "\n")
}

func (w *walker) renderInlines(nodes []ast.Node) string {
	var b strings.Builder
	for _, node := range nodes {
		b.WriteString(w.renderInline(node))
	}
	return b.String()
}

func (w *walker) renderInline(node ast.Node) string {
	switch n := node.(type) {
	case *ast.Text:
		text := string(n.Literal)
		return text + w.cursorFor(n, text)

	case *ast.Code:
		text := w.r.inlineCode.Render(string(n.Literal))
		return text + w.cursorFor(n, text)

	case *ast.Emph:
		return w.r.italic.Render(w.renderInlines(n.GetChildren()))

	case *ast.Strong:
		return w.r.bold.Render(w.renderInlines(n.GetChildren()))

	case *ast.Del:
		return w.r.strike.Render(w.renderInlines(n.GetChildren()))

	case *ast.Link:
		text := w.renderInlines(n.GetChildren())
		dest := string(n.Destination)
		if dest == "" {
			return text
		}
		return text + " " + w.r.linkDest.Render("("+dest+")")

	case *ast.Image:
		return w.renderInlines(n.GetChildren())

	case *ast.Softbreak:
		return " "

	case *ast.Hardbreak:
		return "\n"

	case *ast.HTMLSpan:
		return string(n.Literal)

	default:
		return w.renderInlines(node.GetChildren())
	}
}

// wrap word-wraps styled text to the renderer width, measuring printable
// width so ANSI sequences do not count.
func (w *walker) wrap(text, indent string) string {
	if text == "" {
		return ""
	}

	var out []string
	for _, paragraph := range strings.Split(text, "\n") {
		words := strings.Fields(paragraph)
		if len(words) == 0 {
			out = append(out, "")
			continue
		}

		line := indent + words[0]
		for _, word := range words[1:] {
			candidate := line + " " + word
			if lipgloss.Width(candidate) > w.r.width {
				out = append(out, line)
				line = indent + word
				continue
			}
			line = candidate
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// TruncateForCollapse bounds very long content to a rune limit for
// collapsed rendering, reporting whether truncation happened. Purely a
// rendering-cost mitigation.
func TruncateForCollapse(source string, limit int) (string, bool) {
	runes := []rune(source)
	if limit <= 0 || len(runes) <= limit {
		return source, false
	}
	return string(runes[:limit]), true
}
