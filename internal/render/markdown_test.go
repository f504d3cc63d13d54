package render

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func newTestRenderer() *Renderer {
	return NewRenderer(80)
}

func TestRenderCursorAtEndOfOpenParagraph(t *testing.T) {
	r := newTestRenderer()

	out := r.Render("**bold** and more", true)
	if count := strings.Count(out, Cursor); count != 1 {
		t.Fatalf("cursor appears %d times, want 1:\n%s", count, out)
	}
	// " and more" closes at the furthest offset; the cursor must follow
	// it, not sit inside the earlier bold run.
	idx := strings.Index(out, Cursor)
	if !strings.Contains(out[:idx], "and more") {
		t.Errorf("cursor placed before the furthest node:\n%s", out)
	}
}

func TestRenderCursorInsideTrailingBoldRun(t *testing.T) {
	r := newTestRenderer()

	out := r.Render("start **bol", true)
	if count := strings.Count(out, Cursor); count != 1 {
		t.Fatalf("cursor appears %d times, want 1:\n%s", count, out)
	}
	idx := strings.Index(out, Cursor)
	if !strings.Contains(out[:idx], "bol") {
		t.Errorf("cursor must follow the open bold text:\n%s", out)
	}
}

func TestRenderNoCursorWhenDone(t *testing.T) {
	r := newTestRenderer()
	out := r.Render("# Title\n\nBody text.", false)
	if strings.Contains(out, Cursor) {
		t.Errorf("cursor rendered without being requested:\n%s", out)
	}
}

func TestRenderCursorOnEmptyContent(t *testing.T) {
	r := newTestRenderer()
	if out := r.Render("", true); out != Cursor {
		t.Errorf("empty open stream renders %q, want bare cursor", out)
	}
	if out := r.Render("", false); out != "" {
		t.Errorf("empty done stream renders %q, want empty", out)
	}
}

func TestRenderHeadingAndList(t *testing.T) {
	r := newTestRenderer()
	out := r.Render("# Title\n\n- first\n- second\n\n1. one\n2. two", false)

	for _, want := range []string{"# Title", "• first", "• second", "1. one", "2. two"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderCodeBlock(t *testing.T) {
	r := newTestRenderer()
	out := r.Render("```go\nfunc main() {}\n```", false)
	if !strings.Contains(out, "func main() {}") {
		t.Errorf("code content missing:\n%s", out)
	}
}

func TestRenderMermaidBecomesDeepLink(t *testing.T) {
	r := newTestRenderer()
	out := r.Render("```mermaid\ngraph TD; A-->B\n```", false)

	if !strings.Contains(out, mermaidViewerBase) {
		t.Errorf("mermaid block must render as a viewer link:\n%s", out)
	}
	if strings.Contains(out, "graph TD") {
		t.Errorf("raw diagram source must not render:\n%s", out)
	}
}

func TestRenderNoCursorInsideOpenMermaidBlock(t *testing.T) {
	r := newTestRenderer()
	// The fence is still being typed; no cursor may be injected into it.
	out := r.Render("intro\n\n```mermaid\ngraph TD; A--", true)
	if strings.Contains(out, Cursor) {
		t.Errorf("cursor injected while diagram block is open:\n%s", out)
	}
}

func TestRenderWrapsLongParagraphs(t *testing.T) {
	r := NewRenderer(24)
	out := r.Render(strings.Repeat("word ", 20), false)
	for _, line := range strings.Split(out, "\n") {
		if len(line) > 30 { // plain ASCII, small slack over width
			t.Errorf("line exceeds width: %q", line)
		}
	}
}

func TestDiagramURLRoundTrip(t *testing.T) {
	code := "graph TD;\n  A-->B;"
	url, err := DiagramURL(code)
	if err != nil {
		t.Fatalf("DiagramURL failed: %v", err)
	}
	if !strings.HasPrefix(url, mermaidViewerBase) {
		t.Fatalf("url = %q", url)
	}

	compressed, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(url, mermaidViewerBase))
	if err != nil {
		t.Fatalf("fragment is not base64url: %v", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("fragment is not zlib: %v", err)
	}
	payload, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}

	var decoded struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded.Code != code {
		t.Errorf("round-tripped code = %q, want %q", decoded.Code, code)
	}
}
