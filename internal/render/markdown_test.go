package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdownProse(t *testing.T) {
	out, err := New("monokai").Markdown("**bold** and `code`\n\n- one\n- two")
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "<strong>bold</strong>")
	assert.Contains(t, s, "<code>code</code>")
	assert.Contains(t, s, "<li>one</li>")
}

func TestFencedBlockWithLanguageIsHighlighted(t *testing.T) {
	out, err := New("monokai").Markdown("```go\nfunc main() {}\n```")
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, `data-lang="go"`)
	assert.Contains(t, s, "<span")
	assert.Contains(t, s, "style=")
	assert.Contains(t, s, "main")
}

func TestFencedBlockWithoutLanguageIsPlain(t *testing.T) {
	out, err := New("monokai").Markdown("```\na < b\n```")
	require.NoError(t, err)
	s := string(out)
	assert.NotContains(t, s, "data-lang")
	assert.Contains(t, s, "a &lt; b")
}

func TestLatexFenceRendersSource(t *testing.T) {
	out, err := New("monokai").Markdown("```latex\n\\section{Intro}\n```")
	require.NoError(t, err)
	assert.Contains(t, string(out), `data-lang="latex"`)
	assert.Contains(t, string(out), "Intro")
}

func TestRawHTMLIsNotPassedThrough(t *testing.T) {
	out, err := New("monokai").Markdown("hi <script>alert(1)</script>")
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(out), "<script>"))
}

func TestUnknownStyleFallsBack(t *testing.T) {
	out := New("no-such-style").MustMarkdown("```python\nprint(1)\n```")
	assert.Contains(t, string(out), `data-lang="python"`)
}
