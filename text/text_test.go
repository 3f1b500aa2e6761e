package text

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	html := Render("hello **world**")
	assert.Contains(t, html, "<strong>world</strong>")
	assert.False(t, strings.HasSuffix(html, "\n"))

	html = Render("[link](https://example.com)")
	assert.Contains(t, html, `href="https://example.com"`)
}

func TestRenderHardLineBreak(t *testing.T) {
	html := Render("line one\nline two")
	assert.Contains(t, html, "<br")
}

func TestStrip(t *testing.T) {
	assert.Equal(t, "hello world", Strip("<p>hello <strong>world</strong></p>"))
	assert.Equal(t, "one\ntwo", Strip("one<br>two"))
	assert.Equal(t, "safe", Strip("<p>safe</p><script>alert(1)</script>"))
}

func TestStripPlainTextPassesThrough(t *testing.T) {
	assert.Equal(t, "no markup here", Strip("no markup here"))
}
