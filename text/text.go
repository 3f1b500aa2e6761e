// Package text converts bot-authored markdown into the HTML that federates
// well, and back into plain text for previews.
package text

import (
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	xhtml "golang.org/x/net/html"
)

// Render converts markdown source to HTML suitable for a Note's content
// field.
func Render(source string) string {
	extensions := parser.CommonExtensions | parser.NoEmptyLineBeforeBlock | parser.HardLineBreak
	p := parser.NewWithExtensions(extensions)
	doc := p.Parse([]byte(source))

	htmlFlags := html.CommonFlags
	opts := html.RendererOptions{Flags: htmlFlags}
	renderer := html.NewRenderer(opts)

	rendered := string(markdown.Render(doc, renderer))
	return strings.Trim(rendered, "\n")
}

// Strip reduces an HTML fragment to its text content. Inbound notes arrive
// as HTML; hooks usually want the words.
func Strip(source string) string {
	doc, err := xhtml.Parse(strings.NewReader(source))
	if err != nil {
		return source
	}

	var traverse func(n *xhtml.Node) string
	traverse = func(n *xhtml.Node) string {
		var result strings.Builder

		switch n.Type {
		case xhtml.TextNode:
			result.WriteString(n.Data)
		case xhtml.ElementNode:
			switch n.Data {
			case "br":
				result.WriteString("\n")
			case "p":
				result.WriteString("\n")
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					result.WriteString(traverse(c))
				}
			case "script", "style":
				// drop entirely
			default:
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					result.WriteString(traverse(c))
				}
			}
		default:
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				result.WriteString(traverse(c))
			}
		}

		return result.String()
	}

	return strings.TrimSpace(traverse(doc))
}
