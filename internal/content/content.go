package content

import (
	"html"
	"strings"

	nethtml "golang.org/x/net/html"
)

// Content types of an Atom content element
const (
	TypeText  = "text"
	TypeHTML  = "html"
	TypeXHTML = "xhtml"
)

// Normalize turns published content into whitespace-collapsed plain text
func Normalize(raw, contentType string) string {
	switch contentType {
	case TypeHTML, TypeXHTML, "text/html", "application/xhtml+xml":
		return extractText(unescapeMarkup(raw))
	default:
		return collapse(raw)
	}
}

// unescapeMarkup decodes markup that was escaped one extra time, like
// "&lt;p&gt;" inside an html content element.
func unescapeMarkup(s string) string {
	if strings.Contains(s, "<") || !strings.Contains(s, "&lt;") {
		return s
	}
	return html.UnescapeString(s)
}

// Tags to skip (non-content)
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"iframe": true, "object": true, "embed": true,
	"head": true, "template": true,
}

// extractText parses HTML and returns its readable text
func extractText(htmlContent string) string {
	doc, err := nethtml.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return collapse(htmlContent)
	}

	var sb strings.Builder
	var extract func(*nethtml.Node)
	extract = func(n *nethtml.Node) {
		if n.Type == nethtml.ElementNode && skipTags[n.Data] {
			return
		}

		if n.Type == nethtml.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}

		if n.Type == nethtml.ElementNode {
			switch n.Data {
			case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6", "li", "br", "tr", "blockquote", "pre":
				sb.WriteString("\n")
			}
		}
	}
	extract(doc)

	return collapse(sb.String())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
