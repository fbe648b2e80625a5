// Package extract reduces fetched HTML to the visible text a reader would
// see, which is the form the research prompts consume. The walk starts at
// <body> and drops scripts, styles, navigation chrome, and obvious cookie
// or consent banners.
package extract

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// Page is the readable remains of a fetched document.
type Page struct {
	Title string
	Text  string
}

// hiddenElements never contribute visible text.
var hiddenElements = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"template": {},
	"nav":      {},
	"footer":   {},
	"aside":    {},
	"iframe":   {},
}

// FromHTML parses input and returns the page title plus its visible text.
// html.Parse tolerates real-world tag soup, so an empty Page only occurs on
// truly unreadable input.
func FromHTML(input []byte) Page {
	root, err := html.Parse(bytes.NewReader(input))
	if err != nil || root == nil {
		return Page{}
	}
	page := Page{Title: pageTitle(root)}
	body := firstElement(root, "body")
	if body == nil {
		body = root
	}
	var b strings.Builder
	visibleText(&b, body, false)
	page.Text = tidy(b.String())
	return page
}

func pageTitle(root *html.Node) string {
	head := firstElement(root, "head")
	if head == nil {
		return ""
	}
	title := firstElement(head, "title")
	if title == nil || title.FirstChild == nil {
		return ""
	}
	return strings.TrimSpace(title.FirstChild.Data)
}

func firstElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && strings.EqualFold(n.Data, tag) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := firstElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// visibleText appends the text content of n. Block-level boundaries become
// newlines so that headings, paragraphs, and list items stay separated once
// whitespace is collapsed. Inside <pre> or <code> the text passes through
// untouched.
func visibleText(b *strings.Builder, n *html.Node, pre bool) {
	if n.Type == html.ElementNode {
		name := strings.ToLower(n.Data)
		if _, hidden := hiddenElements[name]; hidden {
			return
		}
		if bannerLike(n) {
			return
		}
		switch name {
		case "pre", "code":
			pre = true
		case "br", "hr":
			b.WriteString("\n")
		case "p", "h1", "h2", "h3", "h4", "h5", "h6", "li", "ul", "ol", "table", "tr", "blockquote", "div":
			b.WriteString("\n")
		}
	}

	if n.Type == html.TextNode {
		data := n.Data
		if !pre {
			data = strings.ReplaceAll(data, "\t", " ")
			data = strings.ReplaceAll(data, "\r", " ")
		}
		b.WriteString(data)
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		visibleText(b, c, pre)
	}

	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "p", "h1", "h2", "h3", "h4", "h5", "h6", "blockquote":
			b.WriteString("\n\n")
		case "li", "tr", "div":
			b.WriteString("\n")
		case "pre", "code":
			b.WriteString("\n")
		}
	}
}

// bannerLike flags cookie and consent overlays by id/class/aria markers.
// These are visible in a browser but are noise for research purposes.
func bannerLike(n *html.Node) bool {
	for _, attr := range n.Attr {
		key := strings.ToLower(attr.Key)
		switch {
		case key == "id", key == "class", key == "role", key == "aria-label":
		case strings.HasPrefix(key, "data-"):
		default:
			continue
		}
		val := strings.ToLower(attr.Val)
		if strings.Contains(val, "cookie") || strings.Contains(val, "consent") || strings.Contains(val, "gdpr") {
			return true
		}
	}
	return false
}

// tidy collapses runs of spaces within lines and runs of blank lines down
// to one, trimming the result.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(out) > 0 && out[len(out)-1] == "" {
				continue
			}
			out = append(out, "")
			continue
		}
		out = append(out, squeeze(trimmed))
	}
	for len(out) > 0 && out[0] == "" {
		out = out[1:]
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func squeeze(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\r' {
			if !space {
				b.WriteByte(' ')
				space = true
			}
			continue
		}
		b.WriteRune(r)
		space = false
	}
	return b.String()
}
