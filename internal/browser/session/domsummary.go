// internal/browser/session/domsummary.go
package session

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

const (
	maxSummaryItems = 40
	maxItemTextLen  = 80
)

// SummarizeHTML condenses a raw HTML document into a short, structural
// description: title, headings, links and form fields. The summary is what
// the planner sees instead of the full page, and what DOM-change predicates
// compare, so it must be deterministic for a given document.
func SummarizeHTML(rawHTML string) (string, error) {
	doc, err := htmlquery.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	var b strings.Builder

	if titleNode := htmlquery.FindOne(doc, "//title"); titleNode != nil {
		fmt.Fprintf(&b, "title: %s\n", clip(htmlquery.InnerText(titleNode)))
	}

	writeNodes(&b, doc, "//h1 | //h2 | //h3", func(n *html.Node) string {
		text := clip(htmlquery.InnerText(n))
		if text == "" {
			return ""
		}
		return fmt.Sprintf("heading[%s]: %s", n.Data, text)
	})

	writeNodes(&b, doc, "//a[@href]", func(n *html.Node) string {
		text := clip(htmlquery.InnerText(n))
		href := htmlquery.SelectAttr(n, "href")
		if text == "" && href == "" {
			return ""
		}
		return fmt.Sprintf("link: %s (%s)", text, clip(href))
	})

	writeNodes(&b, doc, "//input | //textarea | //select | //button", func(n *html.Node) string {
		name := htmlquery.SelectAttr(n, "name")
		id := htmlquery.SelectAttr(n, "id")
		typ := htmlquery.SelectAttr(n, "type")
		label := name
		if label == "" {
			label = id
		}
		if label == "" && n.Data == "button" {
			label = clip(htmlquery.InnerText(n))
		}
		if label == "" {
			return ""
		}
		if typ != "" {
			return fmt.Sprintf("field[%s/%s]: %s", n.Data, typ, label)
		}
		return fmt.Sprintf("field[%s]: %s", n.Data, label)
	})

	return strings.TrimRight(b.String(), "\n"), nil
}

// writeNodes appends one formatted line per matched node, capped so a link
// farm cannot flood the planner's context. Nodes that format to nothing do
// not count against the cap or the overflow tally.
func writeNodes(b *strings.Builder, doc *html.Node, xpath string, format func(*html.Node) string) {
	nodes, err := htmlquery.QueryAll(doc, xpath)
	if err != nil {
		return
	}
	var lines []string
	for _, n := range nodes {
		if line := format(n); line != "" {
			lines = append(lines, line)
		}
	}
	for i, line := range lines {
		if i >= maxSummaryItems {
			fmt.Fprintf(b, "... (%d more)\n", len(lines)-i)
			return
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

// clip collapses whitespace and truncates on rune boundaries, so multibyte
// text never yields invalid UTF-8 in the summary.
func clip(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxItemTextLen {
		return s
	}
	return string([]rune(s)[:maxItemTextLen]) + "..."
}
