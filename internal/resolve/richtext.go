package resolve

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	blankRuns = regexp.MustCompile(`(\n[ \t]*){3,}`)

	blockElements = map[string]bool{
		"p": true, "div": true, "li": true, "ul": true, "ol": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
		"blockquote": true, "pre": true, "tr": true, "table": true, "section": true,
	}
)

// NormalizeRichText turns editor markup into plain text: <br> and block
// elements become line breaks, at most two consecutive newlines survive and
// the result is trimmed.
func NormalizeRichText(src string) string {
	if !strings.ContainsAny(src, "<&") {
		return tidy(src)
	}
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return tidy(src)
	}
	var sb strings.Builder
	writeText(doc, &sb)
	return tidy(sb.String())
}

func writeText(n *html.Node, sb *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style":
			return
		case "br":
			sb.WriteString("\n")
			return
		}
	}

	block := n.Type == html.ElementNode && blockElements[n.Data]
	if block {
		breakLine(sb)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(c, sb)
	}
	if block {
		sb.WriteString("\n")
	}
}

func breakLine(sb *strings.Builder) {
	s := sb.String()
	if s != "" && !strings.HasSuffix(s, "\n") {
		sb.WriteString("\n")
	}
}

func tidy(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
