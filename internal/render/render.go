// Package render turns tutor transcript text into HTML fragments. LaTeX is
// left in place inside marked spans for a client-side typesetter.
package render

import (
	"html"
	"regexp"
	"strings"
)

var (
	fencePattern   = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n?(.*?)```")
	displayPattern = regexp.MustCompile(`(?s)\$\$(.+?)\$\$`)
	inlinePattern  = regexp.MustCompile(`\$([^$\n]+?)\$`)
)

// HTML renders text as an HTML fragment. Code fences become <pre><code>,
// $$...$$ becomes a math-display span and $...$ a math-inline span.
// Everything else is escaped and newlines become <br />.
func HTML(text string) string {
	var b strings.Builder
	last := 0
	for _, loc := range fencePattern.FindAllStringSubmatchIndex(text, -1) {
		b.WriteString(prose(text[last:loc[0]]))
		b.WriteString("<pre><code>")
		b.WriteString(html.EscapeString(text[loc[2]:loc[3]]))
		b.WriteString("</code></pre>")
		last = loc[1]
	}
	b.WriteString(prose(text[last:]))
	return b.String()
}

func prose(text string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	last := 0
	for _, loc := range displayPattern.FindAllStringSubmatchIndex(text, -1) {
		b.WriteString(inline(text[last:loc[0]]))
		b.WriteString(`<span class="math-display">`)
		b.WriteString(html.EscapeString(text[loc[2]:loc[3]]))
		b.WriteString("</span>")
		last = loc[1]
	}
	b.WriteString(inline(text[last:]))
	return b.String()
}

func inline(text string) string {
	var b strings.Builder
	last := 0
	for _, loc := range inlinePattern.FindAllStringSubmatchIndex(text, -1) {
		b.WriteString(plain(text[last:loc[0]]))
		b.WriteString(`<span class="math-inline">`)
		b.WriteString(html.EscapeString(text[loc[2]:loc[3]]))
		b.WriteString("</span>")
		last = loc[1]
	}
	b.WriteString(plain(text[last:]))
	return b.String()
}

func plain(text string) string {
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br />")
}
