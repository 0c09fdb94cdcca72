// Copyright 2024-2026 Aiku AI

package format

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	mdFenceRe      = regexp.MustCompile("(?s)```([\\w+-]*)\\n?(.*?)```")
	mdCodeRe       = regexp.MustCompile("`([^`]+)`")
	mdBoldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalicRe     = regexp.MustCompile(`(^|[\s(])_([^_\s](?:[^_]*[^_\s])?)_($|[\s.,!?:;)])`)
	mdStrikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	mdLinkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	mdHeadingRe    = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	mdBulletRe     = regexp.MustCompile(`^\s*[-*+]\s+(.+)$`)
	mdNumberedRe   = regexp.MustCompile(`^\s*\d+[.)]\s+(.+)$`)
	mdBlockquoteRe = regexp.MustCompile(`^>\s?(.*)$`)
)

func placeholder(kind string, i int) string {
	return "\x00" + kind + strconv.Itoa(i) + "\x00"
}

// ToMatrix converts a Mattermost markdown message into Matrix content. Text
// without markup is returned as a plain body.
func ToMatrix(text string) Content {
	if text == "" || !hasMarkdown(text) {
		return Content{Body: text}
	}

	// Fenced and inline code are lifted out first so nothing inside them is
	// treated as markup.
	var fences, spans []string
	out := mdFenceRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := mdFenceRe.FindStringSubmatch(m)
		open := "<pre><code>"
		if parts[1] != "" {
			open = `<pre><code class="language-` + html.EscapeString(parts[1]) + `">`
		}
		fences = append(fences, open+html.EscapeString(parts[2])+"</code></pre>")
		return placeholder("F", len(fences)-1)
	})
	out = mdCodeRe.ReplaceAllStringFunc(out, func(m string) string {
		spans = append(spans, "<code>"+html.EscapeString(mdCodeRe.FindStringSubmatch(m)[1])+"</code>")
		return placeholder("C", len(spans)-1)
	})

	out = renderBlocks(out)
	out = mdBoldRe.ReplaceAllString(out, "<strong>$1</strong>")
	out = mdItalicRe.ReplaceAllString(out, "$1<em>$2</em>$3")
	out = mdStrikeRe.ReplaceAllString(out, "<del>$1</del>")
	out = mdLinkRe.ReplaceAllStringFunc(out, func(m string) string {
		parts := mdLinkRe.FindStringSubmatch(m)
		if !safeHref(parts[2]) {
			return parts[1]
		}
		return `<a href="` + parts[2] + `">` + parts[1] + `</a>`
	})

	for i, span := range spans {
		out = strings.Replace(out, placeholder("C", i), span, 1)
	}
	for i, fence := range fences {
		out = strings.Replace(out, placeholder("F", i), fence, 1)
	}
	return Content{
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: out,
	}
}

func hasMarkdown(text string) bool {
	if mdFenceRe.MatchString(text) || mdCodeRe.MatchString(text) || mdBoldRe.MatchString(text) ||
		mdItalicRe.MatchString(text) || mdStrikeRe.MatchString(text) || mdLinkRe.MatchString(text) {
		return true
	}
	for line := range strings.SplitSeq(text, "\n") {
		if mdHeadingRe.MatchString(line) || mdBulletRe.MatchString(line) ||
			mdNumberedRe.MatchString(line) || mdBlockquoteRe.MatchString(line) {
			return true
		}
	}
	return false
}

// renderBlocks escapes text and turns line-level markdown into HTML blocks.
// Consecutive plain lines are joined with <br/>. Paragraphs are only wrapped
// in <p> when there is more than one block.
func renderBlocks(text string) string {
	type block struct {
		html string
		para bool
	}
	var blocks []block
	var list, quote, para []string
	listTag := ""

	flush := func() {
		if len(list) > 0 {
			blocks = append(blocks, block{html: "<" + listTag + ">" + strings.Join(list, "") + "</" + listTag + ">"})
			list, listTag = nil, ""
		}
		if len(quote) > 0 {
			blocks = append(blocks, block{html: "<blockquote>" + strings.Join(quote, "<br/>") + "</blockquote>"})
			quote = nil
		}
		if len(para) > 0 {
			blocks = append(blocks, block{html: strings.Join(para, "<br/>"), para: true})
			para = nil
		}
	}
	addItem := func(tag, item string) {
		if listTag != tag {
			flush()
			listTag = tag
		}
		list = append(list, "<li>"+html.EscapeString(item)+"</li>")
	}

	for line := range strings.SplitSeq(text, "\n") {
		switch {
		case strings.TrimSpace(line) == "":
			flush()
		case mdHeadingRe.MatchString(line):
			flush()
			m := mdHeadingRe.FindStringSubmatch(line)
			lvl := strconv.Itoa(len(m[1]))
			blocks = append(blocks, block{html: "<h" + lvl + ">" + html.EscapeString(m[2]) + "</h" + lvl + ">"})
		case mdBlockquoteRe.MatchString(line):
			if len(quote) == 0 {
				flush()
			}
			quote = append(quote, html.EscapeString(mdBlockquoteRe.FindStringSubmatch(line)[1]))
		case mdBulletRe.MatchString(line):
			addItem("ul", mdBulletRe.FindStringSubmatch(line)[1])
		case mdNumberedRe.MatchString(line):
			addItem("ol", mdNumberedRe.FindStringSubmatch(line)[1])
		default:
			if len(list) > 0 || len(quote) > 0 {
				flush()
			}
			para = append(para, html.EscapeString(line))
		}
	}
	flush()

	var sb strings.Builder
	for _, b := range blocks {
		if b.para && len(blocks) > 1 {
			sb.WriteString("<p>" + b.html + "</p>")
		} else {
			sb.WriteString(b.html)
		}
	}
	return sb.String()
}

func safeHref(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:")
}
