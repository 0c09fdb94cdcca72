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
	htmlReplyRe      = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	htmlPreRe        = regexp.MustCompile(`(?s)<pre><code(?: class="language-([\w+-]+)")?>(.*?)</code></pre>`)
	htmlCodeRe       = regexp.MustCompile(`(?s)<code>(.*?)</code>`)
	htmlStrongRe     = regexp.MustCompile(`(?s)<(?:strong|b)>(.*?)</(?:strong|b)>`)
	htmlEmRe         = regexp.MustCompile(`(?s)<(?:em|i)>(.*?)</(?:em|i)>`)
	htmlDelRe        = regexp.MustCompile(`(?s)<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`)
	htmlLinkRe       = regexp.MustCompile(`(?s)<a href="([^"]+)"[^>]*>(.*?)</a>`)
	htmlHeadingRe    = regexp.MustCompile(`(?s)<h([1-6])>(.*?)</h[1-6]>`)
	htmlBlockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	htmlListRe       = regexp.MustCompile(`(?s)<(ul|ol)>(.*?)</(?:ul|ol)>`)
	htmlItemRe       = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	htmlParaRe       = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	htmlBrRe         = regexp.MustCompile(`<br\s*/?>`)
	htmlTagRe        = regexp.MustCompile(`<[^>]+>`)
	blankLinesRe     = regexp.MustCompile(`\n{3,}`)
)

// ToMattermost converts Matrix message content into Mattermost markdown.
// Content without an HTML body is returned as its plain body.
func ToMattermost(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}

	text := htmlReplyRe.ReplaceAllString(content.FormattedBody, "")

	var fences []string
	text = htmlPreRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := htmlPreRe.FindStringSubmatch(m)
		fences = append(fences, "```"+parts[1]+"\n"+html.UnescapeString(strings.TrimSuffix(parts[2], "\n"))+"\n```")
		return placeholder("F", len(fences)-1)
	})
	text = htmlCodeRe.ReplaceAllString(text, "`$1`")
	text = htmlStrongRe.ReplaceAllString(text, "**$1**")
	text = htmlEmRe.ReplaceAllString(text, "_${1}_")
	text = htmlDelRe.ReplaceAllString(text, "~~$1~~")
	text = htmlLinkRe.ReplaceAllString(text, "[$2]($1)")

	text = htmlHeadingRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := htmlHeadingRe.FindStringSubmatch(m)
		level, _ := strconv.Atoi(parts[1])
		return "\n" + strings.Repeat("#", level) + " " + parts[2] + "\n"
	})
	text = htmlListRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := htmlListRe.FindStringSubmatch(m)
		items := htmlItemRe.FindAllStringSubmatch(parts[2], -1)
		lines := make([]string, len(items))
		for i, item := range items {
			marker := "-"
			if parts[1] == "ol" {
				marker = strconv.Itoa(i+1) + "."
			}
			lines[i] = marker + " " + strings.TrimSpace(item[1])
		}
		return "\n" + strings.Join(lines, "\n") + "\n"
	})
	text = htmlBlockquoteRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := htmlBlockquoteRe.FindStringSubmatch(m)[1]
		inner = htmlBrRe.ReplaceAllString(inner, "\n")
		inner = htmlParaRe.ReplaceAllString(inner, "$1\n")
		lines := strings.Split(strings.TrimSpace(inner), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return "\n" + strings.Join(lines, "\n") + "\n"
	})
	text = htmlParaRe.ReplaceAllString(text, "$1\n\n")
	text = htmlBrRe.ReplaceAllString(text, "\n")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	for i, fence := range fences {
		text = strings.Replace(text, placeholder("F", i), "\n"+fence+"\n", 1)
	}
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
