// Copyright 2024-2026 Aiku AI

// Package format holds the pure text transforms between Mattermost markdown
// and Matrix message content, plus the small notices the routers prepend to
// bridged bodies.
package format

import (
	"strings"

	"maunium.net/go/mautrix/event"
)

// Content is a Matrix text body with an optional HTML rendering.
type Content struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

// MessageContent converts c to a Matrix m.text event body.
func (c Content) MessageContent(msgType event.MessageType) *event.MessageEventContent {
	if msgType == "" {
		msgType = event.MsgText
	}
	return &event.MessageEventContent{
		MsgType:       msgType,
		Body:          c.Body,
		Format:        c.Format,
		FormattedBody: c.FormattedBody,
	}
}

const (
	fallbackNotice = "[in reply to a message that could not be found]"
	editedPrefix   = "[edited]"
)

// FallbackNotice prefixes body with a notice saying the message it replied to
// is unknown on this side.
func FallbackNotice(body string) string {
	if body == "" {
		return fallbackNotice
	}
	return fallbackNotice + "\n" + body
}

// EditReference is the body of a new message that replaces an edit the
// remote platform no longer accepts in place. link points at the original
// message and may be empty.
func EditReference(body, link string) string {
	var sb strings.Builder
	sb.WriteString(editedPrefix)
	if link != "" {
		sb.WriteString(" (")
		sb.WriteString(link)
		sb.WriteString(")")
	}
	sb.WriteString(" ")
	sb.WriteString(body)
	return sb.String()
}

// HasFallbackNotice reports whether body starts with the FallbackNotice prefix.
func HasFallbackNotice(body string) bool {
	return strings.HasPrefix(body, fallbackNotice)
}
