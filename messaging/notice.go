// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/miscworks/linebridge/lib/ref"
)

// RenderMarkdown converts markdown to the HTML used in formatted
// message bodies.
func RenderMarkdown(markdown string) (string, error) {
	var rendered bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &rendered); err != nil {
		return "", fmt.Errorf("messaging: rendering markdown: %w", err)
	}
	return strings.TrimSpace(rendered.String()), nil
}

// SendText sends a plain text message.
func (i *Intent) SendText(ctx context.Context, roomID ref.RoomID, text string) (ref.EventID, error) {
	return i.SendMessage(ctx, roomID, &MessageContent{MsgType: MsgText, Body: text})
}

// SendNotice sends a plain text notice. Notices do not trigger
// notifications on most clients, which suits bridge status traffic.
func (i *Intent) SendNotice(ctx context.Context, roomID ref.RoomID, text string) (ref.EventID, error) {
	return i.SendMessage(ctx, roomID, &MessageContent{MsgType: MsgNotice, Body: text})
}

// SendMarkdownNotice sends a notice with a markdown-rendered formatted
// body. The plain body keeps the raw markdown as fallback.
func (i *Intent) SendMarkdownNotice(ctx context.Context, roomID ref.RoomID, markdown string) (ref.EventID, error) {
	rendered, err := RenderMarkdown(markdown)
	if err != nil {
		return ref.EventID{}, err
	}
	return i.SendMessage(ctx, roomID, &MessageContent{
		MsgType:       MsgNotice,
		Body:          markdown,
		Format:        FormatHTML,
		FormattedBody: rendered,
	})
}
