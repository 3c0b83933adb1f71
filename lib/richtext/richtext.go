// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package richtext parses the HTML fragments the remote service uses
// for message bodies into a flat sequence of text and inline-image
// runs. The fragments are machine-generated and shallow: text nodes,
// <br> line breaks, and <img> tags for emoji and sticker-emoji are the
// only constructs that carry meaning. Everything else is ignored.
package richtext

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// InlineImage describes an <img> found in a message fragment.
type InlineImage struct {
	// Source is the remote URL the image must be fetched from.
	Source string

	// Alt is the textual fallback. For emoji this is the Unicode
	// character itself; for sticker-emoji it is a ":name:" shortcode.
	Alt string

	// MediaID is the stable "package/sticker" identifier for
	// sticker-emoji, or "" when the remote side assigns none.
	MediaID string

	// Height is the rendered height hint in pixels.
	Height int

	// Emoji marks images that should render inline at text height.
	Emoji bool
}

// Run is one segment of a parsed message body. Exactly one of Text and
// Image is set.
type Run struct {
	Text  string
	Image *InlineImage
}

// baseEmojiHeight matches the pixel height the remote client renders
// inline emoji at.
const baseEmojiHeight = 19

// Parse tokenizes a message HTML fragment into runs. Adjacent text and
// <br> breaks coalesce into a single text run. emojiScale multiplies
// the rendered height of inline images; values below 1 act as 1.
func Parse(fragment string, emojiScale int) []Run {
	if emojiScale < 1 {
		emojiScale = 1
	}

	var runs []Run
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			runs = append(runs, Run{Text: text.String()})
			text.Reset()
		}
	}

	tokenizer := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			flush()
			return runs
		case html.TextToken:
			text.WriteString(string(tokenizer.Text()))
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			switch token.Data {
			case "br":
				text.WriteByte('\n')
			case "img":
				image := parseImage(token, emojiScale)
				if image == nil {
					continue
				}
				flush()
				runs = append(runs, Run{Image: image})
			}
		}
	}
}

func parseImage(token html.Token, emojiScale int) *InlineImage {
	attrs := make(map[string]string, len(token.Attr))
	for _, attr := range token.Attr {
		attrs[attr.Key] = attr.Val
	}
	if attrs["src"] == "" {
		return nil
	}

	image := &InlineImage{
		Source: attrs["src"],
		Height: baseEmojiHeight * emojiScale,
	}
	if strings.Contains(attrs["class"], "emojione") {
		// Standard emoji carry the Unicode character in alt.
		image.Emoji = true
		image.Alt = attrs["alt"]
		return image
	}

	// Sticker-emoji: the alt is a human-readable name, and the stable
	// identifier is split across two data attributes.
	image.Alt = shortcode(attrs["alt"])
	if pkg, stk := attrs["data-stickon-pkg-cd"], attrs["data-stickon-stk-cd"]; pkg != "" && stk != "" {
		image.MediaID = pkg + "/" + stk
	}
	return image
}

// shortcode wraps an alt name in colons, dropping characters that would
// break the shortcode form.
func shortcode(alt string) string {
	var name strings.Builder
	for _, r := range alt {
		if unicode.IsGraphic(r) && r != ':' {
			name.WriteRune(r)
		}
	}
	if name.Len() == 0 {
		return ":n/a:"
	}
	return ":" + name.String() + ":"
}

// PlainText flattens runs to the text-only representation used for
// message bodies: image runs contribute their alt text.
func PlainText(runs []Run) string {
	var body strings.Builder
	for _, run := range runs {
		if run.Image != nil {
			body.WriteString(run.Image.Alt)
			continue
		}
		body.WriteString(run.Text)
	}
	return body.String()
}

// OnlyText reports whether the runs contain no images, meaning the
// message can be bridged as a plain text event.
func OnlyText(runs []Run) bool {
	for _, run := range runs {
		if run.Image != nil {
			return false
		}
	}
	return true
}
