// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package richtext

import "testing"

func TestParsePlainText(t *testing.T) {
	runs := Parse("hello<br>world &amp; friends", 1)
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d: %+v", len(runs), runs)
	}
	if runs[0].Text != "hello\nworld & friends" {
		t.Errorf("unexpected text: %q", runs[0].Text)
	}
	if !OnlyText(runs) {
		t.Error("OnlyText returned false for text-only runs")
	}
}

func TestParseEmoji(t *testing.T) {
	fragment := `hi <img class="emojione" alt="🎉" src="https://cdn.example/e1.png"> there`
	runs := Parse(fragment, 2)
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d: %+v", len(runs), runs)
	}
	image := runs[1].Image
	if image == nil {
		t.Fatal("middle run is not an image")
	}
	if !image.Emoji {
		t.Error("emojione image not marked as emoji")
	}
	if image.Alt != "🎉" {
		t.Errorf("unexpected alt: %q", image.Alt)
	}
	if image.Height != 38 {
		t.Errorf("unexpected scaled height: %d", image.Height)
	}
	if image.MediaID != "" {
		t.Errorf("emoji unexpectedly has a media ID: %q", image.MediaID)
	}
	if PlainText(runs) != "hi 🎉 there" {
		t.Errorf("unexpected plain text: %q", PlainText(runs))
	}
}

func TestParseStickerEmoji(t *testing.T) {
	fragment := `<img alt="(cony)" src="https://cdn.example/s.png" data-stickon-pkg-cd="1234" data-stickon-stk-cd="5678">`
	runs := Parse(fragment, 1)
	if len(runs) != 1 || runs[0].Image == nil {
		t.Fatalf("expected single image run, got %+v", runs)
	}
	image := runs[0].Image
	if image.Emoji {
		t.Error("sticker-emoji wrongly marked as emoji")
	}
	if image.MediaID != "1234/5678" {
		t.Errorf("unexpected media ID: %q", image.MediaID)
	}
	if image.Alt != ":(cony):" {
		t.Errorf("unexpected shortcode: %q", image.Alt)
	}
}

func TestShortcodeFallback(t *testing.T) {
	fragment := `<img alt="::" src="https://cdn.example/s.png">`
	runs := Parse(fragment, 1)
	if len(runs) != 1 || runs[0].Image == nil {
		t.Fatalf("expected single image run, got %+v", runs)
	}
	if runs[0].Image.Alt != ":n/a:" {
		t.Errorf("unexpected fallback shortcode: %q", runs[0].Image.Alt)
	}
}

func TestParseIgnoresSourcelessImages(t *testing.T) {
	runs := Parse(`before<img alt="x">after`, 1)
	if len(runs) != 1 || runs[0].Text != "beforeafter" {
		t.Errorf("sourceless image not ignored: %+v", runs)
	}
}
