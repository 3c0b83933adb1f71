// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package mediakey

import "testing"

func TestForMedia(t *testing.T) {
	byID := ForMedia("stk-1234", "https://cdn.example/a?token=1")
	byIDAgain := ForMedia("stk-1234", "https://cdn.example/a?token=2")
	if byID != byIDAgain {
		t.Error("same media ID with different URLs produced different keys")
	}

	byURL := ForMedia("", "https://cdn.example/a?token=1")
	if byURL == byID {
		t.Error("URL fallback collided with media ID key")
	}
	if ForMedia("", "https://cdn.example/a?token=1") != byURL {
		t.Error("URL fallback is not deterministic")
	}

	if ForMedia("", "") != "" {
		t.Error("empty inputs should produce an empty key")
	}
	if len(byID) != 64 {
		t.Errorf("unexpected key length: %d", len(byID))
	}
}
