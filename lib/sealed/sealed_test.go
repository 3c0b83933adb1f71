// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"path/filepath"
	"testing"
)

func TestSealRoundTrip(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "bridge.key")
	if err := GenerateKeyFile(keyPath); err != nil {
		t.Fatalf("GenerateKeyFile failed: %v", err)
	}
	// Refusing to overwrite an existing key protects stored secrets.
	if err := GenerateKeyFile(keyPath); err == nil {
		t.Fatal("GenerateKeyFile overwrote an existing key file")
	}

	sealer, err := LoadSealer(keyPath)
	if err != nil {
		t.Fatalf("LoadSealer failed: %v", err)
	}

	ciphertext, err := sealer.Seal([]byte(`{"email":"a@b.c"}`))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	plaintext, err := sealer.Open(ciphertext)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(plaintext) != `{"email":"a@b.c"}` {
		t.Errorf("round trip mismatch: %q", plaintext)
	}

	// A different key must not open the payload.
	otherPath := filepath.Join(t.TempDir(), "other.key")
	if err := GenerateKeyFile(otherPath); err != nil {
		t.Fatalf("GenerateKeyFile failed: %v", err)
	}
	other, err := LoadSealer(otherPath)
	if err != nil {
		t.Fatalf("LoadSealer failed: %v", err)
	}
	if _, err := other.Open(ciphertext); err == nil {
		t.Error("foreign key opened the sealed payload")
	}
}
