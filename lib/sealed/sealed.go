// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age for the one job the bridge has
// for it: encrypting stored remote login credentials at rest so the
// database alone does not yield a usable password. The key lives in a
// separate identity file referenced from the config.
package sealed

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// Sealer encrypts and decrypts payloads with a single age x25519
// identity.
type Sealer struct {
	identity *age.X25519Identity
}

// LoadSealer reads an age identity file (as written by age-keygen or
// GenerateKeyFile) and returns a Sealer. Comment lines are skipped.
func LoadSealer(path string) (*Sealer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading identity file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("sealed: parsing identity in %s: %w", path, err)
		}
		return &Sealer{identity: identity}, nil
	}
	return nil, fmt.Errorf("sealed: no identity found in %s", path)
}

// GenerateKeyFile creates a fresh identity file with 0600 permissions.
// Fails if the file already exists.
func GenerateKeyFile(path string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("sealed: generating identity: %w", err)
	}
	content := fmt.Sprintf("# created by linebridge\n# public key: %s\n%s\n",
		identity.Recipient(), identity)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("sealed: creating identity file: %w", err)
	}
	defer file.Close()
	if _, err := file.WriteString(content); err != nil {
		return fmt.Errorf("sealed: writing identity file: %w", err)
	}
	return nil
}

// Seal encrypts plaintext to the sealer's own recipient.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, s.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("sealed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts a payload produced by Seal.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	return plaintext, nil
}
