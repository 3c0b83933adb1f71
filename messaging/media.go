// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/miscworks/linebridge/lib/netutil"
	"github.com/miscworks/linebridge/lib/ref"
)

// UploadMedia uploads bytes to the homeserver media repository and
// returns the content URI.
func (c *Client) UploadMedia(ctx context.Context, data []byte, contentType, filename string) (ref.ContentURI, error) {
	path := "/_matrix/media/v3/upload"
	if filename != "" {
		path += "?filename=" + url.QueryEscape(filename)
	}
	body, err := c.doRequestRaw(ctx, http.MethodPost, path, contentType, bytes.NewReader(data))
	if err != nil {
		return ref.ContentURI{}, fmt.Errorf("messaging: uploading media: %w", err)
	}
	var response struct {
		ContentURI ref.ContentURI `json:"content_uri"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.ContentURI{}, fmt.Errorf("messaging: failed to parse upload response: %w", err)
	}
	return response.ContentURI, nil
}

// DownloadMedia fetches media bytes from the homeserver.
func (c *Client) DownloadMedia(ctx context.Context, uri ref.ContentURI) ([]byte, error) {
	path := "/_matrix/client/v1/media/download/" +
		url.PathEscape(uri.ServerName()) + "/" + url.PathEscape(uri.MediaID())
	body, err := c.doRequestRaw(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: downloading %s: %w", uri, err)
	}
	return body, nil
}

// doRequestRaw performs a request with a raw (non-JSON) body, used for
// media transfer.
func (c *Client) doRequestRaw(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	request.Header.Set("Authorization", "Bearer "+c.asToken)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil {
		return nil, fmt.Errorf("messaging: unexpected %d response from %s %s",
			response.StatusCode, method, path)
	}
	matrixErr.StatusCode = response.StatusCode
	return nil, &matrixErr
}

// JSONWebKey is the key component of an EncryptedFile.
type JSONWebKey struct {
	KeyType string   `json:"kty"`
	KeyOps  []string `json:"key_ops"`
	Alg     string   `json:"alg"`
	Key     string   `json:"k"`
	Ext     bool     `json:"ext"`
}

// EncryptedFile describes an encrypted attachment per the Matrix
// end-to-end encryption spec (AES-256-CTR, SHA-256 ciphertext hash).
type EncryptedFile struct {
	URL     string            `json:"url"`
	Key     JSONWebKey        `json:"key"`
	IV      string            `json:"iv"`
	Hashes  map[string]string `json:"hashes"`
	Version string            `json:"v"`
}

// EncryptAttachment encrypts media for an encrypted room. The returned
// file metadata has an empty URL; the caller fills it in after
// uploading the ciphertext.
func EncryptAttachment(plaintext []byte) ([]byte, *EncryptedFile, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, fmt.Errorf("messaging: generating attachment key: %w", err)
	}
	// CTR IV: 8 random bytes followed by a zeroed 64-bit counter.
	iv := make([]byte, 16)
	if _, err := rand.Read(iv[:8]); err != nil {
		return nil, nil, fmt.Errorf("messaging: generating attachment IV: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("messaging: initializing attachment cipher: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	hash := sha256.Sum256(ciphertext)
	file := &EncryptedFile{
		Key: JSONWebKey{
			KeyType: "oct",
			KeyOps:  []string{"encrypt", "decrypt"},
			Alg:     "A256CTR",
			Key:     base64.RawURLEncoding.EncodeToString(key),
			Ext:     true,
		},
		IV:      base64.RawStdEncoding.EncodeToString(iv),
		Hashes:  map[string]string{"sha256": base64.RawStdEncoding.EncodeToString(hash[:])},
		Version: "v2",
	}
	return ciphertext, file, nil
}

// DecryptAttachment reverses EncryptAttachment, verifying the
// ciphertext hash first.
func DecryptAttachment(ciphertext []byte, file *EncryptedFile) ([]byte, error) {
	expectedHash, err := base64.RawStdEncoding.DecodeString(file.Hashes["sha256"])
	if err != nil {
		return nil, fmt.Errorf("messaging: decoding attachment hash: %w", err)
	}
	actualHash := sha256.Sum256(ciphertext)
	if subtle.ConstantTimeCompare(expectedHash, actualHash[:]) != 1 {
		return nil, fmt.Errorf("messaging: attachment hash mismatch")
	}

	key, err := base64.RawURLEncoding.DecodeString(file.Key.Key)
	if err != nil {
		return nil, fmt.Errorf("messaging: decoding attachment key: %w", err)
	}
	iv, err := base64.RawStdEncoding.DecodeString(file.IV)
	if err != nil {
		return nil, fmt.Errorf("messaging: decoding attachment IV: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("messaging: initializing attachment cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
