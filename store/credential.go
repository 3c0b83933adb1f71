// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/miscworks/linebridge/lib/ref"
	"github.com/miscworks/linebridge/lib/sealed"
)

// LoginCredentials are the remote account credentials kept for
// automatic re-login after a session expiry. Only email logins can be
// replayed; QR logins always need the user.
type LoginCredentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SaveCredentials seals and stores login credentials for a user.
func (s *Store) SaveCredentials(ctx context.Context, mxid ref.UserID, credentials LoginCredentials, sealer *sealed.Sealer) error {
	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return fmt.Errorf("store: encoding credentials: %w", err)
	}
	ciphertext, err := sealer.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("store: sealing credentials: %w", err)
	}
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO login_credential (mxid, sealed) VALUES (?, ?)
			ON CONFLICT (mxid) DO UPDATE SET sealed = excluded.sealed`,
			&sqlitex.ExecOptions{Args: []any{mxid.String(), ciphertext}})
	})
}

// LoadCredentials returns a user's stored credentials, or nil when
// none are stored.
func (s *Store) LoadCredentials(ctx context.Context, mxid ref.UserID, sealer *sealed.Sealer) (*LoginCredentials, error) {
	var ciphertext []byte
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT sealed FROM login_credential WHERE mxid = ?",
			&sqlitex.ExecOptions{
				Args: []any{mxid.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					ciphertext = make([]byte, stmt.ColumnLen(0))
					stmt.ColumnBytes(0, ciphertext)
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	if ciphertext == nil {
		return nil, nil
	}

	plaintext, err := sealer.Open(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("store: unsealing credentials: %w", err)
	}
	var credentials LoginCredentials
	if err := json.Unmarshal(plaintext, &credentials); err != nil {
		return nil, fmt.Errorf("store: decoding credentials: %w", err)
	}
	return &credentials, nil
}

// DeleteCredentials removes a user's stored credentials.
func (s *Store) DeleteCredentials(ctx context.Context, mxid ref.UserID) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM login_credential WHERE mxid = ?",
			&sqlitex.ExecOptions{Args: []any{mxid.String()}})
	})
}
