// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/miscworks/linebridge/lib/ref"
)

// Media records one upload of remote media to the homeserver, keyed by
// the stable deduplication key from lib/mediakey. Records are
// immutable: the same remote media always maps to the same mxc URI.
type Media struct {
	Key    string
	MXC    ref.ContentURI
	Mime   string
	Size   int
	Width  int
	Height int
}

// InsertMedia records an upload. A concurrent duplicate insert of the
// same key is ignored; the first upload wins.
func (s *Store) InsertMedia(ctx context.Context, media *Media) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO media (media_key, mxc, mime, size, width, height)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (media_key) DO NOTHING`,
			&sqlitex.ExecOptions{Args: []any{
				media.Key,
				media.MXC.String(),
				media.Mime,
				media.Size,
				media.Width,
				media.Height,
			}})
	})
}

// MediaByKey returns the recorded upload for a deduplication key, or
// nil when the media has never been uploaded.
func (s *Store) MediaByKey(ctx context.Context, key string) (*Media, error) {
	var media *Media
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT media_key, mxc, mime, size, width, height FROM media WHERE media_key = ?",
			&sqlitex.ExecOptions{
				Args: []any{key},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					mxc, err := ref.ParseContentURI(stmt.ColumnText(1))
					if err != nil {
						return fmt.Errorf("store: corrupt media mxc: %w", err)
					}
					media = &Media{
						Key:    stmt.ColumnText(0),
						MXC:    mxc,
						Mime:   stmt.ColumnText(2),
						Size:   int(stmt.ColumnInt64(3)),
						Width:  int(stmt.ColumnInt64(4)),
						Height: int(stmt.ColumnInt64(5)),
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return media, nil
}
