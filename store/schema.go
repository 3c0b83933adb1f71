// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package store

// schemaSQL is applied to every new connection. All statements are
// idempotent.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS portal (
	chat_id    TEXT PRIMARY KEY,
	other_user TEXT NOT NULL DEFAULT '',
	mxid       TEXT UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	icon_path  TEXT NOT NULL DEFAULT '',
	icon_mxc   TEXT NOT NULL DEFAULT '',
	encrypted  INTEGER NOT NULL DEFAULT 0
);

-- mid is NULL for placeholder rows: outgoing messages whose remote
-- echo has not been observed yet. SQLite unique indexes treat NULLs
-- as distinct, so multiple placeholders per chat are allowed.
CREATE TABLE IF NOT EXISTS message (
	mxid        TEXT NOT NULL UNIQUE,
	mx_room     TEXT NOT NULL,
	mid         INTEGER,
	chat_id     TEXT NOT NULL,
	is_outgoing INTEGER NOT NULL DEFAULT 0,
	UNIQUE (mid, chat_id)
);
CREATE INDEX IF NOT EXISTS idx_message_room ON message (mx_room);
CREATE INDEX IF NOT EXISTS idx_message_chat ON message (chat_id, mid);

-- One row per (chat, read count): the highest remote message id known
-- to have been read by exactly num_read participants.
CREATE TABLE IF NOT EXISTS receipt (
	chat_id  TEXT NOT NULL,
	num_read INTEGER NOT NULL,
	mid      INTEGER NOT NULL,
	PRIMARY KEY (chat_id, num_read)
);

CREATE TABLE IF NOT EXISTS receipt_reaction (
	mxid       TEXT PRIMARY KEY,
	mx_room    TEXT NOT NULL,
	relates_to TEXT NOT NULL UNIQUE,
	num_read   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipt_reaction_room ON receipt_reaction (mx_room);

CREATE TABLE IF NOT EXISTS media (
	media_key TEXT PRIMARY KEY,
	mxc       TEXT NOT NULL,
	mime      TEXT NOT NULL DEFAULT '',
	size      INTEGER NOT NULL DEFAULT 0,
	width     INTEGER NOT NULL DEFAULT 0,
	height    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS puppet (
	mid           TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	avatar_path   TEXT NOT NULL DEFAULT '',
	avatar_mxc    TEXT NOT NULL DEFAULT '',
	name_set      INTEGER NOT NULL DEFAULT 0,
	avatar_set    INTEGER NOT NULL DEFAULT 0,
	is_registered INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS stranger (
	fake_mid    TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	avatar_path TEXT NOT NULL DEFAULT '',
	available   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_stranger_profile ON stranger (name, avatar_path);

CREATE TABLE IF NOT EXISTS bridge_user (
	mxid        TEXT PRIMARY KEY,
	notice_room TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS login_credential (
	mxid   TEXT PRIMARY KEY,
	sealed BLOB NOT NULL
);
`
