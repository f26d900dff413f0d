// Package metadb is the SQLite-backed metadata index of the archive. It maps
// digests to extracted header fields and (mailbox, folder) provenance, and
// keeps the per-folder watermarks used by incremental runs.
package metadb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/yourname/imapvault/internal/cas"
	"github.com/yourname/imapvault/internal/classify"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	digest      TEXT NOT NULL,
	mailbox     TEXT NOT NULL,
	folder      TEXT NOT NULL,
	date        TIMESTAMP,
	message_id  TEXT,
	from_addr   TEXT,
	to_addrs    TEXT,
	subject     TEXT,
	ingested_at TIMESTAMP NOT NULL,
	PRIMARY KEY (digest, mailbox, folder)
);
CREATE INDEX IF NOT EXISTS idx_messages_digest ON messages(digest);

CREATE TABLE IF NOT EXISTS watermarks (
	mailbox     TEXT NOT NULL,
	folder      TEXT NOT NULL,
	uidvalidity INTEGER NOT NULL,
	uid         INTEGER NOT NULL,
	PRIMARY KEY (mailbox, folder)
);`

// DB wraps the metadata database. Safe for concurrent use; writes are
// serialized by SQLite itself plus the busy timeout set at open.
type DB struct {
	db *sqlx.DB
}

// Open opens (or creates) the metadata database at path and applies the
// schema. WAL mode keeps concurrent folder workers from blocking readers.
func Open(path string) (*DB, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Record inserts a provenance row for digest observed in (mailbox, folder).
// Re-observing the same digest in the same folder is a no-op; a different
// folder or mailbox adds a new row referencing the same digest.
func (d *DB) Record(digest, mailbox, folder string, hdr classify.Headers) error {
	var date interface{}
	if !hdr.Date.IsZero() {
		date = hdr.Date.UTC()
	}
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO messages
			(digest, mailbox, folder, date, message_id, from_addr, to_addrs, subject, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		digest, mailbox, folder, date,
		hdr.MessageID, hdr.From, hdr.To, hdr.Subject,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record %s in %s::%s: %w", digest, mailbox, folder, err)
	}
	return nil
}

// Has reports whether digest has already been recorded for (mailbox, folder).
func (d *DB) Has(digest, mailbox, folder string) (bool, error) {
	var n int
	err := d.db.Get(&n,
		"SELECT COUNT(*) FROM messages WHERE digest=? AND mailbox=? AND folder=?",
		digest, mailbox, folder)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", digest, err)
	}
	return n > 0, nil
}

// Provenance counts the rows referencing digest across all folders.
func (d *DB) Provenance(digest string) (int, error) {
	var n int
	err := d.db.Get(&n, "SELECT COUNT(*) FROM messages WHERE digest=?", digest)
	return n, err
}

// Watermark is the last processed position of one folder. UIDs are only
// comparable within one UIDVALIDITY generation; when the server changes it,
// the stored UID is meaningless and callers fall back to a full scan.
type Watermark struct {
	UIDValidity uint32 `db:"uidvalidity"`
	UID         uint32 `db:"uid"`
}

// GetWatermark returns the stored watermark for (mailbox, folder), or nil if
// none has been recorded yet.
func (d *DB) GetWatermark(mailbox, folder string) (*Watermark, error) {
	var wm Watermark
	err := d.db.Get(&wm,
		"SELECT uidvalidity, uid FROM watermarks WHERE mailbox=? AND folder=?",
		mailbox, folder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("watermark %s::%s: %w", mailbox, folder, err)
	}
	return &wm, nil
}

// AdvanceWatermark moves the watermark of (mailbox, folder) forward. Within
// one UIDVALIDITY generation the watermark is monotone: a lower UID is
// ignored. A new UIDVALIDITY replaces the watermark outright.
func (d *DB) AdvanceWatermark(mailbox, folder string, mark Watermark) error {
	tx, err := d.db.Beginx()
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	defer tx.Rollback()

	var cur Watermark
	err = tx.Get(&cur,
		"SELECT uidvalidity, uid FROM watermarks WHERE mailbox=? AND folder=?",
		mailbox, folder)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first watermark for this folder
	case err != nil:
		return fmt.Errorf("advance watermark: %w", err)
	case cur.UIDValidity == mark.UIDValidity && mark.UID <= cur.UID:
		return nil
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO watermarks (mailbox, folder, uidvalidity, uid) VALUES (?, ?, ?, ?)",
		mailbox, folder, mark.UIDValidity, mark.UID); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return tx.Commit()
}

// BuildFromArchive walks the archive entries of store, re-parses the header
// fields from the stored raw bytes, and backfills provenance rows under
// (mailbox, folder). It retrofits a metadata database onto an archive that
// was created without one; the archive itself is never touched.
func (d *DB) BuildFromArchive(store *cas.Store, mailbox, folder string) (int, error) {
	n := 0
	err := store.Walk(func(digest, path string) error {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := d.Record(digest, mailbox, folder, classify.ParseHeaders(raw)); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}
