package metadb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/yourname/imapvault/internal/cas"
	"github.com/yourname/imapvault/internal/classify"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordIdempotent(t *testing.T) {
	db := openTestDB(t)
	hdr := classify.Headers{
		MessageID: "m1@example.com",
		Date:      time.Date(2022, 5, 2, 10, 0, 0, 0, time.UTC),
		From:      "alice@example.com",
		To:        "bob@example.com",
		Subject:   "lunch",
	}
	for i := 0; i < 3; i++ {
		if err := db.Record("d1", "work", "INBOX", hdr); err != nil {
			t.Fatal(err)
		}
	}
	n, err := db.Provenance("d1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("got %d rows, want 1", n)
	}
}

func TestRecordProvenanceAccumulates(t *testing.T) {
	db := openTestDB(t)
	hdr := classify.Headers{Subject: "x"}
	if err := db.Record("d1", "work", "INBOX", hdr); err != nil {
		t.Fatal(err)
	}
	if err := db.Record("d1", "work", "Sent", hdr); err != nil {
		t.Fatal(err)
	}
	if err := db.Record("d1", "home", "INBOX", hdr); err != nil {
		t.Fatal(err)
	}
	n, err := db.Provenance("d1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("got %d provenance rows, want 3", n)
	}
	has, err := db.Has("d1", "work", "Sent")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("Has must see the Sent row")
	}
	has, err = db.Has("d1", "home", "Sent")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("Has must not see a row never recorded")
	}
}

func TestRecordEmptyHeaders(t *testing.T) {
	db := openTestDB(t)
	// Malformed header bytes degrade to empty fields; the record still lands.
	if err := db.Record("d2", "work", "INBOX", classify.Headers{}); err != nil {
		t.Fatal(err)
	}
	has, err := db.Has("d2", "work", "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("record with empty fields must be stored")
	}
}

func TestWatermarkAbsent(t *testing.T) {
	db := openTestDB(t)
	wm, err := db.GetWatermark("work", "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if wm != nil {
		t.Fatalf("expected no watermark, got %+v", wm)
	}
}

func TestWatermarkMonotone(t *testing.T) {
	db := openTestDB(t)
	if err := db.AdvanceWatermark("work", "INBOX", Watermark{UIDValidity: 1, UID: 10}); err != nil {
		t.Fatal(err)
	}
	// A lower UID in the same generation must not move the watermark back.
	if err := db.AdvanceWatermark("work", "INBOX", Watermark{UIDValidity: 1, UID: 5}); err != nil {
		t.Fatal(err)
	}
	wm, err := db.GetWatermark("work", "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if wm == nil || wm.UID != 10 {
		t.Fatalf("watermark = %+v, want UID 10", wm)
	}
	if err := db.AdvanceWatermark("work", "INBOX", Watermark{UIDValidity: 1, UID: 15}); err != nil {
		t.Fatal(err)
	}
	wm, _ = db.GetWatermark("work", "INBOX")
	if wm.UID != 15 {
		t.Fatalf("watermark = %+v, want UID 15", wm)
	}
}

func TestWatermarkUIDValidityReset(t *testing.T) {
	db := openTestDB(t)
	if err := db.AdvanceWatermark("work", "INBOX", Watermark{UIDValidity: 1, UID: 100}); err != nil {
		t.Fatal(err)
	}
	if err := db.AdvanceWatermark("work", "INBOX", Watermark{UIDValidity: 2, UID: 3}); err != nil {
		t.Fatal(err)
	}
	wm, err := db.GetWatermark("work", "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if wm.UIDValidity != 2 || wm.UID != 3 {
		t.Fatalf("watermark = %+v, want generation 2 UID 3", wm)
	}
}

func TestBuildFromArchive(t *testing.T) {
	store, err := cas.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	msgs := []string{
		"From: a@example.com\r\nSubject: one\r\nMessage-Id: <one@x>\r\n\r\n1\r\n",
		"From: b@example.com\r\nSubject: two\r\nMessage-Id: <two@x>\r\n\r\n2\r\n",
	}
	var digests []string
	for _, m := range msgs {
		d, _, err := store.Put([]byte(m))
		if err != nil {
			t.Fatal(err)
		}
		digests = append(digests, d)
	}

	db := openTestDB(t)
	n, err := db.BuildFromArchive(store, "restored", "ARCHIVE")
	if err != nil {
		t.Fatal(err)
	}
	if n != len(msgs) {
		t.Fatalf("backfilled %d records, want %d", n, len(msgs))
	}
	for _, d := range digests {
		has, err := db.Has(d, "restored", "ARCHIVE")
		if err != nil {
			t.Fatal(err)
		}
		if !has {
			t.Fatalf("digest %s not backfilled", d)
		}
	}
}
