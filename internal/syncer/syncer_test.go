package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"

	"github.com/yourname/imapvault/internal/cas"
	"github.com/yourname/imapvault/internal/classify"
	"github.com/yourname/imapvault/internal/config"
	"github.com/yourname/imapvault/internal/imaputil"
	"github.com/yourname/imapvault/internal/metadb"
)

// startServer runs an in-memory IMAP server on the loopback interface and
// returns a job pointing at it. The memory backend pre-seeds INBOX with one
// message for user username/password.
func startServer(t *testing.T) *config.Mailbox {
	t.Helper()
	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve(l)
	t.Cleanup(func() { s.Close() })

	return &config.Mailbox{
		Name:     "test",
		Server:   "127.0.0.1",
		Port:     l.Addr().(*net.TCPAddr).Port,
		Username: "username",
		Password: "password",
	}
}

func appendMessage(t *testing.T, job *config.Mailbox, folder, raw string) {
	t.Helper()
	c, err := imaputil.Dial(job)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Logout()
	if err := c.Append(folder, nil, time.Now(), bytes.NewBufferString(raw)); err != nil {
		t.Fatal(err)
	}
}

func appendMessages(t *testing.T, job *config.Mailbox, folder string, n int) {
	t.Helper()
	c, err := imaputil.Dial(job)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Logout()
	for i := 0; i < n; i++ {
		raw := testMessage(fmt.Sprintf("bulk%04d", i))
		if err := c.Append(folder, nil, time.Now(), bytes.NewBufferString(raw)); err != nil {
			t.Fatal(err)
		}
	}
}

func testMessage(id string) string {
	return strings.Join([]string{
		"From: alice@example.com",
		"To: bob@example.com",
		"Subject: msg " + id,
		"Date: Mon, 10 Jan 2022 10:00:00 +0000",
		"Message-Id: <" + id + "@example.com>",
		"",
		"body " + id,
		"",
	}, "\r\n")
}

// runEngine executes one pass and returns all emitted events.
func runEngine(t *testing.T, store *cas.Store, db *metadb.DB, job *config.Mailbox) ([]Event, []Result) {
	t.Helper()
	eng := New(store, db, []*config.Mailbox{job}, Options{Quiet: true})
	var events []Event
	done := make(chan struct{})
	go func() {
		for ev := range eng.Events() {
			events = append(events, ev)
		}
		close(done)
	}()
	results := eng.Run(context.Background())
	<-done
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("mailbox %s: %v", r.Mailbox, r.Err)
		}
	}
	return events, results
}

func countOutcomes(events []Event) map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, ev := range events {
		if ev.Type == EventMessage {
			counts[ev.Outcome]++
		}
	}
	return counts
}

func storeEntries(t *testing.T, store *cas.Store) int {
	t.Helper()
	n := 0
	if err := store.Walk(func(digest, path string) error {
		n++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestBackupThenRerun(t *testing.T) {
	job := startServer(t)
	appendMessage(t, job, "INBOX", testMessage("a1"))
	appendMessage(t, job, "INBOX", testMessage("a2"))

	store, err := cas.New(filepath.Join(t.TempDir(), "archive"))
	if err != nil {
		t.Fatal(err)
	}

	// First pass: pre-seeded message plus the two appended ones.
	events, _ := runEngine(t, store, nil, job)
	counts := countOutcomes(events)
	if counts[OutcomeNew] != 3 || counts[OutcomeExists] != 0 || counts[OutcomeError] != 0 {
		t.Fatalf("first pass outcomes = %v, want 3 NEW", counts)
	}
	if n := storeEntries(t, store); n != 3 {
		t.Fatalf("archive has %d entries, want 3", n)
	}

	// Second pass against the unchanged mailbox adds nothing.
	events, _ = runEngine(t, store, nil, job)
	counts = countOutcomes(events)
	if counts[OutcomeNew] != 0 || counts[OutcomeExists] != 3 {
		t.Fatalf("second pass outcomes = %v, want 3 EXISTS", counts)
	}
	if n := storeEntries(t, store); n != 3 {
		t.Fatalf("archive grew to %d entries on rerun", n)
	}
}

func TestBackupDeleteAfterExport(t *testing.T) {
	job := startServer(t)
	job.DeleteAfterExport = true
	appendMessage(t, job, "INBOX", testMessage("d1"))

	store, err := cas.New(filepath.Join(t.TempDir(), "archive"))
	if err != nil {
		t.Fatal(err)
	}
	events, _ := runEngine(t, store, nil, job)
	counts := countOutcomes(events)
	if counts[OutcomeNew] != 2 || counts[OutcomeDeleted] != 2 {
		t.Fatalf("outcomes = %v, want 2 NEW and 2 DELETED", counts)
	}
	// Every DELETED follows the message event for the same UID.
	seen := make(map[uint32]bool)
	for _, ev := range events {
		if ev.Type != EventMessage {
			continue
		}
		switch ev.Outcome {
		case OutcomeNew, OutcomeExists:
			seen[ev.Seq] = true
		case OutcomeDeleted:
			if !seen[ev.Seq] {
				t.Fatalf("UID %d deleted before it was stored", ev.Seq)
			}
		}
	}

	c, err := imaputil.Dial(job)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Logout()
	mbox, err := c.Select("INBOX", true)
	if err != nil {
		t.Fatal(err)
	}
	if mbox.Messages != 0 {
		t.Fatalf("source still holds %d message(s) after export", mbox.Messages)
	}
	if n := storeEntries(t, store); n != 2 {
		t.Fatalf("archive has %d entries, want 2", n)
	}
}

func TestBackupIncrementalWatermark(t *testing.T) {
	job := startServer(t)
	job.WithDB = true
	job.Incremental = true

	dir := t.TempDir()
	store, err := cas.New(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatal(err)
	}
	db, err := metadb.Open(filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	events, _ := runEngine(t, store, db, job)
	if counts := countOutcomes(events); counts[OutcomeNew] != 1 {
		t.Fatalf("first pass outcomes = %v, want 1 NEW", counts)
	}
	wm, err := db.GetWatermark(job.Name, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if wm == nil || wm.UID == 0 {
		t.Fatalf("watermark not advanced: %+v", wm)
	}
	first := wm.UID

	// An incremental rerun only fetches messages above the watermark.
	appendMessage(t, job, "INBOX", testMessage("inc1"))
	events, _ = runEngine(t, store, db, job)
	var msgEvents int
	for _, ev := range events {
		if ev.Type == EventMessage {
			msgEvents++
			if ev.Outcome != OutcomeNew {
				t.Fatalf("incremental rerun outcome = %s, want NEW", ev.Outcome)
			}
			if ev.Seq <= first {
				t.Fatalf("refetched UID %d at or below watermark %d", ev.Seq, first)
			}
		}
	}
	if msgEvents != 1 {
		t.Fatalf("incremental rerun processed %d message(s), want 1", msgEvents)
	}

	wm, err = db.GetWatermark(job.Name, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if wm.UID <= first {
		t.Fatalf("watermark did not advance past %d: %+v", first, wm)
	}

	// The index records provenance for both messages.
	n, err := db.Provenance(storeAnyDigest(t, store))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("provenance = %d, want 1", n)
	}
}

func storeAnyDigest(t *testing.T, store *cas.Store) string {
	t.Helper()
	var digest string
	if err := store.Walk(func(d, path string) error {
		digest = d
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if digest == "" {
		t.Fatal("archive is empty")
	}
	return digest
}

func TestBackupJournalWarningSurfaced(t *testing.T) {
	job := startServer(t)
	job.ExchangeJournal = true
	appendMessage(t, job, "INBOX", testMessage("plain1"))

	store, err := cas.New(filepath.Join(t.TempDir(), "archive"))
	if err != nil {
		t.Fatal(err)
	}
	events, _ := runEngine(t, store, nil, job)
	// Neither message has journal structure; both are archived and every
	// outcome event must carry the warning.
	var msgEvents int
	for _, ev := range events {
		if ev.Type != EventMessage {
			continue
		}
		msgEvents++
		if ev.Outcome != OutcomeNew {
			t.Fatalf("UID %d outcome = %s, want NEW", ev.Seq, ev.Outcome)
		}
		if !errors.Is(ev.Err, classify.ErrNotJournal) {
			t.Fatalf("UID %d event does not surface the classification warning: %v", ev.Seq, ev.Err)
		}
	}
	if msgEvents != 2 {
		t.Fatalf("got %d message event(s), want 2", msgEvents)
	}
}

func TestBackupSlowConsumerSeesAllEvents(t *testing.T) {
	job := startServer(t)
	appendMessages(t, job, "INBOX", 300)

	store, err := cas.New(filepath.Join(t.TempDir(), "archive"))
	if err != nil {
		t.Fatal(err)
	}
	eng := New(store, nil, []*config.Mailbox{job}, Options{Quiet: true})
	var msgEvents int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range eng.Events() {
			if ev.Type == EventMessage {
				msgEvents++
				// Fall well behind the event buffer.
				time.Sleep(200 * time.Microsecond)
			}
		}
	}()
	results := eng.Run(context.Background())
	<-done
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("mailbox %s: %v", r.Mailbox, r.Err)
		}
	}
	// Pre-seeded message plus the 300 appended ones, none dropped.
	if msgEvents != 301 {
		t.Fatalf("consumer saw %d message event(s), want 301", msgEvents)
	}
}

func TestBackupJournalUnwrap(t *testing.T) {
	job := startServer(t)
	job.ExchangeJournal = true

	inner := testMessage("wrapped")
	wrapper := strings.Join([]string{
		"From: journal@example.com",
		"To: vault@example.com",
		"Subject: journal envelope",
		"Message-Id: <env@example.com>",
		`Content-Type: multipart/mixed; boundary="BND"`,
		"",
		"--BND",
		"Content-Type: text/plain",
		"",
		"envelope report",
		"--BND",
		"Content-Type: message/rfc822",
		"",
		inner + "--BND--",
		"",
	}, "\r\n")
	appendMessage(t, job, "INBOX", wrapper)

	store, err := cas.New(filepath.Join(t.TempDir(), "archive"))
	if err != nil {
		t.Fatal(err)
	}
	events, _ := runEngine(t, store, nil, job)
	counts := countOutcomes(events)
	// Pre-seeded message and the wrapper each report once; the unwrapped
	// original lands in the archive without its own message event.
	if counts[OutcomeNew] != 2 || counts[OutcomeError] != 0 {
		t.Fatalf("outcomes = %v, want 2 NEW", counts)
	}
	if n := storeEntries(t, store); n != 3 {
		t.Fatalf("archive has %d entries, want 3 (pre-seeded, wrapper, original)", n)
	}
}
