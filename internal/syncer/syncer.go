// Package syncer runs backup jobs: it connects to each configured mailbox,
// walks the folders in scope and feeds every message through the classifier
// into the content-addressed archive and the metadata index.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/yourname/imapvault/internal/cas"
	"github.com/yourname/imapvault/internal/classify"
	"github.com/yourname/imapvault/internal/config"
	"github.com/yourname/imapvault/internal/filter"
	"github.com/yourname/imapvault/internal/imaputil"
	"github.com/yourname/imapvault/internal/metadb"
)

const (
	// fetchChunkSize bounds how many bodies are held in memory at once and
	// keeps the connection free for the deletion command between batches.
	fetchChunkSize = 10
	// putAttempts bounds retries of a transient archive write failure
	// before the message is logged as ERROR and skipped.
	putAttempts = 3
)

// Options configure an engine run.
type Options struct {
	// Concurrency bounds how many mailboxes are processed in parallel.
	// Folders within one mailbox are always sequential: an IMAP folder
	// session is stateful per connection.
	Concurrency int
	Quiet       bool
}

// Engine executes backup jobs against an archive store and an optional
// metadata index. The store and index are safe under the engine's
// per-mailbox parallelism; nothing else is shared between workers.
type Engine struct {
	store  *cas.Store
	db     *metadb.DB // nil when no job wants the index
	jobs   []*config.Mailbox
	opts   Options
	events chan Event
}

// New creates an engine for the given jobs. db may be nil if no job has
// with_db set.
func New(store *cas.Store, db *metadb.DB, jobs []*config.Mailbox, opts Options) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Engine{store: store, db: db, jobs: jobs, opts: opts, events: make(chan Event, 256)}
}

// Events returns a read-only channel of run events. It is closed when Run
// returns. The caller must keep draining it: Run blocks when the channel
// fills rather than dropping outcomes.
func (e *Engine) Events() <-chan Event { return e.events }

// Run processes all jobs and reports a per-mailbox result. A failing
// mailbox never aborts the others.
func (e *Engine) Run(ctx context.Context) []Result {
	sem := make(chan struct{}, e.opts.Concurrency)
	var wg sync.WaitGroup
	results := make([]Result, len(e.jobs))
	for i, job := range e.jobs {
		i, job := i, job
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.syncMailbox(ctx, job)
			results[i] = Result{Mailbox: job.Name, Err: err}
			<-sem
		}()
	}
	wg.Wait()
	close(e.events)
	return results
}

func (e *Engine) syncMailbox(ctx context.Context, job *config.Mailbox) error {
	e.emit(Event{Type: EventMailboxStart, Mailbox: job.Name})
	defer e.emit(Event{Type: EventMailboxDone, Mailbox: job.Name})

	flt, err := filter.New(job.Rules())
	if err != nil {
		return err
	}
	c, err := imaputil.Dial(job)
	if err != nil {
		return err
	}
	defer c.Logout()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		// On cancel, force-close the connection to unblock in-flight I/O.
		select {
		case <-ctx.Done():
			_ = c.Logout()
		case <-finished:
		}
	}()

	folders, err := imaputil.ListFolders(c)
	if err != nil {
		return fmt.Errorf("list folders: %w", err)
	}
	for _, f := range folders {
		if !flt.Include(f.Name, f.Flags) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// A folder failure aborts this mailbox's remaining folders but not
		// the other mailboxes of the job.
		if err := e.syncFolder(ctx, c, job, f.Name); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return nil
}

func (e *Engine) syncFolder(ctx context.Context, c *client.Client, job *config.Mailbox, folder string) error {
	mbox, err := c.Select(folder, !job.DeleteAfterExport)
	if err != nil {
		return err
	}

	useDB := e.db != nil && job.WithDB
	var minUID uint32
	if useDB && job.Incremental {
		wm, err := e.db.GetWatermark(job.Name, folder)
		if err != nil {
			return err
		}
		if wm != nil && wm.UIDValidity == mbox.UidValidity {
			minUID = wm.UID
		}
	}

	uids, err := imaputil.SearchUIDs(c, minUID)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if !e.opts.Quiet {
		log.Printf("%s::%s: %d message(s) to process (UID > %d)", job.Name, folder, len(uids), minUID)
	}
	e.emit(Event{Type: EventFolderStart, Mailbox: job.Name, Folder: folder, Total: len(uids)})

	var (
		maxCommitted uint32 // highest UID durably stored (and deleted, if configured)
		lowestFailed uint32 // lowest UID the watermark must not pass
		needExpunge  bool
	)
	fail := func(uid uint32) {
		if lowestFailed == 0 || uid < lowestFailed {
			lowestFailed = uid
		}
	}

	section := &imap.BodySectionName{Peek: true}
	for _, chunk := range imaputil.ChunkUIDs(uids, fetchChunkSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := imaputil.FetchBodies(c, chunk, section)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		var stored []uint32
		for _, msg := range msgs {
			uid, ok := e.processMessage(job, folder, msg, section)
			if !ok {
				fail(uid)
				continue
			}
			stored = append(stored, uid)
			if uid > maxCommitted {
				maxCommitted = uid
			}
		}
		// Deletion strictly follows durable storage of the same messages;
		// messages that failed to store stay on the server.
		if job.DeleteAfterExport && len(stored) > 0 {
			if err := imaputil.MarkDeleted(c, stored); err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			needExpunge = true
			for _, uid := range stored {
				e.emit(Event{Type: EventMessage, Mailbox: job.Name, Folder: folder, Seq: uid, Outcome: OutcomeDeleted})
			}
		}
	}
	if needExpunge {
		if err := c.Expunge(nil); err != nil {
			return fmt.Errorf("expunge: %w", err)
		}
	}
	// Advance only past messages that are fully committed; a skipped
	// message keeps the watermark below its UID so the next run retries it.
	if useDB && job.Incremental {
		mark := maxCommitted
		if lowestFailed != 0 && lowestFailed-1 < mark {
			mark = lowestFailed - 1
		}
		if mark > 0 {
			if err := e.db.AdvanceWatermark(job.Name, folder, metadb.Watermark{
				UIDValidity: mbox.UidValidity,
				UID:         mark,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// processMessage classifies and archives one fetched message. It returns
// the message UID and whether every emitted part was durably committed.
func (e *Engine) processMessage(job *config.Mailbox, folder string, msg *imap.Message, section *imap.BodySectionName) (uint32, bool) {
	uid := msg.Uid
	lit := msg.GetBody(section)
	if lit == nil {
		e.fault(job.Name, folder, uid, errors.New("server returned no body"))
		return uid, false
	}
	raw, err := io.ReadAll(lit)
	if err != nil {
		e.fault(job.Name, folder, uid, fmt.Errorf("read body: %w", err))
		return uid, false
	}

	parts, cerr := classify.Split(raw, job.ExchangeJournal)
	if errors.Is(cerr, classify.ErrNotJournal) && !e.opts.Quiet {
		log.Printf("%s::%s[%d]: %v, archiving wrapper only", job.Name, folder, uid, cerr)
	}

	var primaryDigest string
	var primaryNew bool
	for _, p := range parts {
		digest, wasNew, err := e.putRetry(p.Raw)
		if err != nil {
			e.fault(job.Name, folder, uid, err)
			return uid, false
		}
		if e.db != nil && job.WithDB {
			if err := e.db.Record(digest, job.Name, folder, classify.ParseHeaders(p.Raw)); err != nil {
				e.fault(job.Name, folder, uid, err)
				return uid, false
			}
		}
		if p.Role == classify.RolePrimary {
			primaryDigest, primaryNew = digest, wasNew
		}
	}

	outcome := OutcomeExists
	if primaryNew {
		outcome = OutcomeNew
	}
	if !e.opts.Quiet {
		log.Printf("%s::%s[%d]: %s id=%s", job.Name, folder, uid, outcome, primaryDigest)
	}
	// cerr carries the classification warning so the outcome stays
	// auditable even when logging is off.
	e.emit(Event{Type: EventMessage, Mailbox: job.Name, Folder: folder, Seq: uid, Outcome: outcome, Digest: primaryDigest, Err: cerr})
	return uid, true
}

func (e *Engine) putRetry(raw []byte) (digest string, wasNew bool, err error) {
	for attempt := 0; attempt < putAttempts; attempt++ {
		digest, wasNew, err = e.store.Put(raw)
		if err == nil {
			return digest, wasNew, nil
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return digest, wasNew, fmt.Errorf("store: %w", err)
}

// fault logs and emits a per-message ERROR; processing continues with the
// next message.
func (e *Engine) fault(mailbox, folder string, uid uint32, err error) {
	if !e.opts.Quiet {
		log.Printf("%s::%s[%d]: ERROR %v", mailbox, folder, uid, err)
	}
	e.emit(Event{Type: EventMessage, Mailbox: mailbox, Folder: folder, Seq: uid, Outcome: OutcomeError, Err: err})
}

// emit blocks until the consumer takes the event. The stream is the sole
// record of per-message outcomes, so nothing is ever dropped; the buffer only
// smooths bursts.
func (e *Engine) emit(ev Event) {
	e.events <- ev
}
