// Package mirror copies messages between two mailboxes: a one-shot pass over
// the source folders in scope, or a continuous mode that re-runs the pass
// whenever the watched source folder changes. Deduplication is by content
// digest recorded in the metadata index under the destination label, so a
// message already delivered is never appended twice.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/yourname/imapvault/internal/cas"
	"github.com/yourname/imapvault/internal/classify"
	"github.com/yourname/imapvault/internal/config"
	"github.com/yourname/imapvault/internal/filter"
	"github.com/yourname/imapvault/internal/imaputil"
	"github.com/yourname/imapvault/internal/metadb"
	"github.com/yourname/imapvault/internal/syncer"
)

const (
	fetchChunkSize = 10
	// pollInterval forces a pass even when the server never pushes an
	// update while idling.
	pollInterval = 15 * time.Minute
	// reconnectDelay paces retries after a dropped connection.
	reconnectDelay = 30 * time.Second
)

// Engine mirrors one source mailbox into one destination mailbox. The
// metadata index is required: it carries the dedup state that makes repeated
// passes idempotent.
type Engine struct {
	src, dst *config.Mailbox
	db       *metadb.DB
	quiet    bool
	events   chan syncer.Event
}

// New creates a mirror engine for a source/destination pair.
func New(src, dst *config.Mailbox, db *metadb.DB, quiet bool) *Engine {
	return &Engine{src: src, dst: dst, db: db, quiet: quiet, events: make(chan syncer.Event, 256)}
}

// Events returns the run event stream. It is closed when RunOnce or RunIdle
// returns. The caller must keep draining it: a pass blocks when the channel
// fills rather than dropping outcomes.
func (e *Engine) Events() <-chan syncer.Event { return e.events }

// RunOnce executes a single mirror pass.
func (e *Engine) RunOnce(ctx context.Context) error {
	defer close(e.events)
	return e.pass(ctx)
}

// RunIdle executes a pass, then blocks in IDLE on the watch folder and
// re-runs the pass on every reported change or poll timeout. It returns when
// ctx is cancelled; connection failures are logged and retried.
func (e *Engine) RunIdle(ctx context.Context) error {
	defer close(e.events)
	for {
		if err := e.pass(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("%s: pass failed: %v, retrying in %s", e.src.Name, err, reconnectDelay)
			if !sleepCtx(ctx, reconnectDelay) {
				return ctx.Err()
			}
			continue
		}
		err := e.watch(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Printf("%s: idle on %s failed: %v, reconnecting in %s", e.src.Name, e.src.WatchFolder, err, reconnectDelay)
			if !sleepCtx(ctx, reconnectDelay) {
				return ctx.Err()
			}
		}
	}
}

// watch holds an IDLE session on the watch folder until the server reports
// a change, the poll interval elapses, or ctx is cancelled.
func (e *Engine) watch(ctx context.Context) error {
	c, err := imaputil.Dial(e.src)
	if err != nil {
		return err
	}
	defer c.Logout()
	if _, err := c.Select(e.src.WatchFolder, true); err != nil {
		return fmt.Errorf("select %s: %w", e.src.WatchFolder, err)
	}
	err = imaputil.WaitForUpdate(ctx, c, pollInterval)
	if errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (e *Engine) pass(ctx context.Context) error {
	rules := e.src.Rules()
	// Without an allow-list every folder would enter scope, so a later pass
	// would sweep the expanded archive folders back into the destination.
	// The mirror scope therefore defaults to INBOX.
	if len(rules.Folders) == 0 {
		rules.Folders = []string{"INBOX"}
	}
	flt, err := filter.New(rules)
	if err != nil {
		return err
	}
	src, err := imaputil.Dial(e.src)
	if err != nil {
		return err
	}
	defer src.Logout()
	dst, err := imaputil.Dial(e.dst)
	if err != nil {
		return err
	}
	defer dst.Logout()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			_ = src.Logout()
			_ = dst.Logout()
		case <-finished:
		}
	}()

	folders, err := imaputil.ListFolders(src)
	if err != nil {
		return fmt.Errorf("list folders: %w", err)
	}
	ensured := make(map[string]bool)
	for _, f := range folders {
		if !flt.Include(f.Name, f.Flags) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.mirrorFolder(ctx, src, dst, f.Name, ensured); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return nil
}

func (e *Engine) mirrorFolder(ctx context.Context, src, dst *client.Client, folder string, ensured map[string]bool) error {
	if _, err := src.Select(folder, !e.src.MoveToArchive); err != nil {
		return err
	}
	uids, err := imaputil.SearchUIDs(src, 0)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	e.emit(syncer.Event{Type: syncer.EventFolderStart, Mailbox: e.src.Name, Folder: folder, Total: len(uids)})

	needExpunge := false
	section := &imap.BodySectionName{Peek: true}
	for _, chunk := range imaputil.ChunkUIDs(uids, fetchChunkSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := imaputil.FetchBodies(src, chunk, section)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		// Archive target folder to the UIDs headed there; moves are issued
		// after the whole chunk is delivered.
		moves := make(map[string][]uint32)
		for _, msg := range msgs {
			raw, err := messageBytes(msg, section)
			if err != nil {
				e.fault(folder, msg.Uid, err)
				continue
			}
			delivered, err := e.deliver(dst, folder, raw, msg, ensured)
			if err != nil {
				e.fault(folder, msg.Uid, err)
				continue
			}
			outcome := syncer.OutcomeExists
			if delivered {
				outcome = syncer.OutcomeNew
			}
			if !e.quiet {
				log.Printf("%s::%s[%d]: %s", e.src.Name, folder, msg.Uid, outcome)
			}
			e.emit(syncer.Event{Type: syncer.EventMessage, Mailbox: e.src.Name, Folder: folder, Seq: msg.Uid, Outcome: outcome, Digest: cas.Digest(raw)})
			if e.src.MoveToArchive {
				target := ExpandTemplate(e.src.ArchiveFolder, messageDate(raw, msg.InternalDate))
				moves[target] = append(moves[target], msg.Uid)
			}
		}
		for target, moveUIDs := range moves {
			expunge, err := e.moveMessages(src, moveUIDs, target, ensured)
			if err != nil {
				return fmt.Errorf("move to %s: %w", target, err)
			}
			needExpunge = needExpunge || expunge
			for _, uid := range moveUIDs {
				e.emit(syncer.Event{Type: syncer.EventMessage, Mailbox: e.src.Name, Folder: folder, Seq: uid, Outcome: syncer.OutcomeDeleted})
			}
		}
	}
	if needExpunge {
		if err := src.Expunge(nil); err != nil {
			return fmt.Errorf("expunge: %w", err)
		}
	}
	return nil
}

// deliver appends the message to the destination unless its digest is
// already recorded there. It reports whether an append happened.
func (e *Engine) deliver(dst *client.Client, folder string, raw []byte, msg *imap.Message, ensured map[string]bool) (bool, error) {
	digest := cas.Digest(raw)
	have, err := e.db.Has(digest, e.dst.Name, folder)
	if err != nil {
		return false, err
	}
	if have {
		return false, nil
	}
	if !ensured[folder] {
		if err := imaputil.EnsureFolder(dst, folder); err != nil {
			return false, err
		}
		ensured[folder] = true
	}
	if err := dst.Append(folder, nil, msg.InternalDate, bytes.NewBuffer(raw)); err != nil {
		return false, fmt.Errorf("append: %w", err)
	}
	if err := e.db.Record(digest, e.dst.Name, folder, classify.ParseHeaders(raw)); err != nil {
		return false, err
	}
	return true, nil
}

// moveMessages relocates the UIDs to target on the source server. MOVE is
// preferred; servers without it get COPY plus \Deleted, and the caller
// expunges once the folder is done.
func (e *Engine) moveMessages(src *client.Client, uids []uint32, target string, ensured map[string]bool) (needExpunge bool, err error) {
	key := "src:" + target
	if !ensured[key] {
		if err := imaputil.EnsureFolder(src, target); err != nil {
			return false, err
		}
		ensured[key] = true
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	if err := src.UidMove(seqset, target); err == nil {
		return false, nil
	}
	if err := src.UidCopy(seqset, target); err != nil {
		return false, fmt.Errorf("copy: %w", err)
	}
	if err := imaputil.MarkDeleted(src, uids); err != nil {
		return false, fmt.Errorf("flag deleted: %w", err)
	}
	return true, nil
}

func (e *Engine) fault(folder string, uid uint32, err error) {
	if !e.quiet {
		log.Printf("%s::%s[%d]: ERROR %v", e.src.Name, folder, uid, err)
	}
	e.emit(syncer.Event{Type: syncer.EventMessage, Mailbox: e.src.Name, Folder: folder, Seq: uid, Outcome: syncer.OutcomeError, Err: err})
}

// emit blocks until the consumer takes the event; outcomes are never dropped.
func (e *Engine) emit(ev syncer.Event) {
	e.events <- ev
}

func messageBytes(msg *imap.Message, section *imap.BodySectionName) ([]byte, error) {
	lit := msg.GetBody(section)
	if lit == nil {
		return nil, errors.New("server returned no body")
	}
	raw, err := io.ReadAll(lit)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return raw, nil
}

// messageDate prefers the Date header; undated messages fall back to the
// server's internal date.
func messageDate(raw []byte, internal time.Time) time.Time {
	if d := classify.ParseHeaders(raw).Date; !d.IsZero() {
		return d
	}
	return internal
}

// ExpandTemplate substitutes %Y, %m and %d in an archive folder template
// with the respective fields of t.
func ExpandTemplate(tmpl string, t time.Time) string {
	return strings.NewReplacer(
		"%Y", t.Format("2006"),
		"%m", t.Format("01"),
		"%d", t.Format("02"),
	).Replace(tmpl)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
