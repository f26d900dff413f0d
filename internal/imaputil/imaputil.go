package imaputil

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/yourname/imapvault/internal/config"
)

// Dial connects and logs in according to the job's connection settings.
// Authentication failure is fatal for the whole mailbox.
func Dial(mb *config.Mailbox) (*client.Client, error) {
	addr := mb.Addr()
	var c *client.Client
	var err error
	switch {
	case mb.StartTLS:
		c, err = client.Dial(addr)
		if err == nil {
			if terr := c.StartTLS(tlsConfig(mb)); terr != nil {
				_ = c.Logout()
				return nil, fmt.Errorf("starttls %s: %w", addr, terr)
			}
		}
	case mb.TLS:
		c, err = client.DialTLS(addr, tlsConfig(mb))
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	// Enable raw IMAP wire debug if requested via environment variable
	if os.Getenv("IMAPVAULT_IMAP_DEBUG") == "1" {
		c.SetDebug(os.Stderr)
	}
	if err := c.Login(mb.Username, mb.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("login %s@%s: %w", mb.Username, addr, err)
	}
	return c, nil
}

func tlsConfig(mb *config.Mailbox) *tls.Config {
	cfg := &tls.Config{ServerName: mb.Server}
	// crypto/tls has no separate hostname-check knob; disabling either job
	// option skips certificate verification entirely.
	if !mb.TLSVerifyCert || !mb.TLSCheckHostname {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// FolderInfo is one listed folder with its flags.
type FolderInfo struct {
	Name  string
	Flags []string
}

// ListFolders returns all folders with their flags, sorted by name.
func ListFolders(c *client.Client) ([]FolderInfo, error) {
	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", ch)
	}()
	var folders []FolderInfo
	for m := range ch {
		if m != nil {
			folders = append(folders, FolderInfo{Name: m.Name, Flags: m.Attributes})
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return folders, nil
}

// SearchUIDs returns the UIDs of non-deleted messages in the selected
// folder, restricted to UIDs above minUID when minUID is non-zero.
func SearchUIDs(c *client.Client, minUID uint32) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.DeletedFlag}
	if minUID > 0 {
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddRange(minUID+1, 4294967295)
	}
	return c.UidSearch(criteria)
}

// EnsureFolder creates the folder if it does not already exist. It never
// changes the selected mailbox, so it is safe to call mid-session.
func EnsureFolder(c *client.Client, name string) error {
	if err := c.Create(name); err != nil {
		// Most servers reject duplicate creation; confirm via LIST.
		folders, lerr := ListFolders(c)
		if lerr != nil {
			return fmt.Errorf("create folder %s: %w", name, err)
		}
		for _, f := range folders {
			if f.Name == name {
				return nil
			}
		}
		return fmt.Errorf("create folder %s: %w", name, err)
	}
	return nil
}

// ChunkUIDs splits uids into batches of at most size.
func ChunkUIDs(uids []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = 1
	}
	var out [][]uint32
	for start := 0; start < len(uids); start += size {
		end := start + size
		if end > len(uids) {
			end = len(uids)
		}
		out = append(out, uids[start:end])
	}
	return out
}

// FetchBodies fetches UID, internal date and the given body section for a
// batch of UIDs in the selected folder. The messages are fully buffered
// before returning so the connection is free for follow-up commands.
func FetchBodies(c *client.Client, uids []uint32, section *imap.BodySectionName) ([]*imap.Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}
	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, ch)
	}()
	var msgs []*imap.Message
	for m := range ch {
		if m != nil {
			msgs = append(msgs, m)
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkDeleted sets \Deleted on the given UIDs. The caller expunges when the
// batch is complete.
func MarkDeleted(c *client.Client, uids []uint32) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}
	return c.UidStore(seqset, item, flags, nil)
}

// WaitForUpdate blocks in IDLE on the currently selected folder until the
// server reports a change, the timeout forces a poll, or ctx is cancelled.
// It returns ctx.Err() on cancellation and nil when the caller should run a
// pass over the watched folder. The timeout is enforced here: the library's
// own IdleOptions timeout only restarts the IDLE command, it never returns.
func WaitForUpdate(ctx context.Context, c *client.Client, timeout time.Duration) error {
	updates := make(chan client.Update, 16)
	c.Updates = updates
	defer func() { c.Updates = nil }()

	stop := make(chan struct{})
	stopped := false
	halt := func() {
		if !stopped {
			close(stop)
			stopped = true
		}
	}
	done := make(chan error, 1)
	go func() {
		done <- c.Idle(stop, &client.IdleOptions{})
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			halt()
			<-done
			return ctx.Err()
		case <-timer.C:
			halt()
			// keep draining until Idle returns
		case <-updates:
			halt()
		case err := <-done:
			return err
		}
	}
}
