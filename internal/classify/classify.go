// Package classify decides how a fetched raw message is archived and pulls
// the header fields recorded in the metadata index.
//
// An Exchange journal mailbox delivers wrappers: a report message carrying
// the original as a message/rfc822 attachment. Journal and mailbox copies of
// the same logical message differ byte for byte, so both sides are archived
// as distinct entries; there is deliberately no semantic deduplication here.
package classify

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Role describes why a byte stream is archived.
type Role string

const (
	// RolePrimary is the message exactly as fetched.
	RolePrimary Role = "PRIMARY"
	// RoleJournalOriginal is the original unwrapped from a journal wrapper.
	RoleJournalOriginal Role = "JOURNAL_ORIGINAL"
)

// Part is one byte stream to archive.
type Part struct {
	Role Role
	Raw  []byte
}

// ErrNotJournal reports that journal handling was requested but the message
// carries no recoverable rfc822 attachment. Callers treat this as a warning,
// not a failure: the wrapper is still archived as PRIMARY.
var ErrNotJournal = errors.New("no journal attachment found")

// Split returns the parts to archive for one fetched message. With
// exchangeJournal disabled the message passes through untouched as a single
// PRIMARY part. Enabled, a recognized wrapper yields the wrapper (PRIMARY)
// plus the embedded original (JOURNAL_ORIGINAL); anything else falls back to
// PRIMARY only with ErrNotJournal. Unwrapping is best effort, not guaranteed.
func Split(raw []byte, exchangeJournal bool) ([]Part, error) {
	if !exchangeJournal {
		return []Part{{Role: RolePrimary, Raw: raw}}, nil
	}
	orig, err := unwrapJournal(raw)
	if err != nil {
		return []Part{{Role: RolePrimary, Raw: raw}}, ErrNotJournal
	}
	return []Part{
		{Role: RolePrimary, Raw: raw},
		{Role: RoleJournalOriginal, Raw: orig},
	}, nil
}

func unwrapJournal(raw []byte) ([]byte, error) {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	var embedded [][]byte
	collectRFC822(ent, &embedded)
	if len(embedded) == 0 {
		return nil, ErrNotJournal
	}
	// Microsoft bounces a journal message rejected by DKIM/SPF back as an
	// "Undeliverable:" mail with the original appended as a second rfc822
	// attachment; the first one then mistakenly starts at its MIME header.
	if bytes.HasPrefix(embedded[0], []byte("Content-Type:")) && len(embedded) > 1 {
		return embedded[1], nil
	}
	return embedded[0], nil
}

func collectRFC822(ent *message.Entity, out *[][]byte) {
	if ent == nil {
		return
	}
	ctype, _, _ := ent.Header.ContentType()
	if strings.EqualFold(ctype, "message/rfc822") {
		if b, err := io.ReadAll(ent.Body); err == nil && len(b) > 0 {
			*out = append(*out, b)
		}
		return
	}
	mr := ent.MultipartReader()
	if mr == nil {
		return
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return
		}
		collectRFC822(part, out)
	}
}

// Headers are the fields extracted for the metadata index. Any field may be
// empty when the raw bytes do not parse; ingestion never fails on a
// malformed header.
type Headers struct {
	MessageID string
	Date      time.Time
	From      string
	To        string
	Subject   string
}

// ParseHeaders extracts metadata fields from raw message bytes, degrading to
// zero values on parse errors.
func ParseHeaders(raw []byte) Headers {
	var hdr Headers
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return hdr
	}
	h := mail.Header{Header: ent.Header}
	if id, err := h.MessageID(); err == nil {
		hdr.MessageID = id
	}
	if d, err := h.Date(); err == nil {
		hdr.Date = d
	}
	if subj, err := h.Subject(); err == nil {
		hdr.Subject = subj
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		hdr.From = from[0].Address
	}
	var to []string
	for _, key := range []string{"To", "Cc"} {
		if addrs, err := h.AddressList(key); err == nil {
			for _, a := range addrs {
				to = append(to, a.Address)
			}
		}
	}
	hdr.To = strings.Join(to, ", ")
	return hdr
}
