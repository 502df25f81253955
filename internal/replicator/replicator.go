// Package replicator implements the per-message state machine: fetch
// header, probe for existence at the destination, fetch body, APPEND
// with preserved INTERNALDATE, then best-effort flag preservation.
package replicator

import (
	"context"
	"fmt"
	"net/textproto"
	"time"

	goimap "github.com/emersion/go-imap"

	"github.com/gsoultan/imapmigrate/internal/logsink"
	"github.com/gsoultan/imapmigrate/internal/transport"
)

// Archiver mirrors a narrow slice of internal/archive.Archiver's
// surface so the replicator can accept an optional out-of-band mirror
// of every appended message without importing the archive package.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte) error
}

// Options configures one Migrate call.
type Options struct {
	Sink      logsink.Sink
	Archiver  Archiver // nil-safe: a nil Archiver is never invoked.
	PairIndex int
}

// Outcome records what happened to one message.
type Outcome struct {
	Appended  bool
	Duplicate bool
	Skipped   bool
	Quota     bool
	Reason    string
}

var headerPeekSection = &goimap.BodySectionName{Peek: true, Specifier: goimap.HeaderSpecifier}
var bodyPeekSection = &goimap.BodySectionName{Peek: true}

// Migrate runs the seven-step replication state machine for one
// message identified by its sequence number within srcFolder.
func Migrate(ctx context.Context, src, dst transport.Transport, srcFolder, dstFolder string, seqNum uint32, opts Options) (Outcome, error) {
	sink := opts.Sink
	if sink == nil {
		sink = logsink.Discard
	}

	seqset := new(goimap.SeqSet)
	seqset.AddNum(seqNum)

	// Step 1: header fetch via BODY.PEEK[HEADER] so \Seen is untouched.
	var headerBytes []byte
	err := src.FetchItems(seqset, []goimap.FetchItem{headerPeekSection.FetchItem()}, func(m *goimap.Message) {
		if r := m.GetBody(headerPeekSection); r != nil {
			buf := make([]byte, 0, 4096)
			tmp := make([]byte, 4096)
			for {
				n, rerr := r.Read(tmp)
				if n > 0 {
					buf = append(buf, tmp[:n]...)
				}
				if rerr != nil {
					break
				}
			}
			headerBytes = buf
		}
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("replicator: fetch header: %w", err)
	}

	header, _ := ParseHeader(headerBytes)

	// Step 2: existence probe at destination.
	var criteria *goimap.SearchCriteria
	if header.HasMessageID() {
		criteria = &goimap.SearchCriteria{
			Header: textproto.MIMEHeader{"Message-Id": []string{"<" + header.MessageID + ">"}},
		}
	} else if header.From != "" && header.To != "" && !header.Date.IsZero() {
		day := header.Date.UTC().Truncate(24 * time.Hour)
		criteria = &goimap.SearchCriteria{
			Header:     textproto.MIMEHeader{"From": []string{header.From}, "To": []string{header.To}},
			SentSince:  day,
			SentBefore: day.Add(24 * time.Hour),
		}
	} else {
		sink.Warn("message-id missing and no fallback identity available in %s seq=%d", srcFolder, seqNum)
	}

	if criteria != nil {
		selErr := dst.SelectMailbox(dstFolder)
		if selErr != nil && retryable(selErr) {
			return Outcome{}, fmt.Errorf("replicator: existence probe select: %w", selErr)
		}
		if selErr == nil {
			ids, searchErr := dst.SearchUID(criteria)
			if searchErr != nil {
				return Outcome{}, fmt.Errorf("replicator: existence probe: %w", searchErr)
			}
			if len(ids) > 0 {
				sink.Info("already exists in %s, skipping message-id=%q", dstFolder, header.MessageID)
				return Outcome{Duplicate: true}, nil
			}
		}
	}

	// Step 3: destination folder readiness.
	if err := dst.SelectMailbox(dstFolder); err != nil {
		if retryable(err) {
			return Outcome{}, fmt.Errorf("replicator: select destination folder: %w", err)
		}
		if createErr := dst.CreateMailbox(dstFolder); createErr != nil {
			if retryable(createErr) {
				return Outcome{}, fmt.Errorf("replicator: create destination folder: %w", createErr)
			}
			sink.Error("could not create destination folder %s: %v", dstFolder, createErr)
			return Outcome{Skipped: true, Reason: "create-failed"}, nil
		}
		if err := dst.SelectMailbox(dstFolder); err != nil {
			if retryable(err) {
				return Outcome{}, fmt.Errorf("replicator: select newly created destination folder: %w", err)
			}
			sink.Error("could not select newly created destination folder %s: %v", dstFolder, err)
			return Outcome{Skipped: true, Reason: "select-failed"}, nil
		}
	}

	// Step 4: body fetch.
	var body []byte
	err = src.FetchItems(seqset, []goimap.FetchItem{bodyPeekSection.FetchItem()}, func(m *goimap.Message) {
		if r := m.GetBody(bodyPeekSection); r != nil {
			buf := make([]byte, 0, 16384)
			tmp := make([]byte, 16384)
			for {
				n, rerr := r.Read(tmp)
				if n > 0 {
					buf = append(buf, tmp[:n]...)
				}
				if rerr != nil {
					break
				}
			}
			body = buf
		}
	})
	if err != nil {
		if retryable(err) {
			return Outcome{}, fmt.Errorf("replicator: fetch body: %w", err)
		}
		sink.Warn("could not fetch body for %s seq=%d: %v", srcFolder, seqNum, err)
		return Outcome{Skipped: true, Reason: "body-fetch-failed"}, nil
	}
	if len(body) == 0 {
		sink.Warn("empty body fetched for %s seq=%d", srcFolder, seqNum)
		return Outcome{Skipped: true, Reason: "body-fetch-failed"}, nil
	}

	if opts.Archiver != nil {
		key := fmt.Sprintf("%d/%s/%d.eml", opts.PairIndex, dstFolder, seqNum)
		if archErr := opts.Archiver.Put(ctx, key, body); archErr != nil {
			sink.Warn("archive mirror failed for %s: %v", key, archErr)
		}
	}

	// Step 5+6: INTERNALDATE and APPEND.
	if header.Date.IsZero() {
		sink.Warn("date missing or unparseable for %s seq=%d, server assigns INTERNALDATE", srcFolder, seqNum)
	}
	literal := goimap.NewLiteral(body)
	appendErr := dst.Append(dstFolder, nil, header.Date, literal)
	if appendErr != nil {
		var te *transport.Error
		if asTransportError(appendErr, &te) {
			if te.IsOverquota() {
				sink.Error("destination overquota, terminating pair")
				return Outcome{Quota: true}, nil
			}
			if te.Kind == transport.KindTimeout || te.Kind == transport.KindAbort {
				return Outcome{}, fmt.Errorf("replicator: append: %w", appendErr)
			}
		}
		sink.Warn("append failed for %s seq=%d: %v", srcFolder, seqNum, appendErr)
		return Outcome{Skipped: true, Reason: "append-failed"}, nil
	}

	outcome := Outcome{Appended: true}

	// Step 7: best-effort flag preservation.
	preserveFlags(src, dst, dstFolder, seqset, header, criteria, sink)

	return outcome, nil
}

// retryable reports whether err is a TIMEOUT or ABORT that the
// Reconnect Supervisor can recover from. Any other kind, including a
// tagged NO for a folder that does not exist yet, is left for the
// caller's own fallback logic rather than bounced up to a reconnect.
func retryable(err error) bool {
	var te *transport.Error
	if asTransportError(err, &te) {
		return te.Kind == transport.KindTimeout || te.Kind == transport.KindAbort
	}
	return false
}

func asTransportError(err error, out **transport.Error) bool {
	for err != nil {
		if te, ok := err.(*transport.Error); ok {
			*out = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func preserveFlags(src, dst transport.Transport, dstFolder string, srcSeqset *goimap.SeqSet, header Header, dupCriteria *goimap.SearchCriteria, sink logsink.Sink) {
	var flags []string
	err := src.FetchItems(srcSeqset, []goimap.FetchItem{goimap.FetchFlags}, func(m *goimap.Message) {
		for _, f := range m.Flags {
			if f == goimap.RecentFlag {
				continue
			}
			flags = append(flags, f)
		}
	})
	if err != nil {
		sink.Warn("flag fetch failed, skipping flag preservation: %v", err)
		return
	}
	if len(flags) == 0 {
		return
	}

	criteria := dupCriteria
	if criteria == nil {
		if !header.HasMessageID() {
			sink.Warn("flag preservation: no identity criteria available, skipping")
			return
		}
		criteria = &goimap.SearchCriteria{
			Header: textproto.MIMEHeader{"Message-Id": []string{"<" + header.MessageID + ">"}},
		}
	}

	if err := dst.SelectMailbox(dstFolder); err != nil {
		sink.Warn("flag preservation: could not reselect %s: %v", dstFolder, err)
		return
	}
	ids, err := dst.SearchUID(criteria)
	if err != nil || len(ids) == 0 {
		sink.Warn("flag preservation: could not locate appended message in %s", dstFolder)
		return
	}

	dstSeqset := new(goimap.SeqSet)
	dstSeqset.AddNum(ids[len(ids)-1])
	if err := dst.StoreFlags(dstSeqset, flags); err != nil {
		sink.Warn("flag preservation: store failed: %v", err)
	}
}
