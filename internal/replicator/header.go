package replicator

import (
	"bytes"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Header is the subset of RFC 5322 header fields the replicator needs
// to establish a message's migration identity and destination
// INTERNALDATE.
type Header struct {
	MessageID string    // addr-spec without angle brackets, empty if absent.
	From      string    // first address in the From field, addr-spec only.
	To        string    // first address in the To field, addr-spec only.
	Date      time.Time // zero if the Date header is missing or unparseable.
}

// HasMessageID reports whether a usable Message-ID was found.
func (h Header) HasMessageID() bool { return h.MessageID != "" }

// ParseHeader parses a raw RFC 5322 header block, as returned by
// BODY.PEEK[HEADER]. Encoding or structural anomalies degrade
// gracefully: whatever fields can be recovered are returned alongside
// the error rather than discarding a partially-parsed header.
func ParseHeader(raw []byte) (Header, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if entity == nil {
		return Header{}, err
	}

	mh := mail.Header{Header: entity.Header}
	h := Header{}

	if id, idErr := mh.MessageID(); idErr == nil && id != "" {
		h.MessageID = strings.Trim(id, "<>")
	}
	if froms, addrErr := mh.AddressList("From"); addrErr == nil && len(froms) > 0 {
		h.From = froms[0].Address
	}
	if tos, addrErr := mh.AddressList("To"); addrErr == nil && len(tos) > 0 {
		h.To = tos[0].Address
	}
	if date, dateErr := mh.Date(); dateErr == nil {
		h.Date = date
	}

	return h, err
}

// SentOnDate formats Date in IMAP SEARCH's "dd-Mon-yyyy" form, the form
// a SENTON criterion takes, or returns "" when Date is zero.
func (h Header) SentOnDate() string {
	if h.Date.IsZero() {
		return ""
	}
	return h.Date.UTC().Format("02-Jan-2006")
}
