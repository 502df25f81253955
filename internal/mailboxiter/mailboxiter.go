// Package mailboxiter filters a LIST result down to selectable
// mailboxes and returns their names in LIST order. Selecting each
// mailbox and searching it for messages is left to the caller.
package mailboxiter

import (
	"strings"

	goimap "github.com/emersion/go-imap"
)

// skippedAttributes are matched as whole tokens: \Noselect, \All, and
// \Flagged mailboxes are excluded from the walk entirely.
var skippedAttributes = map[string]bool{
	"Noselect": true,
	"All":      true,
	"Flagged":  true,
}

// Selectable reports whether entry should be visited by the Mailbox
// Iterator, i.e. its attribute set does not intersect
// {\Noselect, \All, \Flagged}.
func Selectable(entry *goimap.MailboxInfo) bool {
	for _, attr := range entry.Attributes {
		token := strings.TrimPrefix(string(attr), "\\")
		if skippedAttributes[token] {
			return false
		}
	}
	return true
}

// Walk returns the bare names of every selectable mailbox in entries,
// preserving the server's LIST order.
func Walk(entries []*goimap.MailboxInfo) []string {
	var names []string
	for _, e := range entries {
		if !Selectable(e) {
			continue
		}
		names = append(names, e.Name)
	}
	return names
}
