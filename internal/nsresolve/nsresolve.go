// Package nsresolve computes the hierarchy separator, folder prefix,
// and special-use labels of an IMAP namespace from LIST output, and
// maps a source mailbox name onto its destination counterpart.
package nsresolve

import (
	"fmt"
	"strings"

	goimap "github.com/emersion/go-imap"
)

// Namespace is the resolved shape of one server's folder hierarchy.
type Namespace struct {
	Separator string
	Prefix    string // "INBOX." or "" when folders are not prefixed.
}

var specialUseLabels = []string{"Sent", "Drafts", "Junk", "Trash", "Archive"}

// Resolve derives a Namespace from one session's LIST output.
func Resolve(entries []*goimap.MailboxInfo) Namespace {
	ns := Namespace{Separator: "/"}
	if len(entries) > 0 && entries[0].Delimiter != "" {
		ns.Separator = entries[0].Delimiter
	}

	candidate := "INBOX."
	prefixHolds := len(entries) > 0
	for _, e := range entries {
		if strings.EqualFold(e.Name, "INBOX") {
			continue
		}
		if !strings.Contains(e.Name, candidate) {
			prefixHolds = false
			break
		}
	}
	if prefixHolds {
		ns.Prefix = candidate
	}
	return ns
}

// specialUseOf returns the special-use label carried by an entry's
// attributes or, failing that, by its name as a backslash- or
// dot-prefixed segment; "" if there is none.
func specialUseOf(e *goimap.MailboxInfo) string {
	for _, attr := range e.Attributes {
		token := strings.TrimPrefix(string(attr), "\\")
		for _, label := range specialUseLabels {
			if strings.EqualFold(token, label) {
				return label
			}
		}
	}
	for _, label := range specialUseLabels {
		if strings.Contains(e.Name, "\\"+label) || strings.Contains(e.Name, "."+label) {
			return label
		}
	}
	return ""
}

// specialUseBareName returns a destination special-use entry's name
// with any bracketed container segment (e.g. Gmail's "[Gmail]/")
// stripped, so a Courier-style "INBOX.Sent" maps onto Gmail's bare
// "Sent Mail" rather than the full "[Gmail]/Sent Mail" path.
func specialUseBareName(e *goimap.MailboxInfo, sep string) string {
	name := e.Name
	if !strings.HasPrefix(name, "[") {
		return name
	}
	closer := "]" + sep
	idx := strings.Index(name, closer)
	if idx == -1 {
		return name
	}
	return name[idx+len(closer):]
}

// MapName maps a source mailbox name to its destination counterpart:
// special-use match first, then prefix rewrite, then a Gmail bracket
// adjustment.
func MapName(srcName string, srcNS, dstNS Namespace, srcEntries, dstEntries []*goimap.MailboxInfo, dstHost string) string {
	var srcEntry *goimap.MailboxInfo
	for _, e := range srcEntries {
		if e.Name == srcName {
			srcEntry = e
			break
		}
	}

	if srcEntry != nil {
		if label := specialUseOf(srcEntry); label != "" {
			for _, d := range dstEntries {
				if specialUseOf(d) == label {
					return specialUseBareName(d, dstNS.Separator)
				}
			}
		}
	}

	d := srcName

	if srcNS.Prefix != dstNS.Prefix && !strings.EqualFold(d, "INBOX") {
		if srcNS.Prefix != "" && strings.HasPrefix(d, srcNS.Prefix) {
			d = strings.TrimPrefix(d, srcNS.Prefix)
		}
		if dstNS.Prefix != "" {
			d = fmt.Sprintf("INBOX.%s", d)
		}
	}

	if srcNS.Separator != dstNS.Separator && srcNS.Separator != "" {
		d = strings.ReplaceAll(d, srcNS.Separator, dstNS.Separator)
	}

	if dstNS.Separator == "/" {
		d = strings.TrimPrefix(d, "INBOX/")
	}

	if strings.Contains(d, "[Gmail]") && !strings.Contains(strings.ToLower(dstHost), "gmail.com") {
		d = strings.TrimPrefix(d, "[Gmail]"+dstNS.Separator)
	}

	return d
}
