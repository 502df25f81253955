package replicator_test

import (
	"context"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"

	"github.com/gsoultan/imapmigrate/internal/replicator"
	"github.com/gsoultan/imapmigrate/internal/transport"
)

// fakeMessage is one stored message in a fakeTransport folder.
type fakeMessage struct {
	header []byte
	body   []byte
	flags  []string
	when   time.Time
}

// fakeTransport is an in-memory transport.Transport used to drive the
// replicator state machine without a live server.
type fakeTransport struct {
	selected string
	folders  map[string][]*fakeMessage

	createErr error
	searchErr error
	appendErr error
}

func newFake() *fakeTransport {
	return &fakeTransport{folders: make(map[string][]*fakeMessage)}
}

func (f *fakeTransport) State() transport.State { return transport.StateSelected }

func (f *fakeTransport) List() ([]*goimap.MailboxInfo, error) { return nil, nil }

func (f *fakeTransport) SelectMailbox(folder string) error {
	if _, ok := f.folders[folder]; !ok {
		return &transport.Error{Kind: transport.KindTaggedNo, Text: "NO no such folder"}
	}
	f.selected = folder
	return nil
}

func (f *fakeTransport) CreateMailbox(folder string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.folders[folder] = nil
	return nil
}

func (f *fakeTransport) SearchUID(criteria *goimap.SearchCriteria) ([]uint32, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []uint32
	for i, m := range f.folders[f.selected] {
		if matches(m, criteria) {
			out = append(out, uint32(i+1))
		}
	}
	return out, nil
}

func matches(m *fakeMessage, c *goimap.SearchCriteria) bool {
	if c == nil {
		return false
	}
	if ids, ok := c.Header["Message-Id"]; ok {
		return containsSubstring(string(m.header), ids[0])
	}
	if froms, ok := c.Header["From"]; ok {
		return containsSubstring(string(m.header), froms[0])
	}
	return false
}

func containsSubstring(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func (f *fakeTransport) FetchItems(seqset *goimap.SeqSet, items []goimap.FetchItem, visit func(*goimap.Message)) error {
	msgs := f.folders[f.selected]
	for _, seq := range seqset.Set {
		idx := int(seq.Start) - 1
		if idx < 0 || idx >= len(msgs) {
			continue
		}
		m := msgs[idx]
		out := &goimap.Message{Flags: m.flags, Body: map[*goimap.BodySectionName]goimap.Literal{}}
		for _, item := range items {
			switch {
			case item == goimap.FetchFlags:
				// flags already set on out
			case containsSubstring(string(item), "HEADER"):
				sec := &goimap.BodySectionName{Specifier: goimap.HeaderSpecifier}
				out.Body[sec] = literalOf(m.header)
			default:
				sec := &goimap.BodySectionName{}
				out.Body[sec] = literalOf(m.body)
			}
		}
		visit(out)
	}
	return nil
}

func literalOf(b []byte) goimap.Literal { return goimap.NewLiteral(b) }

func (f *fakeTransport) Append(folder string, flags []string, when time.Time, body goimap.Literal) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	buf := make([]byte, body.Len())
	_, _ = body.Read(buf)
	f.folders[folder] = append(f.folders[folder], &fakeMessage{header: buf, body: buf, flags: flags, when: when})
	return nil
}

func (f *fakeTransport) StoreFlags(seqset *goimap.SeqSet, flags []string) error {
	msgs := f.folders[f.selected]
	for _, seq := range seqset.Set {
		idx := int(seq.Start) - 1
		if idx >= 0 && idx < len(msgs) {
			msgs[idx].flags = flags
		}
	}
	return nil
}

func (f *fakeTransport) Close() error  { return nil }
func (f *fakeTransport) Logout() error { return nil }

var _ transport.Transport = (*fakeTransport)(nil)

const rawMessage = "Message-Id: <abc123@example.com>\r\n" +
	"From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Date: Mon, 2 Jan 2023 10:00:00 +0000\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"body text\r\n"

func seededSrc(folder string) *fakeTransport {
	src := newFake()
	src.folders[folder] = []*fakeMessage{{header: []byte(rawMessage), body: []byte(rawMessage), flags: []string{goimap.SeenFlag}}}
	src.selected = folder
	return src
}

func TestMigrateAppendsNewMessage(t *testing.T) {
	src := seededSrc("INBOX")
	dst := newFake()
	dst.folders["INBOX"] = nil

	out, err := replicator.Migrate(context.Background(), src, dst, "INBOX", "INBOX", 1, replicator.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Appended {
		t.Fatalf("expected Appended, got %+v", out)
	}
	if len(dst.folders["INBOX"]) != 1 {
		t.Fatalf("expected 1 message appended, got %d", len(dst.folders["INBOX"]))
	}
}

func TestMigrateSkipsDuplicateByMessageID(t *testing.T) {
	src := seededSrc("INBOX")
	dst := newFake()
	dst.folders["INBOX"] = []*fakeMessage{{header: []byte(rawMessage)}}

	out, err := replicator.Migrate(context.Background(), src, dst, "INBOX", "INBOX", 1, replicator.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Duplicate {
		t.Fatalf("expected Duplicate, got %+v", out)
	}
	if len(dst.folders["INBOX"]) != 1 {
		t.Fatalf("expected no new append, still 1, got %d", len(dst.folders["INBOX"]))
	}
}

func TestMigrateCreatesMissingDestinationFolder(t *testing.T) {
	src := seededSrc("INBOX")
	dst := newFake()

	out, err := replicator.Migrate(context.Background(), src, dst, "INBOX", "Archive", 1, replicator.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Appended {
		t.Fatalf("expected Appended after folder creation, got %+v", out)
	}
	if _, ok := dst.folders["Archive"]; !ok {
		t.Fatal("expected Archive folder to have been created")
	}
}

func TestMigrateReportsQuotaOnOverquotaAppend(t *testing.T) {
	src := seededSrc("INBOX")
	dst := newFake()
	dst.folders["INBOX"] = nil
	dst.appendErr = &transport.Error{Kind: transport.KindTaggedNo, Text: "NO [OVERQUOTA] quota exceeded"}

	out, err := replicator.Migrate(context.Background(), src, dst, "INBOX", "INBOX", 1, replicator.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Quota {
		t.Fatalf("expected Quota outcome, got %+v", out)
	}
}

type recordingArchiver struct {
	keys [][]byte
}

func (a *recordingArchiver) Put(_ context.Context, key string, body []byte) error {
	a.keys = append(a.keys, append([]byte(key+":"), body...))
	return nil
}

func TestMigrateInvokesArchiverOnAppend(t *testing.T) {
	src := seededSrc("INBOX")
	dst := newFake()
	dst.folders["INBOX"] = nil
	arch := &recordingArchiver{}

	_, err := replicator.Migrate(context.Background(), src, dst, "INBOX", "INBOX", 1, replicator.Options{Archiver: arch, PairIndex: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(arch.keys) != 1 {
		t.Fatalf("expected archiver invoked once, got %d", len(arch.keys))
	}
}

func TestParseHeaderFieldsFromRawMessage(t *testing.T) {
	h, err := replicator.ParseHeader([]byte(rawMessage))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.MessageID != "abc123@example.com" {
		t.Fatalf("expected message id abc123@example.com, got %q", h.MessageID)
	}
	if h.From != "alice@example.com" || h.To != "bob@example.com" {
		t.Fatalf("unexpected from/to: %q / %q", h.From, h.To)
	}
	if h.Date.IsZero() {
		t.Fatal("expected a parsed date")
	}
}
