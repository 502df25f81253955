package engine_test

import (
	"context"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"

	"github.com/gsoultan/imapmigrate/internal/config"
	"github.com/gsoultan/imapmigrate/internal/engine"
	"github.com/gsoultan/imapmigrate/internal/supervisor"
	"github.com/gsoultan/imapmigrate/internal/transport"
)

// stubTransport is a minimal transport.Transport fake for exercising
// engine.Run's pair-level control flow. It carries a fixed LIST result
// and one message in INBOX, enough to drive one full pair to
// completion without a live server.
type stubTransport struct {
	listErr error
	entries []*goimap.MailboxInfo
	appends int
}

func (s *stubTransport) State() transport.State { return transport.StateSelected }
func (s *stubTransport) List() ([]*goimap.MailboxInfo, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.entries, nil
}
func (s *stubTransport) SelectMailbox(string) error { return nil }
func (s *stubTransport) CreateMailbox(string) error { return nil }
func (s *stubTransport) SearchUID(c *goimap.SearchCriteria) ([]uint32, error) {
	if len(c.Header) > 0 {
		return nil, nil // existence probe: destination is always empty in this stub.
	}
	return []uint32{1}, nil
}
const stubRawMessage = "Message-Id: <x@y>\r\nFrom: a@b\r\nTo: c@d\r\nDate: Mon, 2 Jan 2023 10:00:00 +0000\r\n\r\nbody\r\n"

func (s *stubTransport) FetchItems(seqset *goimap.SeqSet, items []goimap.FetchItem, visit func(*goimap.Message)) error {
	m := &goimap.Message{Body: map[*goimap.BodySectionName]goimap.Literal{}}
	for _, item := range items {
		switch {
		case item == goimap.FetchFlags:
			m.Flags = []string{goimap.SeenFlag}
		case containsHeader(string(item)):
			sec := &goimap.BodySectionName{Specifier: goimap.HeaderSpecifier}
			m.Body[sec] = goimap.NewLiteral([]byte(stubRawMessage))
		default:
			sec := &goimap.BodySectionName{}
			m.Body[sec] = goimap.NewLiteral([]byte(stubRawMessage))
		}
	}
	visit(m)
	return nil
}

func containsHeader(s string) bool {
	for i := 0; i+len("HEADER") <= len(s); i++ {
		if s[i:i+len("HEADER")] == "HEADER" {
			return true
		}
	}
	return false
}
func (s *stubTransport) Append(string, []string, time.Time, goimap.Literal) error {
	s.appends++
	return nil
}
func (s *stubTransport) StoreFlags(*goimap.SeqSet, []string) error { return nil }
func (s *stubTransport) Close() error                              { return nil }
func (s *stubTransport) Logout() error                             { return nil }

var _ transport.Transport = (*stubTransport)(nil)

func entries() []*goimap.MailboxInfo {
	return []*goimap.MailboxInfo{
		{Name: "INBOX", Delimiter: "/"},
	}
}

func TestRunAppendsAcrossOnePair(t *testing.T) {
	pairs := []config.AccountPair{
		{
			Src: config.Credential{Email: "a@x", Password: "p", Server: "src.example.com", Security: transport.SecurityPlain},
			Dst: config.Credential{Email: "b@y", Password: "p", Server: "dst.example.com", Security: transport.SecurityPlain},
		},
	}

	src := &stubTransport{entries: entries()}
	dst := &stubTransport{entries: entries()}

	report := engine.Run(context.Background(), pairs, engine.Dependencies{
		Dial: func(cred config.Credential, _ transport.TokenProvider) supervisor.Dialer {
			return func(context.Context) (transport.Transport, error) {
				if cred.Email == "a@x" {
					return src, nil
				}
				return dst, nil
			}
		},
	})

	if len(report.Pairs) != 1 {
		t.Fatalf("expected 1 pair result, got %d", len(report.Pairs))
	}
	if report.Pairs[0].Err != nil {
		t.Fatalf("unexpected error: %v", report.Pairs[0].Err)
	}
	if report.Pairs[0].Appended != 1 {
		t.Fatalf("expected 1 appended message, got %+v", report.Pairs[0])
	}
	if dst.appends != 1 {
		t.Fatalf("expected 1 APPEND against destination, got %d", dst.appends)
	}
}

func TestRunRecordsDialFailurePerPair(t *testing.T) {
	pairs := []config.AccountPair{
		{
			Src: config.Credential{Email: "a@x", Password: "p", Server: "src.example.com", Security: transport.SecurityPlain},
			Dst: config.Credential{Email: "b@y", Password: "p", Server: "dst.example.com", Security: transport.SecurityPlain},
		},
	}

	report := engine.Run(context.Background(), pairs, engine.Dependencies{})

	// With no fake dialer wired, the engine dials the real network;
	// this asserts the failure is recorded per-pair, not panicked.
	if len(report.Pairs) != 1 {
		t.Fatalf("expected 1 pair result, got %d", len(report.Pairs))
	}
	if report.Pairs[0].Err == nil {
		t.Fatal("expected a dial error against a nonexistent host")
	}
}

func TestRunHonorsPreCancelledContext(t *testing.T) {
	pairs := []config.AccountPair{
		{
			Src: config.Credential{Email: "a@x", Password: "p", Server: "src.example.com", Security: transport.SecurityPlain},
			Dst: config.Credential{Email: "b@y", Password: "p", Server: "dst.example.com", Security: transport.SecurityPlain},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := engine.Run(ctx, pairs, engine.Dependencies{})

	if !report.Cancelled {
		t.Fatal("expected report.Cancelled to be true")
	}
	if len(report.Pairs) != 0 {
		t.Fatalf("expected no pairs attempted once cancelled, got %d", len(report.Pairs))
	}
}

func TestRunEmptyPairsProducesEmptyReport(t *testing.T) {
	report := engine.Run(context.Background(), nil, engine.Dependencies{})
	if len(report.Pairs) != 0 {
		t.Fatalf("expected no pairs, got %d", len(report.Pairs))
	}
	if report.Cancelled {
		t.Fatal("expected Cancelled to be false")
	}
}
