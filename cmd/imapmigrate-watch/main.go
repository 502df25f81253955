// Command imapmigrate-watch runs a full migration, then stays attached
// to the source account's INBOX via IMAP IDLE and re-runs the Mailbox
// Iterator and Message Replicator against INBOX alone on every server
// wake-up. It supplements cmd/imapmigrate; it does not replace it, and
// it introduces no new engine semantics — idempotence comes entirely
// from the existence probe the Message Replicator already runs on
// every message.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goimap "github.com/emersion/go-imap"

	"github.com/gsoultan/imapmigrate/internal/config"
	"github.com/gsoultan/imapmigrate/internal/engine"
	"github.com/gsoultan/imapmigrate/internal/logsink"
	"github.com/gsoultan/imapmigrate/internal/mailboxiter"
	"github.com/gsoultan/imapmigrate/internal/nsresolve"
	"github.com/gsoultan/imapmigrate/internal/replicator"
	"github.com/gsoultan/imapmigrate/internal/tokenstore"
	"github.com/gsoultan/imapmigrate/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("imapmigrate-watch", flag.ContinueOnError)
	configPath := fs.String("config", "credentials.json", "path to the credentials.json account pair list")
	tokenDir := fs.String("token-dir", ".", "directory holding per-email token_<email>.json caches")
	attempts := fs.Int("attempts", 5, "reconnect attempts before a pair is abandoned")
	timeout := fs.Int("timeout", 30, "reconnect gap in seconds, capped at 300")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	pairs, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "imapmigrate-watch: %v\n", err)
		return 1
	}

	sink := logsink.NewPlain(os.Stderr)
	tokens := tokenstore.Provider{Dir: *tokenDir}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t := *timeout
	if t > 300 {
		t = 300
	}

	sink.Info("running full migration before entering watch mode")
	report := engine.Run(ctx, pairs, engine.Dependencies{
		Tokens: tokens, Sink: sink, Attempts: *attempts, GapSecs: t,
	})
	for _, p := range report.Pairs {
		if p.Err != nil {
			sink.Error("pair %d: initial migration failed: %v", p.Index, p.Err)
		}
	}
	if report.Cancelled {
		return 130
	}

	for i, pair := range pairs {
		if ctx.Err() != nil {
			return 130
		}
		if err := watchPair(ctx, i, pair, tokens, sink); err != nil {
			sink.Error("pair %d: watch loop ended: %v", i, err)
		}
	}
	return 0
}

// watchPair issues IDLE against the source's INBOX and, on every
// wake-up, re-runs the Mailbox Iterator + Message Replicator against
// INBOX only.
func watchPair(ctx context.Context, index int, pair config.AccountPair, tokens transport.TokenProvider, sink logsink.Sink) error {
	srcCred := pair.Src.ToTransportCredential()
	src, err := transport.Dial(ctx, srcCred.Server, srcCred.Port, srcCred.Security)
	if err != nil {
		return fmt.Errorf("dial source: %w", err)
	}
	defer func() { _ = src.Logout() }()
	if err := src.Authenticate(ctx, srcCred, tokens); err != nil {
		return fmt.Errorf("authenticate source: %w", err)
	}

	dstCred := pair.Dst.ToTransportCredential()
	dst, err := transport.Dial(ctx, dstCred.Server, dstCred.Port, dstCred.Security)
	if err != nil {
		return fmt.Errorf("dial destination: %w", err)
	}
	defer func() { _ = dst.Logout() }()
	if err := dst.Authenticate(ctx, dstCred, tokens); err != nil {
		return fmt.Errorf("authenticate destination: %w", err)
	}

	srcEntries, err := src.List()
	if err != nil {
		return fmt.Errorf("source LIST: %w", err)
	}
	dstEntries, err := dst.List()
	if err != nil {
		return fmt.Errorf("destination LIST: %w", err)
	}
	srcNS := nsresolve.Resolve(srcEntries)
	dstNS := nsresolve.Resolve(dstEntries)
	dstInbox := nsresolve.MapName("INBOX", srcNS, dstNS, srcEntries, dstEntries, pair.Dst.Server)

	replicateInbox := func() {
		if err := src.SelectMailbox("INBOX"); err != nil {
			sink.Warn("pair %d: could not reselect INBOX: %v", index, err)
			return
		}
		if !mailboxiter.Selectable(inboxEntry(srcEntries)) {
			return
		}
		ids, err := src.SearchUID(goimap.NewSearchCriteria())
		if err != nil {
			sink.Warn("pair %d: INBOX search failed: %v", index, err)
			return
		}
		for _, seq := range ids {
			if ctx.Err() != nil {
				return
			}
			outcome, err := replicator.Migrate(ctx, src, dst, "INBOX", dstInbox, seq, replicator.Options{Sink: sink, PairIndex: index})
			if err != nil {
				sink.Warn("pair %d: INBOX seq=%d: %v", index, seq, err)
				continue
			}
			if outcome.Appended {
				sink.Info("pair %d: INBOX seq=%d appended via watch wake-up", index, seq)
			}
		}
	}

	if err := src.SelectMailbox("INBOX"); err != nil {
		return fmt.Errorf("select INBOX: %w", err)
	}
	replicateInbox() // catch up on anything that arrived between the full run and IDLE starting.

	for ctx.Err() == nil {
		if err := src.SelectMailbox("INBOX"); err != nil {
			return fmt.Errorf("reselect INBOX: %w", err)
		}
		if idleErr := src.Idle(ctx); idleErr != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("idle: %w", idleErr)
		}
		replicateInbox()
	}
	return ctx.Err()
}

func inboxEntry(entries []*goimap.MailboxInfo) *goimap.MailboxInfo {
	for _, e := range entries {
		if e.Name == "INBOX" {
			return e
		}
	}
	return &goimap.MailboxInfo{Name: "INBOX"}
}
