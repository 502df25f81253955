// Package engine composes Transport, the Reconnect Supervisor,
// Namespace Resolver, Mailbox Iterator, and Message Replicator across
// an ordered list of account pairs, one pair at a time.
package engine

import (
	"context"
	"errors"
	"time"

	goimap "github.com/emersion/go-imap"

	"github.com/gsoultan/imapmigrate/internal/config"
	"github.com/gsoultan/imapmigrate/internal/logsink"
	"github.com/gsoultan/imapmigrate/internal/mailboxiter"
	"github.com/gsoultan/imapmigrate/internal/nsresolve"
	"github.com/gsoultan/imapmigrate/internal/replicator"
	"github.com/gsoultan/imapmigrate/internal/retry"
	"github.com/gsoultan/imapmigrate/internal/stringcat"
	"github.com/gsoultan/imapmigrate/internal/supervisor"
	"github.com/gsoultan/imapmigrate/internal/transport"
)

// Dependencies bundles the engine's out-of-scope consumed interfaces
// (TokenProvider, StringProvider) with the ambient and domain-stack
// collaborators it is otherwise handed.
type Dependencies struct {
	Tokens   transport.TokenProvider // nil-safe: only consulted for OAUTH2 credentials.
	Strings  stringcat.Catalog       // nil defaults to stringcat.English.
	Sink     logsink.Sink            // nil defaults to logsink.Discard.
	Archiver replicator.Archiver     // nil-safe: never consulted if nil.
	Attempts int                     // Reconnect Supervisor's A, default 5.
	GapSecs  int                     // Reconnect Supervisor's T, default 30, capped at 300.

	// Dial overrides how a Credential becomes a live Transport. Nil
	// uses transport.Dial against the real network; tests substitute a
	// function that returns an in-memory fake Transport.
	Dial func(cred config.Credential, tokens transport.TokenProvider) supervisor.Dialer
}

// PairResult accumulates the per-pair counts the CLI summarizes.
type PairResult struct {
	Index          int
	Appended       int
	Duplicate      int
	Skipped        int
	QuotaExhausted bool
	Err            error
}

// Report is the outcome of one engine.Run call.
type Report struct {
	Pairs     []PairResult
	Cancelled bool
}

// tokenDeleter is implemented by TokenProvider values that also own a
// cache the engine may invalidate, such as tokenstore.Provider.
type tokenDeleter interface {
	Delete(email string) error
}

// forgetTokenOnAuthFailure deletes the cached token for email when err
// is an AUTH_FAILURE and tokens supports it, so the next run
// re-authorizes instead of retrying a token already known to be bad.
func forgetTokenOnAuthFailure(tokens transport.TokenProvider, email string, err error) {
	var te *transport.Error
	if !errors.As(err, &te) || te.Kind != transport.KindAuthFailure {
		return
	}
	if d, ok := tokens.(tokenDeleter); ok {
		_ = d.Delete(email)
	}
}

// defaultDialerFor returns a supervisor.Dialer that connects and
// authenticates against the real network.
func defaultDialerFor(cred config.Credential, tokens transport.TokenProvider) supervisor.Dialer {
	return func(ctx context.Context) (transport.Transport, error) {
		tc := cred.ToTransportCredential()
		sess, err := transport.Dial(ctx, tc.Server, tc.Port, tc.Security)
		if err != nil {
			return nil, err
		}
		if err := sess.Authenticate(ctx, tc, tokens); err != nil {
			_ = sess.Logout()
			return nil, err
		}
		return sess, nil
	}
}

// Run iterates pairs sequentially, single-threaded, with no locking.
func Run(ctx context.Context, pairs []config.AccountPair, deps Dependencies) Report {
	sink := deps.Sink
	if sink == nil {
		sink = logsink.Discard
	}
	strs := deps.Strings
	if strs == nil {
		strs = stringcat.English
	}
	attempts := deps.Attempts
	if attempts <= 0 {
		attempts = 5
	}
	gap := deps.GapSecs
	if gap <= 0 {
		gap = 30
	}
	policy := supervisor.Policy{Backoff: retry.FixedGap{Attempts: attempts, Gap: time.Duration(gap) * time.Second}}

	var report Report
	for i, pair := range pairs {
		if ctx.Err() != nil {
			report.Cancelled = true
			sink.Warn(strs.Tr("cancelled"))
			break
		}

		result := runPair(ctx, i, pair, deps, policy, sink, strs)
		report.Pairs = append(report.Pairs, result)

		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
	}
	return report
}

func runPair(ctx context.Context, index int, pair config.AccountPair, deps Dependencies, policy supervisor.Policy, sink logsink.Sink, strs stringcat.Catalog) PairResult {
	result := PairResult{Index: index}

	dialFor := deps.Dial
	if dialFor == nil {
		dialFor = defaultDialerFor
	}
	dialSrc := dialFor(pair.Src, deps.Tokens)
	dialDst := dialFor(pair.Dst, deps.Tokens)

	srcT, err := dialSrc(ctx)
	if err != nil {
		sink.Error("pair %d: source connect/authenticate failed: %v", index, err)
		forgetTokenOnAuthFailure(deps.Tokens, pair.Src.Email, err)
		result.Err = err
		return result
	}
	dstT, err := dialDst(ctx)
	if err != nil {
		sink.Error("pair %d: destination connect/authenticate failed: %v", index, err)
		forgetTokenOnAuthFailure(deps.Tokens, pair.Dst.Email, err)
		_ = srcT.Logout()
		result.Err = err
		return result
	}

	sessions := &supervisor.Sessions{Src: srcT, Dst: dstT}
	defer sessions.Disconnect()

	srcEntries, err := srcT.List()
	if err != nil {
		sink.Error("pair %d: source LIST failed: %v", index, err)
		result.Err = err
		return result
	}
	dstEntries, err := dstT.List()
	if err != nil {
		sink.Error("pair %d: destination LIST failed: %v", index, err)
		result.Err = err
		return result
	}

	srcNS := nsresolve.Resolve(srcEntries)
	dstNS := nsresolve.Resolve(dstEntries)

	folders := mailboxiter.Walk(srcEntries)

	opts := replicator.Options{Sink: sink, Archiver: deps.Archiver, PairIndex: index}

	quotaHit := false
	for _, folder := range folders {
		if ctx.Err() != nil {
			return result
		}
		if quotaHit {
			break
		}

		dstFolder := nsresolve.MapName(folder, srcNS, dstNS, srcEntries, dstEntries, pair.Dst.Server)
		// searchCheckpoint carries no DstFolder: the select/search op below
		// never touches sessions.Dst, so there is nothing for a reconnect
		// to reselect there.
		searchCheckpoint := supervisor.Checkpoint{SrcFolder: folder}
		migrateCheckpoint := supervisor.Checkpoint{SrcFolder: folder, DstFolder: dstFolder}

		var seqIDs []uint32
		selErr := supervisor.Run(ctx, sessions, searchCheckpoint, dialSrc, dialDst, sink, policy, func() error {
			if err := sessions.Src.SelectMailbox(folder); err != nil {
				return err
			}
			ids, err := sessions.Src.SearchUID(goimap.NewSearchCriteria())
			if err != nil {
				return err
			}
			seqIDs = ids
			return nil
		})
		if selErr != nil {
			if errors.Is(selErr, supervisor.ErrReconnectExhausted) || errors.Is(selErr, supervisor.ErrReauthFailed) {
				sink.Error("pair %d: folder %s: %v", index, folder, selErr)
				result.Err = selErr
				return result
			}
			sink.Warn("pair %d: folder %s: select/search failed: %v", index, folder, selErr)
			continue
		}
		if len(seqIDs) == 0 {
			continue
		}

		for _, seq := range seqIDs {
			if ctx.Err() != nil {
				return result
			}

			var outcome replicator.Outcome
			migrateErr := supervisor.Run(ctx, sessions, migrateCheckpoint, dialSrc, dialDst, sink, policy, func() error {
				o, err := replicator.Migrate(ctx, sessions.Src, sessions.Dst, folder, dstFolder, seq, opts)
				outcome = o
				return err
			})
			if migrateErr != nil {
				sink.Error("pair %d: folder %s seq=%d: %v", index, folder, seq, migrateErr)
				result.Err = migrateErr
				return result
			}

			switch {
			case outcome.Quota:
				sink.Warn(strs.Tr("overquota"))
				result.QuotaExhausted = true
				quotaHit = true
			case outcome.Duplicate:
				result.Duplicate++
			case outcome.Appended:
				result.Appended++
			case outcome.Skipped:
				result.Skipped++
			}

			if quotaHit {
				break
			}
		}
	}

	return result
}
