// Package supervisor wraps Transport operations with bounded
// reconnect-and-retry: on TIMEOUT or ABORT it tears down and
// re-establishes both sessions from scratch, up to a fixed number of
// attempts with a fixed gap, then fails the run. Tagged NO/BAD errors
// pass through unretried.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gsoultan/imapmigrate/internal/logsink"
	"github.com/gsoultan/imapmigrate/internal/retry"
	"github.com/gsoultan/imapmigrate/internal/transport"
)

// ErrReconnectExhausted is returned when A reconnect attempts all
// failed to recover a retryable error. The caller (the Engine) treats
// this as fatal to the current pair; the CLI maps it to exit code 1.
var ErrReconnectExhausted = errors.New("supervisor: reconnect attempts exhausted")

// ErrReauthFailed is returned when a reconnect attempt's
// re-authentication itself fails; this aborts the retry loop
// immediately rather than spending remaining attempts.
var ErrReauthFailed = errors.New("supervisor: re-authentication failed during reconnect")

// Checkpoint is the folder the supervisor must reselect on each
// session after a reconnect, carried in the supervisor's context
// rather than threaded through recursive retries.
type Checkpoint struct {
	SrcFolder string
	DstFolder string
}

// Sessions is the per-pair pair of live sessions the supervisor owns
// for the duration of a retry loop. Either field may be nil, modeling
// a half-constructed pair; Disconnect is total over every combination.
type Sessions struct {
	Src transport.Transport
	Dst transport.Transport
}

// Disconnect closes and logs out whichever sessions are present,
// ignoring errors: this is a best-effort teardown on every exit path.
func (s *Sessions) Disconnect() {
	for _, sess := range []transport.Transport{s.Src, s.Dst} {
		if sess == nil {
			continue
		}
		if sess.State() == transport.StateSelected {
			_ = sess.Close()
		}
		_ = sess.Logout()
	}
	s.Src, s.Dst = nil, nil
}

// Dialer connects and authenticates one session from scratch.
type Dialer func(ctx context.Context) (transport.Transport, error)

// Policy bounds the reconnect loop: Backoff.MaxAttempts() retries, each
// preceded by Backoff.Next's gap.
type Policy struct {
	Backoff retry.Backoff
}

// Run executes op, and on a TIMEOUT or ABORT result, rebuilds both
// sessions via dialSrc/dialDst up to policy's attempt bound, reselects
// checkpoint's folders, and retries op. Tagged NO/BAD and any other
// error kind is returned to the caller unchanged on the first try.
func Run(ctx context.Context, sessions *Sessions, checkpoint Checkpoint, dialSrc, dialDst Dialer, sink logsink.Sink, policy Policy, op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	if !retryable(err) {
		return err
	}

	attempts := policy.Backoff.MaxAttempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		sink.Warn("transient error %v, reconnecting (attempt %d/%d)", err, attempt, attempts)
		sessions.Disconnect()

		select {
		case <-time.After(policy.Backoff.Next(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}

		newSrc, dialErr := dialSrc(ctx)
		if dialErr != nil {
			sink.Error("reconnect failed to re-authenticate source: %v", dialErr)
			return fmt.Errorf("%w: %v", ErrReauthFailed, dialErr)
		}
		newDst, dialErr := dialDst(ctx)
		if dialErr != nil {
			sink.Error("reconnect failed to re-authenticate destination: %v", dialErr)
			_ = newSrc.Logout()
			return fmt.Errorf("%w: %v", ErrReauthFailed, dialErr)
		}
		sessions.Src, sessions.Dst = newSrc, newDst

		if checkpoint.SrcFolder != "" {
			if selErr := sessions.Src.SelectMailbox(checkpoint.SrcFolder); selErr != nil {
				return fmt.Errorf("%w: reselect source folder: %v", ErrReauthFailed, selErr)
			}
		}
		if checkpoint.DstFolder != "" {
			if selErr := sessions.Dst.SelectMailbox(checkpoint.DstFolder); selErr != nil {
				if !taggedNoOrBad(selErr) {
					return fmt.Errorf("%w: reselect destination folder: %v", ErrReauthFailed, selErr)
				}
				// The destination folder may not exist yet: op (the
				// Message Replicator) creates it lazily on its own retry.
				sink.Warn("destination folder %s not yet present, deferring to retried operation: %v", checkpoint.DstFolder, selErr)
			}
		}

		err = op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}

	return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
}

func retryable(err error) bool {
	var te *transport.Error
	if errors.As(err, &te) {
		return te.Kind == transport.KindTimeout || te.Kind == transport.KindAbort
	}
	return false
}

func taggedNoOrBad(err error) bool {
	var te *transport.Error
	if errors.As(err, &te) {
		return te.Kind == transport.KindTaggedNo || te.Kind == transport.KindTaggedBad
	}
	return false
}
