// Package transport establishes IMAP sessions against a single server
// and exposes the framed command/response operations the migration
// engine drives, translating library errors into the closed set of
// error kinds the Reconnect Supervisor branches on.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	idle "github.com/emersion/go-imap-idle"
)

// Security selects one of the four supported connection modes.
type Security string

const (
	SecurityPlain    Security = "PLAIN"
	SecuritySTARTTLS Security = "STARTTLS"
	SecuritySSL      Security = "SSL"
	SecurityOAuth2   Security = "OAUTH2"
)

// State mirrors the IMAP session state machine: CLOSED -> CONNECTED ->
// AUTHENTICATED -> (SELECTED <-> AUTHENTICATED) -> LOGOUT -> CLOSED.
type State int

const (
	StateClosed State = iota
	StateConnected
	StateAuthenticated
	StateSelected
	StateLogout
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateSelected:
		return "SELECTED"
	case StateLogout:
		return "LOGOUT"
	default:
		return "UNKNOWN"
	}
}

// ErrorKind classifies a transport failure so callers branch on kind,
// never on message text, except for the two tagged-response kinds
// which intentionally carry the server's text for substring checks
// such as "[OVERQUOTA]".
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindDNSFailure
	KindConnectRefused
	KindTLSFailure
	KindAuthFailure
	KindProtocolError
	KindTimeout
	KindAbort
	KindTaggedNo
	KindTaggedBad
)

func (k ErrorKind) String() string {
	switch k {
	case KindDNSFailure:
		return "DNS_FAILURE"
	case KindConnectRefused:
		return "CONNECT_REFUSED"
	case KindTLSFailure:
		return "TLS_FAILURE"
	case KindAuthFailure:
		return "AUTH_FAILURE"
	case KindProtocolError:
		return "PROTOCOL_ERROR"
	case KindTimeout:
		return "TIMEOUT"
	case KindAbort:
		return "ABORT"
	case KindTaggedNo:
		return "TAGGED_NO"
	case KindTaggedBad:
		return "TAGGED_BAD"
	default:
		return "NONE"
	}
}

// Error is the typed error surfaced by every Session operation.
type Error struct {
	Kind ErrorKind
	Text string
	Err  error
}

func (e *Error) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Text)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsOverquota reports whether a TAGGED_NO/TAGGED_BAD error's text
// carries the server's overquota response code.
func (e *Error) IsOverquota() bool {
	return e != nil && strings.Contains(e.Text, "[OVERQUOTA]")
}

// Credential identifies one account to authenticate against a server.
type Credential struct {
	Email    string
	Password string
	Server   string
	Port     int
	Security Security
}

// NormalizedPort returns Port, defaulting to 143 for PLAIN/STARTTLS and
// 993 for SSL/OAUTH2 when Port is zero.
func (c Credential) NormalizedPort() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.Security == SecurityPlain || c.Security == SecuritySTARTTLS {
		return 143
	}
	return 993
}

// TokenProvider resolves a fresh XOAUTH2 bearer token for an email
// address. It is an out-of-scope collaborator: the engine never
// acquires or refreshes tokens itself.
type TokenProvider interface {
	Get(ctx context.Context, email string) (string, error)
}

// Transport is the set of operations the Reconnect Supervisor, the
// Message Replicator, and the Engine drive against a live server
// connection. *Session is the production implementation; tests
// substitute an in-memory fake satisfying the same interface.
type Transport interface {
	State() State
	List() ([]*goimap.MailboxInfo, error)
	SelectMailbox(folder string) error
	CreateMailbox(folder string) error
	SearchUID(criteria *goimap.SearchCriteria) ([]uint32, error)
	FetchItems(seqset *goimap.SeqSet, items []goimap.FetchItem, visit func(*goimap.Message)) error
	Append(folder string, flags []string, when time.Time, body goimap.Literal) error
	StoreFlags(seqset *goimap.SeqSet, flags []string) error
	Close() error
	Logout() error
}

// Session wraps one live IMAP connection and its observable state.
type Session struct {
	client *client.Client
	state  State
	dialer net.Dialer
}

// Dial opens a TCP connection to host:port and negotiates TLS per
// security, without authenticating yet.
func Dial(ctx context.Context, host string, port int, security Security) (*Session, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	d := net.Dialer{Timeout: 30 * time.Second}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(err)
	}

	switch security {
	case SecuritySSL, SecurityOAuth2:
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = tlsConn.Close()
			return nil, &Error{Kind: KindTLSFailure, Err: err}
		}
		c, err := client.New(tlsConn)
		if err != nil {
			_ = tlsConn.Close()
			return nil, &Error{Kind: KindProtocolError, Err: err}
		}
		return &Session{client: c, state: StateConnected}, nil
	case SecuritySTARTTLS, SecurityPlain:
		c, err := client.New(conn)
		if err != nil {
			_ = conn.Close()
			return nil, &Error{Kind: KindProtocolError, Err: err}
		}
		if security == SecuritySTARTTLS {
			if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
				_ = c.Logout()
				return nil, &Error{Kind: KindTLSFailure, Err: err}
			}
		}
		return &Session{client: c, state: StateConnected}, nil
	default:
		_ = conn.Close()
		return nil, &Error{Kind: KindProtocolError, Err: fmt.Errorf("unknown security mode %q", security)}
	}
}

func classifyDialError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindDNSFailure, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return &Error{Kind: KindTimeout, Err: err}
		}
		return &Error{Kind: KindConnectRefused, Err: err}
	}
	return &Error{Kind: KindConnectRefused, Err: err}
}

// Authenticate logs in with cred. For OAUTH2, tokens is consulted for
// a bearer token and AUTHENTICATE XOAUTH2 is issued instead of LOGIN.
func (s *Session) Authenticate(ctx context.Context, cred Credential, tokens TokenProvider) error {
	if cred.Security == SecurityOAuth2 {
		if tokens == nil {
			return &Error{Kind: KindAuthFailure, Err: fmt.Errorf("oauth2 credential without a token provider")}
		}
		token, err := tokens.Get(ctx, cred.Email)
		if err != nil {
			return &Error{Kind: KindAuthFailure, Err: err}
		}
		if err := s.client.Authenticate(newXOAUTH2Client(cred.Email, token)); err != nil {
			return wrapAuthError(err)
		}
		s.state = StateAuthenticated
		return nil
	}

	if err := s.client.Login(cred.Email, cred.Password); err != nil {
		return wrapAuthError(err)
	}
	s.state = StateAuthenticated
	return nil
}

func wrapAuthError(err error) error {
	var statusErr *goimap.ErrStatusResp
	if errors.As(err, &statusErr) {
		return &Error{Kind: KindAuthFailure, Text: statusErr.Resp.Info, Err: err}
	}
	return &Error{Kind: KindAuthFailure, Err: err}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State { return s.state }

// List returns the raw LIST output for the whole namespace.
func (s *Session) List() ([]*goimap.MailboxInfo, error) {
	ch := make(chan *goimap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() { done <- s.client.List("", "*", ch) }()

	var entries []*goimap.MailboxInfo
	for entry := range ch {
		entries = append(entries, entry)
	}
	if err := <-done; err != nil {
		return nil, classifyProtocolError(err)
	}
	return entries, nil
}

// SelectMailbox moves the session into SELECTED on folder.
func (s *Session) SelectMailbox(folder string) error {
	if _, err := s.client.Select(folder, false); err != nil {
		return classifyProtocolError(err)
	}
	s.state = StateSelected
	return nil
}

// CreateMailbox issues CREATE.
func (s *Session) CreateMailbox(folder string) error {
	if err := s.client.Create(folder); err != nil {
		return classifyProtocolError(err)
	}
	return nil
}

// SearchUID runs a SEARCH and returns matching sequence numbers.
func (s *Session) SearchUID(criteria *goimap.SearchCriteria) ([]uint32, error) {
	ids, err := s.client.Search(criteria)
	if err != nil {
		return nil, classifyProtocolError(err)
	}
	return ids, nil
}

// FetchItems fetches items for seqset, invoking visit for each
// returned message.
func (s *Session) FetchItems(seqset *goimap.SeqSet, items []goimap.FetchItem, visit func(*goimap.Message)) error {
	ch := make(chan *goimap.Message, 4)
	done := make(chan error, 1)
	go func() { done <- s.client.Fetch(seqset, items, ch) }()
	for msg := range ch {
		visit(msg)
	}
	if err := <-done; err != nil {
		return classifyProtocolError(err)
	}
	return nil
}

// Append appends body to folder with the given flags and internal
// date. A zero date omits the INTERNALDATE clause, leaving the server
// to assign the current time.
func (s *Session) Append(folder string, flags []string, when time.Time, body goimap.Literal) error {
	if err := s.client.Append(folder, flags, when, body); err != nil {
		return classifyProtocolError(err)
	}
	return nil
}

// StoreFlags issues STORE +FLAGS against seqset.
func (s *Session) StoreFlags(seqset *goimap.SeqSet, flags []string) error {
	storeItem := goimap.FormatFlagsOp(goimap.AddFlags, true)
	flagsIface := make([]interface{}, len(flags))
	for i, f := range flags {
		flagsIface[i] = f
	}
	ch := make(chan *goimap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- s.client.Store(seqset, storeItem, flagsIface, ch) }()
	for range ch {
	}
	if err := <-done; err != nil {
		return classifyProtocolError(err)
	}
	return nil
}

// Idle issues IMAP IDLE against the session's currently selected
// mailbox and blocks until one mailbox update arrives (pushed by the
// server, or surfaced by the periodic NOOP poll on servers without
// IDLE), the idle command fails, or ctx is cancelled, then stops idling
// and returns, leaving the connection free to accept new commands again.
// Legal only from SELECTED. Callers needing continuous notification
// call Idle again in a loop; cmd/imapmigrate-watch uses the return as
// a wake-up signal to re-run the Message Replicator.
func (s *Session) Idle(ctx context.Context) error {
	if s.state != StateSelected {
		return &Error{Kind: KindProtocolError, Err: fmt.Errorf("idle called outside SELECTED (state=%s)", s.state)}
	}

	updates := make(chan client.Update, 8)
	s.client.Updates = updates
	defer func() { s.client.Updates = nil }()

	idleClient := idle.NewClient(s.client)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- idleClient.IdleWithFallback(stop, 0) }()

	select {
	case <-ctx.Done():
		close(stop)
		<-done
		return ctx.Err()
	case <-updates:
		close(stop)
		if err := <-done; err != nil {
			return classifyProtocolError(err)
		}
		return nil
	case err := <-done:
		if err != nil {
			return classifyProtocolError(err)
		}
		return nil
	}
}

// Close issues CLOSE; legal only from SELECTED.
func (s *Session) Close() error {
	if s.state != StateSelected {
		return &Error{Kind: KindProtocolError, Err: fmt.Errorf("close called outside SELECTED (state=%s)", s.state)}
	}
	if err := s.client.Close(); err != nil {
		return classifyProtocolError(err)
	}
	s.state = StateAuthenticated
	return nil
}

// Logout issues LOGOUT; legal from CONNECTED, AUTHENTICATED, SELECTED.
func (s *Session) Logout() error {
	if s.state == StateClosed || s.state == StateLogout {
		return nil
	}
	err := s.client.Logout()
	s.state = StateClosed
	if err != nil {
		return classifyProtocolError(err)
	}
	return nil
}

func classifyProtocolError(err error) error {
	if err == nil {
		return nil
	}
	var statusErr *goimap.ErrStatusResp
	if errors.As(err, &statusErr) {
		text := statusErr.Resp.Info
		switch statusErr.Resp.Type {
		case goimap.StatusRespNo:
			return &Error{Kind: KindTaggedNo, Text: text, Err: err}
		case goimap.StatusRespBad:
			return &Error{Kind: KindTaggedBad, Text: text, Err: err}
		}
		return &Error{Kind: KindProtocolError, Text: text, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Err: err}
		}
		return &Error{Kind: KindAbort, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindAbort, Err: err}
	}
	return &Error{Kind: KindAbort, Err: err}
}

var _ Transport = (*Session)(nil)
