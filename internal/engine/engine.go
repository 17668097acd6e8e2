// Package engine owns one IMAP connection's whole lifecycle: dial,
// greeting, STARTTLS, authentication, post-auth feature negotiation, a
// dedicated worker goroutine that runs queued URLs and idles between them,
// and shutdown (spec §3.3, §5), all layered on top of imapclient.Client.
package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/hkdb/imapengine/internal/auth"
	"github.com/hkdb/imapengine/internal/fetchcache"
	"github.com/hkdb/imapengine/internal/folderops"
	"github.com/hkdb/imapengine/internal/hostsession"
	"github.com/hkdb/imapengine/internal/logging"
	"github.com/hkdb/imapengine/internal/mailbox"
	"github.com/hkdb/imapengine/internal/sinks"
	"github.com/hkdb/imapengine/internal/urlrunner"
	"github.com/rs/zerolog"
)

// Timeouts mirror spec §5's timeout table. ResponseTimeout is the one
// user-configured base; the rest are derived.
type Timeouts struct {
	ResponseTimeout time.Duration
}

func (t Timeouts) Connect() time.Duration   { return t.ResponseTimeout + 60*time.Second }
func (t Timeouts) ReadWrite() time.Duration { return t.ResponseTimeout }
func (t Timeouts) Append() time.Duration    { return t.ResponseTimeout / 5 }
func (t Timeouts) Logout() time.Duration    { return 5 * time.Second }

// LargeSetReadWrite stretches ReadWrite for large move/copy sets: +1s per
// 40 messages (spec §5).
func (t Timeouts) LargeSetReadWrite(messageCount int) time.Duration {
	extra := time.Duration(messageCount/40) * time.Second
	return t.ReadWrite() + extra
}

// DefaultTimeouts mirrors the teacher's Default*Config constructor
// convention, with a 60s base response timeout.
func DefaultTimeouts() Timeouts { return Timeouts{ResponseTimeout: 60 * time.Second} }

// Config bundles everything needed to bring up one connection.
type Config struct {
	Addr      string // host:port
	TLS       bool   // implicit TLS on connect (vs STARTTLS)
	TLSConfig *tls.Config
	StartTLS  bool
	Timeouts  Timeouts
	AuthPref  auth.Preference
	CacheDir  string // fetchcache root handed to the Runner (which does not use it); empty opens no store
}

// Connection is one live IMAP session: an imapclient.Client transport +
// authenticated session + selected-mailbox operations + URL runner.
type Connection struct {
	cfg  Config
	host *hostsession.Host
	log  zerolog.Logger

	client      *imapclient.Client
	sess        *auth.Session
	idleUpdates chan mailbox.IdleUpdate

	Mailbox *mailbox.Mailbox
	Folders *folderops.Ops
	Runner  *urlrunner.Runner

	urls              chan queuedURL
	wake              chan struct{} // non-blocking "new work queued" nudge, separate from urls itself
	die               chan bool     // safeToClose
	done              chan struct{}
	quietIdleCoalesce time.Duration
}

type queuedURL struct {
	url *urlrunner.URL
	att sinks.Attachment
}

// deadlineConn applies a read/write deadline to every operation, since
// imapclient.Client has no built-in per-call timeout (spec §5 timeout
// table: the engine, not the transport, owns these deadlines).
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (d *deadlineConn) Read(p []byte) (int, error) {
	d.Conn.SetReadDeadline(time.Now().Add(d.timeout))
	return d.Conn.Read(p)
}

func (d *deadlineConn) Write(p []byte) (int, error) {
	d.Conn.SetWriteDeadline(time.Now().Add(d.timeout))
	return d.Conn.Write(p)
}

// Dial connects, performs the greeting/STARTTLS/auth/post-auth sequence,
// and starts the worker goroutine (spec §3.3 connection lifecycle, §5
// scheduling model).
func Dial(ctx context.Context, cfg Config, host *hostsession.Host, pwSource auth.PasswordSource, oauth auth.OAuth2TokenSource) (*Connection, error) {
	log := logging.WithComponent("engine")

	dialer := net.Dialer{Timeout: cfg.Timeouts.Connect()}
	raw, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("engine: dial %s: %w", cfg.Addr, err)
	}
	if cfg.TLS {
		raw = tls.Client(raw, cfg.TLSConfig)
	}
	wrapped := &deadlineConn{Conn: raw, timeout: cfg.Timeouts.ReadWrite()}

	idleUpdates := make(chan mailbox.IdleUpdate, 16)
	client := imapclient.New(wrapped, &imapclient.Options{
		TLSConfig:             cfg.TLSConfig,
		UnilateralDataHandler: idleHandler(idleUpdates),
	})
	sess := auth.NewSession(client, cfg.StartTLS, cfg.TLSConfig)

	c := &Connection{
		cfg: cfg, host: host, log: log,
		client: client, sess: sess, idleUpdates: idleUpdates,
		urls:              make(chan queuedURL, 64),
		wake:              make(chan struct{}, 1),
		die:               make(chan bool, 1),
		done:              make(chan struct{}),
		quietIdleCoalesce: 2 * time.Second,
	}

	if err := c.handshake(pwSource, oauth); err != nil {
		client.Close()
		return nil, err
	}

	go c.workerLoop()
	return c, nil
}

// idleHandler translates imapclient's unilateral EXISTS/EXPUNGE callbacks
// into mailbox.IdleUpdate values, buffered so IDLE's internal coalescing
// (spec §4.9) never blocks on a slow reader.
func idleHandler(idleUpdates chan mailbox.IdleUpdate) *imapclient.UnilateralDataHandler {
	return &imapclient.UnilateralDataHandler{
		Mailbox: func(data *imapclient.UnilateralDataMailbox) {
			if data.NumMessages == nil {
				return
			}
			n := *data.NumMessages
			select {
			case idleUpdates <- mailbox.IdleUpdate{Exists: &n}:
			default:
			}
		},
		Expunge: func(seqNum uint32) {
			n := seqNum
			select {
			case idleUpdates <- mailbox.IdleUpdate{ExpungedSeq: &n}:
			default:
			}
		},
	}
}

func (c *Connection) handshake(pwSource auth.PasswordSource, oauth auth.OAuth2TokenSource) error {
	kind, _, err := c.sess.ReadGreeting()
	if err != nil {
		return fmt.Errorf("engine: reading greeting: %w", err)
	}

	if kind != auth.GreetingPreAuth {
		if c.cfg.StartTLS {
			if err := c.sess.StartTLS(hostOf(c.cfg.Addr)); err != nil {
				return fmt.Errorf("engine: STARTTLS: %w", err)
			}
		}
		if _, err := c.sess.Login(c.cfg.AuthPref, pwSource, oauth); err != nil {
			return fmt.Errorf("engine: authentication failed: %w", err)
		}
		c.host.SetPasswordVerified(true)
		if err := c.sess.RefreshCapabilities(); err != nil {
			return fmt.Errorf("engine: refreshing capabilities after login: %w", err)
		}
	}

	_, _, _, namespaceCached := c.host.Namespaces()
	postAuth, err := c.sess.RunPostAuth(auth.PostAuthOptions{
		EnableCondStore: true,
		EnableUTF8:      true,
		NamespaceCached: namespaceCached,
	})
	if err != nil {
		return fmt.Errorf("engine: post-auth feature negotiation: %w", err)
	}
	if postAuth != nil && postAuth.Namespace != nil {
		c.host.SetNamespaces(postAuth.Namespace.Personal, postAuth.Namespace.Other, postAuth.Namespace.Shared)
	}

	uidPlus := c.sess.Capabilities["UIDPLUS"]
	condStore := c.sess.Capabilities["CONDSTORE"]
	moveCap := c.sess.Capabilities["MOVE"]
	c.Mailbox = mailbox.New(c.client, uidPlus, condStore, moveCap, c.idleUpdates)
	c.Folders = folderops.New(c.client, folderops.Capabilities{
		ListExtended: c.sess.Capabilities["LIST-EXTENDED"],
		SpecialUse:   c.sess.Capabilities["SPECIAL-USE"],
	})

	var cache *fetchcache.Store
	if c.cfg.CacheDir != "" {
		cache, err = fetchcache.NewStore(c.cfg.CacheDir)
		if err != nil {
			return fmt.Errorf("engine: opening fetch cache: %w", err)
		}
	}
	c.Runner = urlrunner.New(c.Mailbox, c.Folders, cache, c.host, nil)
	return nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Enqueue schedules a URL to run on this connection's worker goroutine.
func (c *Connection) Enqueue(u *urlrunner.URL, att sinks.Attachment) {
	select {
	case c.urls <- queuedURL{url: u, att: att}:
	case <-c.done:
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// workerLoop is the dedicated per-connection goroutine (spec §5): it waits
// on the URL-ready channel, IDLE-coalesces between URLs, and exits on
// TellThreadToDie.
func (c *Connection) workerLoop() {
	defer close(c.done)
	for {
		select {
		case safeToClose := <-c.die:
			c.shutdown(safeToClose)
			return
		case q := <-c.urls:
			if err := c.Runner.Run(q.url, q.att); err != nil {
				c.log.Warn().Err(err).Str("url", q.url.Format()).Msg("url run failed")
			}
		case <-time.After(c.quietIdleCoalesce):
			c.idleBetweenURLs()
		}
	}
}

// idleBetweenURLs enters IDLE (if eligible) in a background goroutine so
// that a wake nudge (new URL enqueued, or TellThreadToDie) can break it: the
// goroutine gets DONE sent immediately, but since the server must still
// answer with a tagged response, a slow or vanished server is bounded by the
// logout timeout before the connection is forced closed (spec §4.9 entry
// conditions, §5 suspension point 3, §5 timeout table).
func (c *Connection) idleBetweenURLs() {
	if c.Mailbox == nil || c.Mailbox.Name == "" || c.Mailbox.IdleDisabled() {
		return
	}
	if !c.sess.Capabilities["IDLE"] {
		return
	}

	stop := make(chan struct{})
	idleDone := make(chan struct{})
	go func() {
		defer close(idleDone)
		_ = c.Mailbox.Idle(c.quietIdleCoalesce, nil, stop)
	}()

	select {
	case <-idleDone:
		return
	case <-c.wake:
		close(stop)
	}

	select {
	case <-idleDone:
	case <-time.After(c.cfg.Timeouts.Logout()):
		c.client.Close()
		<-idleDone
	}
}

// TellThreadToDie is the only supported shutdown path (spec §5). If
// safeToClose, the worker attempts CLOSE (whenever a mailbox is selected; no
// delete model is consulted) and LOGOUT, both bounded by the Logout timeout,
// before dropping the socket.
func (c *Connection) TellThreadToDie(safeToClose bool) {
	select {
	case c.die <- safeToClose:
	default:
	}
	// Unblock a worker that is currently parked in idleBetweenURLs (one of
	// the five suspension points) so it notices c.die on its next iteration.
	select {
	case c.wake <- struct{}{}:
	default:
	}
	<-c.done
}

func (c *Connection) shutdown(safeToClose bool) {
	if safeToClose {
		finished := make(chan struct{})
		go func() {
			defer close(finished)
			if c.Mailbox != nil && c.Mailbox.Name != "" {
				_ = c.Mailbox.Close()
			}
			_ = c.client.Logout().Wait()
		}()
		select {
		case <-finished:
		case <-time.After(c.cfg.Timeouts.Logout()):
		}
	}
	c.client.Close()
}
