package engine

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/hkdb/imapengine/internal/auth"
	"github.com/hkdb/imapengine/internal/hostsession"
	"github.com/hkdb/imapengine/internal/mailbox"
	"github.com/hkdb/imapengine/internal/sinks"
	"github.com/hkdb/imapengine/internal/urlrunner"
)

type fakePasswordSource struct{ user, pass string }

func (f fakePasswordSource) Username() (string, error)       { return f.user, nil }
func (f fakePasswordSource) AskPassword(bool) (string, error) { return f.pass, nil }

// newTestConnection builds a Connection whose transport is one end of a
// net.Pipe, driving the other end through a scripted greeting, LOGIN and
// post-auth sequence so Dial's handshake completes without a real server.
func newTestConnection(t *testing.T) (*Connection, *bufio.Reader, net.Conn, func()) {
	t.Helper()
	c1, c2 := net.Pipe()

	registry := hostsession.NewRegistry()
	host := registry.Get("u@h")

	idleUpdates := make(chan mailbox.IdleUpdate, 16)
	client := imapclient.New(c1, &imapclient.Options{
		UnilateralDataHandler: idleHandler(idleUpdates),
	})

	c := &Connection{
		cfg:         Config{Timeouts: DefaultTimeouts(), AuthPref: auth.PrefAny},
		host:        host,
		client:      client,
		idleUpdates: idleUpdates,
	}
	c.sess = auth.NewSession(client, false, nil)
	c.urls = make(chan queuedURL, 64)
	c.wake = make(chan struct{}, 1)
	c.die = make(chan bool, 1)
	c.done = make(chan struct{})
	c.quietIdleCoalesce = 50 * time.Millisecond

	server := bufio.NewReader(c2)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		writeLine(t, c2, "* OK ready")
		tag := readTag(t, server) // LOGIN
		writeLine(t, c2, tag+" OK LOGIN completed")
		tag = readTag(t, server) // CAPABILITY refresh
		writeLine(t, c2, "* CAPABILITY IMAP4rev1 IDLE UIDPLUS MOVE NAMESPACE")
		writeLine(t, c2, tag+" OK CAPABILITY completed")
		tag = readTag(t, server) // NAMESPACE (no CONDSTORE/UTF8=ACCEPT advertised, ENABLE skipped)
		writeLine(t, c2, `* NAMESPACE (("" "/")) NIL NIL`)
		writeLine(t, c2, tag+" OK NAMESPACE completed")
	}()

	if err := c.handshake(fakePasswordSource{user: "u", pass: "p"}, nil); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	<-serverDone

	cleanup := func() { client.Close(); c1.Close(); c2.Close() }
	return c, server, c2, cleanup
}

func readTag(t *testing.T, server *bufio.Reader) string {
	t.Helper()
	line, err := server.ReadString('\n')
	if err != nil {
		t.Fatalf("server ReadString: %v", err)
	}
	for i, ch := range line {
		if ch == ' ' {
			return line[:i]
		}
	}
	return line
}

func writeLine(t *testing.T, w net.Conn, s string) {
	t.Helper()
	if _, err := w.Write([]byte(s + "\r\n")); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func TestHandshakeNegotiatesCapabilitiesAndPostAuth(t *testing.T) {
	c, _, _, cleanup := newTestConnection(t)
	defer cleanup()

	if !c.Mailbox.UIDPlus || !c.Mailbox.MoveCap {
		t.Fatalf("expected UIDPLUS and MOVE capabilities wired onto Mailbox, got %+v", c.Mailbox)
	}
	if !c.sess.Capabilities["IDLE"] {
		t.Fatal("expected IDLE capability recorded")
	}
}

func TestTellThreadToDieDropsSocketWhenNotSafe(t *testing.T) {
	c, _, _, cleanup := newTestConnection(t)
	defer cleanup()
	go c.workerLoop()

	c.TellThreadToDie(false)

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("workerLoop did not exit after TellThreadToDie")
	}
}

func TestTellThreadToDieLogsOutWhenSafe(t *testing.T) {
	c, server, w, cleanup := newTestConnection(t)
	defer cleanup()
	go c.workerLoop()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		tag := readTag(t, server)
		writeLine(t, w, tag+" OK LOGOUT completed")
	}()

	c.TellThreadToDie(true)
	<-serverDone

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("workerLoop did not exit after TellThreadToDie")
	}
}

func TestEnqueueRunsURLOnWorkerLoop(t *testing.T) {
	c, server, w, cleanup := newTestConnection(t)
	defer cleanup()

	fo := c.Folders
	mb := c.Mailbox
	c.Runner = urlrunner.New(mb, fo, nil, c.host, nil)
	// Keep this test focused on URL dispatch: disable IDLE so the worker
	// loop's between-URLs idle path (exercised separately in the mailbox
	// package's own tests) never fires here.
	c.sess.Capabilities["IDLE"] = false
	go c.workerLoop()
	defer c.TellThreadToDie(false)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		tag := readTag(t, server) // SELECT
		writeLine(t, w, "* 3 EXISTS")
		writeLine(t, w, tag+" OK [READ-WRITE] SELECT completed")
		tag = readTag(t, server) // NOOP
		writeLine(t, w, tag+" OK NOOP completed")
	}()

	u := &urlrunner.URL{Verb: urlrunner.VerbSelectNoop, Mailbox: "INBOX"}
	c.Enqueue(u, sinks.Attachment{})
	<-serverDone

	deadline := time.After(time.Second)
	for mb.Name != "INBOX" {
		select {
		case <-deadline:
			t.Fatalf("mailbox was never selected, Name=%q", mb.Name)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
