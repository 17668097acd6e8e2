package urlrunner

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/hkdb/imapengine/internal/folderops"
	"github.com/hkdb/imapengine/internal/hostsession"
	"github.com/hkdb/imapengine/internal/mailbox"
	"github.com/hkdb/imapengine/internal/sinks"
)

type fakeOffline struct {
	data map[string][]byte
}

func (f *fakeOffline) key(mbox string, uid uint32) string { return fmt.Sprintf("%s/%d", mbox, uid) }

func (f *fakeOffline) HasOffline(mbox string, uid uint32) bool {
	_, ok := f.data[f.key(mbox, uid)]
	return ok
}

func (f *fakeOffline) ReadOffline(mbox string, uid uint32) ([]byte, error) {
	return f.data[f.key(mbox, uid)], nil
}

func (f *fakeOffline) WriteOffline(mbox string, uid uint32, data []byte) error {
	f.data[f.key(mbox, uid)] = data
	return nil
}

type fakeMessageSink struct {
	started bool
	chunks  [][]byte
	stopErr error
	stopped bool
}

func (s *fakeMessageSink) OnStartRequest()          { s.started = true }
func (s *fakeMessageSink) OnDataAvailable(b []byte) { s.chunks = append(s.chunks, append([]byte(nil), b...)) }
func (s *fakeMessageSink) OnStopRequest(err error)  { s.stopped = true; s.stopErr = err }

func newTestRunner(t *testing.T) (*Runner, *bufio.Reader, net.Conn, func()) {
	t.Helper()
	c1, c2 := net.Pipe()
	client := imapclient.New(c1, nil)
	mb := mailbox.New(client, true, false, true, make(chan mailbox.IdleUpdate, 16))
	fo := folderops.New(client, folderops.Capabilities{})
	registry := hostsession.NewRegistry()
	host := registry.Get("u@h")
	r := New(mb, fo, nil, host, &fakeOffline{data: map[string][]byte{}})
	server := bufio.NewReader(c2)
	cleanup := func() { client.Close(); c1.Close(); c2.Close() }
	return r, server, c2, cleanup
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

func TestTryRunLocallyServesOfflineFetchWithoutTouchingConnection(t *testing.T) {
	r, _, _, cleanup := newTestRunner(t)
	defer cleanup()

	off := r.offline.(*fakeOffline)
	off.data["INBOX/7"] = []byte("hello offline")

	u := &URL{Verb: VerbFetch, Mailbox: "INBOX", IDs: &MessageIDList{UseUID: true, UIDs: []uint32{7}}}
	sink := &fakeMessageSink{}
	err := r.Run(u, sinks.Attachment{Message: sink})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !sink.started || !sink.stopped {
		t.Fatal("expected sink lifecycle to run")
	}
	if len(sink.chunks) != 1 || string(sink.chunks[0]) != "hello offline" {
		t.Fatalf("chunks = %v", sink.chunks)
	}
}

func TestRunSelectsMailboxBeforeDispatch(t *testing.T) {
	r, server, w, cleanup := newTestRunner(t)
	defer cleanup()

	done := make(chan struct{})
	go func() {
		defer close(done)
		tag := readTag(t, server)
		writeLine(t, w, "* 5 EXISTS")
		writeLine(t, w, tag+" OK SELECT completed")
		tag = readTag(t, server)
		writeLine(t, w, tag+" OK NOOP completed")
	}()

	u := &URL{Verb: VerbSelectNoop, Mailbox: "INBOX"}
	err := r.Run(u, sinks.Attachment{})
	<-done
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if r.mbox.Name != "INBOX" {
		t.Errorf("mbox.Name = %q, want INBOX", r.mbox.Name)
	}
}

func TestAppendMsgFromFileSendsLiteral(t *testing.T) {
	r, server, w, cleanup := newTestRunner(t)
	defer cleanup()

	done := make(chan struct{})
	go func() {
		defer close(done)
		tag := readTag(t, server)
		writeLine(t, w, "+ ok")
		buf := make([]byte, 5)
		if _, err := io.ReadFull(server, buf); err != nil {
			t.Errorf("reading literal: %v", err)
			return
		}
		if _, err := server.ReadString('\n'); err != nil {
			t.Errorf("reading trailing CRLF: %v", err)
			return
		}
		writeLine(t, w, tag+" OK APPEND completed")
	}()

	u := &URL{Verb: VerbAppendMsgFromFile, Mailbox: "Drafts"}
	err := r.Run(u, sinks.Attachment{AppendData: []byte("hello")})
	<-done
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
}

func TestOnlineToOfflineCopyWritesOfflineStore(t *testing.T) {
	r, server, w, cleanup := newTestRunner(t)
	defer cleanup()

	done := make(chan struct{})
	go func() {
		defer close(done)
		tag := readTag(t, server) // SELECT
		writeLine(t, w, "* 1 EXISTS")
		writeLine(t, w, tag+" OK SELECT completed")
		tag = readTag(t, server) // UID FETCH (RFC822.SIZE)
		writeLine(t, w, "* 1 FETCH (UID 9 RFC822.SIZE 5)")
		writeLine(t, w, tag+" OK FETCH completed")
		tag = readTag(t, server) // UID FETCH (UID BODY[]<0.5>)
		if _, err := w.Write([]byte("* 1 FETCH (UID 9 BODY[] {5}\r\n")); err != nil {
			t.Errorf("server write: %v", err)
			return
		}
		if _, err := w.Write([]byte("world")); err != nil {
			t.Errorf("server write: %v", err)
			return
		}
		if _, err := w.Write([]byte(")\r\n")); err != nil {
			t.Errorf("server write: %v", err)
			return
		}
		writeLine(t, w, tag+" OK FETCH completed")
	}()

	u := &URL{Verb: VerbOnlineToOfflineCopy, Mailbox: "INBOX", IDs: &MessageIDList{UseUID: true, UIDs: []uint32{9}}}
	err := r.Run(u, sinks.Attachment{})
	<-done
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	off := r.offline.(*fakeOffline)
	if string(off.data["INBOX/9"]) != "world" {
		t.Fatalf("offline data = %q", off.data["INBOX/9"])
	}
}

func TestInterruptAbortsChunkedFetch(t *testing.T) {
	r, _, _, cleanup := newTestRunner(t)
	defer cleanup()
	r.Interrupt()

	ch := r.interruptedChan()
	select {
	case <-ch:
	default:
		t.Fatal("expected interruptedChan to be immediately ready after Interrupt()")
	}
}
