// imapclient-demo connects to a single IMAP account, selects INBOX, and
// prints its state, exercising the engine package's connect/authenticate/
// select/shutdown path end to end.
//
// Build:
//
//	go build -o imapclient-demo ./cmd/imapclient-demo
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/hkdb/imapengine/internal/engine"
	"github.com/hkdb/imapengine/internal/hostsession"
	"github.com/hkdb/imapengine/internal/secrets"
	"github.com/hkdb/imapengine/internal/sinks"
	"github.com/hkdb/imapengine/internal/urlrunner"
)

func main() {
	addr := flag.String("addr", "", "host:port of the IMAP server")
	user := flag.String("user", "", "account username")
	account := flag.String("account", "", "keyring account id (defaults to -user)")
	implicitTLS := flag.Bool("tls", true, "use implicit TLS on connect")
	startTLS := flag.Bool("starttls", false, "use STARTTLS instead of implicit TLS")
	flag.Parse()

	if *addr == "" || *user == "" {
		fmt.Fprintln(os.Stderr, "usage: imapclient-demo -addr host:993 -user you@example.com")
		os.Exit(2)
	}
	accountID := *account
	if accountID == "" {
		accountID = *user
	}

	pw := secrets.NewKeyringPasswordSource(secrets.NewStore(), accountID, *user)

	cfg := engine.Config{
		Addr:      *addr,
		TLS:       *implicitTLS && !*startTLS,
		TLSConfig: &tls.Config{},
		StartTLS:  *startTLS,
		Timeouts:  engine.DefaultTimeouts(),
	}

	registry := hostsession.NewRegistry()
	host := registry.Get(*user + "@" + *addr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := engine.Dial(ctx, cfg, host, pw, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.TellThreadToDie(true)

	done := make(chan struct{})
	u := &urlrunner.URL{Verb: urlrunner.VerbSelectNoop, Mailbox: "INBOX"}
	conn.Enqueue(u, sinks.Attachment{Server: &printingServerSink{done: done}})

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		fmt.Fprintln(os.Stderr, "timed out waiting for SELECT")
		os.Exit(1)
	}

	fmt.Printf("selected %q: %d cached flag records, highest UID %d\n",
		conn.Mailbox.Name, conn.Mailbox.Cache.Len(), conn.Mailbox.Cache.HighestUID)
}

// printingServerSink closes done once the enqueued URL's server-level
// lifecycle notification arrives, standing in for whatever UI or sync
// daemon would otherwise drive the next queued URL.
type printingServerSink struct {
	done chan struct{}
}

func (s *printingServerSink) OnConnectionStateChanged(authenticated, selected bool) {}

func (s *printingServerSink) RunNextQueuedURL() {
	close(s.done)
}
