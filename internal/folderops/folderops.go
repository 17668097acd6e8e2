// Package folderops implements Authenticated-state mailbox management:
// LIST/LSUB, CREATE/DELETE/RENAME/SUBSCRIBE/UNSUBSCRIBE, and the one-shot
// folder discovery algorithm (spec §4.11, §2.7).
package folderops

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/hkdb/imapengine/internal/hostsession"
	"github.com/hkdb/imapengine/internal/logging"
	"github.com/rs/zerolog"
)

// Capabilities is the subset of server capabilities folderops needs, lifted
// out of the negotiated CAPABILITY set by the caller.
type Capabilities struct {
	ListExtended bool
	SpecialUse   bool
}

// Entry is one folder discovered by LIST/LSUB, with roles merged from
// whichever passes ran.
type Entry struct {
	Mailbox    string // canonical (client-facing) mailbox path
	Delim      byte
	Attrs      []string
	Subscribed bool
	SpecialUse string // "", "\Inbox", "\Sent", "\Trash", "\Drafts", "\Junk", "\Archive", "\All", "\Flagged"
}

// Ops drives folder-management commands over a shared imapclient.Client.
// mailbox-name Modified UTF-7 transcoding is handled transparently inside
// imapclient; this package only ever sees canonical UTF-8 paths.
type Ops struct {
	client *imapclient.Client
	caps   Capabilities
	log    zerolog.Logger
}

// New builds an Ops bound to client with the given negotiated capabilities.
func New(client *imapclient.Client, caps Capabilities) *Ops {
	return &Ops{client: client, caps: caps, log: logging.WithComponent("folderops")}
}

func listDataToEntry(d *imap.ListData) Entry {
	e := Entry{Mailbox: d.Mailbox, Delim: byte(d.Delim)}
	for _, a := range d.Attrs {
		e.Attrs = append(e.Attrs, string(a))
		switch a {
		case imap.MailboxAttrInbox, imap.MailboxAttrSent, imap.MailboxAttrTrash, imap.MailboxAttrDrafts,
			imap.MailboxAttrJunk, imap.MailboxAttrArchive, imap.MailboxAttrAll, imap.MailboxAttrFlagged:
			e.SpecialUse = string(a)
		}
	}
	return e
}

// List issues a plain LIST, requesting SPECIAL-USE when the server
// advertises it.
func (o *Ops) List(reference, pattern string) ([]Entry, error) {
	var opts *imap.ListOptions
	if o.caps.ListExtended && o.caps.SpecialUse {
		opts = &imap.ListOptions{ReturnSpecialUse: true}
	}
	datas, err := o.client.List(reference, pattern, opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("folderops: LIST failed: %w", err)
	}
	entries := make([]Entry, len(datas))
	for i, d := range datas {
		entries[i] = listDataToEntry(d)
	}
	return entries, nil
}

// ListSubscribed issues LIST (SUBSCRIBED) via SelectSubscribed, merging in
// the flag bits from a prior LIST pass (spec §4.11 step 2). The same command
// is sent whether or not the server advertises LIST-EXTENDED; there is no
// LSUB fallback.
func (o *Ops) ListSubscribed(reference, pattern string, listPass []Entry) ([]Entry, error) {
	opts := &imap.ListOptions{SelectSubscribed: true}
	if o.caps.ListExtended && o.caps.SpecialUse {
		opts.ReturnSpecialUse = true
	}
	datas, err := o.client.List(reference, pattern, opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("folderops: LIST (SUBSCRIBED) failed: %w", err)
	}

	byName := make(map[string]Entry, len(listPass))
	for _, e := range listPass {
		byName[e.Mailbox] = e
	}

	entries := make([]Entry, len(datas))
	for i, d := range datas {
		e := listDataToEntry(d)
		e.Subscribed = true
		if merged, ok := byName[e.Mailbox]; ok {
			if len(e.Attrs) == 0 {
				e.Attrs = merged.Attrs
			}
			if e.SpecialUse == "" {
				e.SpecialUse = merged.SpecialUse
			}
		}
		entries[i] = e
	}
	return entries, nil
}

func (o *Ops) simpleCommand(run func() error, label string) error {
	if err := run(); err != nil {
		return fmt.Errorf("folderops: %s failed: %w", label, err)
	}
	return nil
}

// Create issues CREATE for a canonical mailbox path.
func (o *Ops) Create(canonical string) error {
	return o.simpleCommand(func() error { return o.client.Create(canonical, nil).Wait() }, "CREATE")
}

// EnsureExists issues CREATE and tolerates an ALREADYEXISTS-flavored NO
// (servers vary in how they spell this; we only treat the command as fatal
// if it fails for a reason other than "already there").
func (o *Ops) EnsureExists(canonical string) error {
	err := o.Create(canonical)
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToUpper(err.Error()), "EXIST") {
		return nil
	}
	return err
}

// Delete issues DELETE for a canonical mailbox path.
func (o *Ops) Delete(canonical string) error {
	return o.simpleCommand(func() error { return o.client.Delete(canonical).Wait() }, "DELETE")
}

// Rename issues RENAME old new for canonical mailbox paths. Subscriptions
// follow the RFC 3501 recommendation: the server preserves them for the
// renamed mailbox and its children, so no separate subscribe call is made.
func (o *Ops) Rename(oldCanonical, newCanonical string) error {
	return o.simpleCommand(func() error { return o.client.Rename(oldCanonical, newCanonical).Wait() }, "RENAME")
}

// Subscribe/Unsubscribe manage the IMAP subscription list.
func (o *Ops) Subscribe(canonical string) error {
	return o.simpleCommand(func() error { return o.client.Subscribe(canonical).Wait() }, "SUBSCRIBE")
}

func (o *Ops) Unsubscribe(canonical string) error {
	return o.simpleCommand(func() error { return o.client.Unsubscribe(canonical).Wait() }, "UNSUBSCRIBE")
}

// DiscoveryOptions configures one pass of the discovery algorithm.
type DiscoveryOptions struct {
	NamespacePrefixes []string
	NamespaceDelim    byte
	UseSubscriptions  bool
	AlwaysShowInbox   bool
	DeleteToTrash     bool
	TrashPath         string
}

// DiscoveryResult is the merged set of mailboxes found by one Discover call.
type DiscoveryResult struct {
	Entries      []Entry
	TrashCreated bool
}

// Discover runs the spec §4.11 one-shot algorithm, gated by host so a
// second concurrent connection to the same host skips redundant work.
func (o *Ops) Discover(host *hostsession.Host, opts DiscoveryOptions) (*DiscoveryResult, error) {
	if !host.BeginDiscovery() {
		return nil, fmt.Errorf("folderops: discovery already in progress for this host")
	}
	defer host.EndDiscovery()

	result := &DiscoveryResult{}
	byName := map[string]Entry{}

	for _, prefix := range opts.NamespacePrefixes {
		var listed []Entry
		var err error
		if opts.UseSubscriptions {
			listed, err = o.List(prefix, prefix+"*")
			if err != nil {
				return nil, fmt.Errorf("folderops: list pass: %w", err)
			}
			listed, err = o.ListSubscribed(prefix, prefix+"*", listed)
			if err != nil {
				return nil, fmt.Errorf("folderops: subscribed list pass: %w", err)
			}
		} else {
			listed, err = o.List(prefix, prefix+"%")
			if err != nil {
				return nil, fmt.Errorf("folderops: list pass: %w", err)
			}
		}

		for _, e := range listed {
			byName[e.Mailbox] = e
		}
	}

	if opts.AlwaysShowInbox {
		if _, ok := byName["INBOX"]; !ok {
			inbox, err := o.List("", "INBOX")
			if err != nil {
				return nil, fmt.Errorf("folderops: listing INBOX: %w", err)
			}
			for _, e := range inbox {
				byName[e.Mailbox] = e
			}
		}
	}

	if opts.DeleteToTrash && opts.TrashPath != "" {
		if _, ok := byName[opts.TrashPath]; !ok {
			found, err := o.List("", opts.TrashPath)
			if err != nil {
				return nil, fmt.Errorf("folderops: locating trash: %w", err)
			}
			if len(found) == 0 {
				if err := o.EnsureExists(opts.TrashPath); err != nil {
					return nil, fmt.Errorf("folderops: creating trash: %w", err)
				}
				found, err = o.List("", opts.TrashPath)
				if err != nil {
					return nil, fmt.Errorf("folderops: relisting trash after create: %w", err)
				}
				result.TrashCreated = true
			}
			for _, e := range found {
				byName[e.Mailbox] = e
			}
		}
		if e, ok := byName[opts.TrashPath]; ok {
			host.SetTrashExists(true)
			e.SpecialUse = `\Trash`
			byName[opts.TrashPath] = e
		}
	}

	for _, e := range byName {
		result.Entries = append(result.Entries, e)
	}
	return result, nil
}
