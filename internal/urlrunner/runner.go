package urlrunner

import (
	"fmt"
	"sync/atomic"

	"github.com/hkdb/imapengine/internal/fetchcache"
	"github.com/hkdb/imapengine/internal/folderops"
	"github.com/hkdb/imapengine/internal/hostsession"
	"github.com/hkdb/imapengine/internal/logging"
	"github.com/hkdb/imapengine/internal/mailbox"
	"github.com/hkdb/imapengine/internal/sinks"
	"github.com/rs/zerolog"
)

// OfflineStore is the local-message-store collaborator try_run_locally and
// the offline-copy verbs consult; supplied by whatever embeds the engine.
type OfflineStore interface {
	HasOffline(mailbox string, uid uint32) bool
	ReadOffline(mailbox string, uid uint32) ([]byte, error)
	WriteOffline(mailbox string, uid uint32, data []byte) error
}

// Runner dispatches parsed URLs against a single connection's mailbox and
// folderops operations (spec §4.5).
type Runner struct {
	mbox    *mailbox.Mailbox
	folders *folderops.Ops
	cache   *fetchcache.Store
	host    *hostsession.Host
	offline OfflineStore
	log     zerolog.Logger

	interrupted atomic.Bool
}

// New builds a Runner. cache and offline may be nil. The Runner keeps cache
// but does not read or write it; offline is used by tryRunLocally and the
// offline-copy verbs.
func New(mbox *mailbox.Mailbox, folders *folderops.Ops, cache *fetchcache.Store, host *hostsession.Host, offline OfflineStore) *Runner {
	return &Runner{mbox: mbox, folders: folders, cache: cache, host: host, offline: offline, log: logging.WithComponent("urlrunner")}
}

// Interrupt sets the pseudo-interrupt flag. Idempotent. Run clears the flag
// when it starts, and the flag is read only when the fetch of the next UID
// begins (interruptedChan), so it stops a multi-message fetch or offline
// copy before its next message; a body fetch already in progress is not
// stopped. No cache entry is involved.
func (r *Runner) Interrupt() { r.interrupted.Store(true) }

func (r *Runner) clearInterrupt() { r.interrupted.Store(false) }

func (r *Runner) interruptedChan() <-chan struct{} {
	ch := make(chan struct{})
	if r.interrupted.Load() {
		close(ch)
	}
	return ch
}

// Run executes one parsed URL to completion, emitting OnStartRequest/
// OnDataAvailable/OnStopRequest through att.Message regardless of whether
// the URL was actually served over the wire (spec §4.5 step 2).
func (r *Runner) Run(u *URL, att sinks.Attachment) error {
	r.clearInterrupt()

	if served, err := r.tryRunLocally(u, att); served {
		return err
	}

	if att.Server != nil {
		defer att.Server.RunNextQueuedURL()
	}

	if err := r.ensureSelected(u); err != nil {
		return err
	}

	return r.dispatch(u, att)
}

// tryRunLocally serves single-message offline-fetch and display URLs
// straight from local storage without touching the connection (spec §4.5
// step 1).
func (r *Runner) tryRunLocally(u *URL, att sinks.Attachment) (served bool, err error) {
	if r.offline == nil || u.IDs == nil || len(u.IDs.UIDs) != 1 {
		return false, nil
	}
	switch u.Verb {
	case VerbFetch, VerbPreviewBody:
		uid := u.IDs.UIDs[0]
		if !r.offline.HasOffline(u.Mailbox, uid) {
			return false, nil
		}
		data, err := r.offline.ReadOffline(u.Mailbox, uid)
		if att.Message != nil {
			att.Message.OnStartRequest()
		}
		if err != nil {
			if att.Message != nil {
				att.Message.OnStopRequest(err)
			}
			return true, err
		}
		if att.Message != nil {
			att.Message.OnDataAvailable(data)
			att.Message.OnStopRequest(nil)
		}
		return true, nil
	default:
		return false, nil
	}
}

// ensureSelected implements spec §4.5 step 3: close/reselect only when
// necessary.
func (r *Runner) ensureSelected(u *URL) error {
	if u.Mailbox == "" || !mailboxScoped(u.Verb) {
		return nil
	}
	if r.mbox.Name == u.Mailbox {
		return nil
	}
	if r.mbox.Name != "" {
		if err := r.mbox.Close(); err != nil {
			return fmt.Errorf("urlrunner: closing %q before reselect: %w", r.mbox.Name, err)
		}
	}
	liteSelect := u.Verb == VerbLiteSelect
	_, err := r.mbox.Select(u.Mailbox, liteSelect)
	return err
}

func mailboxScoped(v Verb) bool {
	switch v {
	// VerbAppendMsgFromFile/VerbAppendDraftFromFile/VerbOfflineToOnlineCopy
	// are deliberately absent: APPEND targets its destination mailbox
	// directly in the command line and neither requires nor benefits from
	// a prior SELECT/EXAMINE.
	case VerbFetch, VerbHeader, VerbCustomFetch, VerbPreviewBody, VerbDeleteMsg, VerbUIDExpunge,
		VerbDeleteAllMsgs, VerbAddMsgFlags, VerbSubtractMsgFlags, VerbSetMsgFlags, VerbOnlineCopy,
		VerbOnlineMove, VerbOnlineToOfflineCopy, VerbOnlineToOfflineMove, VerbSearch, VerbSelect,
		VerbLiteSelect, VerbSelectNoop, VerbExpunge, VerbStoreCustomKeywords, VerbMsgCommand:
		return true
	default:
		return false
	}
}

func (r *Runner) dispatch(u *URL, att sinks.Attachment) error {
	switch u.Verb {
	case VerbFetch, VerbPreviewBody, VerbHeader, VerbCustomFetch:
		return r.runFetch(u, att)
	case VerbAddMsgFlags:
		return r.mbox.Store(u.IDs.UIDs, mailbox.StoreAdd, []string{`\Seen`}, true)
	case VerbSubtractMsgFlags:
		return r.mbox.Store(u.IDs.UIDs, mailbox.StoreRemove, []string{`\Seen`}, true)
	case VerbSetMsgFlags:
		return r.mbox.Store(u.IDs.UIDs, mailbox.StoreSet, []string{`\Seen`}, true)
	case VerbDeleteMsg:
		return r.mbox.Store(u.IDs.UIDs, mailbox.StoreAdd, []string{`\Deleted`}, true)
	case VerbUIDExpunge:
		return r.mbox.UIDExpunge(u.IDs.UIDs)
	case VerbExpunge, VerbDeleteAllMsgs:
		_, err := r.mbox.Expunge()
		return err
	case VerbOnlineCopy:
		_, err := r.mbox.Copy(u.IDs.UIDs, u.Mailbox)
		return err
	case VerbOnlineMove:
		_, err := r.mbox.Move(u.IDs.UIDs, u.Mailbox)
		return err
	case VerbSearch:
		_, err := r.mbox.Search("ALL")
		return err
	case VerbSelect, VerbLiteSelect, VerbSelectNoop:
		if u.Verb == VerbSelectNoop {
			return r.mbox.Noop()
		}
		return nil // ensureSelected already performed the SELECT/EXAMINE
	case VerbCreate:
		return r.folders.Create(u.Mailbox)
	case VerbEnsureExists:
		return r.folders.EnsureExists(u.Mailbox)
	case VerbDelete, VerbDeleteFolder:
		return r.folders.Delete(u.Mailbox)
	case VerbRename, VerbMoveFolderHierarchy:
		return fmt.Errorf("urlrunner: rename requires an explicit destination, use Runner.Rename")
	case VerbSubscribe:
		return r.folders.Subscribe(u.Mailbox)
	case VerbUnsubscribe:
		return r.folders.Unsubscribe(u.Mailbox)
	case VerbRefreshACL:
		return fmt.Errorf("urlrunner: refreshacl requires GETACL/MYRIGHTS, unsupported since the imapclient transport migration")
	case VerbListFolder, VerbList:
		_, err := r.folders.List("", u.Mailbox)
		return err
	case VerbDiscoverChildren, VerbDiscoverAllBoxes, VerbDiscoverAllAndSubscribedBoxes:
		_, err := r.folders.Discover(r.host, folderops.DiscoveryOptions{
			NamespacePrefixes: []string{""},
			NamespaceDelim:    u.Delim,
			UseSubscriptions:  u.Verb == VerbDiscoverAllAndSubscribedBoxes,
		})
		return err
	case VerbFolderStatus:
		_, err := r.mbox.Status(u.Mailbox, []string{"MESSAGES", "UNSEEN", "UIDNEXT", "UIDVALIDITY"})
		return err
	case VerbVerifyLogon:
		return nil // the connection having reached this point already proves the login
	case VerbAppendMsgFromFile, VerbAppendDraftFromFile:
		_, err := r.mbox.Append(u.Mailbox, att.AppendData, att.AppendFlags)
		return err
	case VerbStoreCustomKeywords:
		return r.mbox.Store(u.IDs.UIDs, mailbox.StoreAdd, u.Keywords, true)
	case VerbOnlineToOfflineCopy:
		return r.copyOnlineToOffline(u)
	case VerbOnlineToOfflineMove:
		if err := r.copyOnlineToOffline(u); err != nil {
			return err
		}
		return r.mbox.Store(u.IDs.UIDs, mailbox.StoreAdd, []string{`\Deleted`}, true)
	case VerbOfflineToOnlineCopy:
		return r.copyOfflineToOnline(u)
	default:
		return fmt.Errorf("urlrunner: verb %q recognized but not handled by this runner", u.Verb)
	}
}

// bufferSink collects every OnDataAvailable chunk, used where a verb needs
// the whole message body in memory (writing it to local offline storage)
// rather than streaming it straight to a caller-supplied sink.
type bufferSink struct {
	data []byte
	err  error
}

func (b *bufferSink) OnStartRequest()          {}
func (b *bufferSink) OnDataAvailable(c []byte) { b.data = append(b.data, c...) }
func (b *bufferSink) OnStopRequest(err error)   { b.err = err }

// copyOnlineToOffline fetches each requested UID in full and writes it into
// local offline storage (spec §6.1 onlinetoofflinecopy/onlinetoofflinemove).
func (r *Runner) copyOnlineToOffline(u *URL) error {
	if r.offline == nil {
		return fmt.Errorf("urlrunner: onlinetoofflinecopy requires an offline store")
	}
	if u.IDs == nil || len(u.IDs.UIDs) == 0 {
		return fmt.Errorf("urlrunner: onlinetoofflinecopy URL has no message ids")
	}
	for _, uid := range u.IDs.UIDs {
		buf := &bufferSink{}
		if err := r.mbox.FetchChunked(uid, false, buf, r.interruptedChan()); err != nil {
			return err
		}
		if buf.err != nil {
			return buf.err
		}
		if err := r.offline.WriteOffline(u.Mailbox, uid, buf.data); err != nil {
			return fmt.Errorf("urlrunner: writing offline copy of uid %d: %w", uid, err)
		}
	}
	return nil
}

// copyOfflineToOnline uploads each requested UID's locally-stored bytes to
// the destination mailbox via APPEND (spec §6.1 offlinetoonlinecopy).
func (r *Runner) copyOfflineToOnline(u *URL) error {
	if r.offline == nil {
		return fmt.Errorf("urlrunner: offlinetoonlinecopy requires an offline store")
	}
	if u.IDs == nil || len(u.IDs.UIDs) == 0 {
		return fmt.Errorf("urlrunner: offlinetoonlinecopy URL has no message ids")
	}
	for _, uid := range u.IDs.UIDs {
		data, err := r.offline.ReadOffline(u.Mailbox, uid)
		if err != nil {
			return fmt.Errorf("urlrunner: reading offline copy of uid %d: %w", uid, err)
		}
		if _, err := r.mbox.Append(u.Mailbox, data, nil); err != nil {
			return fmt.Errorf("urlrunner: appending uid %d to %q: %w", uid, u.Mailbox, err)
		}
	}
	return nil
}

// Rename is a separate entry point (rather than a Verb-only dispatch path)
// because RENAME needs a second mailbox argument the single-mailbox URL
// field cannot carry; the caller supplies it out of band.
func (r *Runner) Rename(oldCanonical, newCanonical string) error {
	return r.folders.Rename(oldCanonical, newCanonical)
}

// runFetch serves a message body/header fetch via the chunked FETCH driver,
// streaming from the server straight to att.Message; the display cache is
// neither consulted nor written.
func (r *Runner) runFetch(u *URL, att sinks.Attachment) error {
	if u.IDs == nil || len(u.IDs.UIDs) == 0 {
		return fmt.Errorf("urlrunner: fetch URL has no message ids")
	}
	if att.Message == nil {
		return fmt.Errorf("urlrunner: fetch URL requires a message sink")
	}
	peek := u.Verb == VerbPreviewBody || u.Verb == VerbHeader
	for _, uid := range u.IDs.UIDs {
		if err := r.mbox.FetchChunked(uid, peek, att.Message, r.interruptedChan()); err != nil {
			return err
		}
	}
	return nil
}
