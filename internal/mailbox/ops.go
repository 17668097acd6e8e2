package mailbox

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/hkdb/imapengine/internal/logging"
	"github.com/rs/zerolog"
)

// Mailbox drives every IMAP command that acts on the currently SELECTed
// mailbox, owns its flag/UID cache and chunk tuner, and applies the spec
// §4.6–§4.9 algorithms on top of go-imap/v2's imapclient.Client.
type Mailbox struct {
	client *imapclient.Client
	log    zerolog.Logger

	Name      string
	UIDPlus   bool
	CondStore bool
	MoveCap   bool // server advertises MOVE (RFC 6851)

	Cache *FlagCache
	Tuner *ChunkTuner

	// idleUpdates is fed by the imapclient.UnilateralDataHandler installed
	// once at dial time (engine.Dial); it keeps delivering mailbox events
	// whether or not IDLE is currently in flight, since the handler fires
	// from the client's background read loop regardless.
	idleUpdates  <-chan IdleUpdate
	idleDisabled bool
}

// New builds a Mailbox operating over client. idleUpdates is the channel the
// dialing code's UnilateralDataHandler feeds; it may be nil if the caller
// never needs coalesced IDLE delivery (e.g. a STATUS-only connection).
func New(client *imapclient.Client, uidPlus, condStore, moveCap bool, idleUpdates <-chan IdleUpdate) *Mailbox {
	return &Mailbox{
		client:      client,
		log:         logging.WithComponent("mailbox"),
		UIDPlus:     uidPlus,
		CondStore:   condStore,
		MoveCap:     moveCap,
		Cache:       NewFlagCache(),
		Tuner:       NewChunkTuner(),
		idleUpdates: idleUpdates,
	}
}

// SelectResult summarizes the tagged-OK side effects of a SELECT/EXAMINE.
type SelectResult struct {
	Exists         uint32
	Recent         uint32
	UIDValidity    uint32
	UIDNext        uint32
	PermanentFlags []string
	ReadOnly       bool
}

// Select issues SELECT (or, with liteSelect, EXAMINE) against mailbox and
// returns the server's reported state. It never itself runs the resync
// decision tree; callers combine this with Cache and DecideResyncStrategy.
func (m *Mailbox) Select(mailbox string, liteSelect bool) (*SelectResult, error) {
	opts := &imap.SelectOptions{}
	if m.CondStore {
		opts.CondStore = true
	}

	var data *imap.SelectData
	var err error
	if liteSelect {
		data, err = m.client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	} else {
		data, err = m.client.Select(mailbox, opts).Wait()
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: SELECT %q failed: %w", mailbox, err)
	}

	res := &SelectResult{
		Exists:      data.NumMessages,
		UIDValidity: data.UIDValidity,
		UIDNext:     uint32(data.UIDNext),
		ReadOnly:    liteSelect,
	}
	for _, f := range data.PermanentFlags {
		res.PermanentFlags = append(res.PermanentFlags, string(f))
	}
	m.Name = mailbox
	return res, nil
}

// Close issues CLOSE, which silently expunges \Deleted messages in a
// read-write mailbox (RFC 3501 §6.4.2).
func (m *Mailbox) Close() error {
	if err := m.client.Close().Wait(); err != nil {
		return fmt.Errorf("mailbox: CLOSE failed: %w", err)
	}
	return nil
}

// Noop issues NOOP, the server's vehicle for delivering unsolicited
// mailbox-update untagged responses outside of IDLE (spec §4.6). Unsolicited
// updates themselves arrive through the UnilateralDataHandler-fed channel,
// not through this call's return value; NOOP here exists purely to prompt
// the server into sending them.
func (m *Mailbox) Noop() error {
	if err := m.client.Noop().Wait(); err != nil {
		return fmt.Errorf("mailbox: NOOP failed: %w", err)
	}
	return nil
}

// Expunge issues EXPUNGE, permanently removing every \Deleted message in
// the mailbox, and returns the expunged sequence numbers.
func (m *Mailbox) Expunge() ([]uint32, error) {
	seqNums, err := m.client.Expunge().Collect()
	if err != nil {
		return nil, fmt.Errorf("mailbox: EXPUNGE failed: %w", err)
	}
	return seqNums, nil
}

// UIDExpunge issues UID EXPUNGE uids (UIDPLUS, RFC 4315 §2.1), expunging
// only the named \Deleted messages instead of every \Deleted message in the
// mailbox. Callers must check m.UIDPlus before relying on this.
func (m *Mailbox) UIDExpunge(uids []uint32) error {
	if !m.UIDPlus {
		return fmt.Errorf("mailbox: UID EXPUNGE requires UIDPLUS")
	}
	if _, err := m.client.UIDExpunge(uidSet(uids)).Collect(); err != nil {
		return fmt.Errorf("mailbox: UID EXPUNGE failed: %w", err)
	}
	return nil
}

// StoreOp is the FLAGS-list operator of a STORE command.
type StoreOp int

const (
	StoreSet StoreOp = iota
	StoreAdd
	StoreRemove
)

func (op StoreOp) wire() imap.StoreFlagsOp {
	switch op {
	case StoreAdd:
		return imap.StoreFlagsAdd
	case StoreRemove:
		return imap.StoreFlagsDel
	default:
		return imap.StoreFlagsSet
	}
}

// Store issues UID STORE for uids, updating Cache from the FETCH responses
// the server sends back (silent or not; some servers send untagged FETCH
// for .SILENT stores anyway, so both are handled identically).
func (m *Mailbox) Store(uids []uint32, op StoreOp, flags []string, silent bool) error {
	storeFlags := &imap.StoreFlags{Op: op.wire(), Silent: silent}
	for _, f := range flags {
		storeFlags.Flags = append(storeFlags.Flags, imap.Flag(f))
	}

	cmd := m.client.Store(uidSet(uids), storeFlags, nil)
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		m.applyFetchMessage(msg)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("mailbox: STORE failed: %w", err)
	}
	return nil
}

func (m *Mailbox) applyFetchMessage(msg *imapclient.FetchMessageData) {
	var rec FlagRecord
	have := false
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			rec.UID = uint32(data.UID)
			have = true
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				rec.Flags = append(rec.Flags, string(f))
			}
			rec.Deleted = hasFlag(rec.Flags, `\Deleted`)
		case imapclient.FetchItemDataModSeq:
			rec.ModSeq = data.ModSeq
		}
	}
	if have {
		m.Cache.Put(rec)
	}
}

// Search issues UID SEARCH with a small fixed vocabulary of criteria this
// module actually needs (ALL, and the flag-named searches the URL grammar's
// storeCustomKeywords/addmsgflags family mirrors); it does not attempt to
// expose the full RFC 3501 SEARCH grammar.
func (m *Mailbox) Search(criteria string) ([]uint32, error) {
	sc, err := parseSearchCriteria(criteria)
	if err != nil {
		return nil, err
	}
	data, err := m.client.UIDSearch(sc, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("mailbox: SEARCH failed: %w", err)
	}
	uids := data.AllUIDs()
	out := make([]uint32, len(uids))
	for i, u := range uids {
		out[i] = uint32(u)
	}
	return out, nil
}

func parseSearchCriteria(criteria string) (*imap.SearchCriteria, error) {
	sc := &imap.SearchCriteria{}
	switch strings.ToUpper(strings.TrimSpace(criteria)) {
	case "", "ALL":
		return sc, nil
	case "UNSEEN":
		sc.NotFlag = []imap.Flag{imap.FlagSeen}
	case "SEEN":
		sc.Flag = []imap.Flag{imap.FlagSeen}
	case "DELETED":
		sc.Flag = []imap.Flag{imap.FlagDeleted}
	case "FLAGGED":
		sc.Flag = []imap.Flag{imap.FlagFlagged}
	case "ANSWERED":
		sc.Flag = []imap.Flag{imap.FlagAnswered}
	case "DRAFT":
		sc.Flag = []imap.Flag{imap.FlagDraft}
	default:
		return nil, fmt.Errorf("mailbox: unsupported SEARCH criteria %q", criteria)
	}
	return sc, nil
}

// Status issues STATUS mailbox (items...) without SELECTing it. items is the
// same fixed vocabulary urlrunner's folderstatus verb asks for: MESSAGES,
// UNSEEN, UIDNEXT, UIDVALIDITY.
func (m *Mailbox) Status(mailbox string, items []string) (map[string]uint64, error) {
	opts := &imap.StatusOptions{}
	for _, it := range items {
		switch strings.ToUpper(it) {
		case "MESSAGES":
			opts.NumMessages = true
		case "UNSEEN":
			opts.NumUnseen = true
		case "UIDNEXT":
			opts.UIDNext = true
		case "UIDVALIDITY":
			opts.UIDValidity = true
		case "HIGHESTMODSEQ":
			opts.HighestModSeq = true
		}
	}
	data, err := m.client.Status(mailbox, opts).Wait()
	if err != nil {
		return nil, fmt.Errorf("mailbox: STATUS %q failed: %w", mailbox, err)
	}
	values := map[string]uint64{}
	if data.NumMessages != nil {
		values["MESSAGES"] = uint64(*data.NumMessages)
	}
	if data.NumUnseen != nil {
		values["UNSEEN"] = uint64(*data.NumUnseen)
	}
	values["UIDNEXT"] = uint64(data.UIDNext)
	values["UIDVALIDITY"] = uint64(data.UIDValidity)
	values["HIGHESTMODSEQ"] = data.HighestModSeq
	return values, nil
}

// CopyUIDResult captures the [COPYUID validity src dst] response code RFC
// 4315 attaches to a successful COPY/MOVE, when the server advertises
// UIDPLUS.
type CopyUIDResult struct {
	HaveCopyUID bool
	UIDValidity uint32
	SrcUIDs     string
	DstUIDs     string
}

// Copy issues UID COPY uids destMailbox.
func (m *Mailbox) Copy(uids []uint32, destMailbox string) (*CopyUIDResult, error) {
	data, err := m.client.Copy(uidSet(uids), destMailbox).Wait()
	if err != nil {
		if isTryCreate(err) {
			return nil, &TryCreateError{Mailbox: destMailbox}
		}
		return nil, fmt.Errorf("mailbox: COPY failed: %w", err)
	}
	return copyUIDFromData(data), nil
}

func copyUIDFromData(data *imap.CopyData) *CopyUIDResult {
	if data == nil || data.DestUIDs == nil {
		return &CopyUIDResult{}
	}
	return &CopyUIDResult{
		HaveCopyUID: true,
		UIDValidity: data.UIDValidity,
		SrcUIDs:     formatUIDSetText(data.SourceUIDs),
		DstUIDs:     formatUIDSetText(data.DestUIDs),
	}
}

// isTryCreate reports whether err wraps a [TRYCREATE] response code. The
// teacher's hand-rolled parser exposed this as a typed Tagged.Code field;
// imapclient folds response codes into the command error text instead, so
// this module recognizes the code the same way it recognizes any other
// textual IMAP error: by looking for its bracketed name.
func isTryCreate(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "TRYCREATE")
}

// TryCreateError is returned when a COPY/APPEND target mailbox does not
// exist and the server invites the client to create it (spec §4.8).
type TryCreateError struct {
	Mailbox string
}

func (e *TryCreateError) Error() string {
	return fmt.Sprintf("mailbox: destination %q does not exist ([TRYCREATE])", e.Mailbox)
}

// Move moves uids to destMailbox, preferring the MOVE extension (RFC 6851)
// and falling back to COPY + STORE \Deleted + expunge when the server
// lacks it (spec §4.8).
func (m *Mailbox) Move(uids []uint32, destMailbox string) (*CopyUIDResult, error) {
	if m.MoveCap {
		return m.uidMove(uids, destMailbox)
	}
	return m.copyThenDeleteExpunge(uids, destMailbox)
}

func (m *Mailbox) uidMove(uids []uint32, destMailbox string) (*CopyUIDResult, error) {
	data, err := m.client.Move(uidSet(uids), destMailbox).Wait()
	if err != nil {
		if isTryCreate(err) {
			return nil, &TryCreateError{Mailbox: destMailbox}
		}
		return nil, fmt.Errorf("mailbox: MOVE failed: %w", err)
	}
	for _, uid := range uids {
		m.Cache.Remove(uid)
	}
	return &CopyUIDResult{
		HaveCopyUID: data != nil && data.DestUIDs != nil,
		UIDValidity: valOr(data),
		SrcUIDs:     formatUIDSetText(srcOf(data)),
		DstUIDs:     formatUIDSetText(dstOf(data)),
	}, nil
}

func valOr(d *imap.MoveData) uint32 {
	if d == nil {
		return 0
	}
	return d.UIDValidity
}
func srcOf(d *imap.MoveData) *imap.UIDSet {
	if d == nil {
		return nil
	}
	return d.SourceUIDs
}
func dstOf(d *imap.MoveData) *imap.UIDSet {
	if d == nil {
		return nil
	}
	return d.DestUIDs
}

// copyThenDeleteExpunge is the non-MOVE fallback: COPY, mark \Deleted, then
// UID EXPUNGE (if UIDPLUS) or EXPUNGE.
func (m *Mailbox) copyThenDeleteExpunge(uids []uint32, destMailbox string) (*CopyUIDResult, error) {
	result, err := m.Copy(uids, destMailbox)
	if err != nil {
		return nil, err
	}
	if err := m.Store(uids, StoreAdd, []string{`\Deleted`}, true); err != nil {
		return result, fmt.Errorf("mailbox: marking source \\Deleted after copy: %w", err)
	}
	if m.UIDPlus {
		if err := m.UIDExpunge(uids); err != nil {
			return result, fmt.Errorf("mailbox: UID EXPUNGE after copy: %w", err)
		}
	} else {
		if _, err := m.Expunge(); err != nil {
			return result, fmt.Errorf("mailbox: EXPUNGE after copy: %w", err)
		}
	}
	for _, uid := range uids {
		m.Cache.Remove(uid)
	}
	return result, nil
}

// AppendResult reports the APPENDUID response code (RFC 4315), when the
// server provides one.
type AppendResult struct {
	HaveAppendUID bool
	UIDValidity   uint32
	UID           string // decimal UID text, formatted for API stability with the pre-imapclient implementation
}

// Append uploads msg into destMailbox with the given flags (spec §6.1
// appendmsgfromfile/appenddraftfromfile). Append takes no lock of its own:
// APPENDs to the same mailbox from separate connections are not coordinated
// with each other.
func (m *Mailbox) Append(destMailbox string, msg []byte, flags []string) (*AppendResult, error) {
	opts := &imap.AppendOptions{}
	for _, f := range flags {
		opts.Flags = append(opts.Flags, imap.Flag(f))
	}

	cmd := m.client.Append(destMailbox, int64(len(msg)), opts)
	if _, err := cmd.Write(msg); err != nil {
		cmd.Close()
		return nil, fmt.Errorf("mailbox: APPEND write: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("mailbox: APPEND close: %w", err)
	}
	data, err := cmd.Wait()
	if err != nil {
		if isTryCreate(err) {
			return nil, &TryCreateError{Mailbox: destMailbox}
		}
		return nil, fmt.Errorf("mailbox: APPEND failed: %w", err)
	}
	if data == nil || data.UID == 0 {
		return &AppendResult{}, nil
	}
	return &AppendResult{HaveAppendUID: true, UIDValidity: data.UIDValidity, UID: strconv.FormatUint(uint64(data.UID), 10)}, nil
}

// GmailTrashMove implements the Gmail-specific delete sequence (spec §4.8):
// Gmail's "delete" is modeled as moving a message into [Gmail]/Trash and
// expunging it there rather than as a regular folder move, because Gmail
// treats a label removal (ordinary MOVE) as archiving, not deleting.
//
// Sequence: COPY uids to trashMailbox, take the COPYUID destination set
// directly off imap.CopyData (no string round trip needed, unlike the
// hand-rolled parser this replaces), SELECT trashMailbox, STORE \Deleted on
// the destination UIDs, UID EXPUNGE, then reselect originalMailbox so the
// caller's Cache stays consistent with Name.
func (m *Mailbox) GmailTrashMove(uids []uint32, trashMailbox, originalMailbox string) error {
	data, err := m.client.Copy(uidSet(uids), trashMailbox).Wait()
	if err != nil {
		return fmt.Errorf("gmail trash move: copy: %w", err)
	}
	if data == nil || data.DestUIDs == nil {
		return fmt.Errorf("gmail trash move: server did not return COPYUID; cannot locate copied messages in Trash")
	}
	dstUIDs := uidSetToUint32s(data.DestUIDs)

	if _, err := m.Select(trashMailbox, false); err != nil {
		return fmt.Errorf("gmail trash move: selecting trash: %w", err)
	}
	if err := m.Store(dstUIDs, StoreAdd, []string{`\Deleted`}, true); err != nil {
		return fmt.Errorf("gmail trash move: marking trash copies \\Deleted: %w", err)
	}
	if m.UIDPlus {
		err = m.UIDExpunge(dstUIDs)
	} else {
		_, err = m.Expunge()
	}
	if err != nil {
		return fmt.Errorf("gmail trash move: expunging trash copies: %w", err)
	}

	if _, err := m.Select(originalMailbox, false); err != nil {
		return fmt.Errorf("gmail trash move: reselecting original mailbox: %w", err)
	}
	for _, uid := range uids {
		m.Cache.Remove(uid)
	}
	return nil
}

// IdleUpdate is delivered for every mailbox-affecting unilateral event the
// imapclient.UnilateralDataHandler sees, whether or not IDLE is currently
// active on this connection.
type IdleUpdate struct {
	Exists      *uint32
	ExpungedSeq *uint32
}

// Idle issues IDLE, waits quietPeriod after the last update before
// returning (coalescing a burst of EXISTS/EXPUNGE into one caller wakeup per
// spec §4.9), and sends DONE either when quietPeriod elapses with no further
// update or when stop fires. Idle disables itself on the connection
// (IdleDisabled() becomes true) if the server rejects the IDLE command or
// the terminating tagged response is not OK.
func (m *Mailbox) Idle(quietPeriod time.Duration, onUpdate func(IdleUpdate), stop <-chan struct{}) error {
	if m.idleDisabled {
		return fmt.Errorf("mailbox: IDLE disabled for this session")
	}
	idleCmd, err := m.client.Idle()
	if err != nil {
		m.idleDisabled = true
		return fmt.Errorf("mailbox: IDLE rejected, disabled for this session: %w", err)
	}

	timer := time.NewTimer(quietPeriod)
	defer timer.Stop()

	for {
		select {
		case u, ok := <-m.idleUpdates:
			if !ok {
				continue
			}
			if onUpdate != nil {
				onUpdate(u)
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(quietPeriod)
		case <-timer.C:
			if err := idleCmd.Close(); err != nil {
				m.idleDisabled = true
				return fmt.Errorf("mailbox: IDLE termination rejected, disabled for this session: %w", err)
			}
			return nil
		case <-stop:
			if err := idleCmd.Close(); err != nil {
				m.idleDisabled = true
				return fmt.Errorf("mailbox: IDLE termination rejected, disabled for this session: %w", err)
			}
			return nil
		}
	}
}

// IdleDisabled reports whether a prior IDLE attempt was rejected.
func (m *Mailbox) IdleDisabled() bool { return m.idleDisabled }

// uidSet builds an imap.UIDSet from a plain UID list.
func uidSet(uids []uint32) imap.UIDSet {
	var s imap.UIDSet
	for _, u := range uids {
		s.AddNum(imap.UID(u))
	}
	return s
}

// formatUIDSetText renders an *imap.UIDSet back to the comma/colon text form
// the APPENDUID/COPYUID response codes use, preserved here for API
// stability with callers written against the pre-imapclient string fields.
func formatUIDSetText(s *imap.UIDSet) string {
	if s == nil {
		return ""
	}
	parts := make([]string, 0, len(*s))
	for _, r := range *s {
		if r.Start == r.Stop {
			parts = append(parts, strconv.FormatUint(uint64(r.Start), 10))
		} else {
			parts = append(parts, fmt.Sprintf("%d:%d", r.Start, r.Stop))
		}
	}
	return strings.Join(parts, ",")
}

// uidSetToUint32s expands an *imap.UIDSet's ranges into a flat UID list.
func uidSetToUint32s(s *imap.UIDSet) []uint32 {
	if s == nil {
		return nil
	}
	var out []uint32
	for _, r := range *s {
		for v := r.Start; v <= r.Stop; v++ {
			out = append(out, uint32(v))
		}
	}
	return out
}
