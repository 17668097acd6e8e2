// Package urlrunner implements the URL grammar (spec §6.1) and the
// scheduling entry point that dispatches a parsed URL to the mailbox,
// folderops, and fetchcache packages (spec §4.5).
package urlrunner

import (
	"fmt"
	"strconv"
	"strings"
)

// Verb is the full action-verb vocabulary the URL runner dispatches on
// (spec §6.1).
type Verb string

const (
	VerbFetch                        Verb = "fetch"
	VerbHeader                       Verb = "header"
	VerbCustomFetch                  Verb = "customFetch"
	VerbPreviewBody                  Verb = "previewBody"
	VerbDeleteMsg                    Verb = "deletemsg"
	VerbUIDExpunge                   Verb = "uidexpunge"
	VerbDeleteAllMsgs                Verb = "deleteallmsgs"
	VerbAddMsgFlags                  Verb = "addmsgflags"
	VerbSubtractMsgFlags             Verb = "subtractmsgflags"
	VerbSetMsgFlags                  Verb = "setmsgflags"
	VerbOnlineCopy                   Verb = "onlinecopy"
	VerbOnlineMove                   Verb = "onlinemove"
	VerbOnlineToOfflineCopy          Verb = "onlinetoofflinecopy"
	VerbOnlineToOfflineMove          Verb = "onlinetoofflinemove"
	VerbOfflineToOnlineCopy          Verb = "offlinetoonlinecopy"
	VerbSearch                       Verb = "search"
	VerbSelect                       Verb = "select"
	VerbLiteSelect                   Verb = "liteselect"
	VerbSelectNoop                   Verb = "selectnoop"
	VerbExpunge                      Verb = "expunge"
	VerbCreate                       Verb = "create"
	VerbEnsureExists                 Verb = "ensureExists"
	VerbDiscoverChildren             Verb = "discoverchildren"
	VerbDiscoverAllBoxes             Verb = "discoverallboxes"
	VerbDiscoverAllAndSubscribedBoxes Verb = "discoverallandsubscribedboxes"
	VerbDelete                       Verb = "delete"
	VerbDeleteFolder                 Verb = "deletefolder"
	VerbRename                       Verb = "rename"
	VerbMoveFolderHierarchy          Verb = "movefolderhierarchy"
	VerbList                         Verb = "list"
	VerbBiff                         Verb = "biff"
	VerbNetscape                     Verb = "netscape"
	VerbAppendMsgFromFile            Verb = "appendmsgfromfile"
	VerbAppendDraftFromFile          Verb = "appenddraftfromfile"
	VerbSubscribe                    Verb = "subscribe"
	VerbUnsubscribe                  Verb = "unsubscribe"
	VerbRefreshACL                   Verb = "refreshacl"
	VerbRefreshFolderURLs            Verb = "refreshfolderurls"
	VerbRefreshAllACLs               Verb = "refreshallacls"
	VerbListFolder                   Verb = "listfolder"
	VerbUpgradeToSubscription        Verb = "upgradetosubscription"
	VerbFolderStatus                 Verb = "folderstatus"
	VerbVerifyLogon                  Verb = "verifyLogon"
	VerbMsgCommand                   Verb = "msgCommand"
	VerbStoreCustomKeywords          Verb = "storeCustomKeywords"
)

// unknownDelim is the sentinel meaning "infer the server delimiter from the
// namespace" (spec §6.1).
const unknownDelim byte = 0

// MessageIDList is the parsed ids field of a message-scoped URL.
type MessageIDList struct {
	UseUID   bool
	UIDs     []uint32 // raw ordinal list, in URL order, pre-range-collapse
	Section  string   // MIME part number from ;section=X.Y or ?part=X.Y, "" if whole message
	Filename string   // &filename=... if present
}

// URL is a parsed imap:// URL (spec §6.1).
type URL struct {
	User  string
	Host  string
	Port  int

	Verb     Verb
	Delim    byte // 0 == unknownDelim
	Mailbox  string // canonical form
	IDs      *MessageIDList

	// Keywords carries the flag list for storeCustomKeywords; the URL
	// grammar itself has no syntax for an arbitrary keyword set, so
	// callers building this verb populate it directly rather than through
	// Parse.
	Keywords []string

	raw string
}

// Raw returns the original URL text this was parsed from, if parsed (vs
// built with Format).
func (u *URL) Raw() string { return u.raw }

// Parse parses a canonical-form imap:// URL (spec §6.1).
func Parse(raw string) (*URL, error) {
	const scheme = "imap://"
	if !strings.HasPrefix(raw, scheme) {
		return nil, fmt.Errorf("urlrunner: not an imap:// URL: %q", raw)
	}
	rest := raw[len(scheme):]

	authority, path, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, fmt.Errorf("urlrunner: missing path in URL: %q", raw)
	}
	user, hostport, ok := strings.Cut(authority, "@")
	if !ok {
		return nil, fmt.Errorf("urlrunner: missing user@ in URL: %q", raw)
	}
	host, port, err := splitHostPort(hostport)
	if err != nil {
		return nil, err
	}

	tokens := strings.Split(path, ">")
	if len(tokens) == 0 || tokens[0] == "" {
		return nil, fmt.Errorf("urlrunner: missing verb in URL: %q", raw)
	}

	u := &URL{User: user, Host: host, Port: port, Verb: Verb(tokens[0]), raw: raw}
	rest2 := tokens[1:]
	if len(rest2) == 0 {
		return u, nil
	}

	delimTok := rest2[0]
	if delimTok == "" {
		u.Delim = unknownDelim
	} else {
		u.Delim = delimTok[0]
	}
	rest2 = rest2[1:]
	if len(rest2) == 0 {
		return u, nil
	}

	u.Mailbox = rest2[0]
	rest2 = rest2[1:]
	if len(rest2) == 0 {
		return u, nil
	}

	ids, err := parseIDList(rest2)
	if err != nil {
		return nil, fmt.Errorf("urlrunner: parsing message-id list in %q: %w", raw, err)
	}
	u.IDs = ids
	return u, nil
}

func splitHostPort(hostport string) (string, int, error) {
	if idx := strings.LastIndexByte(hostport, ':'); idx >= 0 {
		host := hostport[:idx]
		port, err := strconv.Atoi(hostport[idx+1:])
		if err != nil {
			return "", 0, fmt.Errorf("urlrunner: invalid port in %q: %w", hostport, err)
		}
		return host, port, nil
	}
	return hostport, 0, nil
}

func parseIDList(tokens []string) (*MessageIDList, error) {
	ids := &MessageIDList{}
	i := 0
	if i < len(tokens) && strings.EqualFold(tokens[i], "UID") {
		ids.UseUID = true
		i++
	}

	if i >= len(tokens) {
		return ids, nil
	}
	idField := tokens[i]

	idField, filename, hasFilename := strings.Cut(idField, "&filename=")
	if hasFilename {
		ids.Filename = filename
	}
	if sec, part, hasPart := strings.Cut(idField, "?part="); hasPart {
		idField = sec
		ids.Section = part
	} else if sec, part, hasSemiSection := strings.Cut(idField, ";section="); hasSemiSection {
		idField = sec
		ids.Section = part
	}

	for _, tok := range strings.Split(idField, ",") {
		if tok == "" {
			continue
		}
		if lo, hi, isRange := strings.Cut(tok, ":"); isRange {
			loN, err := strconv.ParseUint(lo, 10, 32)
			if err != nil {
				return nil, err
			}
			hiN, err := strconv.ParseUint(hi, 10, 32)
			if err != nil {
				return nil, err
			}
			for v := loN; v <= hiN; v++ {
				ids.UIDs = append(ids.UIDs, uint32(v))
			}
			continue
		}
		n, err := strconv.ParseUint(tok, 10, 32)
		if err != nil {
			return nil, err
		}
		ids.UIDs = append(ids.UIDs, uint32(n))
	}
	return ids, nil
}

// Format renders u back into canonical URL form.
func (u *URL) Format() string {
	var sb strings.Builder
	sb.WriteString("imap://")
	sb.WriteString(u.User)
	sb.WriteByte('@')
	sb.WriteString(u.Host)
	if u.Port != 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(u.Port))
	}
	sb.WriteByte('/')
	sb.WriteString(string(u.Verb))

	if u.Mailbox == "" && u.IDs == nil && u.Delim == unknownDelim {
		return sb.String()
	}
	sb.WriteByte('>')
	if u.Delim != unknownDelim {
		sb.WriteByte(u.Delim)
	}
	sb.WriteByte('>')
	sb.WriteString(u.Mailbox)

	if u.IDs == nil {
		return sb.String()
	}
	sb.WriteByte('>')
	if u.IDs.UseUID {
		sb.WriteString("UID>")
	}
	sb.WriteString(formatOrdinals(u.IDs.UIDs))
	if u.IDs.Section != "" {
		sb.WriteString("?part=")
		sb.WriteString(u.IDs.Section)
	}
	if u.IDs.Filename != "" {
		sb.WriteString("&filename=")
		sb.WriteString(u.IDs.Filename)
	}
	return sb.String()
}

func formatOrdinals(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}
