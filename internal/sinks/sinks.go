// Package sinks defines the external collaborator interfaces a running URL
// attaches to a connection: per-message, per-folder, per-server, and
// transport-progress callbacks (spec §6.3). This package intentionally has
// no implementations: sinks are supplied by whatever embeds the engine (a
// UI, a sync daemon, a test harness).
package sinks

import "time"

// MessageSink receives events about one message's fetch/append/delete.
type MessageSink interface {
	OnStartRequest()
	OnDataAvailable(chunk []byte)
	OnStopRequest(err error)
}

// FolderSink receives mailbox-level update notifications (new EXISTS count,
// flag changes, expunges) produced while a URL runs against that mailbox.
type FolderSink interface {
	OnMessageCountChanged(exists, recent uint32)
	OnFlagsChanged(uid uint32, flags []string)
	OnMessageExpunged(uid uint32)
	OnUIDValidityChanged(newValidity uint32)
}

// ServerSink receives connection-lifecycle notifications and is asked
// whether another queued URL should run next (spec §4.5 step 5).
type ServerSink interface {
	OnConnectionStateChanged(authenticated, selected bool)
	RunNextQueuedURL()
}

// TransportProgressSink receives byte-level progress for large literal
// uploads/downloads (spec §9 "Literal uploads of large messages").
type TransportProgressSink interface {
	OnProgress(bytesDone, bytesTotal int64)
	// OnIndeterminate signals the remaining duration cannot be estimated,
	// e.g. once the final CRLF of an APPEND literal has been sent and the
	// server's tagged response latency is unbounded.
	OnIndeterminate()
}

// Attachment bundles the sinks a single running URL cares about; any field
// may be nil.
type Attachment struct {
	Message  MessageSink
	Folder   FolderSink
	Server   ServerSink
	Progress TransportProgressSink

	// AppendData and AppendFlags carry the outgoing message for
	// appendmsgfromfile/appenddraftfromfile: the URL grammar names a
	// destination mailbox, not message bytes, so the caller attaches the
	// already-read file contents here rather than the runner reading a
	// local path itself.
	AppendData  []byte
	AppendFlags []string

	AttachedAt time.Time
}
