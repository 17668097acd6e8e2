package mailbox

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/hkdb/imapengine/internal/sinks"
)

// ErrExpungedDuringFetch is returned by FetchChunked when the server
// reports a zero-length body chunk for a message this session still
// believes has a nonzero size: another client expunged it mid-download
// (spec §4.7).
var ErrExpungedDuringFetch = fmt.Errorf("mailbox: message expunged during chunked fetch")

// FetchChunked downloads one message's body in adaptively-sized chunks
// (spec §4.7), feeding bytes to sink as they arrive and tuning m.Tuner
// based on observed per-chunk latency. peek selects a Peek body section (no
// \Seen side effect) over a plain one.
//
// abort, if non-nil, is polled between chunks; a closed/ready abort channel
// stops the download early without error (spec's abort_message_download).
func (m *Mailbox) FetchChunked(uid uint32, peek bool, sink sinks.MessageSink, abort <-chan struct{}) error {
	sink.OnStartRequest()

	totalSize, err := m.fetchSize(uid)
	if err != nil {
		sink.OnStopRequest(err)
		return err
	}

	var downloaded int64
	for {
		select {
		case <-abort:
			sink.OnStopRequest(nil)
			return nil
		default:
		}

		offset, length, ok := m.Tuner.NextRange(downloaded, totalSize)
		if !ok {
			break
		}

		start := time.Now()
		chunk, err := m.fetchBodyRange(uid, peek, offset, length)
		if err != nil {
			sink.OnStopRequest(err)
			return err
		}
		elapsed := time.Since(start).Seconds()

		outcome := ClassifyChunk(int64(len(chunk)), downloaded, totalSize)
		if outcome == FetchOutcomeExpunged {
			m.Cache.Remove(uid)
			sink.OnStopRequest(ErrExpungedDuringFetch)
			return ErrExpungedDuringFetch
		}

		if len(chunk) > 0 {
			sink.OnDataAvailable(chunk)
			downloaded += int64(len(chunk))
		}
		m.Tuner.RecordFetch(elapsed)

		if outcome == FetchOutcomeComplete {
			break
		}
	}

	sink.OnStopRequest(nil)
	return nil
}

// maxMessageSize bounds a single literal read the same way the teacher's
// sync.fetch batch path does, so a server lying about a literal's length
// can't exhaust memory.
const maxMessageSize = 250 * 1024 * 1024

func (m *Mailbox) fetchSize(uid uint32) (int64, error) {
	cmd := m.client.Fetch(uidSet([]uint32{uid}), &imap.FetchOptions{RFC822Size: true})
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		return 0, fmt.Errorf("mailbox: FETCH RFC822.SIZE for UID %d returned no message (%w)", uid, ErrExpungedDuringFetch)
	}
	var size int64
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		if d, ok := item.(imapclient.FetchItemDataRFC822Size); ok {
			size = d.Size
		}
	}
	if err := cmd.Close(); err != nil {
		return 0, fmt.Errorf("mailbox: FETCH RFC822.SIZE failed for UID %d: %w", uid, err)
	}
	return size, nil
}

// fetchBodyRange fetches [offset, offset+length) of the message body via a
// partial body-section FETCH.
func (m *Mailbox) fetchBodyRange(uid uint32, peek bool, offset, length int64) ([]byte, error) {
	section := &imap.FetchItemBodySection{
		Specifier: imap.PartSpecifierNone,
		Peek:      peek,
		Partial:   &imap.SectionPartial{Offset: offset, Size: length},
	}
	cmd := m.client.Fetch(uidSet([]uint32{uid}), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("mailbox: FETCH body range for UID %d returned no message", uid)
	}
	var payload []byte
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		if d, ok := item.(imapclient.FetchItemDataBodySection); ok && d.Literal != nil {
			lr := io.LimitReader(d.Literal, maxMessageSize)
			b, err := io.ReadAll(lr)
			if err != nil {
				return nil, fmt.Errorf("mailbox: reading body-section literal for UID %d: %w", uid, err)
			}
			payload = b
		}
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("mailbox: FETCH body range failed for UID %d: %w", uid, err)
	}
	return payload, nil
}
