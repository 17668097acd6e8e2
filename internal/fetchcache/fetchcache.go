// Package fetchcache implements the message-display cache path: deciding
// whether a requested message can be served from a local offline store or
// an on-disk entry cache, or must be streamed from the server, with
// exactly-once-write semantics and doom-on-failure (spec §4.10).
package fetchcache

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/html/charset"
)

// State is the outcome of classifying a display URL against the cache.
type State int

const (
	NoCache State = iota
	OfflineAvailable
	CacheHit
	CacheWritable
)

func (s State) String() string {
	switch s {
	case OfflineAvailable:
		return "OfflineAvailable"
	case CacheHit:
		return "CacheHit"
	case CacheWritable:
		return "CacheWritable"
	default:
		return "NoCache"
	}
}

// Key derives the cache key for a display URL: the URL with ?part=/&filename=
// stripped, plus a UIDVALIDITY extension so a validity change invalidates
// every entry for that folder in one stroke (spec §4.10).
func Key(rawURL string, uidValidity uint32) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("fetchcache: parsing url %q: %w", rawURL, err)
	}
	q := u.Query()
	q.Del("part")
	q.Del("filename")
	u.RawQuery = q.Encode()
	return u.String() + "#uidvalidity=" + strconv.FormatUint(uint64(uidValidity), 10), nil
}

// ErrEntryInProgress is returned by Store.Open when another writer currently
// holds the entry; callers retry after the writer completes rather than
// serving a half-written entry (spec §4.10's concurrency note).
var ErrEntryInProgress = fmt.Errorf("fetchcache: entry is being written by another fetch")

// SizeCeiling is the largest message size this cache will tee while
// streaming; larger messages are served NoCache-style (streamed straight to
// the listener, never cached), mirroring the spec's "does not tee" rule.
const SizeCeiling = 25 * 1024 * 1024

type entry struct {
	mu       sync.Mutex
	writing  bool
	path     string
	doomed   bool
}

// Store is an on-disk entry cache keyed by Key(url, uidValidity).
type Store struct {
	dir string

	mu      sync.Mutex
	entries map[string]*entry
}

// NewStore creates a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("fetchcache: creating cache dir: %w", err)
	}
	return &Store{dir: dir, entries: map[string]*entry{}}, nil
}

func (s *Store) lookup(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{path: filepath.Join(s.dir, safeFileName(key))}
		s.entries[key] = e
	}
	return e
}

func safeFileName(key string) string {
	// The key contains URL characters unsafe for a filename; hash-free and
	// collision-free naming isn't needed here since the map above is the
	// source of truth, but a stable name lets an entry be found across
	// process restarts keyed by the same uuid derived from the key text.
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// Classify decides the cache state for key, given whether an offline
// (always-local, never-evicted) copy exists separately from the entry
// cache proper.
func (s *Store) Classify(key string, offlineAvailable bool, advertisedSize int64) State {
	if offlineAvailable {
		return OfflineAvailable
	}
	e := s.lookup(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.doomed {
		if _, err := os.Stat(e.path); err == nil && !e.writing {
			return CacheHit
		}
	}
	if advertisedSize > 0 && advertisedSize > SizeCeiling {
		return NoCache
	}
	return CacheWritable
}

// LooksLikeMessage implements the spec's lightweight RFC 822 sniff: a
// header line (a colon before any newline) or a classic mbox "From " line
// within the first 100 bytes.
func LooksLikeMessage(head []byte) bool {
	if len(head) > 100 {
		head = head[:100]
	}
	if bytes.HasPrefix(head, []byte("From ")) {
		return true
	}
	if nl := bytes.IndexByte(head, '\n'); nl >= 0 {
		return bytes.IndexByte(head[:nl], ':') >= 0
	}
	return bytes.IndexByte(head, ':') >= 0
}

// StreamHit opens a CacheHit entry for reading, validating its header sniff
// and dooming it (deleting the backing file) if the sniff fails.
func (s *Store) StreamHit(key string) (io.ReadCloser, error) {
	e := s.lookup(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writing {
		return nil, ErrEntryInProgress
	}

	f, err := os.Open(e.path)
	if err != nil {
		return nil, err
	}
	head := make([]byte, 100)
	n, _ := io.ReadFull(f, head)
	if !LooksLikeMessage(head[:n]) {
		f.Close()
		s.doomLocked(e)
		return nil, fmt.Errorf("fetchcache: entry %s failed message sniff, doomed", key)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Writer is returned by OpenWriter for a CacheWritable entry: bytes written
// to it are teed into the cache file while the caller streams the same
// bytes to its listener. Close commits the entry; Abort dooms it.
type Writer struct {
	store *Store
	entry *entry
	file  *os.File
	key   string
}

// OpenWriter begins writing a new cache entry for key. Only one writer may
// be open per key at a time.
func (s *Store) OpenWriter(key string) (*Writer, error) {
	e := s.lookup(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writing {
		return nil, ErrEntryInProgress
	}
	f, err := os.OpenFile(e.path+".tmp", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	e.writing = true
	e.doomed = false
	return &Writer{store: s, entry: e, file: f, key: key}, nil
}

// Write tees bytes into the backing file.
func (w *Writer) Write(p []byte) (int, error) { return w.file.Write(p) }

// Close commits the entry, making it visible to future Classify/StreamHit
// calls as a CacheHit.
func (w *Writer) Close() error {
	w.entry.mu.Lock()
	defer w.entry.mu.Unlock()
	w.entry.writing = false
	if err := w.file.Close(); err != nil {
		return err
	}
	return os.Rename(w.entry.path+".tmp", w.entry.path)
}

// Abort dooms the in-progress entry: the partial file is discarded and the
// next Classify call for this key will report CacheWritable again rather
// than a corrupt CacheHit (spec §4.10, "on pseudo-interrupt or error, doom
// the writer").
func (w *Writer) Abort() error {
	w.entry.mu.Lock()
	defer w.entry.mu.Unlock()
	w.entry.writing = false
	w.entry.doomed = true
	w.file.Close()
	return os.Remove(w.file.Name())
}

func (s *Store) doomLocked(e *entry) {
	e.doomed = true
	os.Remove(e.path)
}

// NormalizeCharset decodes a header/body blob whose charset is unknown or
// mislabeled into UTF-8 using content-based sniffing, so entries written to
// the cache are always UTF-8 on disk regardless of what the server's
// Content-Type declared. declaredContentType may be empty.
func NormalizeCharset(raw []byte, declaredContentType string) ([]byte, error) {
	r, err := charset.NewReader(bytes.NewReader(raw), declaredContentType)
	if err != nil {
		return nil, fmt.Errorf("fetchcache: charset detection: %w", err)
	}
	return io.ReadAll(r)
}
