package mailbox

import "sort"

// FlagRecord is the cached per-message state the engine keeps between
// SELECTs, keyed by UID (spec §4.6).
type FlagRecord struct {
	UID     uint32
	Flags   []string
	ModSeq  uint64
	Deleted bool
}

// FlagCache is the selected-mailbox flag/UID state cache. It is rebuilt
// wholesale on a full resync, patched incrementally by a CONDSTORE
// changed-since resync, and appended to by a tail fetch.
type FlagCache struct {
	byUID map[uint32]*FlagRecord

	HighestUID     uint32
	HighestModSeq  uint64
	TotalMsgCount  uint32
}

// NewFlagCache returns an empty cache.
func NewFlagCache() *FlagCache {
	return &FlagCache{byUID: map[uint32]*FlagRecord{}}
}

// Reset discards all cached records, as on a full resync or UIDVALIDITY
// change.
func (c *FlagCache) Reset() {
	c.byUID = map[uint32]*FlagRecord{}
	c.HighestUID = 0
	c.HighestModSeq = 0
	c.TotalMsgCount = 0
}

// Put inserts or overwrites the record for rec.UID, tracking the running
// high-water marks.
func (c *FlagCache) Put(rec FlagRecord) {
	r := rec
	c.byUID[rec.UID] = &r
	if rec.UID > c.HighestUID {
		c.HighestUID = rec.UID
	}
	if rec.ModSeq > c.HighestModSeq {
		c.HighestModSeq = rec.ModSeq
	}
}

// Remove deletes the record for uid, e.g. on EXPUNGE/VANISHED.
func (c *FlagCache) Remove(uid uint32) {
	delete(c.byUID, uid)
}

// Get returns the cached record for uid, if any.
func (c *FlagCache) Get(uid uint32) (FlagRecord, bool) {
	r, ok := c.byUID[uid]
	if !ok {
		return FlagRecord{}, false
	}
	return *r, true
}

// Len reports the number of cached records.
func (c *FlagCache) Len() int { return len(c.byUID) }

// IsEmpty reports whether the cache holds no records, used by the resync
// decision tree to detect a never-before-seen or fully-evicted mailbox.
func (c *FlagCache) IsEmpty() bool { return len(c.byUID) == 0 }

// AllDeleted reports whether every cached record carries \Deleted, used by
// the resync decision tree for the "delete model is mark" full-resync case.
func (c *FlagCache) AllDeleted() bool {
	if len(c.byUID) == 0 {
		return false
	}
	for _, r := range c.byUID {
		if !r.Deleted {
			return false
		}
	}
	return true
}

// UIDs returns every cached UID in ascending order.
func (c *FlagCache) UIDs() []uint32 {
	out := make([]uint32, 0, len(c.byUID))
	for uid := range c.byUID {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DeletedCount returns how many cached records carry \Deleted, used by the
// auto-expunge threshold policy.
func (c *FlagCache) DeletedCount() int {
	n := 0
	for _, r := range c.byUID {
		if r.Deleted {
			n++
		}
	}
	return n
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
