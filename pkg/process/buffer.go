package process

import "time"

// Default retention bounds for a link's stream buffer.
const (
	DefaultMaxEntries = 10000
	DefaultMaxBytes   = 1 << 20 // 1 MiB
)

// Entry is one timestamped chunk as it arrived from a link.
type Entry struct {
	Time time.Time
	Data []byte
}

// streamBuffer is a bounded, lossy store of timestamped chunks for one
// link. Two invariants hold after every append: the entry count never
// exceeds maxEntries, and the cumulative payload size never exceeds
// maxBytes. Oldest entries are evicted first.
type streamBuffer struct {
	maxEntries int
	maxBytes   int
	entries    []Entry
	totalBytes int
}

func newStreamBuffer(maxEntries, maxBytes int) *streamBuffer {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &streamBuffer{maxEntries: maxEntries, maxBytes: maxBytes}
}

// append stores a chunk and evicts from the front until both bounds hold.
// It returns the number of evicted entries.
func (b *streamBuffer) append(ts time.Time, data []byte) int {
	b.entries = append(b.entries, Entry{Time: ts, Data: data})
	b.totalBytes += len(data)

	evicted := 0
	for len(b.entries) > b.maxEntries || b.totalBytes > b.maxBytes {
		b.totalBytes -= len(b.entries[0].Data)
		b.entries[0] = Entry{}
		b.entries = b.entries[1:]
		evicted++
	}
	if evicted > 0 && len(b.entries) == 0 {
		b.entries = nil
	}
	return evicted
}

// inRange returns the entries whose timestamps fall inside the inclusive
// [from, to] range. A zero from or to leaves that side unbounded.
func (b *streamBuffer) inRange(from, to time.Time) []Entry {
	var out []Entry
	for _, e := range b.entries {
		if !from.IsZero() && e.Time.Before(from) {
			continue
		}
		if !to.IsZero() && e.Time.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// evictBefore drops every entry older than t. Used when data has been
// archived and no longer needs to stay resident.
func (b *streamBuffer) evictBefore(t time.Time) int {
	evicted := 0
	for len(b.entries) > 0 && b.entries[0].Time.Before(t) {
		b.totalBytes -= len(b.entries[0].Data)
		b.entries[0] = Entry{}
		b.entries = b.entries[1:]
		evicted++
	}
	return evicted
}
