// Package process is the ingestion entry point of the pipeline. Each raw
// chunk from a link is buffered (bounded, oldest-first eviction), matched
// against registered notification patterns, and run through registered
// removal filters; the filtered bytes are what downstream consumers see.
// The package also answers search, export and statistics queries over the
// buffered history.
package process

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/senerferhat/SynapseLink/pkg/event"
)

const cacheSize = 256

var (
	ErrInvalidPattern = errors.New("invalid pattern")
	ErrUnknownLink    = errors.New("unknown link")
)

// Processor owns the per-link stream buffers and the pattern/filter sets.
// Patterns and filters are shared across links; buffers are per link. All
// methods are safe for concurrent use.
type Processor struct {
	log zerolog.Logger
	bus *event.Bus

	maxEntries int
	maxBytes   int

	mu          sync.Mutex
	buffers     map[string]*streamBuffer
	patterns    map[string]*regexp.Regexp
	filters     map[string]*regexp.Regexp
	filterOrder []string
	cache       *lruCache
}

// New returns a Processor publishing on bus. maxEntries and maxBytes bound
// each link's stream buffer; zero values select the defaults (10000
// entries, 1 MiB).
func New(log zerolog.Logger, bus *event.Bus, maxEntries, maxBytes int) *Processor {
	return &Processor{
		log:        log,
		bus:        bus,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		buffers:    make(map[string]*streamBuffer),
		patterns:   make(map[string]*regexp.Regexp),
		filters:    make(map[string]*regexp.Regexp),
		cache:      newLRUCache(cacheSize),
	}
}

// Ingest buffers a raw chunk for link, runs pattern matching against the
// original bytes, applies filters in registration order, and returns the
// filtered bytes. Identical (link, chunk) inputs may be answered from a
// memo cache, in which case no pattern or filter events are re-emitted.
func (p *Processor) Ingest(link string, data []byte) []byte {
	now := time.Now()

	p.mu.Lock()
	buf, ok := p.buffers[link]
	if !ok {
		buf = newStreamBuffer(p.maxEntries, p.maxBytes)
		p.buffers[link] = buf
	}
	if evicted := buf.append(now, data); evicted > 0 {
		p.log.Debug().Str("link", link).Int("evicted", evicted).
			Msg("stream buffer eviction")
	}

	key := cacheKey(link, data)
	if cached, hit := p.cache.get(key); hit {
		p.mu.Unlock()
		return cached
	}

	var events []event.Event
	for name, re := range p.patterns {
		if re.Match(data) {
			events = append(events, event.Event{
				Time:    now,
				Kind:    event.PatternMatched,
				Link:    link,
				Pattern: name,
				Data:    data,
			})
		}
	}

	filtered := data
	for _, name := range p.filterOrder {
		filtered = p.filters[name].ReplaceAll(filtered, nil)
	}
	if !bytes.Equal(filtered, data) {
		events = append(events, event.Event{
			Time: now,
			Kind: event.DataFiltered,
			Link: link,
			Data: filtered,
		})
	}

	p.cache.set(key, filtered)
	p.mu.Unlock()

	// Publish outside the lock; handlers may call back into the
	// Processor.
	for _, e := range events {
		p.bus.Publish(e)
	}
	return filtered
}

// AddPattern registers a notification pattern under name. Matching chunks
// are reported via a pattern_matched event and pass through unchanged.
func (p *Processor) AddPattern(name, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patterns[name] = re
	return nil
}

// RemovePattern drops the named pattern. Reports whether it existed.
func (p *Processor) RemovePattern(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.patterns[name]; !ok {
		return false
	}
	delete(p.patterns, name)
	return true
}

// AddFilter registers a removal filter under name. Filters apply to each
// chunk in registration order, each on the output of the previous.
// Re-registering an existing name replaces the pattern but keeps its
// position in the order.
func (p *Processor) AddFilter(name, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.filters[name]; !ok {
		p.filterOrder = append(p.filterOrder, name)
	}
	p.filters[name] = re
	p.cache = newLRUCache(cacheSize) // memoized results are stale now
	return nil
}

// RemoveFilter drops the named filter. Reports whether it existed.
func (p *Processor) RemoveFilter(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.filters[name]; !ok {
		return false
	}
	delete(p.filters, name)
	for i, n := range p.filterOrder {
		if n == name {
			p.filterOrder = append(p.filterOrder[:i], p.filterOrder[i+1:]...)
			break
		}
	}
	p.cache = newLRUCache(cacheSize)
	return true
}

// Search scans link's buffered entries in the inclusive [from, to] range
// (zero time = unbounded) and returns those whose payload matches pattern.
// An unknown link yields an empty result, not an error.
func (p *Processor) Search(link, pattern string, from, to time.Time) ([]Entry, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	buf, ok := p.buffers[link]
	if !ok {
		return nil, nil
	}
	var out []Entry
	for _, e := range buf.inRange(from, to) {
		if re.Match(e.Data) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Buffered returns link's entries in the inclusive [from, to] range.
func (p *Processor) Buffered(link string, from, to time.Time) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf, ok := p.buffers[link]
	if !ok {
		return nil
	}
	return buf.inRange(from, to)
}

// EvictBefore drops link's entries older than t, typically after they have
// been exported.
func (p *Processor) EvictBefore(link string, t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if buf, ok := p.buffers[link]; ok {
		if n := buf.evictBefore(t); n > 0 {
			p.log.Debug().Str("link", link).Int("evicted", n).
				Msg("archival eviction")
		}
	}
}

// ClearData resets the stream buffer for link, or for every link when link
// is empty.
func (p *Processor) ClearData(link string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if link == "" {
		p.buffers = make(map[string]*streamBuffer)
		return
	}
	delete(p.buffers, link)
}

func cacheKey(link string, data []byte) string {
	h := fnv.New64a()
	io.WriteString(h, link)
	h.Write([]byte{0})
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}
