// Package event carries typed notifications from the core pipeline to its
// consumers (display, export, metrics). The core has no dependency on any
// UI toolkit; interested parties register callbacks on a Bus.
package event

import (
	"sync"
	"time"

	"github.com/senerferhat/SynapseLink/pkg/analyzer"
)

// Kind discriminates event payloads.
type Kind int

const (
	ConnectionStatus Kind = iota
	PatternMatched
	DataFiltered
	FrameDetected
	ErrorDetected
)

func (k Kind) String() string {
	switch k {
	case ConnectionStatus:
		return "connection_status"
	case PatternMatched:
		return "pattern_matched"
	case DataFiltered:
		return "data_filtered"
	case FrameDetected:
		return "frame_detected"
	case ErrorDetected:
		return "error_detected"
	default:
		return "unknown"
	}
}

// Event is one notification. Only the fields relevant to Kind are set:
// Pattern and Data for PatternMatched, Data for DataFiltered, Frame for
// FrameDetected, ErrKind and Detail for ErrorDetected, Connected for
// ConnectionStatus.
type Event struct {
	Time      time.Time
	Kind      Kind
	Link      string
	Pattern   string
	Data      []byte
	Connected bool
	Frame     *analyzer.ProtocolFrame
	ErrKind   string
	Detail    string
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine — for chunk-driven events that is the owning link's
// read goroutine, so per-link ordering is preserved. Handlers must not
// block.
type Handler func(Event)

// Bus fans events out to registered handlers in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers e to every handler, synchronously.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}
