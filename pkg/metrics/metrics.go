// Package metrics exposes Prometheus counters for the pipeline. Most
// counters are fed by subscribing to the event bus; ingested bytes are
// counted at the chunk handler, before any filtering.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/senerferhat/SynapseLink/pkg/event"
)

// Set holds the pipeline's counters.
type Set struct {
	IngestedBytes   *prometheus.CounterVec
	Frames          *prometheus.CounterVec
	IntegrityErrors *prometheus.CounterVec
	PatternMatches  *prometheus.CounterVec
	FilteredChunks  *prometheus.CounterVec
}

// NewSet creates and registers the counter set on reg.
func NewSet(reg prometheus.Registerer) (*Set, error) {
	s := &Set{
		IngestedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synapselink_ingested_bytes_total",
			Help: "Raw bytes received per link.",
		}, []string{"link"}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synapselink_frames_total",
			Help: "Protocol frames extracted per link and protocol.",
		}, []string{"link", "protocol"}),
		IntegrityErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synapselink_integrity_errors_total",
			Help: "Data-integrity findings (CRC, parity, framing, break) and I/O errors per link.",
		}, []string{"link", "kind"}),
		PatternMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synapselink_pattern_matches_total",
			Help: "Notification pattern hits per link and pattern.",
		}, []string{"link", "pattern"}),
		FilteredChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synapselink_filtered_chunks_total",
			Help: "Chunks altered by removal filters per link.",
		}, []string{"link"}),
	}
	for _, c := range []*prometheus.CounterVec{
		s.IngestedBytes, s.Frames, s.IntegrityErrors, s.PatternMatches, s.FilteredChunks,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Bind subscribes a collector to bus so events move the counters.
func (s *Set) Bind(bus *event.Bus) {
	bus.Subscribe(func(e event.Event) {
		switch e.Kind {
		case event.FrameDetected:
			if e.Frame == nil {
				return
			}
			s.Frames.WithLabelValues(e.Link, e.Frame.Protocol).Inc()
			for range e.Frame.Errors {
				s.IntegrityErrors.WithLabelValues(e.Link, "frame").Inc()
			}
		case event.PatternMatched:
			s.PatternMatches.WithLabelValues(e.Link, e.Pattern).Inc()
		case event.DataFiltered:
			s.FilteredChunks.WithLabelValues(e.Link).Inc()
		case event.ErrorDetected:
			s.IntegrityErrors.WithLabelValues(e.Link, e.ErrKind).Inc()
		}
	})
}
