package process

import (
	"math"
	"time"
)

// Stats summarizes the payload sizes of buffered entries.
type Stats struct {
	TotalBytes    int
	PacketCount   int
	AvgPacketSize float64
	MinPacketSize int
	MaxPacketSize int
	StdDevSize    float64
}

// Statistics computes size statistics over link's entries in the inclusive
// [from, to] range. The second return value is false when there is no
// matching data (unknown link included).
func (p *Processor) Statistics(link string, from, to time.Time) (Stats, bool) {
	p.mu.Lock()
	buf, ok := p.buffers[link]
	if !ok {
		p.mu.Unlock()
		return Stats{}, false
	}
	entries := buf.inRange(from, to)
	p.mu.Unlock()

	if len(entries) == 0 {
		return Stats{}, false
	}

	s := Stats{
		PacketCount:   len(entries),
		MinPacketSize: len(entries[0].Data),
	}
	for _, e := range entries {
		n := len(e.Data)
		s.TotalBytes += n
		if n < s.MinPacketSize {
			s.MinPacketSize = n
		}
		if n > s.MaxPacketSize {
			s.MaxPacketSize = n
		}
	}
	s.AvgPacketSize = float64(s.TotalBytes) / float64(s.PacketCount)

	// Population standard deviation.
	var sumSq float64
	for _, e := range entries {
		d := float64(len(e.Data)) - s.AvgPacketSize
		sumSq += d * d
	}
	s.StdDevSize = math.Sqrt(sumSq / float64(s.PacketCount))
	return s, true
}
