// Package conn owns the physical serial links. A Manager holds at most one
// live connection per device name; each open link runs a dedicated read
// goroutine that delivers timestamped chunks downstream. Structural
// mutation (open/close) and lookups go through one registry lock.
package conn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"github.com/senerferhat/SynapseLink/pkg/event"
)

const (
	// pollInterval bounds how long a read blocks with no data on the
	// wire, which is also how quickly a stop request is noticed.
	pollInterval = 10 * time.Millisecond

	// joinTimeout is how long Close waits for the read goroutine before
	// proceeding anyway.
	joinTimeout = time.Second

	readBufSize = 4096
)

var (
	ErrAlreadyOpen  = errors.New("port already open")
	ErrNotConnected = errors.New("not connected")
)

// Config is the serial line configuration surface.
type Config struct {
	BaudRate    int
	DataBits    int     // 5-8
	StopBits    float64 // 1, 1.5 or 2
	Parity      string  // none, even, odd, mark, space
	FlowControl bool
}

// DefaultConfig matches the classic 9600-8-N-1 line setting.
func DefaultConfig() Config {
	return Config{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "none"}
}

// parseParity maps a parity name to the driver's constant.
func parseParity(s string) (serial.Parity, error) {
	switch s {
	case "none":
		return serial.NoParity, nil
	case "odd":
		return serial.OddParity, nil
	case "even":
		return serial.EvenParity, nil
	case "mark":
		return serial.MarkParity, nil
	case "space":
		return serial.SpaceParity, nil
	default:
		return serial.NoParity, fmt.Errorf("invalid parity %q: use none, odd, even, mark, or space", s)
	}
}

// parseStopBits maps a stop bit count to the driver's constant.
func parseStopBits(n float64) (serial.StopBits, error) {
	switch n {
	case 1:
		return serial.OneStopBit, nil
	case 1.5:
		return serial.OnePointFiveStopBits, nil
	case 2:
		return serial.TwoStopBits, nil
	default:
		return serial.OneStopBit, fmt.Errorf("invalid stop bits %g: use 1, 1.5 or 2", n)
	}
}

// mode validates the configuration and translates it for the driver.
func (c Config) mode() (*serial.Mode, error) {
	if c.BaudRate <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", c.BaudRate)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return nil, fmt.Errorf("invalid data bits %d: use 5-8", c.DataBits)
	}
	parity, err := parseParity(c.Parity)
	if err != nil {
		return nil, err
	}
	stopBits, err := parseStopBits(c.StopBits)
	if err != nil {
		return nil, err
	}
	return &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   parity,
		StopBits: stopBits,
	}, nil
}

// portHandle is the slice of the driver's port interface the Manager
// needs. Tests swap openPort to run without hardware.
type portHandle interface {
	SetReadTimeout(timeout time.Duration) error
	SetDTR(bool) error
	SetRTS(bool) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

var (
	openPort = func(name string, mode *serial.Mode) (portHandle, error) {
		return serial.Open(name, mode)
	}
	listPorts = serial.GetPortsList
)

// ChunkHandler receives each raw chunk on the owning link's read
// goroutine, in strict arrival order for that link.
type ChunkHandler func(link string, ts time.Time, data []byte)

type link struct {
	name string
	cfg  Config
	port portHandle
	stop chan struct{}
	done chan struct{}
}

// Manager is the registry of open links.
type Manager struct {
	log     zerolog.Logger
	bus     *event.Bus
	onChunk ChunkHandler

	mu    sync.Mutex
	links map[string]*link
}

// NewManager returns a Manager delivering chunks to onChunk and publishing
// connection status and I/O error events on bus.
func NewManager(log zerolog.Logger, bus *event.Bus, onChunk ChunkHandler) *Manager {
	return &Manager{
		log:     log,
		bus:     bus,
		onChunk: onChunk,
		links:   make(map[string]*link),
	}
}

// ListPorts enumerates the serial devices present on the system.
func (m *Manager) ListPorts() ([]string, error) {
	return listPorts()
}

// Open opens name with cfg and starts its read loop. Fails if the link is
// already open or the device rejects the configuration.
func (m *Manager) Open(name string, cfg Config) error {
	mode, err := cfg.mode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, name)
	}

	port, err := openPort(name, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	// Assert the modem lines so devices waiting on handshake start
	// talking; the driver exposes no XON/XOFF toggle, so FlowControl
	// stays informational in Settings.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	l := &link{
		name: name,
		cfg:  cfg,
		port: port,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	m.links[name] = l
	go m.readLoop(l)

	m.log.Info().Str("link", name).Int("baud", cfg.BaudRate).
		Str("parity", cfg.Parity).Msg("port opened")
	m.bus.Publish(event.Event{
		Time: time.Now(), Kind: event.ConnectionStatus, Link: name, Connected: true,
	})
	return nil
}

// Close stops name's read loop, waiting up to joinTimeout for it to
// finish, and releases the device. Closing a link that is not open
// reports ErrNotConnected.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	l, ok := m.links[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, name)
	}
	delete(m.links, name)
	m.mu.Unlock()

	close(l.stop)
	select {
	case <-l.done:
	case <-time.After(joinTimeout):
		m.log.Warn().Str("link", name).Msg("read loop did not stop in time")
	}
	err := l.port.Close()

	m.log.Info().Str("link", name).Msg("port closed")
	m.bus.Publish(event.Event{
		Time: time.Now(), Kind: event.ConnectionStatus, Link: name, Connected: false,
	})
	if err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

// CloseAll closes every open link.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.links))
	for name := range m.links {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		_ = m.Close(name)
	}
}

// Write sends data to an open link. Partial writes are reported as errors
// alongside the byte count actually written.
func (m *Manager) Write(name string, data []byte) (int, error) {
	m.mu.Lock()
	l, ok := m.links[name]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotConnected, name)
	}

	n, err := l.port.Write(data)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", name, err)
	}
	if n < len(data) {
		return n, fmt.Errorf("partial write to %s: %d of %d bytes", name, n, len(data))
	}
	return n, nil
}

// IsConnected reports whether name is open.
func (m *Manager) IsConnected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[name]
	return ok
}

// Settings returns the configuration of an open link.
func (m *Manager) Settings(name string) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[name]
	if !ok {
		return Config{}, false
	}
	return l.cfg, true
}

// readLoop polls the port until stopped or a fatal read error. With no
// data on the wire a read returns empty after pollInterval, which paces
// the loop and bounds stop latency. All currently available bytes come
// back as one chunk, timestamped on arrival.
func (m *Manager) readLoop(l *link) {
	defer close(l.done)
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		n, err := l.port.Read(buf)
		if err != nil {
			m.fatalReadError(l, err)
			return
		}
		if n == 0 {
			continue // poll timeout, no data
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		m.onChunk(l.name, time.Now(), chunk)
	}
}

// fatalReadError removes the link after a read failure. There is no
// automatic reconnect; recovery is a deliberate re-open by the caller.
func (m *Manager) fatalReadError(l *link, err error) {
	m.mu.Lock()
	current := m.links[l.name] == l
	if current {
		delete(m.links, l.name)
	}
	m.mu.Unlock()
	if !current {
		// A concurrent Close already took ownership.
		return
	}
	_ = l.port.Close()

	m.log.Error().Err(err).Str("link", l.name).Msg("read failed, closing port")
	m.bus.Publish(event.Event{
		Time: time.Now(), Kind: event.ErrorDetected, Link: l.name,
		ErrKind: "io", Detail: fmt.Sprintf("read error: %v", err),
	})
	m.bus.Publish(event.Event{
		Time: time.Now(), Kind: event.ConnectionStatus, Link: l.name, Connected: false,
	})
}
