package conn

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/senerferhat/SynapseLink/pkg/event"
)

// fakePort stands in for a serial device. Read blocks briefly like a real
// port with a read timeout: data or an injected error when available,
// otherwise an empty poll tick.
type fakePort struct {
	reads chan []byte
	errs  chan error

	mu      sync.Mutex
	written [][]byte
	writeN  int // if > 0, Write reports only this many bytes
	closed  bool
}

func newFakePort() *fakePort {
	return &fakePort{reads: make(chan []byte, 16), errs: make(chan error, 1)}
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (f *fakePort) SetDTR(bool) error                  { return nil }
func (f *fakePort) SetRTS(bool) error                  { return nil }

func (f *fakePort) Read(p []byte) (int, error) {
	select {
	case chunk := <-f.reads:
		return copy(p, chunk), nil
	case err := <-f.errs:
		return 0, err
	case <-time.After(time.Millisecond):
		return 0, nil
	}
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), p...))
	if f.writeN > 0 {
		return f.writeN, nil
	}
	return len(p), nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (el *eventLog) record(e event.Event) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.events = append(el.events, e)
}

func (el *eventLog) find(kind event.Kind) (event.Event, bool) {
	el.mu.Lock()
	defer el.mu.Unlock()
	for _, e := range el.events {
		if e.Kind == kind {
			return e, true
		}
	}
	return event.Event{}, false
}

// installFakePort routes openPort to a single fake for the test duration.
func installFakePort(t *testing.T, port *fakePort, openErr error) *int {
	t.Helper()
	opens := 0
	orig := openPort
	openPort = func(name string, mode *serial.Mode) (portHandle, error) {
		opens++
		if openErr != nil {
			return nil, openErr
		}
		return port, nil
	}
	t.Cleanup(func() { openPort = orig })
	return &opens
}

func newTestManager(onChunk ChunkHandler) (*Manager, *eventLog) {
	bus := event.NewBus()
	el := &eventLog{}
	bus.Subscribe(el.record)
	if onChunk == nil {
		onChunk = func(string, time.Time, []byte) {}
	}
	return NewManager(zerolog.Nop(), bus, onChunk), el
}

func TestOpenAndClose(t *testing.T) {
	port := newFakePort()
	installFakePort(t, port, nil)
	m, el := newTestManager(nil)

	require.NoError(t, m.Open("/dev/ttyUSB0", DefaultConfig()))
	assert.True(t, m.IsConnected("/dev/ttyUSB0"))
	e, ok := el.find(event.ConnectionStatus)
	require.True(t, ok)
	assert.True(t, e.Connected)

	require.NoError(t, m.Close("/dev/ttyUSB0"))
	assert.False(t, m.IsConnected("/dev/ttyUSB0"))
	port.mu.Lock()
	assert.True(t, port.closed)
	port.mu.Unlock()
}

func TestOpenAlreadyOpen(t *testing.T) {
	port := newFakePort()
	opens := installFakePort(t, port, nil)
	m, _ := newTestManager(nil)

	require.NoError(t, m.Open("com3", DefaultConfig()))
	err := m.Open("com3", DefaultConfig())
	require.ErrorIs(t, err, ErrAlreadyOpen)

	// The existing connection is untouched: still registered, device
	// opened exactly once.
	assert.True(t, m.IsConnected("com3"))
	assert.Equal(t, 1, *opens)
	require.NoError(t, m.Close("com3"))
}

func TestOpenInvalidConfig(t *testing.T) {
	port := newFakePort()
	opens := installFakePort(t, port, nil)
	m, _ := newTestManager(nil)

	bad := []Config{
		{BaudRate: 0, DataBits: 8, StopBits: 1, Parity: "none"},
		{BaudRate: 9600, DataBits: 4, StopBits: 1, Parity: "none"},
		{BaudRate: 9600, DataBits: 8, StopBits: 3, Parity: "none"},
		{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "banana"},
	}
	for _, cfg := range bad {
		require.Error(t, m.Open("com3", cfg))
	}
	assert.Equal(t, 0, *opens, "invalid configs must not touch the device")
}

func TestOpenDeviceError(t *testing.T) {
	installFakePort(t, nil, errors.New("device busy"))
	m, _ := newTestManager(nil)

	require.Error(t, m.Open("com3", DefaultConfig()))
	assert.False(t, m.IsConnected("com3"))
}

func TestOpenStopBitsOnePointFive(t *testing.T) {
	port := newFakePort()
	installFakePort(t, port, nil)
	m, _ := newTestManager(nil)

	cfg := DefaultConfig()
	cfg.StopBits = 1.5
	require.NoError(t, m.Open("com3", cfg))
	got, ok := m.Settings("com3")
	require.True(t, ok)
	assert.Equal(t, 1.5, got.StopBits)
	require.NoError(t, m.Close("com3"))
}

func TestCloseNotConnected(t *testing.T) {
	m, _ := newTestManager(nil)
	err := m.Close("com9")
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestReadLoopDeliversChunksInOrder(t *testing.T) {
	port := newFakePort()
	installFakePort(t, port, nil)

	chunks := make(chan []byte, 8)
	m, _ := newTestManager(func(link string, ts time.Time, data []byte) {
		assert.Equal(t, "com3", link)
		assert.False(t, ts.IsZero())
		chunks <- data
	})
	require.NoError(t, m.Open("com3", DefaultConfig()))
	defer m.Close("com3")

	port.reads <- []byte("first")
	port.reads <- []byte("second")

	require.Equal(t, []byte("first"), <-chunks)
	require.Equal(t, []byte("second"), <-chunks)
}

func TestReadErrorClosesLink(t *testing.T) {
	port := newFakePort()
	installFakePort(t, port, nil)
	m, el := newTestManager(nil)

	require.NoError(t, m.Open("com3", DefaultConfig()))
	port.errs <- errors.New("device unplugged")

	require.Eventually(t, func() bool {
		return !m.IsConnected("com3")
	}, time.Second, time.Millisecond)

	e, ok := el.find(event.ErrorDetected)
	require.True(t, ok)
	assert.Equal(t, "io", e.ErrKind)
	assert.Contains(t, e.Detail, "device unplugged")

	// No automatic reconnect, but a deliberate re-open works.
	require.ErrorIs(t, m.Close("com3"), ErrNotConnected)
	require.NoError(t, m.Open("com3", DefaultConfig()))
	require.NoError(t, m.Close("com3"))
}

func TestWrite(t *testing.T) {
	port := newFakePort()
	installFakePort(t, port, nil)
	m, _ := newTestManager(nil)

	_, err := m.Write("com3", []byte("hi"))
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Open("com3", DefaultConfig()))
	defer m.Close("com3")

	n, err := m.Write("com3", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestWritePartial(t *testing.T) {
	port := newFakePort()
	port.writeN = 3
	installFakePort(t, port, nil)
	m, _ := newTestManager(nil)

	require.NoError(t, m.Open("com3", DefaultConfig()))
	defer m.Close("com3")

	n, err := m.Write("com3", []byte("hello"))
	assert.Equal(t, 3, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partial write")
}

func TestCloseAll(t *testing.T) {
	installFakePort(t, newFakePort(), nil)
	m, _ := newTestManager(nil)

	require.NoError(t, m.Open("a", DefaultConfig()))
	require.NoError(t, m.Open("b", DefaultConfig()))
	m.CloseAll()
	assert.False(t, m.IsConnected("a"))
	assert.False(t, m.IsConnected("b"))
}

func TestListPorts(t *testing.T) {
	orig := listPorts
	listPorts = func() ([]string, error) { return []string{"/dev/ttyUSB0", "/dev/ttyS1"}, nil }
	t.Cleanup(func() { listPorts = orig })

	m, _ := newTestManager(nil)
	ports, err := m.ListPorts()
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyS1"}, ports)
}
