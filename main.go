package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/senerferhat/SynapseLink/pkg/analyzer"
	"github.com/senerferhat/SynapseLink/pkg/config"
	"github.com/senerferhat/SynapseLink/pkg/conn"
	"github.com/senerferhat/SynapseLink/pkg/event"
	"github.com/senerferhat/SynapseLink/pkg/metrics"
	"github.com/senerferhat/SynapseLink/pkg/process"
)

var Version = "dev"

const sendEscape = 0x1D // Ctrl-]

func connConfig(p config.PortConfig) conn.Config {
	return conn.Config{
		BaudRate:    p.Baud,
		DataBits:    p.DataBits,
		StopBits:    p.StopBits,
		Parity:      p.Parity,
		FlowControl: p.FlowControl,
	}
}

func main() {
	configPath := flag.String("config", "", "TOML configuration file (multi-port setups, patterns, filters)")
	baud := flag.Int("baud", 9600, "baud rate")
	databits := flag.Int("databits", 8, "data bits (5-8)")
	parityStr := flag.String("parity", "none", "parity: none, odd, even, mark, space")
	stopbits := flag.Float64("stopbits", 1, "stop bits: 1, 1.5 or 2")
	flow := flag.Bool("flow", false, "enable flow control")
	sendMode := flag.Bool("send", false, "interactive: forward raw keystrokes to the port (Ctrl-] to quit)")
	output := flag.String("o", "", "export buffered data to this file on exit")
	format := flag.String("format", "json", "export format: csv, json or xml")
	pipeMode := flag.Bool("pipe", false, "export destination is a named pipe (FIFO) instead of a file (Unix only)")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address (e.g. :9301)")
	verbose := flag.Bool("v", false, "verbose: show live status on stderr")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: synapselink [flags] [serial-port]\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logLevel := zerolog.InfoLevel
	if *verbose {
		logLevel = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(logLevel).With().Timestamp().Logger()

	var cfg config.Config
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("load config")
		}
	}
	if flag.NArg() == 1 {
		cfg.Ports = append(cfg.Ports, config.PortConfig{
			Name:        flag.Arg(0),
			Baud:        *baud,
			DataBits:    *databits,
			StopBits:    *stopbits,
			Parity:      *parityStr,
			FlowControl: *flow,
		})
	} else if flag.NArg() > 1 {
		flag.Usage()
		os.Exit(1)
	}
	if len(cfg.Ports) == 0 {
		fmt.Fprintln(os.Stderr, "error: no serial port given (positional argument or -config)")
		flag.Usage()
		os.Exit(1)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	bus := event.NewBus()
	proc := process.New(logger, bus, cfg.MaxEntries, cfg.MaxBytes)
	for _, p := range cfg.Patterns {
		if err := proc.AddPattern(p.Name, p.Pattern); err != nil {
			logger.Fatal().Err(err).Str("pattern", p.Name).Msg("register pattern")
		}
	}
	for _, f := range cfg.Filters {
		if err := proc.AddFilter(f.Name, f.Pattern); err != nil {
			logger.Fatal().Err(err).Str("filter", f.Name).Msg("register filter")
		}
	}
	ana := analyzer.New()

	var met *metrics.Set
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		var err error
		met, err = metrics.NewSet(reg)
		if err != nil {
			logger.Fatal().Err(err).Msg("register metrics")
		}
		met.Bind(bus)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics listener")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
	}

	var chunkCount, frameCount, errorCount atomic.Int64

	mgr := conn.NewManager(logger, bus, func(link string, ts time.Time, data []byte) {
		chunkCount.Add(1)
		if met != nil {
			met.IngestedBytes.WithLabelValues(link).Add(float64(len(data)))
		}
		processed := proc.Ingest(link, data)
		if frame, ok := ana.Analyze(link, ts, processed); ok {
			bus.Publish(event.Event{
				Time: ts, Kind: event.FrameDetected, Link: link, Frame: frame,
			})
		}
	})

	bus.Subscribe(func(e event.Event) {
		switch e.Kind {
		case event.FrameDetected:
			frameCount.Add(1)
			f := e.Frame
			ev := logger.Info().Str("link", e.Link).Str("protocol", f.Protocol).
				Str("type", f.Type).Str("data", hex.EncodeToString(f.Data))
			if len(f.Errors) > 0 {
				ev = ev.Strs("errors", f.Errors)
			}
			ev.Msg("frame")
		case event.PatternMatched:
			logger.Info().Str("link", e.Link).Str("pattern", e.Pattern).
				Str("data", hex.EncodeToString(e.Data)).Msg("pattern match")
		case event.DataFiltered:
			logger.Debug().Str("link", e.Link).
				Str("data", hex.EncodeToString(e.Data)).Msg("data filtered")
		case event.ErrorDetected:
			errorCount.Add(1)
			logger.Error().Str("link", e.Link).Str("kind", e.ErrKind).Msg(e.Detail)
		case event.ConnectionStatus:
			if !e.Connected {
				// Stale assembly state must not bleed into a future
				// session on the same device.
				ana.Clear(e.Link)
			}
		}
	})

	for _, p := range cfg.Ports {
		if err := mgr.Open(p.Name, connConfig(p)); err != nil {
			mgr.CloseAll()
			logger.Fatal().Err(err).Str("link", p.Name).Msg("open port")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sendDone := make(chan struct{})
	if *sendMode {
		if len(cfg.Ports) != 1 {
			mgr.CloseAll()
			logger.Fatal().Msg("-send requires exactly one port")
		}
		go runSendMode(cfg.Ports[0].Name, mgr, logger, sendDone)
	}

	if *verbose {
		enableTerminalStatus()
	}
	statusTick := time.NewTicker(time.Second)
	defer statusTick.Stop()

	logger.Info().Str("version", Version).Int("ports", len(cfg.Ports)).Msg("monitoring")

	running := true
	for running {
		select {
		case <-sigChan:
			running = false
		case <-sendDone:
			running = false
		case <-statusTick.C:
			if *verbose {
				fmt.Fprintf(os.Stderr, "\rchunks: %d  frames: %d  errors: %d          ",
					chunkCount.Load(), frameCount.Load(), errorCount.Load())
			}
		}
	}
	if *verbose {
		fmt.Fprintln(os.Stderr)
	}

	if *output != "" {
		exportOnExit(proc, cfg.Ports, *format, *output, *pipeMode, logger)
	}

	mgr.CloseAll()
	logger.Info().Int64("chunks", chunkCount.Load()).Int64("frames", frameCount.Load()).
		Int64("errors", errorCount.Load()).Msg("done")
}

// runSendMode puts stdin into raw mode and forwards keystrokes to the
// port until Ctrl-] or stdin closes.
func runSendMode(link string, mgr *conn.Manager, logger zerolog.Logger, done chan struct{}) {
	defer close(done)

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		logger.Error().Err(err).Msg("raw mode")
		return
	}
	defer term.Restore(fd, oldState)

	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil || (n == 1 && buf[0] == sendEscape) {
			return
		}
		if n == 0 {
			continue
		}
		if _, err := mgr.Write(link, buf[:1]); err != nil {
			logger.Error().Err(err).Msg("send")
			return
		}
	}
}

// exportOnExit writes each link's buffered data out. A single port goes
// straight to path (or the FIFO at path); with several ports each link
// gets its own numbered file.
func exportOnExit(proc *process.Processor, ports []config.PortConfig, format, path string, pipe bool, logger zerolog.Logger) {
	destination := func(i int) string {
		if len(ports) == 1 {
			return path
		}
		return fmt.Sprintf("%s.%d", path, i)
	}

	for i, p := range ports {
		dest := destination(i)
		var err error
		if pipe {
			var f *os.File
			f, err = createPipe(dest)
			if err == nil {
				err = proc.Export(p.Name, format, f, time.Time{}, time.Time{})
				f.Close()
				removePipe(dest)
			}
		} else {
			err = proc.ExportFile(p.Name, format, dest, time.Time{}, time.Time{})
		}
		if err != nil {
			logger.Error().Err(err).Str("link", p.Name).Msg("export")
			continue
		}
		logger.Info().Str("link", p.Name).Str("file", dest).Str("format", format).Msg("exported")
	}
}
