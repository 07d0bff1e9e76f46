// Package analyzer reconstructs structured protocol frames from raw serial
// byte streams. Incoming chunks are appended to a per-link assembly buffer
// and two framing strategies are tried in fixed order: Modbus RTU (CRC-16
// validated) first, then generic marker-delimited framing (STX/SOH ... ETX/EOT
// with XOR parity). Transmission-level problems — CRC mismatch, parity
// mismatch, framing error, break condition — never abort analysis; they are
// reported inside the extracted frame's error list.
package analyzer

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Protocol tags carried by extracted frames.
const (
	ProtocolModbusRTU = "Modbus RTU"
	ProtocolSerial    = "RS-232/485"
)

// Frame type tags. FrameModbusRequest is informational only: a lone
// CRC-valid frame with a non-error function code cannot reveal whether it
// was a request or a response, so direction must come from the caller if
// it matters.
const (
	FrameModbusRequest = "ModbusRequest"
	FrameModbusError   = "ModbusErrorResponse"
	FrameStandard      = "Standard"
)

// Generic framing control bytes.
const (
	markerSOH = 0x01
	markerSTX = 0x02
	markerETX = 0x03
	markerEOT = 0x04
)

// Error descriptions attached to frames by the UART heuristics.
const (
	errFraming = "Framing Error: Missing stop bit"
	errBreak   = "Break Condition Detected"
	errParity  = "Parity Error"
)

// ProtocolFrame is one structurally complete protocol unit extracted from a
// link's byte stream.
type ProtocolFrame struct {
	Timestamp time.Time
	Protocol  string
	Type      string
	Data      []byte
	Fields    map[string]string
	Errors    []string
}

type linkState struct {
	buf      []byte
	lastByte byte
	hasLast  bool
}

// Analyzer holds one assembly buffer per link and extracts frames
// incrementally as chunks arrive, regardless of how the stream is split
// across chunk boundaries.
type Analyzer struct {
	mu    sync.Mutex
	links map[string]*linkState
}

// New returns an Analyzer with no link state.
func New() *Analyzer {
	return &Analyzer{links: make(map[string]*linkState)}
}

// Analyze appends data to the link's assembly buffer and attempts frame
// extraction: Modbus RTU first, then generic marker-delimited framing.
// It returns the extracted frame and true, or nil and false when the
// buffered bytes do not yet form a complete frame.
func (a *Analyzer) Analyze(link string, ts time.Time, data []byte) (*ProtocolFrame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.links[link]
	if !ok {
		st = &linkState{}
		a.links[link] = st
	}
	st.buf = append(st.buf, data...)

	if frame := a.extractModbus(st, ts); frame != nil {
		return frame, true
	}
	if frame := a.extractSerial(st, ts); frame != nil {
		return frame, true
	}
	return nil, false
}

// Clear resets the assembly buffer and last-byte tracker for a link.
// Called on disconnect so a re-opened link starts from a clean slate.
func (a *Analyzer) Clear(link string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.links, link)
}

// extractModbus tries to interpret the entire assembly buffer as one Modbus
// RTU frame: the trailing two bytes must be the little-endian CRC-16 of
// everything before them. On a match the whole buffer is consumed. On a CRC
// mismatch or a too-short buffer nothing is consumed and nil is returned so
// the generic framing pass can run.
func (a *Analyzer) extractModbus(st *linkState, ts time.Time) *ProtocolFrame {
	if len(st.buf) < 4 || !ValidCRC(st.buf) {
		return nil
	}

	raw := st.buf
	st.buf = nil

	unitID := raw[0]
	fc := raw[1]
	payload := raw[2 : len(raw)-2]

	fields := map[string]string{
		"unit_id":       fmt.Sprintf("%d", unitID),
		"function_code": fmt.Sprintf("0x%02x", fc),
		"data":          hex.EncodeToString(payload),
		"crc":           hex.EncodeToString(raw[len(raw)-2:]),
	}

	frameType := FrameModbusRequest
	if fc&0x80 != 0 {
		frameType = FrameModbusError
		if len(payload) > 0 {
			fields["error_code"] = fmt.Sprintf("%d", payload[0])
		}
	}

	return &ProtocolFrame{
		Timestamp: ts,
		Protocol:  ProtocolModbusRTU,
		Type:      frameType,
		Data:      raw,
		Fields:    fields,
		Errors:    []string{},
	}
}

// extractSerial tries generic marker-delimited framing on the assembly
// buffer. Start markers are tried in the order STX, SOH and end markers in
// the order ETX, EOT; the marker type order wins over buffer position. The
// matched span includes both markers, and consumption discards everything
// through the end marker (leading garbage before the start marker included).
func (a *Analyzer) extractSerial(st *linkState, ts time.Time) *ProtocolFrame {
	buf := st.buf
	if len(buf) < 3 {
		return nil
	}
	// Remember the trailing byte for the next pass before any consumption
	// happens.
	defer func() {
		st.lastByte = buf[len(buf)-1]
		st.hasLast = true
	}()

	// UART-level heuristics apply once a previous pass has seen data on
	// this link: a set low bit on the first byte suggests a missing stop
	// bit, an all-zero byte a break condition.
	var errs []string
	if st.hasLast {
		if buf[0]&0x01 != 0 {
			errs = append(errs, errFraming)
		}
		if buf[0] == 0 {
			errs = append(errs, errBreak)
		}
	}
	if errs == nil {
		errs = []string{}
	}

	for _, start := range []byte{markerSTX, markerSOH} {
		startIdx := indexByte(buf, start, 0)
		if startIdx < 0 {
			continue
		}
		for _, end := range []byte{markerETX, markerEOT} {
			endIdx := indexByte(buf, end, startIdx+1)
			if endIdx < 0 {
				continue
			}

			span := make([]byte, endIdx+1-startIdx)
			copy(span, buf[startIdx:endIdx+1])

			fields := map[string]string{
				"start_marker": fmt.Sprintf("0x%02x", start),
				"end_marker":   fmt.Sprintf("0x%02x", end),
				"payload":      hex.EncodeToString(span[1 : len(span)-1]),
				"length":       fmt.Sprintf("%d", len(span)),
			}

			// Spans longer than start+byte+end carry a trailing XOR
			// parity byte just before the end marker.
			if len(span) > 3 {
				parity := xorParity(span[1 : len(span)-2])
				if span[len(span)-2] != parity {
					errs = append(errs, errParity)
				}
				fields["parity"] = fmt.Sprintf("0x%02x", parity)
			}

			rest := make([]byte, len(buf)-endIdx-1)
			copy(rest, buf[endIdx+1:])
			st.buf = rest

			return &ProtocolFrame{
				Timestamp: ts,
				Protocol:  ProtocolSerial,
				Type:      FrameStandard,
				Data:      span,
				Fields:    fields,
				Errors:    errs,
			}
		}
	}
	return nil
}

// xorParity folds data with XOR, the parity scheme used by the generic
// marker-delimited framing.
func xorParity(data []byte) byte {
	var p byte
	for _, b := range data {
		p ^= b
	}
	return p
}

func indexByte(buf []byte, b byte, from int) int {
	for i := from; i < len(buf); i++ {
		if buf[i] == b {
			return i
		}
	}
	return -1
}
