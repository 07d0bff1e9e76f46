package process

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrUnknownFormat is returned for export formats other than csv, json
// and xml.
var ErrUnknownFormat = errors.New("unknown export format")

// exportRecord is the fixed field set every export format serializes:
// ISO-8601 timestamp, payload as hex, payload as best-effort ASCII with
// U+FFFD standing in for non-ASCII bytes.
type exportRecord struct {
	Timestamp string `json:"timestamp" xml:"timestamp"`
	Data      string `json:"data" xml:"data"`
	ASCII     string `json:"ascii" xml:"ascii"`
}

type xmlExport struct {
	XMLName xml.Name       `xml:"data"`
	Packets []exportRecord `xml:"packet"`
}

// Export serializes link's buffered entries in the inclusive [from, to]
// range to w. format is one of "csv", "json", "xml" (case-insensitive).
// Exporting an unknown link is an error; an empty range is not.
func (p *Processor) Export(link, format string, w io.Writer, from, to time.Time) error {
	p.mu.Lock()
	buf, ok := p.buffers[link]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w %q", ErrUnknownLink, link)
	}
	entries := buf.inRange(from, to)
	p.mu.Unlock()

	records := make([]exportRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, exportRecord{
			Timestamp: e.Time.Format(time.RFC3339Nano),
			Data:      hex.EncodeToString(e.Data),
			ASCII:     asciiDecode(e.Data),
		})
	}

	switch strings.ToLower(format) {
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"timestamp", "data", "ascii"}); err != nil {
			return err
		}
		for _, r := range records {
			if err := cw.Write([]string{r.Timestamp, r.Data, r.ASCII}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)

	case "xml":
		if _, err := io.WriteString(w, xml.Header); err != nil {
			return err
		}
		enc := xml.NewEncoder(w)
		if err := enc.Encode(xmlExport{Packets: records}); err != nil {
			return err
		}
		return enc.Close()

	default:
		return fmt.Errorf("%w %q", ErrUnknownFormat, format)
	}
}

// ExportFile exports to a file created (or truncated) at path.
func (p *Processor) ExportFile(link, format, path string, from, to time.Time) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := p.Export(link, format, f, from, to); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// asciiDecode renders data as ASCII text, substituting U+FFFD for any byte
// outside the 7-bit range.
func asciiDecode(data []byte) string {
	var sb strings.Builder
	for _, b := range data {
		if b < utf8.RuneSelf {
			sb.WriteByte(b)
		} else {
			sb.WriteRune(utf8.RuneError)
		}
	}
	return sb.String()
}
