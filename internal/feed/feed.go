// Package feed adapts instrumentation streams into channels of raw
// lifecycle events. Sources exist for live files, websocket producers,
// recorded sessions, and in-memory slices; the tracker consumes them all
// the same way.
package feed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/scopevis/scopevis/internal/domain"
	"github.com/scopevis/scopevis/internal/logging"
)

// KindStreamEnd is the control record a producer writes as its last line to
// mark a clean end of stream
const KindStreamEnd = "stream_end"

// Source is a stream of raw events. The Events channel closes when the
// stream ends; Err distinguishes a clean end (nil) from a failure.
type Source interface {
	Events() <-chan domain.RawEvent
	Close() error
	Err() error
}

// EncodeLine renders one event as a JSON line, newline included
func EncodeLine(raw domain.RawEvent) ([]byte, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// EndLine is the end-of-stream control record as a JSON line
func EndLine() []byte {
	return []byte(`{"kind":"` + KindStreamEnd + `"}` + "\n")
}

// DecodeLine parses one line of the JSON-lines format. end is true for the
// end-of-stream control record.
func DecodeLine(line []byte) (raw domain.RawEvent, end bool, err error) {
	if err := json.Unmarshal(line, &raw); err != nil {
		return domain.RawEvent{}, false, err
	}
	if raw.Kind == KindStreamEnd {
		return domain.RawEvent{}, true, nil
	}
	return raw, false, nil
}

// ReadEvents decodes a whole JSON-lines stream up to EOF or the
// end-of-stream record. Undecodable lines are logged and kept as zero
// events so downstream counters still see them.
func ReadEvents(r io.Reader, log *slog.Logger) ([]domain.RawEvent, error) {
	if log == nil {
		log = logging.NewNop()
	}
	var events []domain.RawEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		raw, end, err := DecodeLine(text)
		if err != nil {
			log.Warn("undecodable event line", "line", line, "err", err)
			events = append(events, domain.RawEvent{})
			continue
		}
		if end {
			break
		}
		events = append(events, raw)
	}
	if err := scanner.Err(); err != nil {
		return events, err
	}
	return events, nil
}
