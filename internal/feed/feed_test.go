package feed

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/scopevis/scopevis/internal/domain"
	"github.com/scopevis/scopevis/internal/logging"
)

func TestDecodeLine(t *testing.T) {
	raw, end, err := DecodeLine([]byte(`{"kind":"task_spawned","id":"t1","parent":"n1","name":"fetch","ts":1700000000000000}`))
	if err != nil || end {
		t.Fatalf("DecodeLine: err %v, end %v", err, end)
	}
	if raw.Kind != "task_spawned" || raw.ID != "t1" || raw.Parent != "n1" || raw.Name != "fetch" {
		t.Errorf("decoded = %+v", raw)
	}
	if raw.TS != 1700000000000000 {
		t.Errorf("ts = %d, want microseconds preserved", raw.TS)
	}

	if _, end, err := DecodeLine([]byte(`{"kind":"stream_end"}`)); err != nil || !end {
		t.Errorf("stream_end: err %v, end %v; want nil, true", err, end)
	}

	if _, _, err := DecodeLine([]byte(`{"kind":`)); err == nil {
		t.Error("truncated JSON decoded without error")
	}
}

func TestEncodeLine(t *testing.T) {
	raw := domain.RawEvent{Kind: "task_spawned", ID: "t1", Parent: "n1", Name: "fetch", TS: 42}
	line, err := EncodeLine(raw)
	if err != nil {
		t.Fatalf("EncodeLine: %v", err)
	}
	if line[len(line)-1] != '\n' {
		t.Error("encoded line misses the trailing newline")
	}

	back, end, err := DecodeLine(bytes.TrimSpace(line))
	if err != nil || end {
		t.Fatalf("DecodeLine: err %v, end %v", err, end)
	}
	if back != raw {
		t.Errorf("round trip = %+v, want %+v", back, raw)
	}

	if _, end, err := DecodeLine(bytes.TrimSpace(EndLine())); err != nil || !end {
		t.Errorf("EndLine: err %v, end %v; want nil, true", err, end)
	}
}

func TestReadEvents(t *testing.T) {
	input := strings.Join([]string{
		`{"kind":"task_spawned","id":"t0"}`,
		``,
		`not json at all`,
		`{"kind":"task_exited","id":"t0"}`,
		`{"kind":"stream_end"}`,
		`{"kind":"task_spawned","id":"after-end"}`,
	}, "\n")

	events, err := ReadEvents(strings.NewReader(input), logging.NewNop())
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}

	// the broken line stays as a zero event so it can still be counted
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].ID != "t0" || events[0].Kind != "task_spawned" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1] != (domain.RawEvent{}) {
		t.Errorf("events[1] = %+v, want zero marker for the broken line", events[1])
	}
	if events[2].Kind != "task_exited" {
		t.Errorf("events[2] = %+v", events[2])
	}
}

func TestSliceSource(t *testing.T) {
	in := []domain.RawEvent{
		{Kind: "task_spawned", ID: "t0", TS: 100},
		{Kind: "task_exited", ID: "t0", TS: 200},
	}
	src := Replay(in, 0)
	defer src.Close()

	var got []domain.RawEvent
	for raw := range src.Events() {
		got = append(got, raw)
	}

	if len(got) != 2 || got[0].ID != "t0" || got[1].Kind != "task_exited" {
		t.Errorf("replayed %+v, want the input in order", got)
	}
	if src.Err() != nil {
		t.Errorf("Err = %v, want nil", src.Err())
	}
}

func TestSliceSource_Close(t *testing.T) {
	in := make([]domain.RawEvent, 100)
	for i := range in {
		in[i] = domain.RawEvent{Kind: "task_spawned", ID: "t"}
	}
	src := Replay(in, 0)

	<-src.Events()
	src.Close()

	// channel must close promptly after Close
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-src.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel still open after Close")
		}
	}
}

func TestStepSource(t *testing.T) {
	in := []domain.RawEvent{
		{Kind: "task_spawned", ID: "t0", TS: 100},
		{Kind: "task_exited", ID: "t0", TS: 200},
	}
	src := Step(in)
	defer src.Close()

	// nothing moves until the first Advance
	select {
	case raw := <-src.Events():
		t.Fatalf("received %+v before Advance", raw)
	case <-time.After(50 * time.Millisecond):
	}

	src.Advance()
	select {
	case raw := <-src.Events():
		if raw.Kind != "task_spawned" || raw.ID != "t0" {
			t.Errorf("first event = %+v", raw)
		}
	case <-time.After(time.Second):
		t.Fatal("no event after Advance")
	}

	src.Advance()
	select {
	case raw := <-src.Events():
		if raw.Kind != "task_exited" {
			t.Errorf("second event = %+v", raw)
		}
	case <-time.After(time.Second):
		t.Fatal("no event after second Advance")
	}

	// list exhausted, so the channel closes without another Advance
	select {
	case _, ok := <-src.Events():
		if ok {
			t.Error("received an event past the end of the list")
		}
	case <-time.After(time.Second):
		t.Fatal("events channel still open after the last event")
	}

	if src.Err() != nil {
		t.Errorf("Err = %v, want nil", src.Err())
	}
}

func TestStepSource_Close(t *testing.T) {
	src := Step([]domain.RawEvent{{Kind: "task_spawned", ID: "t0"}})
	src.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-src.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel still open after Close")
		}
	}
}
