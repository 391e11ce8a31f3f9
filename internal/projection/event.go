package projection

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Event is one entry of an event stream: the handler to dispatch to, its
// primary payload and any auxiliary payloads.
type Event struct {
	Handler string            `json:"handler"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Aux     []json.RawMessage `json:"aux,omitempty"`
}

const maxEventLine = 4 << 20

// ReadEvents reads a JSON Lines stream of events. Blank lines are skipped.
func ReadEvents(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)

	var events []Event
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(text, &ev); err != nil {
			return nil, fmt.Errorf("event line %d: %w", line, err)
		}
		if ev.Handler == "" {
			return nil, fmt.Errorf("event line %d: missing handler", line)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	return events, nil
}

// Payloads returns the event's payloads as dispatcher text. A missing
// primary payload is an empty object.
func (e Event) Payloads() (string, []string) {
	data := "{}"
	if len(e.Data) > 0 {
		data = string(e.Data)
	}
	aux := make([]string, len(e.Aux))
	for i, a := range e.Aux {
		aux[i] = string(a)
	}
	return data, aux
}
