package agentclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xiaot623/gogo/internal/domain"
)

// Event names an agent may send.
const (
	EventDelta = "delta"
	EventStep  = "step"
	EventDone  = "done"
	EventError = "error"
)

// Event is one decoded stream event. For known names the matching payload
// field is set, or DecodeErr when the data was not valid for that name.
// Unknown names carry only Name and Data.
type Event struct {
	Name      string
	Data      string
	Delta     *domain.DeltaEventData
	Step      *domain.StepEventData
	Done      *domain.DoneEventData
	Failure   *domain.ErrorEventData
	DecodeErr error
}

// readStream splits an SSE body into events and decodes each one.
func readStream(r io.Reader, handle Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var name string
	var data []string
	flush := func() error {
		if name == "" && len(data) == 0 {
			return nil
		}
		evt := decode(name, strings.Join(data, "\n"))
		name, data = "", nil
		return handle(evt)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				name = strings.TrimSpace(value)
			case "data":
				data = append(data, value)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read agent stream: %w", err)
	}
	return flush()
}

func decode(name, data string) Event {
	evt := Event{Name: name, Data: data}
	var target any
	switch name {
	case EventDelta:
		evt.Delta = &domain.DeltaEventData{}
		target = evt.Delta
	case EventStep:
		evt.Step = &domain.StepEventData{}
		target = evt.Step
	case EventDone:
		evt.Done = &domain.DoneEventData{}
		target = evt.Done
	case EventError:
		evt.Failure = &domain.ErrorEventData{}
		target = evt.Failure
	default:
		return evt
	}
	if err := json.Unmarshal([]byte(data), target); err != nil {
		evt.Delta, evt.Step, evt.Done, evt.Failure = nil, nil, nil, nil
		evt.DecodeErr = fmt.Errorf("decode %s event: %w", name, err)
	}
	return evt
}
