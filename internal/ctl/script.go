package ctl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"simlab-telemetry/internal/page"
	"simlab-telemetry/internal/telemetry/domain"
)

// Script actions that are not page events.
const (
	actionPause      = "pause"
	actionResume     = "resume"
	actionUnityFocus = "unity_focus"
	actionUnityBlur  = "unity_blur"
	actionGameEvent  = "game_event"
)

// step is one line of a replay script: either a page event (kind set) or an action on the
// collector. DelayMs is the pause before the step when replaying in real time.
type step struct {
	page.Event
	Action  string          `json:"action,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	DelayMs int             `json:"delay_ms,omitempty"`

	line int
}

func (s step) delay() time.Duration {
	return time.Duration(s.DelayMs) * time.Millisecond
}

// actor is the part of the collector a script drives.
type actor interface {
	Pause()
	Resume()
	SetUnityFocus(focused bool)
	LogEvent(p domain.Payload) bool
}

// apply performs the step. Page events go through bus so they take the same path as live input.
func (s step) apply(a actor, bus *page.Bus) error {
	switch s.Action {
	case "":
		bus.Dispatch(s.Event)
	case actionPause:
		a.Pause()
	case actionResume:
		a.Resume()
	case actionUnityFocus:
		a.SetUnityFocus(true)
	case actionUnityBlur:
		a.SetUnityFocus(false)
	case actionGameEvent:
		data := s.Data
		if len(data) == 0 {
			data = json.RawMessage(`{}`)
		}
		a.LogEvent(domain.GameEvent{Fields: data})
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	return nil
}

// parseScript reads JSON lines. Blank lines and lines starting with '#' are skipped.
func parseScript(r io.Reader) ([]step, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var steps []step
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		var s step
		if err := json.Unmarshal(line, &s); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		switch {
		case s.Action == "" && s.Kind == "":
			return nil, fmt.Errorf("line %d: %w", n, errEmptyStep)
		case s.Action != "" && s.Kind != "":
			return nil, fmt.Errorf("line %d: both kind and action set", n)
		case s.DelayMs < 0:
			return nil, fmt.Errorf("line %d: negative delay_ms", n)
		}
		s.line = n
		steps = append(steps, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	return steps, nil
}

var errEmptyStep = errors.New("step needs a kind or an action")
