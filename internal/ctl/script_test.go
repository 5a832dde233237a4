package ctl

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"simlab-telemetry/internal/page"
	"simlab-telemetry/internal/telemetry/domain"
)

type recordingActor struct {
	calls []string
}

func (a *recordingActor) Pause()  { a.calls = append(a.calls, "pause") }
func (a *recordingActor) Resume() { a.calls = append(a.calls, "resume") }
func (a *recordingActor) SetUnityFocus(focused bool) {
	a.calls = append(a.calls, fmt.Sprintf("focus=%t", focused))
}
func (a *recordingActor) LogEvent(p domain.Payload) bool {
	g, ok := p.(domain.GameEvent)
	if !ok {
		a.calls = append(a.calls, "log:"+string(p.EventType()))
		return false
	}
	a.calls = append(a.calls, "game:"+string(g.Fields))
	return true
}

func TestParseScript_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"malformed", `{"kind":`, "line 1"},
		{"empty step", "\n{}", "line 2"},
		{"kind and action", `{"kind":"keydown","action":"pause"}`, "both kind and action"},
		{"negative delay", `{"action":"pause","delay_ms":-1}`, "negative delay_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseScript(strings.NewReader(tt.script))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestStepApply(t *testing.T) {
	steps, err := parseScript(strings.NewReader(strings.Join([]string{
		`{"action":"unity_focus"}`,
		`{"kind":"keydown","code":"KeyD","target":{"tag":"canvas"}}`,
		`{"action":"game_event","data":{"hp":9}}`,
		`{"action":"game_event"}`,
		`{"action":"pause","delay_ms":250}`,
		`{"action":"resume"}`,
		`{"action":"unity_blur"}`,
	}, "\n")))
	if err != nil {
		t.Fatalf("parseScript: %v", err)
	}
	if steps[4].delay().Milliseconds() != 250 {
		t.Errorf("delay = %s", steps[4].delay())
	}

	bus := page.NewBus()
	var seen []page.Event
	bus.Listen(page.KindKeyDown, func(ev page.Event) { seen = append(seen, ev) })
	a := &recordingActor{}
	for _, s := range steps {
		if err := s.apply(a, bus); err != nil {
			t.Fatalf("apply line %d: %v", s.line, err)
		}
	}

	want := []string{"focus=true", `game:{"hp":9}`, "game:{}", "pause", "resume", "focus=false"}
	if strings.Join(a.calls, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %v, want %v", a.calls, want)
	}
	if len(seen) != 1 || seen[0].Code != "KeyD" || seen[0].Target.Tag != "canvas" {
		t.Errorf("dispatched = %+v", seen)
	}
}

// Comments and blank lines never produce steps, and every step keeps its source line number.
func TestParseScript_LineNumbers(t *testing.T) {
	actions := []string{actionPause, actionResume, actionUnityFocus, actionUnityBlur, actionGameEvent}
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(rt, "lines")
		var b strings.Builder
		var wantLines []int
		var wantActions []string
		for i := 1; i <= n; i++ {
			switch rapid.IntRange(0, 2).Draw(rt, "kind") {
			case 0:
				b.WriteString("\n")
			case 1:
				b.WriteString("# " + rapid.StringMatching(`[a-z ]{0,20}`).Draw(rt, "comment") + "\n")
			default:
				a := rapid.SampledFrom(actions).Draw(rt, "action")
				line, err := json.Marshal(map[string]any{"action": a, "delay_ms": rapid.IntRange(0, 1000).Draw(rt, "delay")})
				if err != nil {
					rt.Fatalf("marshal: %v", err)
				}
				b.Write(line)
				b.WriteString("\n")
				wantLines = append(wantLines, i)
				wantActions = append(wantActions, a)
			}
		}

		steps, err := parseScript(strings.NewReader(b.String()))
		if err != nil {
			rt.Fatalf("parseScript: %v", err)
		}
		if len(steps) != len(wantLines) {
			rt.Fatalf("got %d steps, want %d", len(steps), len(wantLines))
		}
		for i, s := range steps {
			if s.line != wantLines[i] || s.Action != wantActions[i] {
				rt.Fatalf("step %d = line %d %q, want line %d %q", i, s.line, s.Action, wantLines[i], wantActions[i])
			}
		}
	})
}
