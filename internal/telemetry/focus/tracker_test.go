package focus

import "testing"

func TestTracker_Focused(t *testing.T) {
	testCases := []struct {
		name           string
		frame          bool
		windowFocused  bool
		runtimeFocused bool
		want           bool
	}{
		{"frame both focused", true, true, true, true},
		{"frame runtime unfocused", true, true, false, false},
		{"frame window blurred", true, false, true, false},
		{"no frame ignores runtime", false, true, false, true},
		{"no frame window blurred", false, false, true, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker(tc.frame)
			tr.SetWindowFocus(tc.windowFocused)
			tr.SetRuntimeFocus(tc.runtimeFocused)
			if got := tr.Focused(); got != tc.want {
				t.Errorf("Focused() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTracker_InitialState(t *testing.T) {
	tr := NewTracker(true)
	if !tr.WindowFocused() {
		t.Error("window should start focused")
	}
	if tr.RuntimeFocused() {
		t.Error("runtime should start unfocused")
	}
	if tr.Focused() {
		t.Error("frame runtime should not own input before reporting focus")
	}
	if !tr.RequireRuntimeFocus() {
		t.Error("frame tracker should require runtime focus")
	}
	if !NewTracker(false).Focused() {
		t.Error("non-frame tracker should start focused")
	}
}

func TestTracker_ReportsChanges(t *testing.T) {
	tr := NewTracker(true)
	if !tr.SetRuntimeFocus(true) {
		t.Error("first runtime focus should be a change")
	}
	if tr.SetRuntimeFocus(true) {
		t.Error("repeated runtime focus should not be a change")
	}
	if tr.SetWindowFocus(true) {
		t.Error("window already focused")
	}
	if !tr.SetWindowFocus(false) {
		t.Error("window blur should be a change")
	}
}
