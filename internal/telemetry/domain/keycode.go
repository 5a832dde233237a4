package domain

import "fmt"

// KeyCode is a physical key identifier in the KeyboardEvent.code namespace ("KeyW", "Space").
// It names a key position, never the character the key produced.
type KeyCode string

var keyCodes = buildKeyCodes()

func buildKeyCodes() map[KeyCode]struct{} {
	codes := make(map[KeyCode]struct{}, 160)
	add := func(names ...string) {
		for _, n := range names {
			codes[KeyCode(n)] = struct{}{}
		}
	}
	for c := 'A'; c <= 'Z'; c++ {
		add("Key" + string(c))
	}
	for d := 0; d <= 9; d++ {
		add(fmt.Sprintf("Digit%d", d), fmt.Sprintf("Numpad%d", d))
	}
	for f := 1; f <= 24; f++ {
		add(fmt.Sprintf("F%d", f))
	}
	add(
		"ArrowUp", "ArrowDown", "ArrowLeft", "ArrowRight",
		"Space", "Enter", "Tab", "Escape", "Backspace", "Delete", "Insert",
		"Home", "End", "PageUp", "PageDown",
		"ShiftLeft", "ShiftRight", "ControlLeft", "ControlRight",
		"AltLeft", "AltRight", "MetaLeft", "MetaRight",
		"CapsLock", "NumLock", "ScrollLock", "PrintScreen", "Pause", "ContextMenu",
		"Minus", "Equal", "BracketLeft", "BracketRight", "Backslash",
		"Semicolon", "Quote", "Backquote", "Comma", "Period", "Slash",
		"IntlBackslash", "IntlRo", "IntlYen",
		"NumpadAdd", "NumpadSubtract", "NumpadMultiply", "NumpadDivide",
		"NumpadDecimal", "NumpadEnter", "NumpadEqual", "NumpadComma",
		"Unidentified",
	)
	return codes
}

// Valid reports whether k is a known physical key code.
func (k KeyCode) Valid() bool {
	_, ok := keyCodes[k]
	return ok
}

// NormalizeKeyCode maps an arbitrary code string to a KeyCode, collapsing anything outside the
// known set to "Unidentified" so that no free-form string reaches a Record.
func NormalizeKeyCode(s string) KeyCode {
	if k := KeyCode(s); k.Valid() {
		return k
	}
	return KeyCode("Unidentified")
}
