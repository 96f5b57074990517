package classify

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

const (
	esc = 0x1b
	bel = 0x07

	// maxOSCLength bounds how long an unterminated OSC sequence is held
	// back waiting for its terminator before it is treated as text.
	maxOSCLength = 1024
)

// oscEnd finds the terminator of an OSC sequence whose payload starts at
// from. It returns the payload end and the index just past the terminator,
// or -1 if the sequence is not terminated yet.
func oscEnd(s string, from int) (end, next int) {
	for i := from; i < len(s); i++ {
		switch s[i] {
		case bel:
			return i, i + 1
		case esc:
			if i+1 >= len(s) {
				return -1, -1
			}
			if s[i+1] == '\\' {
				return i, i + 2
			}
		}
	}
	return -1, -1
}

// parseOSC interprets the payload of an OSC sequence. Progress reports
// (9;4;state;value) and window titles (0, 1, 2) matching the intent
// pattern are understood; every other OSC is consumed silently.
func (p *Patterns) parseOSC(payload string) (Event, bool) {
	switch {
	case strings.HasPrefix(payload, "9;4;"):
		return parseProgress(payload[len("9;4;"):])
	case strings.HasPrefix(payload, "0;"), strings.HasPrefix(payload, "1;"), strings.HasPrefix(payload, "2;"):
		return parseIntent(payload[2:], p.intent)
	}
	return Event{}, false
}

// parseProgress reads "state[;value]". The state must be one of the five
// codes; the value is clamped to 0-100. Non-numeric or overflowing fields
// drop the report.
func parseProgress(fields string) (Event, bool) {
	stateText, valueText, hasValue := strings.Cut(fields, ";")

	state, ok := parseDigits(stateText)
	if !ok || state >= len(progressStates) {
		return Event{}, false
	}

	value := 0
	if hasValue && valueText != "" {
		v, ok := parseDigits(valueText)
		if !ok {
			return Event{}, false
		}
		value = min(v, 100)
	}

	return Event{Kind: KindProgress, State: progressStates[state], Value: value}, true
}

// parseDigits accepts only plain ASCII decimal numbers.
func parseDigits(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseIntent extracts the task an agent announces through its window
// title, dropping spinner glyphs and control characters. Titles re does
// not match, such as the user@host:dir a shell sets at every prompt, are
// not intents. A nil re disables intents.
func parseIntent(title string, re *regexp.Regexp) (Event, bool) {
	if re == nil {
		return Event{}, false
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, title)
	cleaned = strings.TrimSpace(cleaned)

	m := re.FindStringSubmatch(cleaned)
	if m == nil {
		return Event{}, false
	}
	if i := re.SubexpIndex("text"); i > 0 {
		cleaned = m[i]
	}
	cleaned = strings.TrimLeftFunc(cleaned, func(r rune) bool {
		return unicode.IsSpace(r) || isSpinnerGlyph(r)
	})
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return Event{}, false
	}
	return Event{Kind: KindIntent, Text: cleaned}, true
}

func isSpinnerGlyph(r rune) bool {
	// Braille spinners and the star glyphs agents prefix their titles with.
	if r >= 0x2800 && r <= 0x28FF {
		return true
	}
	switch r {
	case '·', '✢', '✳', '✶', '✻', '✽', '*', '•', '∗', '⏺':
		return true
	}
	return false
}
