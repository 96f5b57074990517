package classify

import (
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// maxPending bounds the incomplete trailing line carried between chunks.
const maxPending = 4096

// Store shares the current Patterns between classifiers. Swapping in a
// reloaded catalog takes effect on the next Classify call of every session.
type Store struct {
	current atomic.Pointer[Patterns]
}

// NewStore returns a store holding p.
func NewStore(p *Patterns) *Store {
	s := &Store{}
	s.current.Store(p)
	return s
}

// DefaultStore returns a store holding the compiled default catalog.
func DefaultStore() *Store {
	return NewStore(MustCompileDefault())
}

// Patterns returns the current patterns.
func (s *Store) Patterns() *Patterns {
	return s.current.Load()
}

// Swap replaces the current patterns.
func (s *Store) Swap(p *Patterns) {
	s.current.Store(p)
}

// Classifier classifies one session's output stream.
type Classifier struct {
	store *Store

	mu       sync.Mutex
	pending  string // incomplete trailing line, possibly ending in an open OSC
	lastLine string // last non-empty line seen, ANSI-stripped and trimmed
	inFence  bool   // inside a ``` block

	// prompted is set once the pending line has been reported as an
	// explicit prompt. The line is not reported again when it ends.
	prompted bool
}

// NewClassifier returns a classifier reading patterns from store.
func NewClassifier(store *Store) *Classifier {
	return &Classifier{store: store}
}

// Classify returns the events found in chunk, in stream order.
//
// Escape-sequence markers are recognised as soon as they are terminated.
// Line detectors run on complete lines only; the unterminated tail is kept
// and re-examined together with the next chunk, so a pattern split across
// reads is still seen exactly once.
func (c *Classifier) Classify(chunk []byte) []Event {
	p := c.store.Patterns()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.pending + string(chunk)
	c.pending = ""

	var (
		events   []Event
		line     strings.Builder
		answered = c.prompted
	)

	endLine := func() {
		text := ansi.Strip(line.String())
		line.Reset()

		// Only the first line to end can be the pending prompt.
		wasPrompt := answered
		answered = false

		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return
		}
		c.lastLine = trimmed

		if isFence(trimmed) {
			c.inFence = !c.inFence
			return
		}
		ev, ok := p.classifyLine(text, c.inFence)
		if !ok || (wasPrompt && ev.Kind == KindQuestion) {
			return
		}
		events = append(events, ev)
	}

	i := 0
scan:
	for i < len(s) {
		b := s[i]
		switch {
		case b == esc && i+1 == len(s):
			// Lone ESC at the end may start a marker.
			c.pending = line.String() + s[i:]
			break scan

		case b == esc && s[i+1] == ']':
			end, next := oscEnd(s, i+2)
			if end < 0 {
				if len(s)-i <= maxOSCLength {
					c.pending = line.String() + s[i:]
					break scan
				}
				// Runaway sequence: treat as text.
				i++
				continue
			}
			if ev, ok := p.parseOSC(s[i+2 : end]); ok {
				events = append(events, ev)
			}
			i = next

		case b == '\n' || b == '\r':
			endLine()
			i++

		default:
			line.WriteByte(b)
			i++
		}
	}

	if i >= len(s) {
		c.pending = line.String()
	}
	c.pending = boundTail(c.pending)

	c.prompted = answered
	if tail := strings.TrimSpace(ansi.Strip(c.pending)); tail != "" {
		c.lastLine = tail

		// A prompt waits for its answer without ending the line.
		if !c.prompted {
			if name, ok := p.matchPrompt(tail); ok {
				events = append(events, Event{Kind: KindQuestion, PromptText: tail, Detector: name})
				c.prompted = true
			}
		}
	}
	return events
}

// Waiting reports whether the last non-empty line seen looks like the
// session is waiting for input. It has no side effects.
func (c *Classifier) Waiting() (Event, bool) {
	p := c.store.Patterns()

	c.mu.Lock()
	last := c.lastLine
	c.mu.Unlock()

	return p.waitingOn(last)
}

// DetectWaiting inspects the last non-empty line of buffered output and
// reports whether it looks like a prompt waiting for input.
func (p *Patterns) DetectWaiting(buffered string) (Event, bool) {
	return p.waitingOn(lastNonEmptyLine(ansi.Strip(buffered)))
}

func (p *Patterns) waitingOn(line string) (Event, bool) {
	if line == "" {
		return Event{}, false
	}
	if name, ok := p.matchPrompt(line); ok {
		return Event{Kind: KindQuestion, PromptText: line, Detector: DetectorSilence + "/" + name}, true
	}
	if isHeuristicQuestion(line, p.question) {
		return Event{Kind: KindQuestion, PromptText: line, Detector: DetectorSilence}, true
	}
	return Event{}, false
}

// classifyLine runs the line detectors in precedence order. The first
// family to claim the line decides the outcome, even when its capture turns
// out malformed and nothing is emitted.
func (p *Patterns) classifyLine(text string, inFence bool) (Event, bool) {
	trimmed := strings.TrimSpace(text)

	for _, r := range p.apiErrors {
		if loc := r.re.FindStringIndex(trimmed); loc != nil {
			return Event{
				Kind:        KindAPIError,
				PatternName: r.name,
				MatchedText: trimmed[loc[0]:loc[1]],
				Severity:    r.severity,
			}, true
		}
	}

	for _, r := range p.rateLimits {
		m := r.re.FindStringSubmatchIndex(trimmed)
		if m == nil {
			continue
		}
		ev := Event{
			Kind:        KindRateLimit,
			PatternName: r.name,
			MatchedText: trimmed[m[0]:m[1]],
		}
		if r.after > 0 && m[2*r.after] >= 0 {
			d, ok := parseRetryAfter(trimmed[m[2*r.after]:m[2*r.after+1]])
			if !ok {
				return Event{}, false
			}
			ev.RetryAfter = d
		}
		return ev, true
	}

	if name, ok := p.matchPrompt(trimmed); ok {
		return Event{Kind: KindQuestion, PromptText: trimmed, Detector: name}, true
	}

	if !inFence && isHeuristicQuestion(text, p.question) {
		return Event{Kind: KindQuestion, PromptText: trimmed, Detector: DetectorHeuristic}, true
	}

	if p.statusLine != nil {
		if m := p.statusLine.FindStringSubmatch(trimmed); m != nil {
			ev := Event{Kind: KindStatusLine}
			for i, name := range p.statusLine.SubexpNames() {
				switch name {
				case "task":
					ev.TaskName = strings.TrimSpace(m[i])
				case "time":
					ev.TimeInfo = strings.TrimSpace(m[i])
				case "tokens":
					ev.TokenInfo = strings.TrimSpace(m[i])
				}
			}
			if ev.TaskName != "" {
				return ev, true
			}
		}
	}

	return Event{}, false
}

func (p *Patterns) matchPrompt(trimmed string) (string, bool) {
	for _, r := range p.prompts {
		if r.re.MatchString(trimmed) {
			return r.name, true
		}
	}
	return "", false
}

func lastNonEmptyLine(s string) string {
	for len(s) > 0 {
		idx := strings.LastIndexAny(s, "\r\n")
		line := strings.TrimSpace(s[idx+1:])
		if line != "" {
			return line
		}
		if idx < 0 {
			break
		}
		s = s[:idx]
	}
	return ""
}

// boundTail keeps at most maxPending bytes, cut on a rune boundary.
func boundTail(s string) string {
	if len(s) <= maxPending {
		return s
	}
	s = s[len(s)-maxPending:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}
