package classify

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	return NewClassifier(DefaultStore())
}

func TestClassifier_PromptBeatsHeuristic(t *testing.T) {
	c := newTestClassifier(t)

	events := c.Classify([]byte("Overwrite existing file (y/n)?\n"))

	require.Len(t, events, 1)
	require.Equal(t, KindQuestion, events[0].Kind)
	require.Equal(t, "yes_no", events[0].Detector)
	require.Equal(t, "Overwrite existing file (y/n)?", events[0].PromptText)
}

func TestClassifier_HeuristicQuestion(t *testing.T) {
	c := newTestClassifier(t)

	events := c.Classify([]byte("What should I name the new module?\r\n"))

	require.Len(t, events, 1)
	require.Equal(t, DetectorHeuristic, events[0].Detector)
}

func TestClassifier_FencedBlockSuppressesQuestions(t *testing.T) {
	c := newTestClassifier(t)

	events := c.Classify([]byte("```markdown\n# Why?\nWhat does this do?\n```\n"))
	require.Empty(t, events)

	// The same question outside a fence is reported.
	events = c.Classify([]byte("What does this do?\n"))
	require.Len(t, events, 1)
}

func TestClassifier_ProgressMarkers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Event
	}{
		{"set", "\x1b]9;4;1;42\x07", []Event{{Kind: KindProgress, State: ProgressSet, Value: 42}}},
		{"clamped", "\x1b]9;4;1;150\x07", []Event{{Kind: KindProgress, State: ProgressSet, Value: 100}}},
		{"st terminator", "\x1b]9;4;3\x1b\\", []Event{{Kind: KindProgress, State: ProgressIndeterminate}}},
		{"remove", "\x1b]9;4;0;0\x07", []Event{{Kind: KindProgress, State: ProgressRemove}}},
		{"unknown state", "\x1b]9;4;7;50\x07", nil},
		{"non digit value", "\x1b]9;4;1;4x\x07", nil},
		{"signed value", "\x1b]9;4;1;-5\x07", nil},
		{"overflow", "\x1b]9;4;1;99999999999999999999999\x07", nil},
		{"other osc", "\x1b]8;;https://example.com\x07", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClassifier(t)
			require.Equal(t, tt.want, c.Classify([]byte(tt.input)))
		})
	}
}

func TestClassifier_Intent(t *testing.T) {
	c := newTestClassifier(t)

	events := c.Classify([]byte("\x1b]0;✳ Fix flaky login test\x07"))

	require.Equal(t, []Event{{Kind: KindIntent, Text: "Fix flaky login test"}}, events)
}

func TestClassifier_ShellTitleIsNotIntent(t *testing.T) {
	c := newTestClassifier(t)

	require.Empty(t, c.Classify([]byte("\x1b]0;dev@box: ~/src/app\x07$ ")))
	require.Empty(t, c.Classify([]byte("\x1b]2;vim main.go\x07")))
}

func TestClassifier_IntentTitleFromCatalog(t *testing.T) {
	cat := DefaultCatalog()
	cat.IntentTitle = `^task: (?P<text>.+)$`
	p, err := cat.Compile()
	require.NoError(t, err)
	c := NewClassifier(NewStore(p))

	require.Equal(t, []Event{{Kind: KindIntent, Text: "migrate db"}}, c.Classify([]byte("\x1b]0;task: migrate db\x07")))
	require.Empty(t, c.Classify([]byte("\x1b]0;✳ Fix flaky login test\x07")))

	cat.IntentTitle = ""
	p, err = cat.Compile()
	require.NoError(t, err)
	c = NewClassifier(NewStore(p))
	require.Empty(t, c.Classify([]byte("\x1b]0;✳ Fix flaky login test\x07")))
}

func TestClassifier_MarkerSplitAcrossChunks(t *testing.T) {
	c := newTestClassifier(t)

	require.Empty(t, c.Classify([]byte("abc\x1b]9;4;1;")))
	events := c.Classify([]byte("42\x07def\n"))
	require.Equal(t, []Event{{Kind: KindProgress, State: ProgressSet, Value: 42}}, events)

	// Split right after the escape byte.
	require.Empty(t, c.Classify([]byte("x\x1b")))
	events = c.Classify([]byte("]2;⠋ Deploy\x07\n"))
	require.Equal(t, []Event{{Kind: KindIntent, Text: "Deploy"}}, events)
}

func TestClassifier_LineSplitAcrossChunks(t *testing.T) {
	c := newTestClassifier(t)

	require.Empty(t, c.Classify([]byte("Overwrite existing file (y/")))
	events := c.Classify([]byte("n)?\n"))

	require.Len(t, events, 1)
	require.Equal(t, "yes_no", events[0].Detector)

	// Nothing left over to report twice.
	require.Empty(t, c.Classify([]byte("\n")))
}

func TestClassifier_PromptReportedBeforeAnswer(t *testing.T) {
	c := newTestClassifier(t)

	events := c.Classify([]byte("Writing files\nOverwrite config? [y/N] "))
	require.Equal(t, []Event{{Kind: KindQuestion, PromptText: "Overwrite config? [y/N]", Detector: "yes_no"}}, events)

	// More of the same line, then the echoed answer: nothing new.
	require.Empty(t, c.Classify([]byte(" ")))
	require.Empty(t, c.Classify([]byte("y\r\n")))

	// The next prompt is reported again.
	events = c.Classify([]byte("Overwrite README? [y/N] "))
	require.Len(t, events, 1)
	require.Equal(t, "Overwrite README? [y/N]", events[0].PromptText)
}

func TestClassifier_CompletedPromptLineStillReported(t *testing.T) {
	c := newTestClassifier(t)

	require.Empty(t, c.Classify([]byte("Overwrite existing file (y/")))
	events := c.Classify([]byte("n)?\nnext line\n"))
	require.Len(t, events, 1)
	require.Equal(t, "yes_no", events[0].Detector)
}

func TestClassifier_FenceSpansChunks(t *testing.T) {
	c := newTestClassifier(t)

	require.Empty(t, c.Classify([]byte("```go\n// what now?\n")))
	require.Empty(t, c.Classify([]byte("Is this a question?\n")))
	require.Empty(t, c.Classify([]byte("```\n")))

	events := c.Classify([]byte("Is this a question?\n"))
	require.Len(t, events, 1)
	require.Equal(t, DetectorHeuristic, events[0].Detector)
}

func TestClassifier_FenceKeepsErrorDetectors(t *testing.T) {
	c := newTestClassifier(t)

	events := c.Classify([]byte("```\nAPI Error: 500 internal\nRate limit reached, retry after 30s\n"))
	require.Len(t, events, 2)
	require.Equal(t, KindAPIError, events[0].Kind)
	require.Equal(t, KindRateLimit, events[1].Kind)
}

func TestClassifier_RateLimit(t *testing.T) {
	c := newTestClassifier(t)

	events := c.Classify([]byte("Rate limit reached, retry after 30s\n"))
	require.Len(t, events, 1)
	require.Equal(t, KindRateLimit, events[0].Kind)
	require.Equal(t, "rate_limit_retry", events[0].PatternName)
	require.Equal(t, 30*time.Second, events[0].RetryAfter)

	events = c.Classify([]byte("rate limited: try again in 5 minutes\n"))
	require.Len(t, events, 1)
	require.Equal(t, 5*time.Minute, events[0].RetryAfter)

	events = c.Classify([]byte("HTTP 429 Too Many Requests\n"))
	require.Len(t, events, 1)
	require.Equal(t, "too_many_requests", events[0].PatternName)
	require.Zero(t, events[0].RetryAfter)
}

func TestClassifier_MalformedRetryAfterDropped(t *testing.T) {
	c := newTestClassifier(t)

	// The capture is out of range: the rule claims the line but reports nothing,
	// and no lower rule fires with a made-up value.
	events := c.Classify([]byte("rate limit hit, retry in 99999 hours\n"))
	require.Empty(t, events)
}

func TestClassifier_APIErrorBeatsRateLimit(t *testing.T) {
	c := newTestClassifier(t)

	events := c.Classify([]byte("\x1b[31mAPI Error: 429 rate limit exceeded\x1b[0m\n"))

	require.Len(t, events, 1)
	require.Equal(t, KindAPIError, events[0].Kind)
	require.Equal(t, "api_status", events[0].PatternName)
	require.Equal(t, "API Error: 429", events[0].MatchedText)
	require.Equal(t, SeverityError, events[0].Severity)
}

func TestClassifier_APIErrorSeverity(t *testing.T) {
	c := newTestClassifier(t)

	events := c.Classify([]byte("Error: prompt is too long: 210000 tokens\n"))

	require.Len(t, events, 1)
	require.Equal(t, "context_overflow", events[0].PatternName)
	require.Equal(t, SeverityFatal, events[0].Severity)
}

func TestClassifier_StatusLine(t *testing.T) {
	c := newTestClassifier(t)

	events := c.Classify([]byte("✻ Thinking… (12s · ↑ 1.2k tokens · esc to interrupt)\n"))

	require.Len(t, events, 1)
	require.Equal(t, Event{
		Kind:      KindStatusLine,
		TaskName:  "Thinking…",
		TimeInfo:  "12s",
		TokenInfo: "↑ 1.2k tokens",
	}, events[0])
}

func TestClassifier_EventsInStreamOrder(t *testing.T) {
	c := newTestClassifier(t)

	events := c.Classify([]byte("\x1b]9;4;1;10\x07API Error: 500 internal\n\x1b]0;✻ Deploy\x07"))

	require.Len(t, events, 3)
	require.Equal(t, KindProgress, events[0].Kind)
	require.Equal(t, KindAPIError, events[1].Kind)
	require.Equal(t, KindIntent, events[2].Kind)
}

func TestClassifier_PendingIsBounded(t *testing.T) {
	c := newTestClassifier(t)

	c.Classify([]byte(strings.Repeat("é", 5000)))

	require.LessOrEqual(t, len(c.pending), maxPending)
	require.True(t, strings.HasPrefix(c.pending, "é"))
}

func TestClassifier_RunawayOSCBecomesText(t *testing.T) {
	c := newTestClassifier(t)

	c.Classify([]byte("\x1b]0;" + strings.Repeat("a", maxOSCLength+10)))

	require.NotContains(t, c.pending, "\x1b")
}

func TestClassifier_WaitingIsIdempotent(t *testing.T) {
	c := newTestClassifier(t)

	c.Classify([]byte("Installing deps\nProceed with install? "))

	first, ok := c.Waiting()
	require.True(t, ok)
	require.Equal(t, DetectorSilence, first.Detector)
	require.Equal(t, "Proceed with install?", first.PromptText)

	second, ok := c.Waiting()
	require.True(t, ok)
	require.Equal(t, first, second)
}

func TestClassifier_WaitingOnExplicitPrompt(t *testing.T) {
	c := newTestClassifier(t)

	c.Classify([]byte("Continue? [y/N] "))

	ev, ok := c.Waiting()
	require.True(t, ok)
	require.Equal(t, DetectorSilence+"/yes_no", ev.Detector)
}

func TestClassifier_NotWaiting(t *testing.T) {
	c := newTestClassifier(t)

	_, ok := c.Waiting()
	require.False(t, ok)

	c.Classify([]byte("compiling 42 files\n"))
	_, ok = c.Waiting()
	require.False(t, ok)
}

func TestPatterns_DetectWaiting(t *testing.T) {
	p := MustCompileDefault()

	ev, ok := p.DetectWaiting("building...\n\x1b[1mDo you want to proceed?\x1b[0m\n\n")
	require.True(t, ok)
	require.Equal(t, DetectorSilence+"/confirmation", ev.Detector)
	require.Equal(t, "Do you want to proceed?", ev.PromptText)

	again, ok := p.DetectWaiting("building...\n\x1b[1mDo you want to proceed?\x1b[0m\n\n")
	require.True(t, ok)
	require.Equal(t, ev, again)

	_, ok = p.DetectWaiting("done\n")
	require.False(t, ok)

	_, ok = p.DetectWaiting("")
	require.False(t, ok)
}

func TestStore_SwapAffectsClassifiers(t *testing.T) {
	store := DefaultStore()
	c := NewClassifier(store)

	require.Empty(t, c.Classify([]byte("deploy blocked\n")))

	cat := DefaultCatalog()
	cat.APIErrors = append(cat.APIErrors, Rule{Name: "deploy", Pattern: `deploy blocked`, Severity: SeverityWarning})
	p, err := cat.Compile()
	require.NoError(t, err)
	store.Swap(p)

	events := c.Classify([]byte("deploy blocked\n"))
	require.Len(t, events, 1)
	require.Equal(t, "deploy", events[0].PatternName)
}

func TestIsHeuristicQuestion(t *testing.T) {
	f := DefaultCatalog().Question

	tests := []struct {
		line string
		want bool
	}{
		{"What should I name the file?", true},
		{"  Shall I continue?", true},
		{"// why is this here?", false},
		{"# Why?", false},
		{"-- is this null?", false},
		{"    if ready?", false},
		{"\tmaybe?", false},
		{"> quoted question?", false},
		{"- is this a list item?", false},
		{"1. is this numbered?", false},
		{"| table cell?", false},
		{"Does `foo()` return?", false},
		{"Is **this** right?", false},
		{"_emphasis?", false},
		{"x := ready?", false},
		{"see https://example.com/search?", false},
		{strings.Repeat("a", 210) + "?", false},
		{"No question here.", false},
		{"?", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, isHeuristicQuestion(tt.line, f), tt.line)
	}
}
