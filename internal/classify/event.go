// Package classify turns raw terminal output into structured events.
//
// A Catalog holds the detectors as data; Compile turns it into Patterns once,
// and a Store shares the current Patterns between every session's Classifier.
// A Classifier keeps only the trailing incomplete line of the previous chunk
// and the last non-empty line it has seen.
package classify

import "time"

// Kind identifies the variant of an Event.
type Kind string

const (
	KindRateLimit  Kind = "rate_limit"
	KindAPIError   Kind = "api_error"
	KindQuestion   Kind = "question"
	KindProgress   Kind = "progress"
	KindStatusLine Kind = "status_line"
	KindIntent     Kind = "intent"
)

// Severity grades an API error.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityWarning, SeverityError, SeverityFatal:
		return true
	}
	return false
}

// ProgressState is the state field of a terminal progress report
// (OSC 9;4). The numeric codes 0-4 map to these values in order.
type ProgressState string

const (
	ProgressRemove        ProgressState = "remove"
	ProgressSet           ProgressState = "set"
	ProgressError         ProgressState = "error"
	ProgressIndeterminate ProgressState = "indeterminate"
	ProgressWarning       ProgressState = "warning"
)

var progressStates = [...]ProgressState{
	ProgressRemove,
	ProgressSet,
	ProgressError,
	ProgressIndeterminate,
	ProgressWarning,
}

// Detector names used for questions that are not claimed by a catalog rule.
const (
	DetectorHeuristic = "heuristic"
	DetectorSilence   = "silence"
)

// Event is one classified fact. Only the fields belonging to Kind are set.
type Event struct {
	Kind Kind `json:"kind"`

	// rate_limit, api_error
	PatternName string        `json:"patternName,omitempty"`
	MatchedText string        `json:"matchedText,omitempty"`
	RetryAfter  time.Duration `json:"retryAfter,omitempty"`
	Severity    Severity      `json:"severity,omitempty"`

	// question
	PromptText string `json:"promptText,omitempty"`
	Detector   string `json:"detector,omitempty"`

	// progress
	State ProgressState `json:"state,omitempty"`
	Value int           `json:"value,omitempty"`

	// status_line
	TaskName  string `json:"taskName,omitempty"`
	TimeInfo  string `json:"timeInfo,omitempty"`
	TokenInfo string `json:"tokenInfo,omitempty"`

	// intent
	Text string `json:"text,omitempty"`
}
