// ABOUTME: Execution progress report decoding, filtering, and status-line formatting
// ABOUTME: Step descriptions are derived from the step target and action when unnamed

package execution

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// ErrNotUpdate is returned by Parse for payloads that are not execution
// progress reports.
var ErrNotUpdate = errors.New("not an execution update")

// Execution statuses.
const (
	StatusStarted   = "STARTED"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// Fixed status lines.
const (
	TextStarted   = "Starting task execution..."
	TextCompleted = "Task execution completed."
	textFailed    = "Task execution failed: "
)

// DefaultMaxAge bounds how long before monitoring began an execution may
// have started and still be reported.
const DefaultMaxAge = 2 * time.Minute

// Update is one progress report.
type Update struct {
	ExecutionID       string    `json:"executionId"`
	AgentName         string    `json:"agentName,omitempty"`
	TaskName          string    `json:"taskName,omitempty"`
	TeamID            string    `json:"teamId,omitempty"`
	Status            string    `json:"status"`
	CurrentStep       int       `json:"currentStep"`
	TotalSteps        int       `json:"totalSteps"`
	CurrentStepName   string    `json:"currentStepName,omitempty"`
	CurrentStepTarget string    `json:"currentStepTarget,omitempty"`
	CurrentStepAction string    `json:"currentStepAction,omitempty"`
	StartedAt         Timestamp `json:"startedAt"`
	ErrorMessage      string    `json:"errorMessage,omitempty"`
}

// Parse decodes a report. Arrays, scalars, and objects without an
// executionId yield ErrNotUpdate.
func Parse(body []byte) (Update, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return Update{}, ErrNotUpdate
	}
	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		return Update{}, fmt.Errorf("decoding execution update: %w", err)
	}
	if u.ExecutionID == "" {
		return Update{}, ErrNotUpdate
	}
	return u, nil
}

// StatusLine is the status log entry for u.
func StatusLine(u Update) string {
	switch u.Status {
	case StatusStarted:
		return TextStarted
	case StatusCompleted:
		return TextCompleted
	case StatusFailed:
		msg := u.ErrorMessage
		if msg == "" {
			msg = "Unknown error"
		}
		return textFailed + msg
	}
	return StepDescription(u)
}

// StepDescription names the current step, prefixed with its position when
// the total is known. An explicit step name is used verbatim.
func StepDescription(u Update) string {
	if u.CurrentStepName != "" {
		return u.CurrentStepName
	}

	target, action := u.CurrentStepTarget, u.CurrentStepAction
	var desc string
	switch {
	case target == "api-gateway" && action == "create":
		desc = "Searching knowledge base for relevant information..."
	case strings.Contains(target, "milvus") || target == "api-gateway":
		if action == "create" || action == "search" {
			desc = "Searching knowledge base..."
		} else {
			desc = "Processing knowledge base data..."
		}
	case isModelTarget(target):
		desc = "Generating answer using AI..."
	default:
		name := strings.ReplaceAll(target, "-", " ")
		if name == "" {
			name = "service"
		}
		if action == "" {
			action = "processing"
		}
		desc = capitalize(action) + " " + name + "..."
	}

	if u.TotalSteps > 0 {
		desc = fmt.Sprintf("Step %d of %d: %s", u.CurrentStep, u.TotalSteps, desc)
	}
	return desc
}

func isModelTarget(target string) bool {
	for _, provider := range []string{"openai", "gemini", "claude", "cohere"} {
		if strings.Contains(target, provider) {
			return true
		}
	}
	return false
}

func capitalize(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[n:]
}

// Filter selects the reports that belong to the watched exchange.
type Filter struct {
	// TeamID keeps only reports for this team. Empty accepts every team.
	TeamID string
	// MaxAge drops executions that started this long before monitoring
	// began. Zero disables the check.
	MaxAge time.Duration
}

// DefaultFilter accepts every team and applies DefaultMaxAge.
func DefaultFilter() Filter {
	return Filter{MaxAge: DefaultMaxAge}
}

// Accept reports whether u should be shown for monitoring that began at
// since.
func (f Filter) Accept(u Update, since time.Time) bool {
	if f.TeamID != "" && u.TeamID != f.TeamID {
		return false
	}
	started := u.StartedAt.Time()
	if f.MaxAge > 0 && !started.IsZero() && !since.IsZero() && started.Before(since.Add(-f.MaxAge)) {
		return false
	}
	return true
}

// Timestamp decodes the server's local date-times, sent either as an ISO
// string or as a [year, month, day, hour, minute, second, nanos] array.
type Timestamp struct {
	t time.Time
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp { return Timestamp{t: t} }

// Time returns the decoded instant, zero when absent.
func (ts Timestamp) Time() time.Time { return ts.t }

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		ts.t = time.Time{}
		return nil

	case data[0] == '[':
		var parts []int
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("startedAt: %w", err)
		}
		if len(parts) < 3 {
			return fmt.Errorf("startedAt: want at least 3 fields, got %d", len(parts))
		}
		for len(parts) < 7 {
			parts = append(parts, 0)
		}
		ts.t = time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], time.Local)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("startedAt: %w", err)
	}
	if s == "" {
		ts.t = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			ts.t = t
			return nil
		}
	}
	return fmt.Errorf("startedAt: unrecognised time %q", s)
}

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.t.Format(time.RFC3339Nano))
}
