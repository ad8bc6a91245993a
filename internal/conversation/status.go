// ABOUTME: Status log presentation: which line is latest and which lines read as finished
// ABOUTME: Finished detection is a substring match against configurable completion markers

package conversation

import "strings"

// StatusLine is one entry of the status log, ready for display.
type StatusLine struct {
	Text   string
	Latest bool
	Done   bool
}

// Spinning reports whether the line should show an in-progress indicator.
func (l StatusLine) Spinning() bool {
	return l.Latest && !l.Done
}

// StatusLines returns the status log oldest first. The last entry is
// Latest; a line is Done when it contains any completion marker.
func (s *Session) StatusLines() []StatusLine {
	s.mu.Lock()
	log := append([]string(nil), s.statusLog...)
	markers := s.opts.CompletionMarkers
	s.mu.Unlock()

	return BuildStatusLines(log, markers)
}

// BuildStatusLines classifies log against markers.
func BuildStatusLines(log []string, markers []string) []StatusLine {
	lines := make([]StatusLine, len(log))
	for i, text := range log {
		lines[i] = StatusLine{
			Text:   text,
			Latest: i == len(log)-1,
			Done:   IsTerminal(text, markers),
		}
	}
	return lines
}

// IsTerminal reports whether text contains any of markers. Matching is
// case-sensitive.
func IsTerminal(text string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(text, m) {
			return true
		}
	}
	return false
}
