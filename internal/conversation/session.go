// ABOUTME: Per-conversation streaming state machine producing the transcript and UI flags
// ABOUTME: Events are applied atomically under one lock; callbacks run after it is released

package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/event"
	"github.com/2389/coven-chat/internal/execution"
	"github.com/2389/coven-chat/internal/metrics"
)

var (
	// ErrBusy is returned by Submit while a reply is still in flight.
	ErrBusy = errors.New("conversation is busy")

	// ErrEmptyMessage is returned by Submit for blank input.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrUnbound is returned by RequestCancel before the session has a
	// conversation id.
	ErrUnbound = errors.New("conversation has no id yet")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("session closed")
)

// Status lines for task progress events.
const (
	StatusTasksStarting  = "Starting agent tasks..."
	StatusTasksCompleted = "Agent tasks completed. Preparing answer..."
)

// Notice texts.
const (
	NoticeTextCancelled   = "Message generation cancelled"
	NoticeTextInterrupted = "Response interrupted before completion"
)

// Phase is the coarse session state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseStreaming
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// NoticeLevel classifies user-visible notices.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeError
)

// Notice is a transient user-visible message.
type Notice struct {
	Level NoticeLevel
	Text  string
}

// Canceller delivers the cancel command for a conversation.
type Canceller interface {
	SendCancel(conversationID string) error
}

// Options tunes a Session.
type Options struct {
	// Watchdog is how long sending may last before WaitingTooLong is set.
	Watchdog time.Duration
	// StaleStreamTimeout finalises a streaming message with no chunk for
	// this long. Zero leaves orphaned streams in place.
	StaleStreamTimeout time.Duration
	// CompletionMarkers mark a status line as finished when contained in it.
	CompletionMarkers []string
	// Now supplies message timestamps.
	Now func() time.Time
}

// DefaultOptions returns the stock session settings.
func DefaultOptions() Options {
	return Options{
		Watchdog:           30 * time.Second,
		StaleStreamTimeout: 2 * time.Minute,
		CompletionMarkers:  []string{"completed", "Success"},
		Now:                time.Now,
	}
}

// Reply is the request/response acknowledgement for a submitted message.
type Reply struct {
	MessageID string
	Content   string
	Metadata  Metadata
}

// Snapshot is an immutable copy of session state.
type Snapshot struct {
	ConversationID     string
	Phase              Phase
	Messages           []Message
	StreamingMessageID string
	StatusLog          []string
	Sending            bool
	Cancelling         bool
	WaitingTooLong     bool
}

// Session is the state machine for one conversation.
type Session struct {
	mu             sync.Mutex
	conversationID string
	messages       []Message
	streamingID    string
	streamStarted  time.Time
	statusLog      []string
	sending        bool
	cancelling     bool
	waitingTooLong bool
	closed         bool

	// monitoring is set between the start and end of agent task
	// execution; execution progress is only shown inside that window.
	monitoring   bool
	monitorSince time.Time

	watchdog    *time.Timer
	watchdogGen uint64
	stale       *time.Timer
	staleGen    uint64

	opts      Options
	canceller Canceller
	logger    *slog.Logger
	metrics   *metrics.Metrics

	hooksMu  sync.RWMutex
	onChange func(Snapshot)
	onNotice func(Notice)

	notifyMu sync.Mutex
	dirty    atomic.Bool
}

// NewSession creates an idle session. conversationID may be empty for a
// draft that is bound later with Bind.
func NewSession(conversationID string, canceller Canceller, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		conversationID: conversationID,
		opts:           opts,
		canceller:      canceller,
		logger:         logger.With("component", "session"),
	}
}

// SetMetrics attaches collectors.
func (s *Session) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// OnChange installs the change callback. It must not block.
func (s *Session) OnChange(fn func(Snapshot)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onChange = fn
}

// OnNotice installs the notice callback.
func (s *Session) OnNotice(fn func(Notice)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onNotice = fn
}

// ConversationID returns the bound conversation id, or "" for a draft.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Bind sets the conversation id of a draft. It returns false if the
// session is already bound to a different id.
func (s *Session) Bind(conversationID string) bool {
	s.mu.Lock()
	if s.conversationID != "" && s.conversationID != conversationID {
		s.mu.Unlock()
		return false
	}
	s.conversationID = conversationID
	s.mu.Unlock()
	s.changed()
	return true
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	msgs := make([]Message, len(s.messages))
	for i, m := range s.messages {
		msgs[i] = m.clone()
	}
	return Snapshot{
		ConversationID:     s.conversationID,
		Phase:              s.phaseLocked(),
		Messages:           msgs,
		StreamingMessageID: s.streamingID,
		StatusLog:          slices.Clone(s.statusLog),
		Sending:            s.sending,
		Cancelling:         s.cancelling,
		WaitingTooLong:     s.waitingTooLong && s.sending,
	}
}

func (s *Session) phaseLocked() Phase {
	switch {
	case s.streamingID != "":
		return PhaseStreaming
	case s.sending:
		return PhaseSending
	default:
		return PhaseIdle
	}
}

// Load replaces the transcript with history and resets all flags.
func (s *Session) Load(msgs []Message) {
	s.mu.Lock()
	s.messages = make([]Message, len(msgs))
	for i, m := range msgs {
		m = m.clone()
		m.Streaming = false
		s.messages[i] = m
	}
	s.streamingID = ""
	s.statusLog = nil
	s.sending = false
	s.cancelling = false
	s.monitoring = false
	s.stopWatchdogLocked()
	s.stopStaleLocked()
	s.mu.Unlock()
	s.changed()
}

// Submit appends an optimistic user message and enters sending.
func (s *Session) Submit(content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Message{}, ErrClosed
	}
	if s.sending || s.streamingID != "" {
		s.mu.Unlock()
		return Message{}, ErrBusy
	}
	msg := Message{
		ID:        "temp-" + uuid.New().String(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: s.opts.Now(),
	}
	s.messages = append(s.messages, msg)
	s.sending = true
	s.cancelling = false
	s.armWatchdogLocked()
	s.mu.Unlock()

	s.changed()
	return msg, nil
}

// Rollback removes the optimistic message after the initiating request
// failed and surfaces cause as an error notice.
func (s *Session) Rollback(messageID string, cause error) {
	s.mu.Lock()
	s.removeLocked(messageID)
	if s.streamingID == "" {
		s.sending = false
		s.cancelling = false
		s.monitoring = false
		s.stopWatchdogLocked()
	}
	s.mu.Unlock()

	s.logger.Warn("message rolled back", "message_id", messageID, "error", cause)
	s.changed()
	s.notify(Notice{Level: NoticeError, Text: fmt.Sprintf("Failed to send message: %v", cause)})
}

// Acknowledge applies the request/response reply. When the reply carries
// the answer while the session is still sending with no stream in flight,
// the stream events were missed: the answer is appended unless an
// assistant message with the same content already exists, and sending
// ends. Otherwise the events own the exchange and the reply is ignored.
func (s *Session) Acknowledge(r Reply) {
	s.mu.Lock()
	if r.Content == "" || !s.sending || s.streamingID != "" {
		s.mu.Unlock()
		return
	}
	appended := false
	if !s.hasAssistantContentLocked(r.Content) {
		id := r.MessageID
		if id == "" {
			id = "msg-" + uuid.New().String()
		}
		s.messages = append(s.messages, Message{
			ID:        id,
			Role:      RoleAssistant,
			Content:   r.Content,
			CreatedAt: s.opts.Now(),
			Metadata:  mergeMetadata(nil, r.Metadata),
		})
		appended = true
	}
	s.sending = false
	s.cancelling = false
	s.monitoring = false
	s.statusLog = nil
	s.stopWatchdogLocked()
	s.mu.Unlock()

	if appended {
		s.logger.Debug("appended reply from acknowledgement", "conversation_id", s.ConversationID())
	}
	s.changed()
}

// Enrich merges md into the metadata of the last assistant message. It
// reports whether a message was updated.
func (s *Session) Enrich(md Metadata) bool {
	if len(md) == 0 {
		return false
	}
	s.mu.Lock()
	i := s.lastAssistantLocked()
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages[i].Metadata = mergeMetadata(s.messages[i].Metadata, md)
	s.mu.Unlock()
	s.changed()
	return true
}

// ApplyExecution adds the status line for an execution progress report.
// Reports are only shown while agent tasks are executing, and only when
// filter accepts them. It reports whether the status log changed.
func (s *Session) ApplyExecution(u execution.Update, filter execution.Filter) bool {
	s.mu.Lock()
	if s.closed || !s.monitoring || !filter.Accept(u, s.monitorSince) {
		s.mu.Unlock()
		return false
	}
	added := s.appendStatusLocked(execution.StatusLine(u))
	s.mu.Unlock()
	if added {
		s.changed()
	}
	return added
}

// Handle applies one server event.
func (s *Session) Handle(ev event.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if ev.ConversationID != "" && s.conversationID != "" && ev.ConversationID != s.conversationID {
		s.mu.Unlock()
		s.logger.Debug("ignoring event for another conversation",
			"conversation_id", s.conversationID,
			"event_conversation_id", ev.ConversationID)
		return
	}

	var (
		mutated bool
		notice  *Notice
	)
	switch ev.Type {
	case event.TypeStreamingStarted:
		mutated = s.startLocked()
	case event.TypeChunk:
		mutated = s.chunkLocked(ev.Accumulated)
	case event.TypeStreamingComplete:
		mutated = s.completeLocked(ev)
	case event.TypeStreamingCancelled:
		mutated = s.cancelledLocked()
		if mutated {
			notice = &Notice{Level: NoticeInfo, Text: NoticeTextCancelled}
		}
	case event.TypeResponseReceived:
		mutated = s.receivedLocked(ev)
	case event.TypeTasksExecuting:
		s.monitoring = true
		s.monitorSince = s.opts.Now()
		mutated = s.appendStatusLocked(StatusTasksStarting)
	case event.TypeTasksCompleted:
		s.monitoring = false
		mutated = s.appendStatusLocked(StatusTasksCompleted)
	default:
		s.mu.Unlock()
		s.logger.Debug("ignoring unknown event type", "type", ev.Type)
		return
	}
	s.mu.Unlock()

	if mutated {
		s.changed()
	}
	if notice != nil {
		s.notify(*notice)
	}
}

func (s *Session) startLocked() bool {
	if s.streamingID != "" {
		s.logger.Debug("duplicate stream start ignored", "streaming_message_id", s.streamingID)
		return false
	}
	now := s.opts.Now()
	msg := Message{
		ID:        "streaming-" + uuid.New().String(),
		Role:      RoleAssistant,
		CreatedAt: now,
		Streaming: true,
	}
	s.statusLog = nil
	s.messages = append(s.messages, msg)
	s.streamingID = msg.ID
	s.streamStarted = now
	s.armStaleLocked()
	return true
}

func (s *Session) chunkLocked(accumulated string) bool {
	if s.streamingID == "" {
		s.logger.Debug("chunk without active stream ignored")
		return false
	}
	if accumulated == "" {
		return false
	}
	i := s.indexLocked(s.streamingID)
	if i < 0 {
		return false
	}
	s.messages[i].Content = accumulated
	s.armStaleLocked()
	return true
}

func (s *Session) completeLocked(ev event.Event) bool {
	if s.streamingID != "" {
		if i := s.indexLocked(s.streamingID); i >= 0 {
			msg := &s.messages[i]
			msg.Streaming = false
			msg.Metadata = mergeMetadata(msg.Metadata, ev.Metadata)
			if docs := ev.AllDocuments(); len(docs) > 0 {
				msg.Metadata = mergeMetadata(msg.Metadata, map[string]any{MetaDocuments: docs})
			}
		}
		s.metrics.StreamFinished(s.opts.Now().Sub(s.streamStarted).Seconds())
		s.streamingID = ""
	} else if !s.sending && !s.cancelling && len(s.statusLog) == 0 {
		return false
	}
	s.finishLocked()
	return true
}

func (s *Session) cancelledLocked() bool {
	if s.streamingID == "" && !s.sending {
		s.logger.Debug("cancellation for idle session ignored")
		return false
	}
	if s.streamingID != "" {
		s.removeLocked(s.streamingID)
		s.metrics.StreamFinished(s.opts.Now().Sub(s.streamStarted).Seconds())
		s.streamingID = ""
	}
	s.finishLocked()
	return true
}

func (s *Session) receivedLocked(ev event.Event) bool {
	docs := ev.AllDocuments()
	if len(docs) == 0 && ev.Metadata[MetaTaskResults] == nil {
		return false
	}
	i := s.lastAssistantLocked()
	if i < 0 {
		return false
	}
	msg := &s.messages[i]
	msg.Metadata = mergeMetadata(msg.Metadata, ev.Metadata)
	if len(docs) > 0 {
		msg.Metadata = mergeMetadata(msg.Metadata, map[string]any{MetaDocuments: docs})
	}
	return true
}

// finishLocked returns to idle after a completed or cancelled exchange.
func (s *Session) finishLocked() {
	s.statusLog = nil
	s.sending = false
	s.cancelling = false
	s.monitoring = false
	s.stopWatchdogLocked()
	s.stopStaleLocked()
}

func (s *Session) appendStatusLocked(line string) bool {
	if n := len(s.statusLog); n > 0 && s.statusLog[n-1] == line {
		return false
	}
	s.statusLog = append(s.statusLog, line)
	return true
}

// RequestCancel asks the server to stop the in-flight reply. It is a
// no-op when nothing is in flight or a cancel is already pending. If the
// command cannot be sent, cancelling is reverted and the error returned.
func (s *Session) RequestCancel() error {
	s.mu.Lock()
	if !s.sending && s.streamingID == "" {
		s.mu.Unlock()
		s.logger.Debug("cancel ignored, nothing in flight")
		return nil
	}
	if s.cancelling {
		s.mu.Unlock()
		return nil
	}
	if s.conversationID == "" {
		s.mu.Unlock()
		return ErrUnbound
	}
	s.cancelling = true
	id := s.conversationID
	s.mu.Unlock()
	s.changed()

	err := s.canceller.SendCancel(id)
	if err == nil {
		s.logger.Info("cancel requested", "conversation_id", id)
		return nil
	}

	s.mu.Lock()
	s.cancelling = false
	s.mu.Unlock()
	s.changed()
	s.logger.Warn("cancel request failed", "conversation_id", id, "error", err)
	s.notify(Notice{Level: NoticeError, Text: fmt.Sprintf("Could not cancel: %v", err)})
	return fmt.Errorf("cancelling %s: %w", id, err)
}

// Close stops the timers. Events and submits are ignored afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopWatchdogLocked()
	s.stopStaleLocked()
}

func (s *Session) armWatchdogLocked() {
	s.stopWatchdogLocked()
	if s.opts.Watchdog <= 0 {
		return
	}
	gen := s.watchdogGen
	s.watchdog = time.AfterFunc(s.opts.Watchdog, func() {
		s.mu.Lock()
		if gen != s.watchdogGen || !s.sending {
			s.mu.Unlock()
			return
		}
		s.waitingTooLong = true
		s.mu.Unlock()
		s.logger.Info("reply taking longer than expected", "conversation_id", s.ConversationID())
		s.changed()
	})
}

func (s *Session) stopWatchdogLocked() {
	s.watchdogGen++
	s.waitingTooLong = false
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Session) armStaleLocked() {
	s.stopStaleLocked()
	if s.opts.StaleStreamTimeout <= 0 {
		return
	}
	gen := s.staleGen
	s.stale = time.AfterFunc(s.opts.StaleStreamTimeout, func() { s.expireStream(gen) })
}

func (s *Session) stopStaleLocked() {
	s.staleGen++
	if s.stale != nil {
		s.stale.Stop()
		s.stale = nil
	}
}

// expireStream finalises an orphaned streaming message.
func (s *Session) expireStream(gen uint64) {
	s.mu.Lock()
	if gen != s.staleGen || s.streamingID == "" || s.closed {
		s.mu.Unlock()
		return
	}
	id := s.streamingID
	if i := s.indexLocked(id); i >= 0 {
		msg := &s.messages[i]
		msg.Streaming = false
		msg.Metadata = mergeMetadata(msg.Metadata, map[string]any{MetaInterrupted: true})
	}
	s.metrics.StreamFinished(s.opts.Now().Sub(s.streamStarted).Seconds())
	s.streamingID = ""
	s.finishLocked()
	s.mu.Unlock()

	s.logger.Warn("streaming message expired without completion", "message_id", id)
	s.changed()
	s.notify(Notice{Level: NoticeError, Text: NoticeTextInterrupted})
}

func (s *Session) indexLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) removeLocked(id string) {
	if i := s.indexLocked(id); i >= 0 {
		s.messages = slices.Delete(s.messages, i, i+1)
	}
}

func (s *Session) lastAssistantLocked() int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == RoleAssistant {
			return i
		}
	}
	return -1
}

func (s *Session) hasAssistantContentLocked(content string) bool {
	for _, m := range s.messages {
		if m.Role == RoleAssistant && m.Content == content {
			return true
		}
	}
	return false
}

// changed publishes the latest snapshot. A call that finds another
// publish in progress leaves it to that one, which loops until no change
// is outstanding; this also makes re-entrant calls from the callback safe.
func (s *Session) changed() {
	s.dirty.Store(true)
	for s.dirty.Load() {
		if !s.notifyMu.TryLock() {
			return
		}
		for s.dirty.Swap(false) {
			s.hooksMu.RLock()
			fn := s.onChange
			s.hooksMu.RUnlock()
			if fn != nil {
				fn(s.Snapshot())
			}
		}
		s.notifyMu.Unlock()
	}
}

func (s *Session) notify(n Notice) {
	s.hooksMu.RLock()
	fn := s.onNotice
	s.hooksMu.RUnlock()
	if fn != nil {
		fn(n)
	}
}
