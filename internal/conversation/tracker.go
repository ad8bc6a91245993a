// ABOUTME: Tracker owns open sessions together with their registry subscriptions
// ABOUTME: Opening subscribes, closing unsubscribes, so no session outlives its delivery

package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/subscription"
)

// ErrAlreadyBound is returned by Attach for a session bound to another id.
var ErrAlreadyBound = errors.New("session already bound to another conversation")

// Registrar registers conversation handlers. subscription.Registry
// implements it.
type Registrar interface {
	Subscribe(key string, h subscription.Handler) (unsubscribe func())
}

type tracked struct {
	session     *Session
	unsubscribe func()
}

// Tracker manages the sessions for open conversations.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*tracked

	registrar Registrar
	canceller Canceller
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewTracker creates an empty tracker.
func NewTracker(registrar Registrar, canceller Canceller, opts Options, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		sessions:  make(map[string]*tracked),
		registrar: registrar,
		canceller: canceller,
		opts:      opts,
		logger:    logger,
	}
}

// SetMetrics attaches collectors to every session created afterwards.
func (t *Tracker) SetMetrics(m *metrics.Metrics) {
	t.metrics = m
}

// Draft returns a new unbound session. It receives no events until
// Attach binds it.
func (t *Tracker) Draft() *Session {
	s := NewSession("", t.canceller, t.opts, t.logger)
	s.SetMetrics(t.metrics)
	return s
}

// Open returns the session for conversationID, creating and subscribing
// it if needed.
func (t *Tracker) Open(conversationID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tr, ok := t.sessions[conversationID]; ok {
		return tr.session
	}
	s := NewSession(conversationID, t.canceller, t.opts, t.logger)
	s.SetMetrics(t.metrics)
	t.trackLocked(conversationID, s)
	return s
}

// Attach binds a draft to conversationID and starts its delivery. Any
// other session tracked under that id is closed.
func (t *Tracker) Attach(s *Session, conversationID string) error {
	if !s.Bind(conversationID) {
		return fmt.Errorf("attaching %s: %w", conversationID, ErrAlreadyBound)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if tr, ok := t.sessions[conversationID]; ok {
		if tr.session == s {
			return nil
		}
		t.closeLocked(conversationID, tr)
	}
	t.trackLocked(conversationID, s)
	return nil
}

func (t *Tracker) trackLocked(conversationID string, s *Session) {
	unsub := t.registrar.Subscribe(conversationID, s.Handle)
	t.sessions[conversationID] = &tracked{session: s, unsubscribe: unsub}
	t.logger.Debug("session opened", "conversation_id", conversationID)
}

// Get returns the tracked session for conversationID.
func (t *Tracker) Get(conversationID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.sessions[conversationID]
	if !ok {
		return nil, false
	}
	return tr.session, true
}

// Active returns the tracked conversation ids, sorted.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close tears down the session for conversationID and its subscription.
func (t *Tracker) Close(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.sessions[conversationID]; ok {
		t.closeLocked(conversationID, tr)
	}
}

func (t *Tracker) closeLocked(conversationID string, tr *tracked) {
	tr.unsubscribe()
	tr.session.Close()
	delete(t.sessions, conversationID)
	t.logger.Debug("session closed", "conversation_id", conversationID)
}

// CloseAll tears down every session.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tr := range t.sessions {
		t.closeLocked(id, tr)
	}
}
