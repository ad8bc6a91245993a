// ABOUTME: Handler registry keyed by conversation id with an always-on global set
// ABOUTME: Snapshots handlers before dispatch and recovers handler panics

package subscription

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/event"
	"github.com/2389/coven-chat/internal/frame"
	"github.com/2389/coven-chat/internal/metrics"
)

// GlobalKey is the key of the handler set that receives every event.
const GlobalKey = ""

// ErrStaleEvent describes an event for a conversation with no local
// handlers. It is logged, never returned.
var ErrStaleEvent = errors.New("event for unsubscribed conversation")

// Handler receives routed events. Handlers run on the socket's read
// goroutine and must not block.
type Handler func(event.Event)

// WireSubscriber issues SUBSCRIBE frames. transport.Manager implements it.
type WireSubscriber interface {
	Subscribe(id, destination string) error
}

// Registry is the single owner of all handler sets.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]Handler // key -> handler id -> handler
	closed   bool

	wire    WireSubscriber
	prefix  string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates a registry. wire may be nil; topicPrefix may be
// empty, in which case no per-conversation SUBSCRIBE is ever sent.
func NewRegistry(wire WireSubscriber, topicPrefix string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]map[string]Handler),
		wire:     wire,
		prefix:   topicPrefix,
		logger:   logger.With("component", "subscriptions"),
	}
}

// SetMetrics attaches collectors.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Subscribe registers h under key and returns a function removing exactly
// that registration. Calling the returned function more than once is
// harmless.
func (r *Registry) Subscribe(key string, h Handler) (unsubscribe func()) {
	id := uuid.New().String()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return func() {}
	}
	set, ok := r.handlers[key]
	if !ok {
		set = make(map[string]Handler)
		r.handlers[key] = set
	}
	set[id] = h
	r.mu.Unlock()

	r.logger.Debug("handler added", "key", key, "handler_id", id)

	if !ok && key != GlobalKey {
		r.subscribeWire(key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(key, id) })
	}
}

// SubscribeGlobal registers h for every event.
func (r *Registry) SubscribeGlobal(h Handler) (unsubscribe func()) {
	return r.Subscribe(GlobalKey, h)
}

func (r *Registry) remove(key, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.handlers[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.handlers, key)
	}

	r.logger.Debug("handler removed", "key", key, "handler_id", id, "key_dropped", len(set) == 0)
}

// Keys returns the active conversation keys, sorted. The global key is
// not included.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		if k != GlobalKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// HandlerCount returns the number of handlers registered under key.
func (r *Registry) HandlerCount(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[key])
}

// Resubscribe re-issues the wire subscription for every active
// conversation. Register it with the transport's OnConnected hook.
func (r *Registry) Resubscribe() {
	keys := r.Keys()
	if r.prefix == "" || r.wire == nil {
		r.logger.Debug("resubscribe skipped, routing is local", "active_keys", len(keys))
		return
	}
	for _, k := range keys {
		r.subscribeWire(k)
	}
	r.logger.Info("resubscribed conversations", "count", len(keys))
}

func (r *Registry) subscribeWire(key string) {
	if r.prefix == "" || r.wire == nil {
		return
	}
	dest := r.prefix + key
	if err := r.wire.Subscribe(WireID(key), dest); err != nil {
		// Resubscribe covers it once the connection is up.
		r.logger.Debug("wire subscribe deferred", "destination", dest, "error", err)
	}
}

// WireID is the SUBSCRIBE id used for a conversation key.
func WireID(key string) string {
	return "conv-" + key
}

// HandleFrame parses a MESSAGE body and dispatches it. It has the
// signature of transport.FrameHandler.
func (r *Registry) HandleFrame(f frame.Frame) {
	ev, err := event.Parse([]byte(f.Body))
	if err != nil {
		r.logger.Warn("dropping unparseable event",
			"destination", f.Headers.Value(frame.HeaderDestination),
			"error", err)
		return
	}
	r.Dispatch(ev)
}

// Dispatch delivers ev to every global handler and to the handlers of
// ev.ConversationID.
func (r *Registry) Dispatch(ev event.Event) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	targets := make([]Handler, 0, len(r.handlers[GlobalKey])+len(r.handlers[ev.ConversationID]))
	for _, h := range r.handlers[GlobalKey] {
		targets = append(targets, h)
	}
	scoped := 0
	if ev.ConversationID != "" {
		for _, h := range r.handlers[ev.ConversationID] {
			targets = append(targets, h)
		}
		scoped = len(r.handlers[ev.ConversationID])
	}
	r.mu.RUnlock()

	if ev.ConversationID != "" && scoped == 0 {
		r.metrics.StaleEvent()
		r.logger.Debug("no conversation handlers",
			"conversation_id", ev.ConversationID,
			"type", ev.Type,
			"error", ErrStaleEvent)
	}

	r.metrics.EventDispatched(ev.Type)
	for _, h := range targets {
		r.invoke(h, ev)
	}
}

func (r *Registry) invoke(h Handler, ev event.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.HandlerPanic()
			r.logger.Error("event handler panicked",
				"type", ev.Type,
				"conversation_id", ev.ConversationID,
				"panic", p)
		}
	}()
	h(ev)
}

// Close drops every handler. Later Subscribe and Dispatch calls are no-ops.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.handlers {
		delete(r.handlers, key)
	}
	r.closed = true
	r.logger.Debug("registry closed")
}
