// ABOUTME: Tests for the conversation-keyed handler registry
// ABOUTME: Covers routing, unsubscribe, stale events, panics, and wire resubscription

package subscription

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/event"
	"github.com/2389/coven-chat/internal/frame"
	"github.com/2389/coven-chat/internal/metrics"
)

type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) handle(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type + "@" + ev.ConversationID
	}
	return out
}

type fakeWire struct {
	mu   sync.Mutex
	err  error
	subs []string
}

func (w *fakeWire) Subscribe(id, destination string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.subs = append(w.subs, id+"="+destination)
	return nil
}

func (w *fakeWire) sent() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.subs...)
}

func TestRegistry_GlobalAndScopedRouting(t *testing.T) {
	r := NewRegistry(nil, "", nil)
	defer r.Close()

	global, convA, convB := &collector{}, &collector{}, &collector{}
	r.SubscribeGlobal(global.handle)
	r.Subscribe("a", convA.handle)
	r.Subscribe("b", convB.handle)

	r.Dispatch(event.Event{Type: event.TypeChunk, ConversationID: "a"})
	r.Dispatch(event.Event{Type: event.TypeChunk, ConversationID: "b"})
	r.Dispatch(event.Event{Type: "HEALTH"})

	assert.Equal(t, []string{"LLM_RESPONSE_CHUNK@a", "LLM_RESPONSE_CHUNK@b", "HEALTH@"}, global.types())
	assert.Equal(t, []string{"LLM_RESPONSE_CHUNK@a"}, convA.types())
	assert.Equal(t, []string{"LLM_RESPONSE_CHUNK@b"}, convB.types())
}

func TestRegistry_UnsubscribeRemovesExactlyOneHandler(t *testing.T) {
	r := NewRegistry(nil, "", nil)
	defer r.Close()

	first, second := &collector{}, &collector{}
	unsubFirst := r.Subscribe("a", first.handle)
	unsubSecond := r.Subscribe("a", second.handle)
	assert.Equal(t, 2, r.HandlerCount("a"))

	unsubFirst()
	unsubFirst()
	assert.Equal(t, 1, r.HandlerCount("a"))
	assert.Equal(t, []string{"a"}, r.Keys())

	r.Dispatch(event.Event{Type: event.TypeChunk, ConversationID: "a"})
	assert.Empty(t, first.types())
	assert.Len(t, second.types(), 1)

	unsubSecond()
	assert.Empty(t, r.Keys(), "empty handler set must drop the key")
}

func TestRegistry_StaleEventCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(nil, "", nil)
	r.SetMetrics(metrics.New(reg))
	defer r.Close()

	global := &collector{}
	r.SubscribeGlobal(global.handle)
	unsub := r.Subscribe("gone", func(event.Event) { t.Error("unsubscribed handler called") })
	unsub()

	r.Dispatch(event.Event{Type: event.TypeChunk, ConversationID: "gone"})

	assert.Len(t, global.types(), 1, "global handlers still see stale conversation events")
	expected := `
# HELP coven_chat_stale_events_total Total number of conversation events with no local subscriber
# TYPE coven_chat_stale_events_total counter
coven_chat_stale_events_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "coven_chat_stale_events_total"))
}

func TestRegistry_HandlerPanicIsContained(t *testing.T) {
	r := NewRegistry(nil, "", nil)
	defer r.Close()

	var calls atomic.Int32
	r.Subscribe("a", func(event.Event) { panic("boom") })
	r.Subscribe("a", func(event.Event) { calls.Add(1) })
	r.SubscribeGlobal(func(event.Event) { calls.Add(1) })

	assert.NotPanics(t, func() {
		r.Dispatch(event.Event{Type: event.TypeChunk, ConversationID: "a"})
	})
	assert.Equal(t, int32(2), calls.Load())
}

func TestRegistry_DispatchUsesSnapshot(t *testing.T) {
	r := NewRegistry(nil, "", nil)
	defer r.Close()

	late := &collector{}
	var unsubLate func()
	var added atomic.Bool

	r.Subscribe("a", func(ev event.Event) {
		if unsubLate != nil {
			unsubLate()
		}
		if added.CompareAndSwap(false, true) {
			r.Subscribe("a", func(event.Event) {})
		}
	})
	unsubLate = r.Subscribe("a", late.handle)

	r.Dispatch(event.Event{Type: event.TypeChunk, ConversationID: "a"})
	r.Dispatch(event.Event{Type: event.TypeChunk, ConversationID: "a"})

	// late was in the first snapshot even though it was removed mid-dispatch.
	assert.Len(t, late.types(), 1)
	assert.Equal(t, 2, r.HandlerCount("a"))
}

func TestRegistry_WireSubscribeWithPrefix(t *testing.T) {
	wire := &fakeWire{}
	r := NewRegistry(wire, "/topic/chat/", nil)
	defer r.Close()

	unsubA := r.Subscribe("a", func(event.Event) {})
	r.Subscribe("a", func(event.Event) {})
	r.Subscribe("b", func(event.Event) {})
	r.SubscribeGlobal(func(event.Event) {})

	assert.Equal(t, []string{"conv-a=/topic/chat/a", "conv-b=/topic/chat/b"}, wire.sent())

	unsubA()
	assert.Len(t, wire.sent(), 2, "unsubscribe is local only")

	r.Resubscribe()
	assert.Equal(t, []string{
		"conv-a=/topic/chat/a", "conv-b=/topic/chat/b",
		"conv-a=/topic/chat/a", "conv-b=/topic/chat/b",
	}, wire.sent())
}

func TestRegistry_WireFailureIsDeferred(t *testing.T) {
	wire := &fakeWire{err: errors.New("not connected")}
	r := NewRegistry(wire, "/topic/chat/", nil)
	defer r.Close()

	r.Subscribe("a", func(event.Event) {})
	assert.Empty(t, wire.sent())

	wire.mu.Lock()
	wire.err = nil
	wire.mu.Unlock()

	r.Resubscribe()
	assert.Equal(t, []string{"conv-a=/topic/chat/a"}, wire.sent())
}

func TestRegistry_NoWireTrafficWithoutPrefix(t *testing.T) {
	wire := &fakeWire{}
	r := NewRegistry(wire, "", nil)
	defer r.Close()

	r.Subscribe("a", func(event.Event) {})
	r.Resubscribe()
	assert.Empty(t, wire.sent())
}

func TestRegistry_HandleFrame(t *testing.T) {
	r := NewRegistry(nil, "", nil)
	defer r.Close()

	got := &collector{}
	r.Subscribe("c-1", got.handle)

	r.HandleFrame(frame.New(frame.CommandMessage, `{"type":"LLM_RESPONSE_CHUNK","conversationId":"c-1","accumulated":"Hi"}`))
	r.HandleFrame(frame.New(frame.CommandMessage, `{"conversationId":"c-1"}`))
	r.HandleFrame(frame.New(frame.CommandMessage, `<html>`))

	require.Len(t, got.events, 1)
	assert.Equal(t, "Hi", got.events[0].Accumulated)
}

func TestRegistry_ClosedIsInert(t *testing.T) {
	r := NewRegistry(nil, "", nil)
	got := &collector{}
	r.Subscribe("a", got.handle)
	r.Close()

	unsub := r.Subscribe("a", got.handle)
	unsub()
	r.Dispatch(event.Event{Type: event.TypeChunk, ConversationID: "a"})

	assert.Empty(t, got.types())
	assert.Empty(t, r.Keys())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil, "", nil)
	defer r.Close()

	var wg sync.WaitGroup
	var delivered atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				unsub := r.Subscribe("a", func(event.Event) { delivered.Add(1) })
				unsub()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Dispatch(event.Event{Type: event.TypeChunk, ConversationID: "a"})
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, r.Keys())
}
