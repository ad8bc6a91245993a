// ABOUTME: In-memory socket and dialer doubles for connection manager tests
// ABOUTME: The dialer can fail on a plan, fail always, or hold dials behind a gate

package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/2389/coven-chat/internal/frame"
	"github.com/stretchr/testify/require"
)

// fakeSocket is an in-memory Socket. It records every frame written and,
// when answer is set, replies to CONNECT with CONNECTED.
type fakeSocket struct {
	answer      bool
	serverBeats string

	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	frames     []frame.Frame
	heartbeats int
}

func newFakeSocket(answer bool) *fakeSocket {
	return &fakeSocket{
		answer:      answer,
		serverBeats: "0,0",
		inbound:     make(chan []byte, 64),
		done:        make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.inbound:
		return data, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	select {
	case <-s.done:
		return errors.New("socket closed")
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if frame.IsHeartbeat(data) {
		s.heartbeats++
		return nil
	}
	f, err := frame.Decode(data)
	if err != nil {
		return err
	}
	s.frames = append(s.frames, f)
	if f.Command == frame.CommandConnect && s.answer {
		s.inbound <- frame.MustEncode(frame.New(frame.CommandConnected, "",
			frame.HeaderVersion, "1.1",
			frame.HeaderHeartBeat, s.serverBeats,
		))
	}
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// drop simulates the server hanging up.
func (s *fakeSocket) drop() { _ = s.Close() }

func (s *fakeSocket) push(f frame.Frame) { s.inbound <- frame.MustEncode(f) }

func (s *fakeSocket) pushRaw(raw string) { s.inbound <- []byte(raw) }

func (s *fakeSocket) sent() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Frame(nil), s.frames...)
}

func (s *fakeSocket) beats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// fakeDialer hands out fakeSockets. plan[i] is the error for dial i+1;
// dials past the end of plan succeed unless failAll is set.
type fakeDialer struct {
	mu      sync.Mutex
	plan    []error
	failAll bool
	answer  bool
	beats   string
	gate    chan struct{}
	dials   int
	sockets []*fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{answer: true, beats: "0,0"}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Socket, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failAll {
		return nil, errors.New("connection refused")
	}
	if i := d.dials - 1; i < len(d.plan) && d.plan[i] != nil {
		return nil, d.plan[i]
	}
	s := newFakeSocket(d.answer)
	s.serverBeats = d.beats
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sockets) {
		return nil
	}
	return d.sockets[i]
}

func (d *fakeDialer) setFailAll(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = v
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func testConfig() Config {
	cfg := DefaultConfig("ws://chat.test/ws")
	cfg.HeartBeat = 0
	cfg.ConnectTimeout = time.Second
	cfg.Backoff = Backoff{
		BaseDelay:    5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		GrowthFactor: 1.5,
		MaxAttempts:  10,
	}
	return cfg
}

func newTestManager(t *testing.T, cfg Config, d *fakeDialer) *Manager {
	t.Helper()
	m := NewManager(cfg, d, nil)
	t.Cleanup(m.Disconnect)
	return m
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		2*time.Second, 2*time.Millisecond, "never reached %s", want)
}
