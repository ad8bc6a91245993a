// ABOUTME: In-memory doubles for the chat client: socket, dialer, and HTTP API
// ABOUTME: The socket answers CONNECT and lets tests push MESSAGE frames

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/api"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/frame"
	"github.com/2389/coven-chat/internal/transport"
)

type fakeSocket struct {
	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	frames []frame.Frame
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan []byte, 64), done: make(chan struct{})}
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
	if frame.IsHeartbeat(data) {
		return nil
	}
	f, err := frame.Decode(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	if f.Command == frame.CommandConnect {
		s.inbound <- frame.MustEncode(frame.New(frame.CommandConnected, "", frame.HeaderVersion, "1.1"))
	}
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSocket) sent() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Frame(nil), s.frames...)
}

func (s *fakeSocket) sentTo(destination string) []frame.Frame {
	var out []frame.Frame
	for _, f := range s.sent() {
		if f.Headers.Value(frame.HeaderDestination) == destination {
			out = append(out, f)
		}
	}
	return out
}

var messageSeq atomic.Int64

// event pushes a MESSAGE frame carrying payload.
func (s *fakeSocket) event(t *testing.T, payload map[string]any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	s.inbound <- frame.MustEncode(frame.New(frame.CommandMessage, string(body),
		frame.HeaderDestination, "/topic/chat",
		frame.HeaderSubscription, "chat-sub-0",
		frame.HeaderMessageID, fmt.Sprintf("msg-%d", messageSeq.Add(1)),
	))
}

// execution pushes a MESSAGE frame on the execution progress topic.
func (s *fakeSocket) execution(t *testing.T, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	s.inbound <- frame.MustEncode(frame.New(frame.CommandMessage, string(body),
		frame.HeaderDestination, "/topic/execution",
		frame.HeaderSubscription, ExecutionSubscriptionID,
		frame.HeaderMessageID, fmt.Sprintf("exec-%d", messageSeq.Add(1)),
	))
}

// fakeDialer fails the next failures dials, then hands out sockets.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	sockets  []*fakeSocket
}

func (d *fakeDialer) Dial(context.Context, string) (transport.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	s := newFakeSocket()
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) socketCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[i]
}

type fakeAPI struct {
	mu sync.Mutex

	startResult *api.SendResult
	sendResult  *api.SendResult
	err         error
	history     map[string][]api.HistoryMessage
	list        []api.Conversation

	starts  []string
	sends   []string
	deleted []string
	listFor []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		startResult: &api.SendResult{ConversationID: "c1"},
		sendResult:  &api.SendResult{},
		history:     map[string][]api.HistoryMessage{},
	}
}

func (f *fakeAPI) StartConversation(_ context.Context, assistantID, message string) (*api.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, assistantID+":"+message)
	if f.err != nil {
		return nil, f.err
	}
	return f.startResult, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, conversationID, message string) (*api.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, conversationID+":"+message)
	if f.err != nil {
		return nil, f.err
	}
	return f.sendResult, nil
}

func (f *fakeAPI) GetMessages(_ context.Context, conversationID string, _, _ int) ([]api.HistoryMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.history[conversationID], nil
}

func (f *fakeAPI) ListConversations(_ context.Context, assistantID string) ([]api.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listFor = append(f.listFor, assistantID)
	return f.list, f.err
}

func (f *fakeAPI) DeleteConversation(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, conversationID)
	return nil
}

func (f *fakeAPI) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.AssistantID = "asst-1"
	opts.ConversationTopicPrefix = "/topic/chat/"
	opts.Session.Watchdog = 0
	opts.Session.StaleStreamTimeout = 0
	return opts
}

func testTransportConfig() transport.Config {
	cfg := transport.DefaultConfig("ws://chat.test/ws")
	cfg.HeartBeat = 0
	cfg.ConnectTimeout = time.Second
	cfg.Backoff = transport.Backoff{
		BaseDelay:    5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		GrowthFactor: 1.5,
		MaxAttempts:  10,
	}
	return cfg
}

// newTestClient returns a connected client.
func newTestClient(t *testing.T, a API) (*Client, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	conn := transport.NewManager(testTransportConfig(), d, nil)
	c := New(conn, a, testOptions(), nil)
	t.Cleanup(c.Close)

	c.Start(t.Context())
	require.Eventually(t, func() bool { return conn.State() == transport.StateConnected },
		2*time.Second, 2*time.Millisecond)
	return c, d
}

func contents(msgs []conversation.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Role) + ":" + m.Content
	}
	return out
}

func waitForContents(t *testing.T, c *Client, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := contents(c.View().Messages)
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, 2*time.Second, 2*time.Millisecond, "transcript never became %v (last %v)", want, contents(c.View().Messages))
}
