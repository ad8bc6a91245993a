// ABOUTME: Chat client facade over the connection, registry, sessions, and HTTP API
// ABOUTME: Owns the current conversation and its pager and publishes render-ready views

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-chat/internal/api"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/event"
	"github.com/2389/coven-chat/internal/execution"
	"github.com/2389/coven-chat/internal/frame"
	"github.com/2389/coven-chat/internal/history"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/subscription"
	"github.com/2389/coven-chat/internal/transport"
)

// ExecutionSubscriptionID is the wire subscription id of the execution
// progress topic.
const ExecutionSubscriptionID = "exec-sub-0"

// ErrNoAssistant is returned when a new conversation is started without
// an assistant id.
var ErrNoAssistant = errors.New("no assistant configured")

// API is the request/response collaborator. *api.Client implements it.
type API interface {
	StartConversation(ctx context.Context, assistantID, message string) (*api.SendResult, error)
	SendMessage(ctx context.Context, conversationID, message string) (*api.SendResult, error)
	GetMessages(ctx context.Context, conversationID string, page, size int) ([]api.HistoryMessage, error)
	ListConversations(ctx context.Context, assistantID string) ([]api.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Options configures a Client.
type Options struct {
	AssistantID             string
	CancelDestination       string
	ConversationTopicPrefix string
	// PageSize is the history window step.
	PageSize int
	// FetchSize is the page size requested when loading a transcript.
	FetchSize int
	Session   conversation.Options
	// ExecutionTopic carries workflow execution progress shown in the
	// status log while agent tasks run. Empty disables it.
	ExecutionTopic string
	Execution      execution.Filter
}

// DefaultOptions returns the stock client settings.
func DefaultOptions() Options {
	return Options{
		CancelDestination: "/app/chat-cancel",
		PageSize:          history.DefaultPageSize,
		FetchSize:         1000,
		Session:           conversation.DefaultOptions(),
		ExecutionTopic:    "/topic/execution",
		Execution:         execution.DefaultFilter(),
	}
}

// View is what a renderer needs for one frame.
type View struct {
	conversation.Snapshot
	// Visible is the paginated tail of Messages.
	Visible    []conversation.Message
	HasOlder   bool
	Connection transport.State
}

// Client is the chat facade.
type Client struct {
	conn     *transport.Manager
	registry *subscription.Registry
	tracker  *conversation.Tracker
	api      API
	pager    *history.Pager
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	current *conversation.Session

	hooksMu  sync.RWMutex
	onUpdate func(View)
	onNotice func(conversation.Notice)
}

// New wires a client around conn and httpAPI. The connection is not
// opened until Start.
func New(conn *transport.Manager, httpAPI API, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FetchSize <= 0 {
		opts.FetchSize = 1000
	}

	c := &Client{
		conn:   conn,
		api:    httpAPI,
		pager:  history.NewPager(opts.PageSize),
		opts:   opts,
		logger: logger.With("component", "chat"),
	}

	c.registry = subscription.NewRegistry(conn, opts.ConversationTopicPrefix, logger)
	conn.SetFrameHandler(c.handleFrame)
	conn.OnConnected(c.registry.Resubscribe)
	if opts.ExecutionTopic != "" {
		conn.OnConnected(c.subscribeExecutions)
	}

	c.tracker = conversation.NewTracker(c.registry, wireCanceller{conn: conn, destination: opts.CancelDestination}, opts.Session, logger)
	c.current = c.tracker.Draft()
	c.hook(c.current)
	return c
}

// SetMetrics attaches collectors to every component.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.conn.SetMetrics(m)
	c.registry.SetMetrics(m)
	c.tracker.SetMetrics(m)
	c.Current().SetMetrics(m)
}

// OnUpdate installs the view callback. It must not block.
func (c *Client) OnUpdate(fn func(View)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onUpdate = fn
}

// OnNotice installs the callback for user-visible notices.
func (c *Client) OnNotice(fn func(conversation.Notice)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onNotice = fn
}

// OnConnectionChange observes the connection state. The current state is
// delivered immediately.
func (c *Client) OnConnectionChange(fn func(transport.State)) (remove func()) {
	return c.conn.OnStateChange(fn)
}

// Start opens the connection.
func (c *Client) Start(ctx context.Context) {
	c.conn.Connect(ctx)
}

// Close tears down every session and the connection.
func (c *Client) Close() {
	c.tracker.CloseAll()
	c.Current().Close()
	c.registry.Close()
	c.conn.Disconnect()
}

// Current returns the current session.
func (c *Client) Current() *conversation.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// View returns the current view.
func (c *Client) View() View {
	return c.view(c.Current().Snapshot())
}

func (c *Client) view(snap conversation.Snapshot) View {
	return View{
		Snapshot:   snap,
		Visible:    history.Slice(c.pager, snap.Messages),
		HasOlder:   c.pager.HasOlder(len(snap.Messages)),
		Connection: c.conn.State(),
	}
}

// NewConversation switches to a fresh draft.
func (c *Client) NewConversation() {
	c.switchTo(c.tracker.Draft())
}

// Open loads a stored conversation and makes it current.
func (c *Client) Open(ctx context.Context, conversationID string) error {
	stored, err := c.api.GetMessages(ctx, conversationID, 0, c.opts.FetchSize)
	if err != nil {
		return fmt.Errorf("loading conversation %s: %w", conversationID, err)
	}

	prev := c.Current()
	if prev.ConversationID() == conversationID {
		prev.Load(FromHistory(stored))
		c.pager.Reset()
		c.publish(prev, prev.Snapshot())
		return nil
	}

	s := c.tracker.Open(conversationID)
	s.Load(FromHistory(stored))
	c.switchTo(s)
	c.logger.Info("conversation opened", "conversation_id", conversationID, "messages", len(stored))
	return nil
}

// switchTo makes s current, closing the previous session.
func (c *Client) switchTo(s *conversation.Session) {
	c.mu.Lock()
	prev := c.current
	c.current = s
	c.mu.Unlock()

	if prev != s {
		c.release(prev)
	}
	c.hook(s)
	c.pager.Reset()
	c.publish(s, s.Snapshot())
}

func (c *Client) release(s *conversation.Session) {
	s.OnChange(nil)
	s.OnNotice(nil)
	if id := s.ConversationID(); id != "" {
		c.tracker.Close(id)
		return
	}
	s.Close()
}

func (c *Client) hook(s *conversation.Session) {
	s.OnChange(func(snap conversation.Snapshot) {
		c.publish(s, snap)
	})
	s.OnNotice(func(n conversation.Notice) {
		if c.Current() != s {
			return
		}
		c.hooksMu.RLock()
		fn := c.onNotice
		c.hooksMu.RUnlock()
		if fn != nil {
			fn(n)
		}
	})
}

func (c *Client) publish(s *conversation.Session, snap conversation.Snapshot) {
	if c.Current() != s {
		return
	}
	c.pager.Observe(len(snap.Messages), snap.StreamingMessageID != "")

	c.hooksMu.RLock()
	fn := c.onUpdate
	c.hooksMu.RUnlock()
	if fn != nil {
		fn(c.view(snap))
	}
}

// Send submits content to the current conversation, starting one if the
// session is a draft.
func (c *Client) Send(ctx context.Context, content string) error {
	s := c.Current()
	msg, err := s.Submit(content)
	if err != nil {
		return err
	}

	var res *api.SendResult
	if id := s.ConversationID(); id != "" {
		res, err = c.api.SendMessage(ctx, id, content)
	} else {
		res, err = c.start(ctx, s, content)
	}
	if err != nil {
		s.Rollback(msg.ID, err)
		return fmt.Errorf("sending message: %w", err)
	}

	s.Acknowledge(conversation.Reply{
		MessageID: res.MessageID,
		Content:   res.ReplyText(),
		Metadata:  res.ReplyMetadata(),
	})
	s.Enrich(resultMetadata(res))
	return nil
}

func (c *Client) start(ctx context.Context, s *conversation.Session, content string) (*api.SendResult, error) {
	if c.opts.AssistantID == "" {
		return nil, ErrNoAssistant
	}
	res, err := c.api.StartConversation(ctx, c.opts.AssistantID, content)
	if err != nil {
		return nil, err
	}
	if err := c.tracker.Attach(s, res.ConversationID); err != nil {
		return nil, err
	}
	if c.Current() != s {
		// switched away while the request was in flight
		c.tracker.Close(res.ConversationID)
	}
	c.logger.Info("conversation started", "conversation_id", res.ConversationID, "assistant_id", c.opts.AssistantID)
	return res, nil
}

// Cancel asks the server to stop the current reply.
func (c *Client) Cancel() error {
	return c.Current().RequestCancel()
}

// Delete removes a conversation. Deleting the current one switches to a
// fresh draft.
func (c *Client) Delete(ctx context.Context, conversationID string) error {
	if err := c.api.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("deleting conversation %s: %w", conversationID, err)
	}
	if c.Current().ConversationID() == conversationID {
		c.NewConversation()
	} else {
		c.tracker.Close(conversationID)
	}
	c.logger.Info("conversation deleted", "conversation_id", conversationID)
	return nil
}

// List returns the conversations of the configured assistant, or all
// conversations when none is configured.
func (c *Client) List(ctx context.Context) ([]api.Conversation, error) {
	return c.api.ListConversations(ctx, c.opts.AssistantID)
}

// LoadOlder grows the history window by one page and returns the new view.
func (c *Client) LoadOlder() View {
	snap := c.Current().Snapshot()
	c.pager.LoadOlder(len(snap.Messages))
	v := c.view(snap)

	c.hooksMu.RLock()
	fn := c.onUpdate
	c.hooksMu.RUnlock()
	if fn != nil {
		fn(v)
	}
	return v
}

// handleFrame splits execution progress off the shared socket before
// conversation dispatch.
func (c *Client) handleFrame(f frame.Frame) {
	if c.opts.ExecutionTopic != "" && f.Headers.Value(frame.HeaderDestination) == c.opts.ExecutionTopic {
		c.handleExecution(f)
		return
	}
	c.registry.HandleFrame(f)
}

func (c *Client) subscribeExecutions() {
	if err := c.conn.Subscribe(ExecutionSubscriptionID, c.opts.ExecutionTopic); err != nil {
		c.logger.Warn("execution subscribe failed", "topic", c.opts.ExecutionTopic, "error", err)
	}
}

func (c *Client) handleExecution(f frame.Frame) {
	u, err := execution.Parse([]byte(f.Body))
	if err != nil {
		if !errors.Is(err, execution.ErrNotUpdate) {
			c.logger.Warn("dropping malformed execution update",
				"subscription", f.Headers.Value(frame.HeaderSubscription),
				"error", err)
		}
		return
	}
	if c.Current().ApplyExecution(u, c.opts.Execution) {
		c.logger.Debug("execution progress", "execution_id", u.ExecutionID, "status", u.Status)
	}
}

type wireCanceller struct {
	conn        *transport.Manager
	destination string
}

func (w wireCanceller) SendCancel(conversationID string) error {
	return w.conn.SendJSON(w.destination, event.NewCancel(conversationID))
}
