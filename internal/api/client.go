// ABOUTME: HTTP client for starting, continuing, listing, and deleting conversations
// ABOUTME: Adds the bearer token to every request and maps failures to RequestError

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the conversation endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for baseURL. A nil httpClient uses a client with a
// 60 second timeout.
func New(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		logger:  logger.With("component", "api"),
	}
}

type messageRequest struct {
	Message string `json:"message"`
}

// StartConversation creates a conversation with assistantID whose first
// message is message.
func (c *Client) StartConversation(ctx context.Context, assistantID, message string) (*SendResult, error) {
	const op = "start conversation"
	var out SendResult
	path := "/api/ai-assistants/" + url.PathEscape(assistantID) + "/conversations"
	if err := c.do(ctx, op, http.MethodPost, path, nil, messageRequest{Message: message}, &out); err != nil {
		return nil, err
	}
	if out.ConversationID == "" {
		return nil, &RequestError{Op: op, Status: http.StatusOK, Message: "response has no conversationId"}
	}
	return &out, nil
}

// SendMessage posts message to an existing conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID, message string) (*SendResult, error) {
	var out SendResult
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "send message", http.MethodPost, path, nil, messageRequest{Message: message}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessages fetches one page of a conversation's stored messages.
func (c *Client) GetMessages(ctx context.Context, conversationID string, page, size int) ([]HistoryMessage, error) {
	var out pageOf[HistoryMessage]
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "get messages", http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// GetConversation fetches one conversation summary.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var out Conversation
	path := "/api/conversations/" + url.PathEscape(conversationID)
	if err := c.do(ctx, "get conversation", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConversations lists conversations, optionally for one assistant.
func (c *Client) ListConversations(ctx context.Context, assistantID string) ([]Conversation, error) {
	var out pageOf[Conversation]
	var q url.Values
	if assistantID != "" {
		q = url.Values{"assistantId": []string{assistantID}}
	}
	if err := c.do(ctx, "list conversations", http.MethodGet, "/api/conversations", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// DeleteConversation deletes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID)
	return c.do(ctx, "delete conversation", http.MethodDelete, path, nil, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &RequestError{Op: op, Err: fmt.Errorf("marshaling request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &RequestError{Op: op, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("request failed", "op", op, "error", err)
		return &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("request complete",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RequestError{Op: op, Status: resp.StatusCode, Message: errorMessage(resp.Body)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RequestError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("parsing response: %w", err)}
	}
	return nil
}

// errorMessage extracts a server message from a JSON error body.
func errorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
