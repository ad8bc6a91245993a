// ABOUTME: Tests for the interactive loop against a websocket broker and an httptest API
// ABOUTME: Verifies that /cancel is handled while a send is still waiting on the API

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/event"
	"github.com/2389/coven-chat/internal/frame"
)

// lockedBuffer is a bytes.Buffer safe for the loop and the test to share.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// broker answers CONNECT and records every other frame a client sends.
type broker struct {
	frames chan frame.Frame
}

func (b *broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if frame.IsHeartbeat(data) {
			continue
		}
		f, err := frame.Decode(data)
		if err != nil {
			continue
		}
		if f.Command == frame.CommandConnect {
			connected := frame.New(frame.CommandConnected, "",
				frame.HeaderVersion, "1.2",
				frame.HeaderHeartBeat, "0,0")
			if err := conn.WriteMessage(websocket.TextMessage, frame.MustEncode(connected)); err != nil {
				return
			}
			continue
		}
		select {
		case b.frames <- f:
		default:
		}
	}
}

// next waits for the first recorded frame matching command and destination.
func (b *broker) next(t *testing.T, command, destination string) frame.Frame {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f := <-b.frames:
			if f.Command == command && f.Headers.Value(frame.HeaderDestination) == destination {
				return f
			}
		case <-timeout:
			t.Fatalf("no %s to %s", command, destination)
			return frame.Frame{}
		}
	}
}

func TestInteractive_CancelWhileSending(t *testing.T) {
	b := &broker{frames: make(chan frame.Frame, 64)}
	posted := make(chan struct{}, 1)

	mux := http.NewServeMux()
	mux.Handle("/ws", b)
	mux.HandleFunc("GET /api/conversations/c1/messages", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("POST /api/conversations/c1/messages", func(_ http.ResponseWriter, r *http.Request) {
		posted <- struct{}{}
		// Hold the request open until the client gives up on it.
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Server.WSURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg.Server.APIURL = srv.URL
	cfg.Logging.Level = "error"
	opts := &rootOptions{cfg: cfg, logger: slog.New(slog.DiscardHandler)}

	in, input := io.Pipe()
	var out lockedBuffer
	done := make(chan error, 1)
	go func() {
		done <- runInteractive(t.Context(), opts, "c1", in, &out)
	}()

	b.next(t, frame.CommandSubscribe, cfg.Stomp.GlobalTopic)

	_, err := io.WriteString(input, "hello\n")
	require.NoError(t, err)
	select {
	case <-posted:
	case <-time.After(5 * time.Second):
		t.Fatal("message was never posted")
	}

	_, err = io.WriteString(input, "/cancel\n")
	require.NoError(t, err)
	cancel := b.next(t, frame.CommandSend, cfg.Stomp.CancelDestination)

	var cmd event.CancelCommand
	require.NoError(t, json.Unmarshal([]byte(cancel.Body), &cmd))
	assert.Equal(t, event.NewCancel("c1"), cmd)

	_, err = io.WriteString(input, "/quit\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("interactive loop did not exit")
	}
	assert.NotContains(t, out.String(), "[error]")
}
