// ABOUTME: Interactive chat loop: reads lines, runs slash commands, and sends in the background
// ABOUTME: Output is driven by the chat client's update callback through render.Printer

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/render"
	"github.com/2389/coven-chat/internal/transport"
)

// command is one parsed input line.
type command struct {
	name string
	arg  string
}

// parseInput splits a slash command from its argument. Plain text yields
// an empty name and the text as arg.
func parseInput(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{arg: line}
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}
}

// syncWriter serialises terminal writes from the input loop and the
// connection goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  /new            Start a new conversation")
	fmt.Fprintln(w, "  /open <id>      Open a stored conversation")
	fmt.Fprintln(w, "  /list           List conversations")
	fmt.Fprintln(w, "  /older          Show an older page of the transcript")
	fmt.Fprintln(w, "  /cancel         Stop the reply being generated")
	fmt.Fprintln(w, "  /delete [id]    Delete a conversation (default: the open one)")
	fmt.Fprintln(w, "  /status         Show connection and conversation state")
	fmt.Fprintln(w, "  /reconnect      Reconnect after the connection failed")
	fmt.Fprintln(w, "  /help           Show this help")
	fmt.Fprintln(w, "  /quit           Exit")
}

func runInteractive(ctx context.Context, opts *rootOptions, conversationID string, in io.Reader, stdout io.Writer) error {
	out := &syncWriter{w: stdout}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	cyan.Fprint(out, banner)
	gray.Fprintf(out, "    version: %s\n", version)
	if opts.source != "" {
		gray.Fprintf(out, "    config:  %s\n", opts.source)
	}
	if opts.cfg.Server.AssistantID == "" {
		color.New(color.FgYellow).Fprintln(out, "    no assistant configured: /open a conversation or pass --assistant")
	}
	fmt.Fprintln(out, "Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Fprintln(out)

	client := opts.chatClient()
	defer client.Close()
	stopMetrics := opts.serveMetrics(client)
	defer stopMetrics()

	printer := render.NewPrinter(out, opts.cfg.Chat.CompletionMarkers)
	client.OnUpdate(printer.Update)
	client.OnNotice(func(n conversation.Notice) {
		c := color.New(color.FgYellow)
		if n.Level == conversation.NoticeError {
			c = color.New(color.FgRed)
		}
		c.Fprintf(out, "[%s]\n", n.Text)
	})

	var lastState transport.State = -1
	var stateMu sync.Mutex
	removeState := client.OnConnectionChange(func(s transport.State) {
		stateMu.Lock()
		defer stateMu.Unlock()
		if s == lastState {
			return
		}
		lastState = s
		fmt.Fprintln(out, render.Connection(s))
	})
	defer removeState()

	client.Start(ctx)

	if conversationID != "" {
		if err := openConversation(ctx, client, printer, conversationID); err != nil {
			return err
		}
	}

	sendCtx, cancelSends := context.WithCancel(ctx)
	r := &repl{client: client, printer: printer, out: out, sendCtx: sendCtx}
	defer func() {
		cancelSends()
		r.sends.Wait()
	}()

	lines := readLines(ctx, in)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nGoodbye!")
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(out, "\nGoodbye!")
				return nil
			}
			quit, err := r.handle(ctx, line)
			if err != nil {
				r.fail(err)
			}
			if quit {
				return nil
			}
		}
	}
}

// repl holds what the input loop needs between lines.
type repl struct {
	client  *chat.Client
	printer *render.Printer
	out     io.Writer

	// sendCtx outlives single lines; it is cancelled when the loop exits.
	sendCtx context.Context
	sends   sync.WaitGroup
}

func (r *repl) fail(err error) {
	color.New(color.FgRed).Fprintf(r.out, "[error] %v\n", err)
}

// send submits content in the background so the loop keeps reading and
// /cancel can reach a request that is still in flight.
func (r *repl) send(content string) {
	r.sends.Add(1)
	go func() {
		defer r.sends.Done()
		err := r.client.Send(r.sendCtx, content)
		switch {
		case err == nil:
		case errors.Is(err, conversation.ErrBusy):
			r.fail(errors.New("still answering, wait or /cancel"))
		case r.sendCtx.Err() != nil && errors.Is(err, context.Canceled):
		default:
			r.fail(err)
		}
	}()
}

// readLines feeds stdin lines to a channel until EOF or ctx is done.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func openConversation(ctx context.Context, client *chat.Client, printer *render.Printer, id string) error {
	if err := client.Open(ctx, id); err != nil {
		return err
	}
	printer.Redraw(client.View())
	return nil
}

func (r *repl) handle(ctx context.Context, line string) (quit bool, err error) {
	client, printer, out := r.client, r.printer, r.out
	cmd := parseInput(line)

	switch cmd.name {
	case "":
		if cmd.arg != "" {
			r.send(cmd.arg)
		}
		return false, nil

	case "quit", "exit", "q":
		return true, nil

	case "help":
		printHelp(out)

	case "new":
		client.NewConversation()
		printer.Seed(client.View())
		fmt.Fprintln(out, "Started a new conversation.")

	case "open":
		if cmd.arg == "" {
			return false, errors.New("usage: /open <conversation-id>")
		}
		return false, openConversation(ctx, client, printer, cmd.arg)

	case "list":
		convs, err := client.List(ctx)
		if err != nil {
			return false, err
		}
		return false, printConversations(out, convs)

	case "older":
		printer.Redraw(client.LoadOlder())

	case "cancel":
		return false, client.Cancel()

	case "delete":
		id := cmd.arg
		if id == "" {
			id = client.Current().ConversationID()
		}
		if id == "" {
			return false, errors.New("nothing to delete: the conversation has not started")
		}
		if err := client.Delete(ctx, id); err != nil {
			return false, err
		}
		printer.Seed(client.View())
		fmt.Fprintf(out, "Deleted %s\n", id)

	case "status":
		v := client.View()
		id := v.ConversationID
		if id == "" {
			id = "(new)"
		}
		fmt.Fprintf(out, "%s  conversation %s  %s  %d messages\n",
			render.Connection(v.Connection), id, v.Phase, len(v.Messages))

	case "reconnect":
		client.Start(ctx)

	default:
		return false, fmt.Errorf("unknown command /%s, try /help", cmd.name)
	}
	return false, nil
}
