// ABOUTME: Command tree for coven-chat: interactive chat plus list, history, delete, and export
// ABOUTME: Loads configuration once per invocation and builds the API and chat clients from it

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/2389/coven-chat/internal/api"
	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/render"
	"github.com/2389/coven-chat/internal/transport"
)

type rootOptions struct {
	configPath  string
	assistantID string
	debug       bool

	cfg    *config.Config
	source string
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "coven-chat",
		Short: "Terminal client for streaming assistant conversations",
		Long: `coven-chat keeps a live, cancellable conversation with an assistant over a
single websocket connection, streaming answers as they are generated and
paging back through long transcripts.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd.ErrOrStderr())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInteractive(cmd.Context(), opts, "", cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/coven/chat.yaml)")
	root.PersistentFlags().StringVarP(&opts.assistantID, "assistant", "a", "", "assistant id, overrides server.assistant_id")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newChatCmd(opts),
		newListCmd(opts),
		newHistoryCmd(opts),
		newDeleteCmd(opts),
		newExportCmd(opts),
	)
	return root
}

func (o *rootOptions) load(logOut io.Writer) error {
	cfg, path, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if o.assistantID != "" {
		cfg.Server.AssistantID = o.assistantID
	}
	if o.debug {
		cfg.Logging.Level = "debug"
	}
	o.cfg = cfg
	o.source = path
	o.logger = setupLogger(cfg.Logging, logOut)
	slog.SetDefault(o.logger)
	return nil
}

func (o *rootOptions) apiClient() *api.Client {
	return api.New(o.cfg.Server.APIURL, o.cfg.Server.Token, nil, o.logger)
}

// chatClient builds the full client: websocket connection, registry,
// sessions, and the HTTP collaborator.
func (o *rootOptions) chatClient() *chat.Client {
	dialer := &transport.WebSocketDialer{Header: http.Header{}}
	if o.cfg.Server.Token != "" {
		dialer.Header.Set("Authorization", "Bearer "+o.cfg.Server.Token)
	}
	conn := transport.NewManager(o.cfg.Transport(), dialer, o.logger)

	copts := chat.DefaultOptions()
	copts.AssistantID = o.cfg.Server.AssistantID
	copts.CancelDestination = o.cfg.Stomp.CancelDestination
	copts.ConversationTopicPrefix = o.cfg.Stomp.ConversationTopicPrefix
	copts.PageSize = o.cfg.Chat.PageSize
	copts.Session = o.cfg.Session()
	copts.ExecutionTopic = o.cfg.Stomp.ExecutionTopic
	copts.Execution = o.cfg.Execution()

	return chat.New(conn, o.apiClient(), copts, o.logger)
}

// serveMetrics starts the metrics listener when enabled. The returned
// function stops it.
func (o *rootOptions) serveMetrics(c *chat.Client) func() {
	if !o.cfg.Metrics.Enabled {
		return func() {}
	}

	reg := prometheus.NewRegistry()
	c.SetMetrics(metrics.New(reg))

	mux := http.NewServeMux()
	mux.Handle(o.cfg.Metrics.Path, metrics.Handler(reg))
	srv := &http.Server{
		Addr:              o.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("metrics server failed", "addr", o.cfg.Metrics.Addr, "error", err)
		}
	}()
	o.logger.Info("serving metrics", "addr", o.cfg.Metrics.Addr, "path", o.cfg.Metrics.Path)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Start an interactive chat, optionally resuming a conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runInteractive(cmd.Context(), opts, id, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			convs, err := opts.apiClient().ListConversations(cmd.Context(), opts.cfg.Server.AssistantID)
			if err != nil {
				return err
			}
			return printConversations(cmd.OutOrStdout(), convs)
		},
	}
}

func printConversations(w io.Writer, convs []api.Conversation) error {
	if len(convs) == 0 {
		_, err := fmt.Fprintln(w, "No conversations.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tMESSAGES\tLAST ACTIVITY")
	for _, c := range convs {
		last := "-"
		if t := c.LastActivity(); !t.IsZero() {
			last = t.Local().Format("2006-01-02 15:04")
		}
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.ID, truncate(title, 48), c.MessageCount, last)
	}
	return tw.Flush()
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print a conversation transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stored, err := opts.apiClient().GetMessages(cmd.Context(), args[0], 0, chat.DefaultOptions().FetchSize)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range chat.FromHistory(stored) {
				fmt.Fprintln(out, render.Message(m))
			}
			return nil
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.apiClient().DeleteConversation(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "export <conversation-id>",
		Short: "Export a conversation as HTML or Markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" {
				format = formatFromPath(output)
			}
			if format != "html" && format != "md" {
				return fmt.Errorf("unknown format %q, want html or md", format)
			}

			client := opts.apiClient()
			stored, err := client.GetMessages(cmd.Context(), args[0], 0, chat.DefaultOptions().FetchSize)
			if err != nil {
				return err
			}
			title := "Conversation " + args[0]
			if conv, err := client.GetConversation(cmd.Context(), args[0]); err == nil && conv.Title != "" {
				title = conv.Title
			}

			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("creating %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}

			msgs := chat.FromHistory(stored)
			if format == "md" {
				return render.ExportMarkdown(w, title, msgs)
			}
			return render.ExportHTML(w, title, msgs)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "html or md (default from --output extension, else html)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return "md"
	default:
		return "html"
	}
}

// truncate shortens a string to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
