// commands.go contains the cobra command definitions and their handlers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/deckhand-ai/deckhand/internal/events"
	"github.com/deckhand-ai/deckhand/internal/session"
	"github.com/deckhand-ai/deckhand/pkg/models"
)

func buildServeCmd(configPath *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket event endpoint",
		Long: `Start the Deckhand server.

Subscribers connect to /ws?session_id=<id> and receive the canonical
event stream for that conversation. Prometheus metrics are served on a
separate listener when enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, *debug)
		},
	}
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	a, err := buildApp(configPath, debug)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", events.NewBroadcaster(a.bus, a.logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info(ctx, "server listening", "addr", addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var metricsServer *http.Server
	if a.cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: metricsMux}
		go func() {
			a.logger.Info(ctx, "metrics listening", "addr", a.cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return server.Shutdown(shutdownCtx)
}

func buildSendCmd(configPath *string, debug *bool) *cobra.Command {
	var (
		sessionID string
		workDir   string
		model     string
		images    []string
	)
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Run one prompt and stream the turn to the terminal",
		Args:  cobra.ExactArgs(1),
		Example: `  deckhand send --session dev "list the files in cmd/"
  deckhand send --session dev --model gpt-5 "explain this diff"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), *configPath, *debug, sessionID, workDir, model, images, args[0])
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Conversation id (created if unknown)")
	cmd.Flags().StringVarP(&workDir, "workdir", "w", "", "Working directory for the turn")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model id override")
	cmd.Flags().StringArrayVarP(&images, "image", "i", nil, "Image file to attach (repeatable)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func runSend(ctx context.Context, configPath string, debug bool, sessionID, workDir, model string, images []string, message string) error {
	a, err := buildApp(configPath, debug)
	if err != nil {
		return err
	}
	defer a.Close()

	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	if res := a.registry.Start(sessionID, workDir); !res.Success {
		return fmt.Errorf("start session: %s", res.Error)
	}

	stream, cancel := a.bus.Subscribe(sessionID)
	defer cancel()
	printDone := make(chan struct{})
	go func() {
		defer close(printDone)
		printStream(stream)
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		a.registry.Stop(sessionID)
	}()

	res := a.registry.Send(ctx, sessionID, session.SendOptions{
		Message:    message,
		ImagePaths: images,
		Model:      model,
	})
	cancel()
	<-printDone

	switch {
	case res.Aborted:
		fmt.Fprintln(os.Stderr, "aborted")
		return nil
	case !res.Success:
		return fmt.Errorf("turn failed: %s", res.Error)
	}
	return nil
}

// printStream renders canonical events for a terminal. Text deltas are
// cumulative, so only the unseen suffix is printed.
func printStream(stream <-chan *models.StreamEvent) {
	printed := 0
	for ev := range stream {
		switch ev.Type {
		case models.EventTextDelta:
			if len(ev.Text) > printed {
				fmt.Print(ev.Text[printed:])
				printed = len(ev.Text)
			}
		case models.EventToolCall:
			fmt.Fprintf(os.Stderr, "\n[tool] %s %s\n", ev.ToolCall.Name, compactJSON(ev.ToolCall.Input))
		case models.EventToolResult:
			status := "ok"
			if ev.ToolResult.IsError {
				status = "error"
			}
			fmt.Fprintf(os.Stderr, "[tool] %s: %s\n", status, firstLine(ev.ToolResult.Content))
		case models.EventTurnComplete:
			if len(ev.FinalText) > printed {
				fmt.Print(ev.FinalText[printed:])
				printed = len(ev.FinalText)
			}
			fmt.Println()
		case models.EventError:
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", ev.Error)
		}
	}
}

func buildSessionsCmd(configPath *string, debug *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage conversations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *debug, func(a *app) error {
				res := a.registry.ListSessions()
				if !res.Success {
					return errors.New(res.Error)
				}
				return printJSON(res.Sessions)
			})
		},
	})

	var (
		name        string
		projectPath string
		workDir     string
		model       string
		tags        []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *debug, func(a *app) error {
				res := a.registry.CreateSession(session.CreateOptions{
					Name:        name,
					ProjectPath: projectPath,
					WorkDir:     workDir,
					Model:       model,
					Tags:        tags,
				})
				if !res.Success {
					return errors.New(res.Error)
				}
				return printJSON(res.Session)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "Conversation name")
	create.Flags().StringVar(&projectPath, "project", "", "Project path")
	create.Flags().StringVarP(&workDir, "workdir", "w", "", "Working directory")
	create.Flags().StringVarP(&model, "model", "m", "", "Default model id")
	create.Flags().StringSliceVar(&tags, "tag", nil, "Tag (repeatable)")
	cmd.AddCommand(create)

	cmd.AddCommand(
		sessionOpCmd(configPath, debug, "archive", "Archive a conversation",
			func(a *app, id string) session.Result { return a.registry.ArchiveSession(id) }),
		sessionOpCmd(configPath, debug, "unarchive", "Restore an archived conversation",
			func(a *app, id string) session.Result { return a.registry.UnarchiveSession(id) }),
		sessionOpCmd(configPath, debug, "delete", "Delete a conversation and its state",
			func(a *app, id string) session.Result { return a.registry.DeleteSession(id) }),
		sessionOpCmd(configPath, debug, "clear", "Clear a conversation's transcript",
			func(a *app, id string) session.Result { return a.registry.ClearSession(id) }),
	)

	history := &cobra.Command{
		Use:   "history [id]",
		Short: "Print a conversation transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *debug, func(a *app) error {
				res := a.registry.GetHistory(args[0])
				if !res.Success {
					return errors.New(res.Error)
				}
				return printJSON(res.Messages)
			})
		},
	}
	cmd.AddCommand(history)

	return cmd
}

func sessionOpCmd(configPath *string, debug *bool, use, short string, op func(*app, string) session.Result) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *debug, func(a *app) error {
				if res := op(a, args[0]); !res.Success {
					return errors.New(res.Error)
				}
				return nil
			})
		},
	}
}

func buildQueueCmd(configPath *string, debug *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage follow-up prompt queues",
	}

	var (
		sessionID string
		model     string
		images    []string
	)
	add := &cobra.Command{
		Use:   "add [message]",
		Short: "Queue a follow-up prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *debug, func(a *app) error {
				res := a.registry.Enqueue(sessionID, session.SendOptions{
					Message:    args[0],
					ImagePaths: images,
					Model:      model,
				})
				if !res.Success {
					return errors.New(res.Error)
				}
				return printJSON(res.Queue)
			})
		},
	}
	add.Flags().StringVarP(&sessionID, "session", "s", "", "Conversation id")
	add.Flags().StringVarP(&model, "model", "m", "", "Model id override")
	add.Flags().StringArrayVarP(&images, "image", "i", nil, "Image file to attach (repeatable)")
	_ = add.MarkFlagRequired("session")
	cmd.AddCommand(add)

	var listSession string
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *debug, func(a *app) error {
				res := a.registry.ListQueue(listSession)
				if !res.Success {
					return errors.New(res.Error)
				}
				return printJSON(res.Queue)
			})
		},
	}
	list.Flags().StringVarP(&listSession, "session", "s", "", "Conversation id")
	_ = list.MarkFlagRequired("session")
	cmd.AddCommand(list)

	var removeSession string
	remove := &cobra.Command{
		Use:   "remove [prompt-id]",
		Short: "Remove one queued prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *debug, func(a *app) error {
				res := a.registry.RemoveQueued(removeSession, args[0])
				if !res.Success {
					return errors.New(res.Error)
				}
				return printJSON(res.Queue)
			})
		},
	}
	remove.Flags().StringVarP(&removeSession, "session", "s", "", "Conversation id")
	_ = remove.MarkFlagRequired("session")
	cmd.AddCommand(remove)

	var clearSession string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard all queued prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *debug, func(a *app) error {
				res := a.registry.ClearQueue(clearSession)
				if !res.Success {
					return errors.New(res.Error)
				}
				return nil
			})
		},
	}
	clearCmd.Flags().StringVarP(&clearSession, "session", "s", "", "Conversation id")
	_ = clearCmd.MarkFlagRequired("session")
	cmd.AddCommand(clearCmd)

	return cmd
}

func withApp(configPath string, debug bool, fn func(*app) error) error {
	a, err := buildApp(configPath, debug)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	s := string(raw)
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
