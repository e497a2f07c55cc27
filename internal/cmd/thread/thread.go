package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chirino/thread-sync/internal/config"
	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/resolver"
	"github.com/chirino/thread-sync/internal/session"
	"github.com/chirino/thread-sync/internal/threadlist"
	"github.com/urfave/cli/v3"
)

// Command returns the thread sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var settle time.Duration = 2 * time.Second
	return &cli.Command{
		Name:  "thread",
		Usage: "Work with threads across the execution and persistent stores",
		Flags: flags(&cfg),
		Commands: []*cli.Command{
			resolveCommand(&cfg),
			historyCommand(&cfg, &settle),
			listCommand(&cfg),
			sendCommand(&cfg, &settle),
			watchCommand(&cfg),
		},
	}
}

func flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{

		// ── Persistent Store ──────────────────────────────────────
		&cli.StringFlag{
			Name:        "persistent-url",
			Category:    "Persistent Store:",
			Sources:     cli.EnvVars("THREAD_SYNC_PERSISTENT_URL"),
			Destination: &cfg.PersistentURL,
			Usage:       "Base URL of the persistent thread store; empty disables persistence",
		},
		&cli.StringFlag{
			Name:        "persistent-token",
			Category:    "Persistent Store:",
			Sources:     cli.EnvVars("THREAD_SYNC_PERSISTENT_TOKEN"),
			Destination: &cfg.PersistentToken,
			Usage:       "Bearer token for the persistent store",
		},
		&cli.BoolFlag{
			Name:        "authenticated",
			Category:    "Persistent Store:",
			Sources:     cli.EnvVars("THREAD_SYNC_AUTHENTICATED"),
			Destination: &cfg.Authenticated,
			Usage:       "List threads from the persistent store instead of the execution store",
		},

		// ── Execution Store ───────────────────────────────────────
		&cli.StringFlag{
			Name:        "execution-url",
			Category:    "Execution Store:",
			Sources:     cli.EnvVars("THREAD_SYNC_EXECUTION_URL"),
			Destination: &cfg.ExecutionURL,
			Usage:       "Base URL of the agent execution server; empty uses an in-process echo store",
		},
		&cli.StringFlag{
			Name:        "execution-api-key",
			Category:    "Execution Store:",
			Sources:     cli.EnvVars("THREAD_SYNC_EXECUTION_API_KEY"),
			Destination: &cfg.ExecutionAPIKey,
			Usage:       "API key for the execution server",
		},
		&cli.StringFlag{
			Name:        "assistant-id",
			Category:    "Execution Store:",
			Sources:     cli.EnvVars("THREAD_SYNC_ASSISTANT_ID"),
			Destination: &cfg.AssistantID,
			Value:       cfg.AssistantID,
			Usage:       "Assistant (graph) id new runs are started with",
		},
		&cli.DurationFlag{
			Name:        "http-timeout",
			Category:    "Execution Store:",
			Sources:     cli.EnvVars("THREAD_SYNC_HTTP_TIMEOUT"),
			Destination: &cfg.HTTPTimeout,
			Value:       cfg.HTTPTimeout,
			Usage:       "Timeout for every request to either store",
		},

		// ── Local Store ───────────────────────────────────────────
		&cli.StringFlag{
			Name:        "local-store",
			Category:    "Local Store:",
			Sources:     cli.EnvVars("THREAD_SYNC_LOCAL_STORE"),
			Destination: &cfg.LocalStoreType,
			Value:       cfg.LocalStoreType,
			Usage:       "Local sync state store (memory|sqlite|redis|postgres|mongo)",
		},
		&cli.StringFlag{
			Name:        "local-store-path",
			Category:    "Local Store:",
			Sources:     cli.EnvVars("THREAD_SYNC_LOCAL_STORE_PATH"),
			Destination: &cfg.LocalStorePath,
			Value:       cfg.LocalStorePath,
			Usage:       "SQLite file for the sqlite local store",
		},
		&cli.StringFlag{
			Name:        "local-store-url",
			Category:    "Local Store:",
			Sources:     cli.EnvVars("THREAD_SYNC_LOCAL_STORE_URL"),
			Destination: &cfg.LocalStoreURL,
			Usage:       "Database URL for the postgres or mongo local store",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Local Store:",
			Sources:     cli.EnvVars("THREAD_SYNC_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis URL for the redis local store",
		},

		// ── Sync ──────────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "file-sync-debounce",
			Category:    "Sync:",
			Sources:     cli.EnvVars("THREAD_SYNC_FILE_SYNC_DEBOUNCE"),
			Destination: &cfg.FileSyncDebounce,
			Value:       cfg.FileSyncDebounce,
			Usage:       "Quiet period before file changes are pushed",
		},
		&cli.IntFlag{
			Name:        "page-size",
			Category:    "Sync:",
			Sources:     cli.EnvVars("THREAD_SYNC_LIST_PAGE_SIZE"),
			Destination: &cfg.ListPageSize,
			Value:       cfg.ListPageSize,
			Usage:       "Threads per listing page",
		},
	}
}

func settleFlag(settle *time.Duration) cli.Flag {
	return &cli.DurationFlag{
		Name:        "settle",
		Destination: settle,
		Value:       *settle,
		Usage:       "How long to wait for the thread to load",
	}
}

func resolveCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Show which stores a thread id maps to",
		ArgsUsage: "<thread-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			raw, err := requireArg(cmd, "thread-id")
			if err != nil {
				return err
			}
			e, err := openEnv(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.close()
			res, err := resolver.New(e.api, e.state).Resolve(ctx, raw)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func historyCommand(cfg *config.Config, settle *time.Duration) *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Print a thread's messages, from persisted history when the run has expired",
		ArgsUsage: "<thread-id>",
		Flags:     []cli.Flag{settleFlag(settle)},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			raw, err := requireArg(cmd, "thread-id")
			if err != nil {
				return err
			}
			e, err := openEnv(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.close()
			views := make(chan session.View, 16)
			c, err := e.controller(session.Options{OnChange: offer(views)})
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Navigate(ctx, raw); err != nil {
				return err
			}
			v := awaitSettled(ctx, c, views, *settle)
			if v.Err != nil {
				return v.Err
			}
			return printMessages(cmd, v)
		},
	}
}

func listCommand(cfg *config.Config) *cli.Command {
	var status string
	var pages int = 1
	var refresh time.Duration
	return &cli.Command{
		Name:  "list",
		Usage: "List threads, most recently updated first",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "status",
				Destination: &status,
				Usage:       "Filter by status (idle|busy|interrupted|error)",
			},
			&cli.IntFlag{
				Name:        "pages",
				Destination: &pages,
				Value:       pages,
				Usage:       "Number of pages to load",
			},
			&cli.DurationFlag{
				Name:        "refresh",
				Destination: &refresh,
				Usage:       "Re-list every interval, keeping the loaded pages, until interrupted",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var filter model.Status
			if status != "" {
				s, ok := model.ParseStatus(status)
				if !ok {
					return fmt.Errorf("unknown status %q", status)
				}
				filter = s
			}
			e, err := openEnv(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.close()
			agg := threadlist.New(e.api, e.exec, threadlist.Options{
				Authenticated: cfg.Authenticated,
				PageSize:      cfg.ListPageSize,
				Status:        filter,
			})
			page := agg.Load(ctx)
			for i := 1; i < pages && page.HasMore; i++ {
				page = agg.LoadMore(ctx)
			}
			w := writer(cmd)
			printPage(w, page)
			if refresh <= 0 {
				return nil
			}
			ticker := time.NewTicker(refresh)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					fmt.Fprintln(w)
					printPage(w, agg.Revalidate(ctx))
				}
			}
		},
	}
}

func printPage(w io.Writer, page threadlist.Page) {
	for _, t := range page.Threads {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.UpdatedAt.Format(time.RFC3339), t.Title)
	}
	if page.HasMore {
		fmt.Fprintf(w, "(more, source=%s)\n", page.Source)
	}
}

func sendCommand(cfg *config.Config, settle *time.Duration) *cli.Command {
	var threadID string
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a message, creating or reviving the thread as needed",
		ArgsUsage: "<text>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "thread",
				Aliases:     []string{"t"},
				Destination: &threadID,
				Usage:       "Thread id to send to; empty starts a new thread",
			},
			settleFlag(settle),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			text := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
			if text == "" {
				return fmt.Errorf("message text is required")
			}
			e, err := openEnv(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.close()
			views := make(chan session.View, 16)
			var newID string
			c, err := e.controller(session.Options{
				OnChange:          offer(views),
				OnThreadIDChanged: func(id string) { newID = id },
			})
			if err != nil {
				return err
			}
			if threadID != "" {
				if err := c.Navigate(ctx, threadID); err != nil {
					_ = c.Close()
					return err
				}
				awaitSettled(ctx, c, views, *settle)
			}
			if err := c.Send(ctx, text); err != nil {
				_ = c.Close()
				return err
			}
			v := awaitSettled(ctx, c, views, *settle)
			// Close drains the final sync pass and pending file pushes.
			if err := c.Close(); err != nil {
				return err
			}
			if newID != "" {
				fmt.Fprintf(writer(cmd), "thread: %s\n", newID)
			}
			return printMessages(cmd, v)
		},
	}
}

func watchCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Follow a thread and keep the persistent store in sync until interrupted",
		ArgsUsage: "<thread-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			raw, err := requireArg(cmd, "thread-id")
			if err != nil {
				return err
			}
			e, err := openEnv(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.close()
			views := make(chan session.View, 64)
			c, err := e.controller(session.Options{OnChange: offer(views)})
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Navigate(ctx, raw); err != nil {
				return err
			}
			seen := 0
			for {
				select {
				case <-ctx.Done():
					return nil
				case v := <-views:
					if v.Err != nil {
						fmt.Fprintf(writer(cmd), "error: %v\n", v.Err)
						continue
					}
					if len(v.Messages) < seen {
						seen = 0
					}
					for _, m := range v.Messages[seen:] {
						printMessage(writer(cmd), m)
					}
					seen = len(v.Messages)
				}
			}
		},
	}
}

// offer returns an OnChange callback that never blocks the controller. When
// the buffer is full the oldest view is dropped.
func offer(ch chan session.View) func(session.View) {
	return func(v session.View) {
		for {
			select {
			case ch <- v:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	}
}

// awaitSettled waits until the active thread has loaded and shows messages,
// or until settle elapses, and returns the latest view.
func awaitSettled(ctx context.Context, c *session.Controller, views <-chan session.View, settle time.Duration) session.View {
	timer := time.NewTimer(settle)
	defer timer.Stop()
	for {
		v := c.View()
		if !v.Loading && len(v.Messages) > 0 && !awaitingReply(v.Messages) {
			return v
		}
		select {
		case <-ctx.Done():
			return c.View()
		case <-timer.C:
			return c.View()
		case <-views:
		}
	}
}

func awaitingReply(msgs []model.Message) bool {
	return msgs[len(msgs)-1].Role == model.RoleUser
}

func requireArg(cmd *cli.Command, name string) (string, error) {
	v := strings.TrimSpace(cmd.Args().First())
	if v == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return v, nil
}

func writer(cmd *cli.Command) io.Writer {
	if root := cmd.Root(); root != nil && root.Writer != nil {
		return root.Writer
	}
	return os.Stdout
}

func printJSON(cmd *cli.Command, v any) error {
	enc := json.NewEncoder(writer(cmd))
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessages(cmd *cli.Command, v session.View) error {
	w := writer(cmd)
	if v.FromFallback {
		fmt.Fprintln(w, "(read from persisted history)")
	}
	for _, m := range v.Messages {
		printMessage(w, m)
	}
	return nil
}

func printMessage(w io.Writer, m model.Message) {
	fmt.Fprintf(w, "[%s] %s\n", m.Role, m.Text())
}
