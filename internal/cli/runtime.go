package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/deangilmoreremix/contactsfeature-sub000/runtime/queue"
	"github.com/deangilmoreremix/contactsfeature-sub000/runtime/worker"
	"github.com/deangilmoreremix/contactsfeature-sub000/server"
)

func ServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the autopilot HTTP API",
		Long: `Serves the HTTP API. With AUTOPILOT_QUEUE_BACKEND=memory the job workers
run in this process; with redis they run separately under "autopilot worker".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, appOptions{queue: true}, func(ctx context.Context, a *app) error {
				if addr == "" {
					addr = a.cfg.HTTPAddr
				}
				srv, err := server.New(server.Config{
					Addr:        addr,
					Autopilot:   a.orchestrator,
					Queue:       a.queue,
					MaxAttempts: a.cfg.Queue.MaxAttempts,
					Tools:       a.registry.Definitions(),
					Logger:      a.logger,
				})
				if err != nil {
					return err
				}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return srv.ListenAndServe(gctx) })
				if a.cfg.Queue.Backend == "memory" {
					w, err := newWorker(a, "serve")
					if err != nil {
						return err
					}
					g.Go(func() error { return w.Start(gctx) })
				}
				return ignoreCanceled(g.Wait())
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default AUTOPILOT_HTTP_ADDR)")
	return cmd
}

func WorkerCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued start and resume jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, appOptions{queue: true}, func(ctx context.Context, a *app) error {
				if a.cfg.Queue.Backend != "redis" {
					return fmt.Errorf("a standalone worker needs AUTOPILOT_QUEUE_BACKEND=redis (got %q)", a.cfg.Queue.Backend)
				}
				w, err := newWorker(a, id)
				if err != nil {
					return err
				}
				return ignoreCanceled(w.Start(ctx))
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "consumer name (default: random)")
	return cmd
}

func newWorker(a *app, id string) (worker.Worker, error) {
	if a.queue == nil {
		return nil, errors.New("no job queue configured")
	}
	policy := worker.DefaultRuntimePolicy()
	policy.MaxAttempts = a.cfg.Queue.MaxAttempts
	return worker.New(worker.Config{
		WorkerID: id,
		Capacity: a.cfg.Queue.Workers,
		Logger:   a.logger,
	}, a.queue, a.observer, policy, a.orchestrator)
}

// dlqRequeuer is implemented by queues that can replay dead letters.
type dlqRequeuer interface {
	RequeueDLQByID(ctx context.Context, id string, resetAttempt bool) (string, error)
}

func QueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show stream, pending and dead-letter counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(ctx context.Context, q queue.Queue) error {
				stats, err := q.Stats(ctx)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), stats)
				}
				w := cmd.OutOrStdout()
				field(w, "stream", fmt.Sprint(stats.StreamLength))
				field(w, "pending", fmt.Sprint(stats.Pending))
				field(w, "delayed", fmt.Sprint(stats.Delayed))
				field(w, "dlq", fmt.Sprint(stats.DLQLength))
				return nil
			})
		},
	})

	var limit int
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(ctx context.Context, q queue.Queue) error {
				items, err := q.ListDLQ(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), items)
				}
				w := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(w, dimColor.Sprint("dead-letter queue is empty"))
				}
				for _, d := range items {
					fmt.Fprintf(w, "%s  %s %s lead=%s attempt=%d/%d\n",
						dimColor.Sprint(d.Received.Format(time.RFC3339)), d.ID, labelColor.Sprint(d.Job.Kind),
						d.Job.LeadID, d.Job.Attempt, d.Job.MaxAttempts)
					if reason := d.Job.Metadata["dead_letter_reason"]; reason != "" {
						fmt.Fprintf(w, "    %s\n", errColor.Sprint(reason))
					}
				}
				return nil
			})
		},
	}
	dlq.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries to list")
	cmd.AddCommand(dlq)

	var reset bool
	requeue := &cobra.Command{
		Use:   "requeue <dlq-message-id>",
		Short: "Move a dead-lettered job back onto the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(ctx context.Context, q queue.Queue) error {
				r, ok := q.(dlqRequeuer)
				if !ok {
					return errors.New("this queue backend cannot requeue dead letters")
				}
				id, err := r.RequeueDLQByID(ctx, args[0], reset)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s requeued as %s\n", okColor.Sprint("✓"), id)
				return nil
			})
		},
	}
	requeue.Flags().BoolVar(&reset, "reset-attempts", false, "restart the attempt counter")
	cmd.AddCommand(requeue)
	return cmd
}

func withQueue(cmd *cobra.Command, fn func(ctx context.Context, q queue.Queue) error) error {
	return withApp(cmd, appOptions{offline: true, queue: true}, func(ctx context.Context, a *app) error {
		if a.queue == nil {
			return errors.New("no job queue configured (set AUTOPILOT_QUEUE_BACKEND)")
		}
		return fn(ctx, a.queue)
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
