package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sunsetsmail/delivery"
	"sunsetsmail/queue"
	"sunsetsmail/worker"
)

// OpenFunc connects to the queue store.
type OpenFunc func(ctx context.Context) (*queue.Manager, error)

type runtimeState struct {
	open   OpenFunc
	writer io.Writer
	output string
}

var stateOrder = []queue.State{
	queue.StateWaiting,
	queue.StateActive,
	queue.StateDelayed,
	queue.StateCompleted,
	queue.StateFailed,
}

// NewRootCommand builds the mailq command tree.
func NewRootCommand(out io.Writer, open OpenFunc) *cobra.Command {
	rt := &runtimeState{open: open, writer: out}

	root := &cobra.Command{
		Use:           "mailq",
		Short:         "Inspect and feed the email delivery queue",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&rt.output, "output", "o", "", "Output format: text, json")

	root.AddCommand(
		newEnqueueCommand(rt),
		newStatsCommand(rt),
		newGetCommand(rt),
		newFailedCommand(rt),
		newRetryCommand(rt),
	)
	root.SetOut(out)
	return root
}

func (rt *runtimeState) withQueue(cmd *cobra.Command, fn func(ctx context.Context, q *queue.Manager) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	q, err := rt.open(ctx)
	if err != nil {
		return err
	}
	defer q.Close()
	return fn(ctx, q)
}

func (rt *runtimeState) printJSON(v any) error {
	enc := json.NewEncoder(rt.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEnqueueCommand(rt *runtimeState) *cobra.Command {
	var (
		msg      delivery.Message
		delay    time.Duration
		attempts int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a sendEmail job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(msg.To) == "" {
				return errors.New("--to is required")
			}
			return rt.withQueue(cmd, func(ctx context.Context, q *queue.Manager) error {
				job, err := q.Add(ctx, worker.JobType, msg, queue.WithDelay(delay), queue.WithAttempts(attempts))
				if err != nil {
					return err
				}
				if rt.output == "json" {
					return rt.printJSON(map[string]string{"id": job.ID, "state": string(job.State)})
				}
				_, _ = fmt.Fprintf(rt.writer, "queued %s (%s)\n", job.ID, job.State)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&msg.To, "to", "", "Recipient address")
	cmd.Flags().StringVar(&msg.Subject, "subject", "", "Subject line")
	cmd.Flags().StringVar(&msg.Text, "text", "", "Plain text body")
	cmd.Flags().StringVar(&msg.HTML, "html", "", "HTML body")
	cmd.Flags().StringVar(&msg.From, "from", "", "Sender address (defaults to SMTP_FROM)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Hold the job before it becomes claimable")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "Override the attempt limit for this job")
	return cmd
}

func newStatsCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rt.withQueue(cmd, func(ctx context.Context, q *queue.Manager) error {
				counts, err := q.Counts(ctx)
				if err != nil {
					return err
				}
				if rt.output == "json" {
					return rt.printJSON(counts)
				}
				_, _ = fmt.Fprintf(rt.writer, "queue %s\n", q.Name())
				for _, state := range stateOrder {
					_, _ = fmt.Fprintf(rt.writer, "  %-10s %d\n", state, counts[state])
				}
				return nil
			})
		},
	}
}

type jobView struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	State        queue.State     `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	FailedReason string          `json:"failedReason,omitempty"`
	Data         json.RawMessage `json:"data"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func newGetCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withQueue(cmd, func(ctx context.Context, q *queue.Manager) error {
				job, err := q.Get(ctx, args[0])
				if err != nil {
					return err
				}
				view := jobView{
					ID:           job.ID,
					Type:         job.Type,
					State:        job.State,
					AttemptsMade: job.AttemptsMade,
					MaxAttempts:  job.MaxAttempts,
					FailedReason: job.FailedReason,
					Data:         job.Data,
					CreatedAt:    job.CreatedAt.UTC(),
				}
				if rt.output == "json" {
					return rt.printJSON(view)
				}
				_, _ = fmt.Fprintf(rt.writer, "%s %s %s attempts=%d/%d\n", view.ID, view.Type, view.State, view.AttemptsMade, view.MaxAttempts)
				if view.FailedReason != "" {
					_, _ = fmt.Fprintf(rt.writer, "  reason: %s\n", view.FailedReason)
				}
				return nil
			})
		},
	}
}

func newFailedCommand(rt *runtimeState) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List dead-lettered job ids, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rt.withQueue(cmd, func(ctx context.Context, q *queue.Manager) error {
				ids, err := q.Failed(ctx, limit)
				if err != nil {
					return err
				}
				if rt.output == "json" {
					return rt.printJSON(ids)
				}
				for _, id := range ids {
					_, _ = fmt.Fprintln(rt.writer, id)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 50, "Maximum number of ids to list")
	return cmd
}

func newRetryCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>...",
		Short: "Move failed jobs back to the wait list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withQueue(cmd, func(ctx context.Context, q *queue.Manager) error {
				var errs []error
				for _, id := range args {
					if err := q.Retry(ctx, id); err != nil {
						errs = append(errs, err)
						continue
					}
					_, _ = fmt.Fprintf(rt.writer, "requeued %s\n", id)
				}
				return errors.Join(errs...)
			})
		},
	}
}
