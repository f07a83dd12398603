package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/baltic-freight/tms/internal/app"
	"github.com/baltic-freight/tms/jobs"
)

// JobsController is what the jobs commands need from the queue.
type JobsController interface {
	Trigger(ctx context.Context, name string, opts TriggerOptions) (*asynq.TaskInfo, error)
	InspectQueue(ctx context.Context) (QueueStats, error)
	ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error)
	Close() error
}

// TriggerOptions carries the payload of a manually queued task.
type TriggerOptions struct {
	Today     time.Time
	Statement []byte
	Force     bool
	OrderIDs  []int64
	PartnerID int64
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &JobsCLI{client: client, inspector: asynq.NewInspector(opts)}, nil
}

func openJobsFromConfig() (JobsController, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewJobsCLI(cfg.RedisAddr)
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, name string, opts TriggerOptions) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	switch name {
	case jobs.TaskOverdueSweep:
		return c.client.EnqueueOverdueSweep(ctx, opts.Today)
	case jobs.TaskBankImport:
		if len(opts.Statement) == 0 {
			return nil, errors.New("jobs cli: statement file required")
		}
		return c.client.EnqueueBankImport(ctx, opts.Statement, opts.Force)
	case jobs.TaskCarrierProject:
		if len(opts.OrderIDs) == 0 || opts.PartnerID <= 0 {
			return nil, errors.New("jobs cli: orders and partner required")
		}
		return c.client.EnqueueCarrierProjection(ctx, opts.OrderIDs, opts.PartnerID)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = int(info.Pending)
		stats.Active = int(info.Active)
		stats.Scheduled = int(info.Scheduled)
		stats.Retry = int(info.Retry)
		stats.Archived = int(info.Archived)
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

func newJobsCmd(e *env) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Queue and inspect background jobs",
	}

	triggerCmd := &cobra.Command{
		Use:   "trigger NAME",
		Short: "Enqueue overdue:sweep, bank:import or carrier:project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := triggerOptions(cmd)
			if err != nil {
				return err
			}
			return e.withJobs(func(c JobsController) error {
				info, err := c.Trigger(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				return e.print(cmd.OutOrStdout(), map[string]string{"id": info.ID, "queue": info.Queue, "type": info.Type}, func(w io.Writer) {
					fmt.Fprintf(w, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
				})
			})
		},
	}
	triggerCmd.Flags().String("today", "", "overdue:sweep date as YYYY-MM-DD")
	triggerCmd.Flags().String("file", "", "bank:import statement file")
	triggerCmd.Flags().Bool("force", false, "bank:import re-imports a processed statement")
	triggerCmd.Flags().String("orders", "", "carrier:project comma separated order ids")
	triggerCmd.Flags().Int64("partner", 0, "carrier:project partner id")

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show default queue counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withJobs(func(c JobsController) error {
				stats, err := c.InspectQueue(cmd.Context())
				if err != nil {
					return err
				}
				return e.print(cmd.OutOrStdout(), stats, func(w io.Writer) {
					fmt.Fprintf(w, "queue %s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
						stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
				})
			})
		},
	}

	scheduledCmd := &cobra.Command{
		Use:   "scheduled",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			size, _ := cmd.Flags().GetInt("size")
			return e.withJobs(func(c JobsController) error {
				infos, err := c.ListScheduled(cmd.Context(), size)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if e.asJSON {
					return e.print(out, infos, nil)
				}
				for _, info := range infos {
					fmt.Fprintf(out, "%s\t%s\t%s\n", info.ID, info.Type, info.NextProcessAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	scheduledCmd.Flags().Int("size", 10, "page size")

	jobsCmd.AddCommand(triggerCmd, inspectCmd, scheduledCmd)
	return jobsCmd
}

func (e *env) withJobs(fn func(JobsController) error) error {
	c, err := e.openJobs()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(c)
}

func triggerOptions(cmd *cobra.Command) (TriggerOptions, error) {
	var opts TriggerOptions
	if raw, _ := cmd.Flags().GetString("today"); raw != "" {
		today, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return opts, fmt.Errorf("invalid --today: %w", err)
		}
		opts.Today = today
	}
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return opts, fmt.Errorf("read statement: %w", err)
		}
		opts.Statement = data
	}
	opts.Force, _ = cmd.Flags().GetBool("force")
	if raw, _ := cmd.Flags().GetString("orders"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || id <= 0 {
				return opts, fmt.Errorf("invalid order id %q", part)
			}
			opts.OrderIDs = append(opts.OrderIDs, id)
		}
	}
	opts.PartnerID, _ = cmd.Flags().GetInt64("partner")
	return opts, nil
}
