package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-iam/jobs"
)

// Inspector is the subset of asynq.Inspector used by QueueCLI.
type Inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	RunAllArchivedTasks(queue string) (int, error)
}

// QueueCLI wraps manual management helpers for the mail queue.
type QueueCLI struct {
	inspector Inspector
}

// NewQueueCLI builds the helper around an inspector.
func NewQueueCLI(inspector Inspector) *QueueCLI {
	return &QueueCLI{inspector: inspector}
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueue reports the metrics of the mail queue.
func (c *QueueCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("queue cli: inspector not configured")
	}
	if err := ctx.Err(); err != nil {
		return QueueStats{}, err
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueMail)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueMail}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// PrintStats writes the queue stats in a stable, line oriented format.
func (c *QueueCLI) PrintStats(ctx context.Context, out io.Writer) error {
	stats, err := c.InspectQueue(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	return err
}

// RetryArchived moves every archived mail task back to pending. Mail whose
// link expired meanwhile is dropped by the worker.
func (c *QueueCLI) RetryArchived(ctx context.Context) (int, error) {
	if c == nil || c.inspector == nil {
		return 0, errors.New("queue cli: inspector not configured")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.inspector.RunAllArchivedTasks(jobs.QueueMail)
}

// ListArchived returns archived mail tasks for inspection. Payloads carry
// secrets and are not returned.
func (c *QueueCLI) ListArchived(ctx context.Context, size int) ([]string, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("queue cli: inspector not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 10
	}
	infos, err := c.inspector.ListArchivedTasks(jobs.QueueMail, asynq.PageSize(size), asynq.Page(1))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, fmt.Sprintf("%s %s retried=%d error=%q", info.ID, info.Type, info.Retried, info.LastErr))
	}
	return out, nil
}
