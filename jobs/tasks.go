package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-iam/internal/jobs"
	"github.com/odyssey-erp/odyssey-iam/internal/users"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueMail carries invitation and password reset mail.
	QueueMail = "mail"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
)

// Defaults applied to every mail task.
const (
	mailMaxRetry  = 8
	mailTimeout   = 30 * time.Second
	mailRetention = 24 * time.Hour
)

// Enqueuer is the subset of asynq.Client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// NewSendEmailTask wraps a delivery into an Asynq task. The payload holds the
// token and temporary password, so tasks are only retained briefly.
func NewSendEmailTask(delivery users.Delivery) (*asynq.Task, error) {
	if delivery.Destination == "" {
		return nil, errors.New("jobs: mail task without destination")
	}
	data, err := json.Marshal(delivery)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data,
		asynq.Queue(QueueMail),
		asynq.MaxRetry(mailMaxRetry),
		asynq.Timeout(mailTimeout),
		asynq.Retention(mailRetention),
	), nil
}

// QueueMailer implements users.Mailer by enqueueing a mail task for the worker.
type QueueMailer struct {
	queue   Enqueuer
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewQueueMailer constructs a QueueMailer.
func NewQueueMailer(queue Enqueuer, metrics *jobmetrics.Metrics, logger *slog.Logger) *QueueMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueMailer{queue: queue, metrics: metrics, logger: logger}
}

// Deliver implements users.Mailer.
func (m *QueueMailer) Deliver(ctx context.Context, delivery users.Delivery) error {
	task, err := NewSendEmailTask(delivery)
	if err != nil {
		m.metrics.AddDelivery(string(delivery.Kind), "dropped")
		return err
	}
	info, err := m.queue.EnqueueContext(ctx, task)
	if err != nil {
		m.metrics.AddDelivery(string(delivery.Kind), "failed")
		return fmt.Errorf("jobs: enqueue mail: %w", err)
	}
	m.metrics.AddDelivery(string(delivery.Kind), "queued")
	m.logger.Debug("mail queued", slog.String("task_id", info.ID), slog.Any("delivery", delivery))
	return nil
}

var _ users.Mailer = (*QueueMailer)(nil)
