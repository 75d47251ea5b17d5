package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bookshare/pkg/queue"
	"bookshare/pkg/sms"
)

// Consumer is the part of queue.RedisJobQueue the notifier drives.
type Consumer interface {
	Run(ctx context.Context, concurrency int, handler queue.Handler) error
	GetJob(ctx context.Context, jobID string) (queue.Job, bool, error)
}

// Config holds runtime configuration.
type Config struct {
	Queue       Consumer
	Sender      sms.Sender
	Concurrency int
}

// App relays queued notification texts to phones.
type App struct {
	queue       Consumer
	sender      sms.Sender
	concurrency int
}

// JobView is a job without its payload, which holds phone numbers.
type JobView struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Attempts     int    `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func New(cfg Config) (*App, error) {
	if cfg.Queue == nil {
		return nil, errors.New("queue required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("sms sender required")
	}
	return &App{queue: cfg.Queue, sender: cfg.Sender, concurrency: max(cfg.Concurrency, 1)}, nil
}

// Run consumes jobs until ctx is done.
func (a *App) Run(ctx context.Context) error {
	return a.queue.Run(ctx, a.concurrency, a.Handle)
}

// Handle sends one SMS job. Jobs that can never succeed are dropped (nil
// error) so the queue does not retry them; provider errors are returned
// and retried.
func (a *App) Handle(ctx context.Context, job queue.Job) error {
	logger := slog.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)
	if job.Kind != sms.JobKind {
		logger.Warn("dropping job of unknown kind")
		return nil
	}
	var msg sms.Message
	if err := job.Decode(&msg); err != nil {
		logger.Warn("dropping undecodable sms job", "err", err)
		return nil
	}
	if strings.TrimSpace(msg.To) == "" {
		logger.Info("dropping sms job without phone", "notification_id", msg.NotificationID)
		return nil
	}
	sid, err := a.sender.Send(ctx, msg)
	if errors.Is(err, sms.ErrInvalidNumber) {
		logger.Warn("dropping sms job with invalid phone", "notification_id", msg.NotificationID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	logger.Info("sms sent", "notification_id", msg.NotificationID, "sid", sid)
	return nil
}

// GetJob returns a job's status by ID.
func (a *App) GetJob(ctx context.Context, id string) (JobView, bool, error) {
	job, ok, err := a.queue.GetJob(ctx, id)
	if err != nil || !ok {
		return JobView{}, ok, err
	}
	return JobView{
		ID:           job.ID,
		Kind:         job.Kind,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
		Attempts:     job.Attempts,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}, true, nil
}
