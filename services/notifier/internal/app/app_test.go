package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"bookshare/pkg/queue"
	"bookshare/pkg/sms"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []sms.Message
	fails int
}

func (f *fakeSender) Send(ctx context.Context, m sms.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return "", errors.New("twilio: 503")
	}
	if _, err := sms.NormalizeNumber(m.To); err != nil {
		return "", err
	}
	f.sent = append(f.sent, m)
	return "SM" + m.NotificationID, nil
}

func (f *fakeSender) messages() []sms.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sms.Message(nil), f.sent...)
}

func newTestQueue(t *testing.T) *queue.RedisJobQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Client:     client,
		Stream:     "test:sms",
		Group:      "notifier",
		MaxRetries: 3,
		Block:      50 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func waitForStatus(t *testing.T, a *App, id, status string) JobView {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := a.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && job.Status == status {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, status)
	return JobView{}
}

func TestNotifierSendsAndDrops(t *testing.T) {
	q := newTestQueue(t)
	sender := &fakeSender{fails: 1}
	a, err := New(Config{Queue: q, Sender: sender, Concurrency: 1})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	retried, _ := q.Enqueue(ctx, sms.JobKind, sms.Message{To: "+351912345678", Body: "Your request was approved", NotificationID: "n1"})
	noPhone, _ := q.Enqueue(ctx, sms.JobKind, sms.Message{Body: "x", NotificationID: "n2"})
	badPhone, _ := q.Enqueue(ctx, sms.JobKind, sms.Message{To: "call me", Body: "x", NotificationID: "n3"})
	otherKind, _ := q.Enqueue(ctx, "email", map[string]string{"to": "a@example.com"})

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	job := waitForStatus(t, a, retried.ID, queue.StatusDone)
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
	for _, id := range []string{noPhone.ID, badPhone.ID, otherKind.ID} {
		waitForStatus(t, a, id, queue.StatusDone)
	}
	sent := sender.messages()
	if len(sent) != 1 || sent[0].NotificationID != "n1" {
		t.Fatalf("sent = %+v", sent)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{Sender: &fakeSender{}}); err == nil {
		t.Fatal("expected queue error")
	}
	if _, err := New(Config{Queue: newTestQueue(t)}); err == nil {
		t.Fatal("expected sender error")
	}
}
