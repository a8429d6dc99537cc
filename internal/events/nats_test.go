package events

import (
	"context"
	"errors"
	"testing"

	"file-converter/internal/models"
)

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, models.JobEvent) error { return f.err }

type countingPublisher struct{ n int }

func (c *countingPublisher) Publish(context.Context, models.JobEvent) error {
	c.n++
	return nil
}

func TestMultiPublishesToAll(t *testing.T) {
	boom := errors.New("broker down")
	counter := &countingPublisher{}
	m := Multi{failingPublisher{err: boom}, counter}

	err := m.Publish(context.Background(), models.JobEvent{Type: models.EventJobCreated})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if counter.n != 1 {
		t.Fatalf("later publishers must still run, got %d calls", counter.n)
	}
}

func TestConnectNATSUnreachable(t *testing.T) {
	if _, err := ConnectNATS("nats://127.0.0.1:1", ""); err == nil {
		t.Fatalf("expected connect error")
	}
}
