package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/poliport/poliport/pkg/models"
)

func TestConsumerDisconnectTearsDownStream(t *testing.T) {
	events := make([]models.RuntimeEvent, 500)
	for i := range events {
		events[i] = models.RuntimeEvent{Type: models.RuntimeEventChunk, Text: "x"}
	}
	f := newFixture(t, events...)

	ctx, cancel := context.WithCancel(context.Background())
	ex, err := f.orch.HandleMessage(ctx, Request{TenantID: "tenant-1", Message: "selam"})
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	// Read a couple of events, then walk away.
	<-ex.Events
	<-ex.Events
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ex.Events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream not torn down after consumer cancellation")
		}
	}
}

func TestRuntimeErrorEndsStreamWithErrorEvent(t *testing.T) {
	f := newFixture(t,
		models.RuntimeEvent{Type: models.RuntimeEventChunk, Text: "başla"},
		models.RuntimeEvent{Type: models.RuntimeEventError, Err: context.DeadlineExceeded},
	)

	ex, err := f.orch.HandleMessage(context.Background(), Request{TenantID: "tenant-1", Message: "selam"})
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	events := collect(t, ex)

	last := events[len(events)-1]
	if last.Type != models.StreamError {
		t.Errorf("last event = %s, want error", last.Type)
	}
	if last.ErrorMessage == "" {
		t.Error("error event has no user-facing message")
	}
}
