package sched

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
)

type fakePromoter struct {
	calls []uint
	err   error
}

func (p *fakePromoter) PromoteScheduledMessage(_ context.Context, messageID uint) error {
	p.calls = append(p.calls, messageID)
	return p.err
}

func TestSendHandler(t *testing.T) {
	promoter := &fakePromoter{}
	handler := NewSendHandler(promoter)

	payload, _ := json.Marshal(SendPayload{MessageID: 11})
	task := asynq.NewTask(TaskSendScheduledMessage, payload)
	if err := handler(context.Background(), task); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if len(promoter.calls) != 1 || promoter.calls[0] != 11 {
		t.Errorf("promoter calls = %v, want [11]", promoter.calls)
	}
}

func TestSendHandler_BadPayload(t *testing.T) {
	promoter := &fakePromoter{}
	handler := NewSendHandler(promoter)

	task := asynq.NewTask(TaskSendScheduledMessage, []byte("not json"))
	// A corrupt payload can never succeed; the handler drops it instead of retrying forever.
	if err := handler(context.Background(), task); err != nil {
		t.Fatalf("handler error = %v, want nil", err)
	}
	if len(promoter.calls) != 0 {
		t.Errorf("promoter calls = %v, want none", promoter.calls)
	}
}

func TestSendHandler_PromoteErrorRetries(t *testing.T) {
	promoter := &fakePromoter{err: errors.New("db down")}
	handler := NewSendHandler(promoter)

	payload, _ := json.Marshal(SendPayload{MessageID: 5})
	task := asynq.NewTask(TaskSendScheduledMessage, payload)
	if err := handler(context.Background(), task); err == nil {
		t.Error("handler should surface promoter errors so the task is retried")
	}
}
