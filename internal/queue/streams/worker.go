package streams

import (
	"context"
	"log"
	"time"

	"github.com/mohammad-safakhou/conductor/internal/task"
)

// Submitter accepts task submissions drained from the stream.
type Submitter interface {
	Submit(ctx context.Context, userID string, req task.Request) (string, error)
}

// Worker drains queued task submissions and hands them to the orchestrator.
type Worker struct {
	consumer *Consumer
	stream   string
	orch     Submitter
	logger   *log.Logger
}

// NewWorker builds a worker reading from the given stream.
func NewWorker(consumer *Consumer, stream string, orch Submitter) *Worker {
	return &Worker{
		consumer: consumer,
		stream:   stream,
		orch:     orch,
		logger:   log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
	}
}

// Run blocks reading submissions until the context is cancelled. Messages
// that decode but fail submission are acknowledged anyway; redelivering a
// malformed request cannot succeed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := w.consumer.Read(ctx, w.stream, WithBlock(5*time.Second), WithCount(16))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Printf("read: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			w.handle(ctx, msg)
			if err := w.consumer.Ack(ctx, w.stream, msg.ID); err != nil {
				w.logger.Printf("ack %s: %v", msg.ID, err)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg Message) {
	sub, err := msg.Envelope.Submission()
	if err != nil {
		w.logger.Printf("message %s: %v", msg.ID, err)
		return
	}
	req := task.Request{
		Description: sub.Description,
		Context:     sub.Context,
		Params:      sub.Params,
	}
	id, err := w.orch.Submit(ctx, sub.UserID, req)
	if err != nil {
		w.logger.Printf("message %s: submit: %v", msg.ID, err)
		return
	}
	w.logger.Printf("message %s: started task %s", msg.ID, id)
}
