package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// memoryLease implements Lease for MemoryQueue.
type memoryLease struct {
	msg Message
}

func (memoryLease) lease() {}

// MemoryQueue is an in-process implementation of Queue: buffered Go
// channels as the transport, a mutex-guarded dead-letter slice, and
// redelivery driven by re-sending on Nack rather than a broker's
// visibility timeout. Good enough for tests and single-process
// development; maxRetries mirrors the Redis queue's poison handling so
// both implementations exercise the same executor code paths.
type MemoryQueue struct {
	jobCh  chan Message
	taskCh chan Message

	mu        sync.Mutex
	deadJobs  []Message
	deadTasks []Message

	maxRetries int
}

// NewMemoryQueue returns a queue with the given channel buffer size and
// maximum redelivery count before dead-lettering.
func NewMemoryQueue(buffer, maxRetries int) *MemoryQueue {
	return &MemoryQueue{
		jobCh:      make(chan Message, buffer),
		taskCh:     make(chan Message, buffer),
		maxRetries: maxRetries,
	}
}

func (q *MemoryQueue) EnqueueJob(ctx context.Context, jobID string, stage int) error {
	select {
	case q.jobCh <- Message{Kind: KindJob, EnvelopeID: uuid.NewString(), JobID: jobID, Stage: stage}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) EnqueueTask(ctx context.Context, taskID string) error {
	select {
	case q.taskCh <- Message{Kind: KindTask, EnvelopeID: uuid.NewString(), TaskID: taskID}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) DequeueJob(ctx context.Context) (Message, Lease, error) {
	select {
	case m, ok := <-q.jobCh:
		if !ok {
			return Message{}, nil, ErrClosed
		}
		return m, memoryLease{msg: m}, nil
	case <-ctx.Done():
		return Message{}, nil, ctx.Err()
	}
}

func (q *MemoryQueue) DequeueTask(ctx context.Context) (Message, Lease, error) {
	select {
	case m, ok := <-q.taskCh:
		if !ok {
			return Message{}, nil, ErrClosed
		}
		return m, memoryLease{msg: m}, nil
	case <-ctx.Done():
		return Message{}, nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, l Lease) error {
	return nil // already removed from the channel by the dequeue itself
}

func (q *MemoryQueue) Nack(ctx context.Context, l Lease) error {
	ml, ok := l.(memoryLease)
	if !ok {
		return nil
	}
	msg := ml.msg
	msg.DeliveryCount++
	if msg.DeliveryCount > q.maxRetries {
		q.mu.Lock()
		if msg.Kind == KindJob {
			q.deadJobs = append(q.deadJobs, msg)
		} else {
			q.deadTasks = append(q.deadTasks, msg)
		}
		q.mu.Unlock()
		return nil
	}
	// Resend the message as-is (EnvelopeID, DeliveryCount and all) rather
	// than going back through EnqueueJob/EnqueueTask, which would mint a
	// fresh EnvelopeID and break the promise that an envelope's ID is
	// assigned once and carried across every redelivery.
	switch msg.Kind {
	case KindJob:
		select {
		case q.jobCh <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		select {
		case q.taskCh <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DeadJobs and DeadTasks expose the dead-letter contents for tests and
// operational inspection.
func (q *MemoryQueue) DeadJobs() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.deadJobs...)
}

func (q *MemoryQueue) DeadTasks() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.deadTasks...)
}
