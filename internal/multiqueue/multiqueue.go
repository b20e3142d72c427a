package multiqueue

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const name string = "github.com/illinois-cs241/broadway/broadway-api/internal/multiqueue"

var tracer = otel.Tracer(name)

var (
	// Every queue is empty
	ErrEmpty = errors.New("multiqueue is empty")
	// The course has never had a queue
	ErrNoQueue = errors.New("course has no queue")
)

// A job handed out by [MultiQueue.Pull]
type Item struct {
	Course string
	JobID  uuid.UUID
}

// FIFO queues keyed by course, drained in round robin order.
//
// Pull scans the queues starting at the round robin index, returns the head of
// the first non-empty queue and moves the index one past that queue. Every
// operation is atomic with respect to the others.
type MultiQueue interface {
	// Idempotent
	AddQueue(ctx context.Context, course string) error
	// Appends, creating the queue on first use
	Push(ctx context.Context, course string, jobID uuid.UUID) error
	// Puts a job back at the head of its queue
	PushFront(ctx context.Context, course string, jobID uuid.UUID) error
	// Never blocks; [ErrEmpty] when nothing is queued
	Pull(ctx context.Context) (Item, error)
	// Zero for unknown courses
	Length(ctx context.Context, course string) (int, error)
	// Zero based; -1 when the job is not queued, [ErrNoQueue] for unknown courses
	Position(ctx context.Context, course string, jobID uuid.UUID) (int, error)
	ContainsKey(ctx context.Context, course string) (bool, error)
	// Courses in round robin order
	Courses(ctx context.Context) ([]string, error)
}

// Exports the depth of every course queue as an observable gauge
func ObserveDepth(meter metric.Meter, mq MultiQueue) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge(
		"broadway.queue.depth",
		metric.WithDescription("grading jobs waiting per course"),
	)
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		courses, err := mq.Courses(ctx)
		if err != nil {
			return err
		}

		for _, course := range courses {
			length, err := mq.Length(ctx, course)
			if err != nil {
				return err
			}
			o.ObserveInt64(gauge, int64(length), metric.WithAttributes(attribute.String("course", course)))
		}
		return nil
	}, gauge)
}
