package multiqueue

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Process local [MultiQueue]
type Memory struct {
	queues map[string][]uuid.UUID
	order  []string
	rr     int
	mu     sync.Mutex
}

var _ MultiQueue = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{queues: map[string][]uuid.UUID{}}
}

// must hold mu
func (m *Memory) addQueue(course string) {
	if _, ok := m.queues[course]; ok {
		return
	}
	m.queues[course] = nil
	m.order = append(m.order, course)
}

func (m *Memory) AddQueue(_ context.Context, course string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addQueue(course)
	return nil
}

func (m *Memory) Push(ctx context.Context, course string, jobID uuid.UUID) error {
	_, span := tracer.Start(ctx, "Memory.Push")
	defer span.End()

	span.SetAttributes(attribute.String("course", course), attribute.String("job.id", jobID.String()))

	m.mu.Lock()
	defer m.mu.Unlock()

	m.addQueue(course)
	m.queues[course] = append(m.queues[course], jobID)
	return nil
}

func (m *Memory) PushFront(ctx context.Context, course string, jobID uuid.UUID) error {
	_, span := tracer.Start(ctx, "Memory.PushFront")
	defer span.End()

	span.SetAttributes(attribute.String("course", course), attribute.String("job.id", jobID.String()))

	m.mu.Lock()
	defer m.mu.Unlock()

	m.addQueue(course)
	m.queues[course] = append([]uuid.UUID{jobID}, m.queues[course]...)
	return nil
}

func (m *Memory) Pull(ctx context.Context) (Item, error) {
	_, span := tracer.Start(ctx, "Memory.Pull")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.order)
	for i := range n {
		idx := (m.rr + i) % n
		course := m.order[idx]
		queue := m.queues[course]
		if len(queue) == 0 {
			continue
		}

		m.queues[course] = queue[1:]
		m.rr = (idx + 1) % n

		span.SetAttributes(attribute.String("course", course))
		span.SetStatus(codes.Ok, "pulled job")
		return Item{Course: course, JobID: queue[0]}, nil
	}

	span.SetStatus(codes.Ok, "queue empty")
	return Item{}, ErrEmpty
}

func (m *Memory) Length(_ context.Context, course string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queues[course]), nil
}

func (m *Memory) Position(_ context.Context, course string, jobID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue, ok := m.queues[course]
	if !ok {
		return 0, ErrNoQueue
	}
	return slices.Index(queue, jobID), nil
}

func (m *Memory) ContainsKey(_ context.Context, course string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.queues[course]
	return ok, nil
}

func (m *Memory) Courses(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.order), nil
}
