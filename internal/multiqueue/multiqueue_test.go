package multiqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/sync/errgroup"
)

type MultiQueueTestSuite struct {
	suite.Suite
	open func() MultiQueue
	mq   MultiQueue
}

func (s *MultiQueueTestSuite) SetupTest() {
	s.mq = s.open()
}

func (s *MultiQueueTestSuite) pull() Item {
	item, err := s.mq.Pull(context.Background())
	s.Require().NoError(err)
	return item
}

func (s *MultiQueueTestSuite) TestEmpty() {
	_, err := s.mq.Pull(context.Background())
	s.ErrorIs(err, ErrEmpty)

	s.Require().NoError(s.mq.AddQueue(context.Background(), "cs241"))
	_, err = s.mq.Pull(context.Background())
	s.ErrorIs(err, ErrEmpty)
}

func (s *MultiQueueTestSuite) TestFIFOPerCourse() {
	ctx := context.Background()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		s.Require().NoError(s.mq.Push(ctx, "cs241", id))
	}

	for _, id := range ids {
		s.Equal(Item{Course: "cs241", JobID: id}, s.pull())
	}

	_, err := s.mq.Pull(ctx)
	s.ErrorIs(err, ErrEmpty)
}

func (s *MultiQueueTestSuite) TestRoundRobin() {
	ctx := context.Background()

	a1, a2, a3 := uuid.New(), uuid.New(), uuid.New()
	b1 := uuid.New()
	c1, c2 := uuid.New(), uuid.New()

	for _, id := range []uuid.UUID{a1, a2, a3} {
		s.Require().NoError(s.mq.Push(ctx, "a", id))
	}
	s.Require().NoError(s.mq.Push(ctx, "b", b1))
	s.Require().NoError(s.mq.Push(ctx, "c", c1))
	s.Require().NoError(s.mq.Push(ctx, "c", c2))

	expected := []Item{
		{Course: "a", JobID: a1},
		{Course: "b", JobID: b1},
		{Course: "c", JobID: c1},
		{Course: "a", JobID: a2},
		{Course: "c", JobID: c2},
		{Course: "a", JobID: a3},
	}
	for _, item := range expected {
		s.Equal(item, s.pull())
	}

	_, err := s.mq.Pull(ctx)
	s.ErrorIs(err, ErrEmpty)
}

func (s *MultiQueueTestSuite) TestRoundRobinResumesAfterLastServed() {
	ctx := context.Background()

	a1, a2 := uuid.New(), uuid.New()
	b1 := uuid.New()
	s.Require().NoError(s.mq.Push(ctx, "a", a1))
	s.Require().NoError(s.mq.AddQueue(ctx, "b"))

	s.Equal(a1, s.pull().JobID)

	// index now points at b; a job arriving on a is only served after b is checked
	s.Require().NoError(s.mq.Push(ctx, "a", a2))
	s.Require().NoError(s.mq.Push(ctx, "b", b1))

	s.Equal(b1, s.pull().JobID)
	s.Equal(a2, s.pull().JobID)
}

func (s *MultiQueueTestSuite) TestPushFront() {
	ctx := context.Background()

	first, second := uuid.New(), uuid.New()
	s.Require().NoError(s.mq.Push(ctx, "cs241", second))
	s.Require().NoError(s.mq.PushFront(ctx, "cs241", first))

	s.Equal(first, s.pull().JobID)
	s.Equal(second, s.pull().JobID)
}

func (s *MultiQueueTestSuite) TestLengthAndPosition() {
	ctx := context.Background()

	length, err := s.mq.Length(ctx, "unknown")
	s.Require().NoError(err)
	s.Zero(length)

	_, err = s.mq.Position(ctx, "unknown", uuid.New())
	s.ErrorIs(err, ErrNoQueue)

	ok, err := s.mq.ContainsKey(ctx, "unknown")
	s.Require().NoError(err)
	s.False(ok)

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	for _, id := range ids {
		s.Require().NoError(s.mq.Push(ctx, "cs241", id))
	}

	length, err = s.mq.Length(ctx, "cs241")
	s.Require().NoError(err)
	s.Equal(2, length)

	pos, err := s.mq.Position(ctx, "cs241", ids[1])
	s.Require().NoError(err)
	s.Equal(1, pos)

	pos, err = s.mq.Position(ctx, "cs241", uuid.New())
	s.Require().NoError(err)
	s.Equal(-1, pos)

	ok, err = s.mq.ContainsKey(ctx, "cs241")
	s.Require().NoError(err)
	s.True(ok)
}

func (s *MultiQueueTestSuite) TestAddQueueIdempotent() {
	ctx := context.Background()

	s.Require().NoError(s.mq.AddQueue(ctx, "a"))
	s.Require().NoError(s.mq.AddQueue(ctx, "b"))
	s.Require().NoError(s.mq.AddQueue(ctx, "a"))
	s.Require().NoError(s.mq.Push(ctx, "a", uuid.New()))

	courses, err := s.mq.Courses(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"a", "b"}, courses)
}

func (s *MultiQueueTestSuite) TestObserveDepth() {
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	_, err := ObserveDepth(provider.Meter("test"), s.mq)
	s.Require().NoError(err)

	s.Require().NoError(s.mq.Push(ctx, "cs241", uuid.New()))
	s.Require().NoError(s.mq.Push(ctx, "cs241", uuid.New()))

	var rm metricdata.ResourceMetrics
	s.Require().NoError(reader.Collect(ctx, &rm))
	s.Require().Len(rm.ScopeMetrics, 1)
	s.Require().Len(rm.ScopeMetrics[0].Metrics, 1)

	gauge, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Gauge[int64])
	s.Require().True(ok)
	s.Require().Len(gauge.DataPoints, 1)
	s.Equal(int64(2), gauge.DataPoints[0].Value)
}

func (s *MultiQueueTestSuite) TestConcurrentPushPull() {
	const (
		courses   = 4
		perCourse = 50
		pullers   = 8
		total     = courses * perCourse
	)

	var (
		mu     sync.Mutex
		pulled = map[uuid.UUID]string{}
		count  atomic.Int64
	)

	g, ctx := errgroup.WithContext(context.Background())
	pushed := make(map[uuid.UUID]string, total)
	for c := range courses {
		course := fmt.Sprintf("course-%d", c)
		ids := make([]uuid.UUID, perCourse)
		for i := range ids {
			ids[i] = uuid.New()
			pushed[ids[i]] = course
		}

		g.Go(func() error {
			for _, id := range ids {
				if err := s.mq.Push(ctx, course, id); err != nil {
					return err
				}
			}
			return nil
		})
	}

	for range pullers {
		g.Go(func() error {
			for count.Load() < total {
				item, err := s.mq.Pull(ctx)
				if errors.Is(err, ErrEmpty) {
					runtime.Gosched()
					continue
				}
				if err != nil {
					return err
				}

				mu.Lock()
				_, dup := pulled[item.JobID]
				pulled[item.JobID] = item.Course
				mu.Unlock()
				if dup {
					return fmt.Errorf("job %s pulled twice", item.JobID)
				}
				count.Add(1)
			}
			return nil
		})
	}

	s.Require().NoError(g.Wait())
	s.Equal(pushed, pulled)

	_, err := s.mq.Pull(context.Background())
	s.ErrorIs(err, ErrEmpty)
	for c := range courses {
		length, err := s.mq.Length(context.Background(), fmt.Sprintf("course-%d", c))
		s.Require().NoError(err)
		s.Zero(length)
	}
}

func TestMemory(t *testing.T) {
	suite.Run(t, &MultiQueueTestSuite{open: func() MultiQueue { return NewMemory() }})
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	suite.Run(t, &MultiQueueTestSuite{open: func() MultiQueue {
		mr.FlushAll()
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return NewRedis(client, "broadway-test")
	}})
}

func TestRedisSurvivesReconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	id := uuid.New()
	first := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "broadway")
	require.NoError(t, first.Push(ctx, "cs241", id))

	second := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "broadway")
	item, err := second.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, Item{Course: "cs241", JobID: id}, item)
}
