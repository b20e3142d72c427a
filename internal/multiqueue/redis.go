package multiqueue

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// KEYS: course set, course list. ARGV: course
const addQueueLua = `
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
	redis.call('RPUSH', KEYS[2], ARGV[1])
end
`

var addQueueScript = redis.NewScript(addQueueLua + `return 1`)

// KEYS: course set, course list, course queue. ARGV: course, job, push command
var pushScript = redis.NewScript(addQueueLua + `
return redis.call(ARGV[3], KEYS[3], ARGV[2])
`)

// KEYS: course list, round robin index. ARGV: queue key prefix
var pullScript = redis.NewScript(`
local courses = redis.call('LRANGE', KEYS[1], 0, -1)
local n = #courses
if n == 0 then
	return false
end
local rr = tonumber(redis.call('GET', KEYS[2]) or '0') % n
for i = 0, n - 1 do
	local idx = (rr + i) % n
	local course = courses[idx + 1]
	local job = redis.call('LPOP', ARGV[1] .. course)
	if job then
		redis.call('SET', KEYS[2], (idx + 1) % n)
		return {course, job}
	end
end
return false
`)

// [MultiQueue] kept in redis so queued jobs survive restarts.
//
// Queue keys are derived inside the pull script, so all keys must live on one
// node; redis cluster is not supported.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

var _ MultiQueue = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) courseSetKey() string {
	return r.prefix + ":course_set"
}

func (r *Redis) courseListKey() string {
	return r.prefix + ":courses"
}

func (r *Redis) rrKey() string {
	return r.prefix + ":rr"
}

func (r *Redis) queuePrefix() string {
	return r.prefix + ":queue:"
}

func (r *Redis) queueKey(course string) string {
	return r.queuePrefix() + course
}

func (r *Redis) AddQueue(ctx context.Context, course string) error {
	err := addQueueScript.Run(ctx, r.client, []string{r.courseSetKey(), r.courseListKey()}, course).Err()
	if err != nil {
		return fmt.Errorf("failed to add queue: %w", err)
	}
	return nil
}

func (r *Redis) push(ctx context.Context, spanName, command, course string, jobID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	span.SetAttributes(attribute.String("course", course), attribute.String("job.id", jobID.String()))

	err := pushScript.Run(
		ctx, r.client,
		[]string{r.courseSetKey(), r.courseListKey(), r.queueKey(course)},
		course, jobID.String(), command,
	).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to push job")
		return fmt.Errorf("failed to push job: %w", err)
	}

	span.SetStatus(codes.Ok, "pushed job")
	return nil
}

func (r *Redis) Push(ctx context.Context, course string, jobID uuid.UUID) error {
	return r.push(ctx, "Redis.Push", "RPUSH", course, jobID)
}

func (r *Redis) PushFront(ctx context.Context, course string, jobID uuid.UUID) error {
	return r.push(ctx, "Redis.PushFront", "LPUSH", course, jobID)
}

func (r *Redis) Pull(ctx context.Context) (Item, error) {
	ctx, span := tracer.Start(ctx, "Redis.Pull")
	defer span.End()

	result, err := pullScript.Run(ctx, r.client, []string{r.courseListKey(), r.rrKey()}, r.queuePrefix()).Slice()
	if errors.Is(err, redis.Nil) {
		span.SetStatus(codes.Ok, "queue empty")
		return Item{}, ErrEmpty
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to pull job")
		return Item{}, fmt.Errorf("failed to pull job: %w", err)
	}

	if len(result) != 2 {
		err = fmt.Errorf("unexpected pull result of length %d", len(result))
		span.RecordError(err)
		span.SetStatus(codes.Error, "unexpected pull result")
		return Item{}, err
	}

	course, _ := result[0].(string)
	rawID, _ := result[1].(string)
	jobID, err := uuid.Parse(rawID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "queued job id is not a uuid")
		return Item{}, fmt.Errorf("queued job id %q is not a uuid: %w", rawID, err)
	}

	span.SetAttributes(attribute.String("course", course))
	span.SetStatus(codes.Ok, "pulled job")
	return Item{Course: course, JobID: jobID}, nil
}

func (r *Redis) Length(ctx context.Context, course string) (int, error) {
	length, err := r.client.LLen(ctx, r.queueKey(course)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

func (r *Redis) Position(ctx context.Context, course string, jobID uuid.UUID) (int, error) {
	ok, err := r.ContainsKey(ctx, course)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoQueue
	}

	jobs, err := r.client.LRange(ctx, r.queueKey(course), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue: %w", err)
	}
	return slices.Index(jobs, jobID.String()), nil
}

func (r *Redis) ContainsKey(ctx context.Context, course string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.courseSetKey(), course).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check queue: %w", err)
	}
	return ok, nil
}

func (r *Redis) Courses(ctx context.Context) ([]string, error) {
	courses, err := r.client.LRange(ctx, r.courseListKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list courses: %w", err)
	}
	return courses, nil
}
