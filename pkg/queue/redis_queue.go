// Package queue delivers book ingestion jobs over a Redis stream. A consumer
// group gives at-least-once delivery; stalled messages are reclaimed so a
// crashed worker's books still get indexed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"voxbooks/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job is one ingestion request for a book.
type Job struct {
	ID       string
	BookID   string
	Attempts int
}

// Status is the externally visible state of a job.
type Status struct {
	ID           string    `json:"id"`
	BookID       string    `json:"bookId"`
	State        string    `json:"state"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Config tunes the stream consumer. Zero values get sensible defaults.
type Config struct {
	Stream      string
	Group       string
	Consumer    string
	Block       time.Duration
	ClaimIdle   time.Duration
	MaxAttempts int
	MaxLen      int64
	StatusTTL   time.Duration
}

// Queue publishes and consumes ingestion jobs on a Redis stream.
type Queue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	block        time.Duration
	claimIdle    time.Duration
	maxAttempts  int
	maxLen       int64
	statusTTL    time.Duration
	groupOnce    sync.Once
}

// New creates a queue on an existing Redis client.
func New(client *redis.Client, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, errors.New("queue requires a redis client")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "indexer"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = time.Minute
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	statusTTL := cfg.StatusTTL
	if statusTTL <= 0 {
		statusTTL = 24 * time.Hour
	}
	return &Queue{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		block:        block,
		claimIdle:    claimIdle,
		maxAttempts:  maxAttempts,
		maxLen:       maxLen,
		statusTTL:    statusTTL,
	}, nil
}

// Enqueue publishes an ingestion job for the book.
func (q *Queue) Enqueue(ctx context.Context, bookID string) (Job, error) {
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return Job{}, errors.New("bookId required")
	}
	job := Job{ID: util.NewID(), BookID: bookID, Attempts: 1}
	if err := q.add(ctx, job); err != nil {
		return Job{}, err
	}
	q.writeStatus(ctx, job, StatusQueued, "")
	return job, nil
}

// JobStatus reports the last recorded state of a job. The record expires
// after the configured TTL.
func (q *Queue) JobStatus(ctx context.Context, jobID string) (Status, bool, error) {
	data, err := q.client.HGetAll(ctx, q.statusKey(jobID)).Result()
	if err != nil {
		return Status{}, false, err
	}
	if len(data) == 0 {
		return Status{}, false, nil
	}
	st := Status{ID: jobID, BookID: data["bookId"], State: data["state"], ErrorMessage: data["error"]}
	st.Attempts, _ = strconv.Atoi(data["attempts"])
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, data["updatedAt"])
	return st, true, nil
}

// Run starts consumer goroutines and blocks until ctx is cancelled. The
// handler is invoked once per delivery; on error the job is retried up to
// MaxAttempts times.
func (q *Queue) Run(ctx context.Context, concurrency int, handler func(context.Context, Job) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go func() {
			defer wg.Done()
			q.consume(ctx, consumer, handler)
		}()
	}
	wg.Wait()
}

func (q *Queue) ensureGroup(ctx context.Context) {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("create consumer group", "stream", q.stream, "err", err)
		}
	})
}

func (q *Queue) consume(ctx context.Context, consumer string, handler func(context.Context, Job) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if claimed, err := q.claimStalled(ctx, consumer); err == nil {
			for _, msg := range claimed {
				q.dispatch(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if err != redis.Nil {
				slog.Warn("read ingestion stream", "consumer", consumer, "err", err)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.dispatch(ctx, msg, handler)
			}
		}
	}
}

func (q *Queue) claimStalled(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return msgs, err
}

func (q *Queue) dispatch(ctx context.Context, msg redis.XMessage, handler func(context.Context, Job) error) {
	job, ok := decodeJob(msg)
	if !ok {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	q.writeStatus(ctx, job, StatusProcessing, "")

	err := handler(ctx, job)
	if err == nil {
		q.writeStatus(ctx, job, StatusDone, "")
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-job. Leave the entry pending so another worker
		// reclaims it.
		return
	}
	if job.Attempts >= q.maxAttempts {
		slog.Error("ingestion job exhausted retries", "job", job.ID, "book", job.BookID, "attempts", job.Attempts, "err", err)
		q.writeStatus(ctx, job, StatusFailed, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	q.writeStatus(ctx, job, StatusQueued, err.Error())
	retry := job
	retry.Attempts++
	if err := q.requeueAndAck(ctx, msg.ID, retry); err != nil {
		slog.Warn("requeue ingestion job", "job", job.ID, "err", err)
	}
}

func (q *Queue) add(ctx context.Context, job Job) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":   job.ID,
			"book_id":  job.BookID,
			"attempts": strconv.Itoa(job.Attempts),
		},
	}).Err()
}

// requeueAndAck atomically republishes the job and retires the delivered
// message, so a crash cannot drop the job.
func (q *Queue) requeueAndAck(ctx context.Context, msgID string, job Job) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":   job.ID,
			"book_id":  job.BookID,
			"attempts": strconv.Itoa(job.Attempts),
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *Queue) ackAndDel(ctx context.Context, msgID string) {
	_ = q.client.XAck(ctx, q.stream, q.group, msgID).Err()
	_ = q.client.XDel(ctx, q.stream, msgID).Err()
}

func (q *Queue) writeStatus(ctx context.Context, job Job, state, errMsg string) {
	key := q.statusKey(job.ID)
	err := q.client.HSet(ctx, key, map[string]any{
		"bookId":    job.BookID,
		"state":     state,
		"error":     errMsg,
		"attempts":  strconv.Itoa(job.Attempts),
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		slog.Warn("write job status", "job", job.ID, "err", err)
		return
	}
	_ = q.client.Expire(ctx, key, q.statusTTL).Err()
}

func (q *Queue) statusKey(jobID string) string {
	return fmt.Sprintf("%s:status:%s", q.stream, jobID)
}

func decodeJob(msg redis.XMessage) (Job, bool) {
	jobID, _ := msg.Values["job_id"].(string)
	bookID, _ := msg.Values["book_id"].(string)
	if jobID == "" || bookID == "" {
		return Job{}, false
	}
	job := Job{ID: jobID, BookID: bookID, Attempts: 1}
	if raw, ok := msg.Values["attempts"].(string); ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			job.Attempts = n
		}
	}
	return job, true
}
