package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ErrQueueEmpty is returned by Queue.Pop when nothing arrived before the timeout.
var ErrQueueEmpty = errors.New("queue empty")

// JournalStore persists journal entries. *repository.JournalRepository implements it.
type JournalStore interface {
	InsertBatch(ctx context.Context, entries []model.JournalEntry) error
	Insert(ctx context.Context, e model.JournalEntry) error
}

// Queue is a FIFO of encoded journal entries.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	Push(ctx context.Context, items ...string) error
}

// RedisQueue is a Queue on a Redis list.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key}
}

func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := q.rdb.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrQueueEmpty
	}
	if err != nil {
		return "", err
	}
	if len(result) < 2 {
		return "", ErrQueueEmpty
	}
	return result[1], nil
}

func (q *RedisQueue) Push(ctx context.Context, items ...string) error {
	pipe := q.rdb.Pipeline()
	for _, item := range items {
		pipe.RPush(ctx, q.key, item)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// JournalWorker moves journal entries from the queue into Postgres in batches.
type JournalWorker struct {
	store JournalStore
	queue Queue
	log   zerolog.Logger

	errorDelay   time.Duration
	requeueDelay time.Duration
}

func NewJournalWorker(store JournalStore, queue Queue, log zerolog.Logger) *JournalWorker {
	return &JournalWorker{
		store:        store,
		queue:        queue,
		log:          log.With().Str("component", "journal_worker").Logger(),
		errorDelay:   3 * time.Second,
		requeueDelay: 2 * time.Second,
	}
}

// Start runs until ctx is done, then flushes the pending batch. Call in a goroutine.
func (w *JournalWorker) Start(ctx context.Context) {
	w.log.Info().Msg("JournalWorker started")

	buffer := make([]model.JournalEntry, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlushTime = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		data, err := w.queue.Pop(ctx, PollTimeout)
		if err != nil {
			if errors.Is(err, ErrQueueEmpty) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Dur("backoff", w.errorDelay).Msg("Queue error, backing off")
			w.sleep(ctx, w.errorDelay)
			continue
		}

		var e model.JournalEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			// Malformed entries can never succeed.
			w.log.Error().Err(err).Str("data", data).Msg("Discarding malformed journal entry")
			continue
		}
		if e.RecordedAt.IsZero() {
			e.RecordedAt = time.Now().UTC()
		}
		buffer = append(buffer, e)
	}
}

// flushSafe attempts a bulk insert, then row-by-row, then requeues what still failed.
func (w *JournalWorker) flushSafe(ctx context.Context, batch []model.JournalEntry) {
	err := w.store.InsertBatch(ctx, batch)
	if err == nil {
		w.log.Debug().Int("count", len(batch)).Msg("Journal batch persisted")
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")

	var failed []model.JournalEntry
	for _, e := range batch {
		if err := w.store.Insert(ctx, e); err != nil {
			w.log.Error().Err(err).
				Str("session_id", e.SessionID.String()).
				Str("kind", string(e.Kind)).
				Msg("Insert failed, requeueing")
			failed = append(failed, e)
		}
	}
	if len(failed) > 0 {
		w.requeue(ctx, failed)
	}
}

func (w *JournalWorker) requeue(ctx context.Context, entries []model.JournalEntry) {
	items := make([]string, 0, len(entries))
	for _, e := range entries {
		data, _ := json.Marshal(e)
		items = append(items, string(data))
	}
	if err := w.queue.Push(ctx, items...); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue journal entries. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed journal entries")
	w.sleep(ctx, w.requeueDelay)
}

func (w *JournalWorker) shutdown(buffer []model.JournalEntry) {
	w.log.Info().Int("pending", len(buffer)).Msg("JournalWorker stopping, flushing remaining buffer")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(ctx, buffer)
	}
}

func (w *JournalWorker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
