// Package journal ships session journal entries out of the exam loop.
package journal

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	maxBatch       = 50
	flushTimeout   = 5 * time.Second
	dropLogEvery   = 100
	defaultBufSize = 1024
)

// RedisSink implements exam.Journal. Record never blocks: entries go into a
// bounded buffer and are dropped when it is full. Run drains the buffer into
// the persistence queue and the live monitor channel.
type RedisSink struct {
	rdb     *redis.Client
	entries chan model.JournalEntry
	dropped atomic.Int64
	log     zerolog.Logger
}

// NewRedisSink creates a sink holding at most size pending entries.
func NewRedisSink(rdb *redis.Client, size int, log zerolog.Logger) *RedisSink {
	if size <= 0 {
		size = defaultBufSize
	}
	return &RedisSink{
		rdb:     rdb,
		entries: make(chan model.JournalEntry, size),
		log:     log.With().Str("component", "journal_sink").Logger(),
	}
}

// Record offers e to the sink.
func (s *RedisSink) Record(e model.JournalEntry) {
	select {
	case s.entries <- e:
	default:
		n := s.dropped.Add(1)
		if n == 1 || n%dropLogEvery == 0 {
			s.log.Warn().
				Int64("dropped", n).
				Str("session_id", e.SessionID.String()).
				Str("kind", string(e.Kind)).
				Msg("Journal buffer full, dropping entry")
		}
	}
}

// Dropped returns the number of entries lost to a full buffer.
func (s *RedisSink) Dropped() int64 { return s.dropped.Load() }

// Pending returns the number of buffered entries.
func (s *RedisSink) Pending() int { return len(s.entries) }

// Run ships entries until ctx is done, then flushes what is left.
func (s *RedisSink) Run(ctx context.Context) {
	s.log.Info().Msg("Journal sink started")
	batch := make([]model.JournalEntry, 0, maxBatch)

	for {
		select {
		case <-ctx.Done():
			s.drain(batch[:0])
			return
		case e := <-s.entries:
			batch = append(batch[:0], e)
		fill:
			for len(batch) < maxBatch {
				select {
				case e := <-s.entries:
					batch = append(batch, e)
				default:
					break fill
				}
			}
			if err := s.flush(ctx, batch); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Int("count", len(batch)).Msg("Failed to ship journal entries")
			}
		}
	}
}

func (s *RedisSink) drain(batch []model.JournalEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for {
		select {
		case e := <-s.entries:
			batch = append(batch, e)
			if len(batch) < maxBatch {
				continue
			}
		default:
		}
		if len(batch) == 0 {
			s.log.Info().Msg("Journal sink stopped")
			return
		}
		if err := s.flush(ctx, batch); err != nil {
			s.log.Error().Err(err).Int("count", len(batch)).Msg("CRITICAL: Journal entries lost on shutdown")
			return
		}
		batch = batch[:0]
	}
}

func (s *RedisSink) flush(ctx context.Context, batch []model.JournalEntry) error {
	pipe := s.rdb.Pipeline()
	for _, e := range batch {
		data, err := json.Marshal(e)
		if err != nil {
			s.log.Error().Err(err).Str("kind", string(e.Kind)).Msg("Discarding unencodable journal entry")
			continue
		}
		pipe.RPush(ctx, config.WorkerKey.PersistJournalQueue, data)
		pipe.Publish(ctx, config.CacheKey.MonitorChannel(), data)
	}
	_, err := pipe.Exec(ctx)
	return err
}
