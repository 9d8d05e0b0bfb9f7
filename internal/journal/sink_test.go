package journal

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(kind model.JournalKind) model.JournalEntry {
	return model.JournalEntry{
		SessionID:   uuid.New(),
		CandidateID: 7,
		Kind:        kind,
		Payload:     json.RawMessage(`{"count":1}`),
		RecordedAt:  time.Now().UTC(),
	}
}

func TestRecordNeverBlocks(t *testing.T) {
	s := NewRedisSink(nil, 2, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			s.Record(entry(model.JournalViolation))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	assert.Equal(t, 2, s.Pending())
	assert.EqualValues(t, 3, s.Dropped())
}

func TestRedisSinkShipsEntries(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue := config.WorkerKey.PersistJournalQueue
	require.NoError(t, rdb.Del(ctx, queue).Err())
	t.Cleanup(func() { rdb.Del(context.Background(), queue) })

	sub := rdb.Subscribe(ctx, config.CacheKey.MonitorChannel())
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	s := NewRedisSink(rdb, 16, zerolog.Nop())
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()

	e := entry(model.JournalStarted)
	s.Record(e)

	select {
	case msg := <-sub.Channel():
		var got model.JournalEntry
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, e.SessionID, got.SessionID)
		assert.Equal(t, model.JournalStarted, got.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("no monitor message")
	}

	n, err := rdb.LLen(ctx, queue).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	cancel()
	<-stopped
}
