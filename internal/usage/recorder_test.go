package usage

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infergate/gateway/internal/database"
)

// deadRepo returns a usage repo over a closed pool so inserts fail instantly.
func deadRepo(t *testing.T) *database.UsageRepo {
	t.Helper()
	pool, err := sql.Open("postgres", "host=localhost")
	require.NoError(t, err)
	require.NoError(t, pool.Close())
	return database.NewWithPool(pool, "").Usage()
}

func readFallback(t *testing.T, path string) []database.UsageRow {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var rows []database.UsageRow
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row database.UsageRow
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		rows = append(rows, row)
	}
	require.NoError(t, scanner.Err())
	return rows
}

func TestRecordAfterShutdownGoesToFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.ndjson")
	r := NewRecorder(deadRepo(t), path)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Shutdown(ctx)

	r.Record(database.UsageRow{APIType: "chat", UserID: 1, Model: "m", RequestID: "req-1"})

	rows := readFallback(t, path)
	require.Len(t, rows, 1)
	assert.Equal(t, "chat", rows[0].APIType)
	assert.Equal(t, "req-1", rows[0].RequestID)
}

func TestRecordStampsHostPidAndTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.ndjson")
	r := NewRecorder(deadRepo(t), path)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Shutdown(ctx)

	before := time.Now().UTC()
	r.Record(database.UsageRow{APIType: "embeddings", RequestID: "req-2"})

	rows := readFallback(t, path)
	require.Len(t, rows, 1)
	assert.Equal(t, os.Getpid(), rows[0].PID)
	assert.NotEmpty(t, rows[0].Host)
	assert.False(t, rows[0].TS.Before(before.Add(-time.Second)))
}

func TestRecordPreservesCallerTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.ndjson")
	r := NewRecorder(deadRepo(t), path)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Shutdown(ctx)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.Record(database.UsageRow{APIType: "chat", RequestID: "req-3", TS: ts})

	rows := readFallback(t, path)
	require.Len(t, rows, 1)
	assert.True(t, ts.Equal(rows[0].TS))
}

func TestConcurrentRecordAndShutdownLosesNoRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.ndjson")
	r := NewRecorder(deadRepo(t), path)

	// Race intake against Shutdown. With a dead store every row must surface
	// in the fallback file, whether it was drained from the queue or written
	// directly after stop.
	const n = 40
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			r.Record(database.UsageRow{APIType: "chat", RequestID: fmt.Sprintf("req-%d", i)})
		}(i)
	}
	close(start)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Shutdown(ctx)
	wg.Wait()

	rows := readFallback(t, path)
	assert.Len(t, rows, n)
}

func TestShutdownIsIdempotent(t *testing.T) {
	r := NewRecorder(deadRepo(t), filepath.Join(t.TempDir(), "fallback.ndjson"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Shutdown(ctx)
	r.Shutdown(ctx) // must not panic on a second call
}

func TestFlushDoesNotBlock(t *testing.T) {
	r := NewRecorder(deadRepo(t), filepath.Join(t.TempDir(), "fallback.ndjson"))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Flush()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Flush blocked")
	}
}

func TestWriteFallbackWithoutPathDropsRows(t *testing.T) {
	r := NewRecorder(deadRepo(t), "")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Shutdown(ctx)

	// Must not panic or create files; rows are logged and dropped.
	r.Record(database.UsageRow{APIType: "chat", RequestID: "req-4"})
}
