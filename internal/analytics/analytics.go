// Package analytics implements the optional ClickHouse sink for completed
// translation requests. It mirrors internal/logger's non-blocking, batched
// channel-and-ticker design so that analytics writes never sit on the
// request hot path, but persists rows to ClickHouse instead of structured
// log lines.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/n1ml03/translateproxy/internal/logger"
)

const (
	channelBuffer = 10_000
	batchSize     = 500
	flushInterval = 5 * time.Second
)

// Sink persists a batch of completed-request rows. ClickHouse is the
// production implementation; tests use a fake.
type Sink interface {
	Insert(ctx context.Context, rows []logger.RequestLog) error
	Ping(ctx context.Context) error
	Close() error
}

// Options configures the ClickHouse connection.
type Options struct {
	DSN      string
	Database string
	Table    string
}

// clickhouseSink is the production Sink backed by a pooled ClickHouse
// native-protocol connection.
type clickhouseSink struct {
	conn  clickhouse.Conn
	table string
}

// NewClickHouseSink opens a pooled connection to ClickHouse and verifies it
// with a ping before returning.
func NewClickHouseSink(ctx context.Context, opts Options) (Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.DSN},
		Auth: clickhouse.Auth{
			Database: opts.Database,
		},
		DialTimeout:  5 * time.Second,
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("analytics: ping clickhouse: %w", err)
	}

	table := opts.Table
	if table == "" {
		table = "requests"
	}

	return &clickhouseSink{conn: conn, table: table}, nil
}

func (s *clickhouseSink) Insert(ctx context.Context, rows []logger.RequestLog) error {
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (id, client_id, fingerprint, target_lang, model, item_count, latency_ms, status, cached, coalesced, streamed, created_at)",
		s.table,
	))
	if err != nil {
		return fmt.Errorf("analytics: prepare batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.ID,
			r.ClientID,
			r.Fingerprint,
			r.TargetLang,
			r.Model,
			r.ItemCount,
			r.LatencyMs,
			r.Status,
			r.Cached,
			r.Coalesced,
			r.Streamed,
			r.CreatedAt,
		); err != nil {
			return fmt.Errorf("analytics: append row: %w", err)
		}
	}

	return batch.Send()
}

func (s *clickhouseSink) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *clickhouseSink) Close() error {
	return s.conn.Close()
}

// Writer is the non-blocking batched ingestion pipeline sitting in front of
// a Sink: callers call Record and return immediately, a background
// goroutine flushes batches by size or interval, matching the discipline
// internal/logger.Logger uses for its own flush loop.
type Writer struct {
	sink Sink
	ch   chan logger.RequestLog
	done chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

// NewWriter creates a Writer and starts its background flush goroutine.
func NewWriter(ctx context.Context, sink Sink, slogger *slog.Logger) *Writer {
	w := &Writer{
		sink:    sink,
		ch:      make(chan logger.RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Record enqueues a completed request for async persistence. If the
// internal buffer is full, the row is dropped and counted rather than
// blocking the caller.
func (w *Writer) Record(entry logger.RequestLog) {
	select {
	case w.ch <- entry:
	default:
		atomic.AddInt64(&w.dropped, 1)
	}
}

// RecordBatch enqueues a batch of completed requests, for subscribing to
// logger.Logger's own flush batches.
func (w *Writer) RecordBatch(entries []logger.RequestLog) {
	for _, e := range entries {
		w.Record(e)
	}
}

// Dropped returns the number of rows dropped due to a full buffer.
func (w *Writer) Dropped() int64 {
	return atomic.LoadInt64(&w.dropped)
}

// Ready reports whether the underlying sink is reachable, for the health
// checker.
func (w *Writer) Ready() bool {
	ctx, cancel := context.WithTimeout(w.baseCtx, time.Second)
	defer cancel()
	return w.sink.Ping(ctx) == nil
}

// Close flushes any buffered rows and releases the sink.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return w.sink.Close()
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]logger.RequestLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(w.baseCtx, 10*time.Second)
		if err := w.sink.Insert(ctx, batch); err != nil && w.log != nil {
			w.log.Error("analytics: batch insert failed", slog.String("error", err.Error()), slog.Int("rows", len(batch)))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-w.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.done:
			for {
				select {
				case entry := <-w.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
