package logger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseSink is the durable sink for the unified chat-event stream
// C10's analytics read model queries. It is a second destination for
// exactly the same batches run flushes to slog — the logger's hot path
// never changes shape, it just gains a second, optional writer.
type ClickHouseSink struct {
	conn clickhouse.Conn
}

// NewClickHouseSink opens a connection and ensures the events table
// exists. addr is a "host:port" ClickHouse native-protocol endpoint.
func NewClickHouseSink(ctx context.Context, addr, database, username, password string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{Database: database, Username: username, Password: password},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS chat_events (
	id            UUID,
	assistant_id  Int64,
	provider      String,
	model         String,
	caller_email  String,
	input_tokens  UInt32,
	output_tokens UInt32,
	latency_ms    UInt16,
	status        UInt16,
	cached        UInt8,
	created_at    DateTime
) ENGINE = MergeTree()
ORDER BY (assistant_id, created_at)`
	if err := conn.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("clickhouse: create table: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

// Insert writes one flushed batch. assistantID extracts the
// "lamb_assistant.<id>" suffix already resolved by the gateway; entries
// whose model doesn't carry one are skipped (nothing for C10 to bucket).
func (s *ClickHouseSink) Insert(ctx context.Context, entries []RequestLog, assistantID func(model string) (int64, bool)) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO chat_events")
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}

	for _, e := range entries {
		aid, ok := assistantID(e.Model)
		if !ok {
			continue
		}
		if err := batch.Append(
			e.ID, aid, e.Provider, e.Model, e.CallerEmail,
			e.InputTokens, e.OutputTokens, e.LatencyMs, e.Status,
			boolToUint8(e.Cached), normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("clickhouse: append row: %w", err)
		}
	}

	return batch.Send()
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
